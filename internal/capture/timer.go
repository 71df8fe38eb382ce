package capture

import (
	"sync"
	"time"
)

// IntervalTimer calls a function on a fixed interval.
type IntervalTimer interface {
	Start(interval time.Duration, fn func())
	// Stop cancels the timer and returns once no call of fn is running.
	Stop()
}

// TickerTimer is an IntervalTimer backed by time.Ticker.
type TickerTimer struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTickerTimer creates a stopped TickerTimer.
func NewTickerTimer() *TickerTimer {
	return &TickerTimer{}
}

// Start implements IntervalTimer. Starting a running timer restarts it.
func (t *TickerTimer) Start(interval time.Duration, fn func()) {
	t.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()
}

// Stop implements IntervalTimer.
func (t *TickerTimer) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
