// Package render drives the preview loop: once per refresh it draws the
// latest source frame into a working buffer, anonymizes the configured
// regions and presents the result.
package render

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc cancels a scheduled callback. Calling it after the callback ran,
// or more than once, is a no-op.
type CancelFunc func()

// Scheduler runs a callback once at the next refresh boundary.
type Scheduler interface {
	Schedule(fn func()) CancelFunc
}

// taskQueue holds callbacks waiting for the next boundary.
type taskQueue struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]func()
}

func (q *taskQueue) add(fn func()) CancelFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[uint64]func())
	}
	q.next++
	id := q.next
	q.pending[id] = fn
	return func() {
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
	}
}

// runDue runs every callback that was pending when it was called, in
// scheduling order. Callbacks scheduled while it runs wait for the next call.
// A callback cancelled before its turn does not run.
func (q *taskQueue) runDue() int {
	q.mu.Lock()
	ids := make([]uint64, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ran := 0
	for _, id := range ids {
		q.mu.Lock()
		fn, ok := q.pending[id]
		delete(q.pending, id)
		q.mu.Unlock()
		if ok {
			fn()
			ran++
		}
	}
	return ran
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// FrameClock is a Scheduler driven by a fixed-rate ticker. All callbacks run
// on the clock's goroutine, one at a time.
type FrameClock struct {
	queue  taskQueue
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewFrameClock starts a clock ticking hz times per second.
func NewFrameClock(hz int) *FrameClock {
	if hz < 1 {
		hz = 30
	}
	c := &FrameClock{
		ticker: time.NewTicker(time.Second / time.Duration(hz)),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *FrameClock) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.queue.runDue()
		}
	}
}

// Schedule implements Scheduler.
func (c *FrameClock) Schedule(fn func()) CancelFunc {
	return c.queue.add(fn)
}

// Close stops the clock and waits for a running callback to return.
// Pending callbacks are dropped.
func (c *FrameClock) Close() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.done)
	})
	c.wg.Wait()
}

// ManualScheduler is a Scheduler advanced explicitly with Step.
type ManualScheduler struct {
	queue taskQueue
}

// NewManualScheduler creates a ManualScheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(fn func()) CancelFunc {
	return s.queue.add(fn)
}

// Step runs one refresh boundary and returns how many callbacks ran.
func (s *ManualScheduler) Step() int {
	return s.queue.runDue()
}

// Pending returns the number of callbacks waiting for the next Step.
func (s *ManualScheduler) Pending() int {
	return s.queue.len()
}
