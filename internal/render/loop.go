package render

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"time"

	"github.com/ppkpt/anonreport/internal/anonymize"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/model"
)

// ErrSourceLost is returned by a FrameSource that will produce no more frames.
// The loop goes Idle when it sees it.
var ErrSourceLost = errors.New("frame source lost")

// FrameSource yields the most recent raw frame of a media source.
type FrameSource interface {
	Frame() (image.Image, error)
}

// State is the loop's scheduling state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Options configures a Loop.
type Options struct {
	Scheduler Scheduler
	Filter    *anonymize.Filter
	Regions   anonymize.RegionProvider
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Loop is the preview render loop.
//
// The loop runs while a source is attached and anonymization is enabled.
// Every iteration reads the configuration once, so a change made with
// SetConfig applies from the next iteration. Detach and SetConfig wait for an
// in-flight iteration to finish, after which no further iteration runs until
// the loop is started again.
type Loop struct {
	scheduler Scheduler
	filter    *anonymize.Filter
	regions   anonymize.RegionProvider
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// iterMu is held for the duration of an iteration and by every state
	// change, so state changes land on iteration boundaries.
	iterMu sync.Mutex
	buf    *image.RGBA

	mu        sync.Mutex
	source    FrameSource
	cfg       model.AnonymizationConfig
	state     State
	gen       uint64
	cancel    CancelFunc
	latest    *image.RGBA
	presented uint64
}

// NewLoop creates an idle Loop.
func NewLoop(opts Options) *Loop {
	l := &Loop{
		scheduler: opts.Scheduler,
		filter:    opts.Filter,
		regions:   opts.Regions,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		cfg:       model.DefaultAnonymization(),
	}
	if l.filter == nil {
		l.filter = anonymize.NewFilter(0, 0, opts.Metrics)
	}
	if l.regions == nil {
		l.regions = anonymize.CenterPlaceholder()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Attach sets the frame source and starts the loop if anonymization is enabled.
func (l *Loop) Attach(src FrameSource) {
	l.iterMu.Lock()
	defer l.iterMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
	l.source = src
	l.latest = nil
	if src != nil && l.cfg.Enabled {
		l.startLocked()
	}
}

// Detach stops the loop and drops the source and the last presented frame.
func (l *Loop) Detach() {
	l.iterMu.Lock()
	defer l.iterMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
	l.source = nil
	l.latest = nil
}

// SetConfig replaces the anonymization configuration. Disabling pauses the
// loop; enabling resumes it if a source is attached.
func (l *Loop) SetConfig(cfg model.AnonymizationConfig) {
	l.iterMu.Lock()
	defer l.iterMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cfg = cfg
	switch {
	case !cfg.Enabled && l.state == StateRunning:
		l.stopLocked()
		l.latest = nil
	case cfg.Enabled && l.state == StateIdle && l.source != nil:
		l.startLocked()
	}
}

// Config returns the current anonymization configuration.
func (l *Loop) Config() model.AnonymizationConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// State returns the scheduling state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Latest returns the last presented frame, or nil when nothing has been
// presented since the loop last started. The returned image is never written
// to again and must not be modified.
func (l *Loop) Latest() *image.RGBA {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Presented returns the number of frames presented since creation.
func (l *Loop) Presented() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.presented
}

func (l *Loop) startLocked() {
	l.gen++
	l.state = StateRunning
	l.scheduleLocked(l.gen)
}

func (l *Loop) stopLocked() {
	l.gen++
	l.state = StateIdle
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Loop) scheduleLocked(gen uint64) {
	l.cancel = l.scheduler.Schedule(func() { l.iterate(gen) })
}

func (l *Loop) iterate(gen uint64) {
	l.iterMu.Lock()
	defer l.iterMu.Unlock()

	l.mu.Lock()
	if gen != l.gen || l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	src, cfg := l.source, l.cfg
	l.cancel = nil
	l.mu.Unlock()

	start := time.Now()
	frame, err := l.draw(src, cfg)
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		if l.metrics != nil {
			l.metrics.FrameRenderErrors.Inc()
		}
		if errors.Is(err, ErrSourceLost) {
			l.logger.Info("frame source lost, render loop idle")
			l.stopLocked()
			l.latest = nil
			return
		}
		l.logger.Warn("render iteration failed", "error", err)
	} else {
		l.latest = frame
		l.presented++
		if l.metrics != nil {
			l.metrics.FramesRenderedTotal.Inc()
			l.metrics.FrameRenderDuration.Observe(elapsed.Seconds())
		}
	}
	l.scheduleLocked(gen)
}

// draw composites one frame into the working buffer and returns a snapshot
// of it for presentation.
func (l *Loop) draw(src FrameSource, cfg model.AnonymizationConfig) (out *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("render iteration panic: %v", r)
		}
	}()

	img, err := src.Frame()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.New("empty frame")
	}
	if l.buf == nil || l.buf.Bounds().Dx() != b.Dx() || l.buf.Bounds().Dy() != b.Dy() {
		l.buf = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(l.buf, l.buf.Bounds(), img, b.Min, draw.Src)

	if cfg.Enabled {
		regions := l.regions.Regions(l.buf.Bounds())
		if err := l.filter.Apply(l.buf, cfg.Method, regions); err != nil {
			return nil, err
		}
	}

	snap := image.NewRGBA(l.buf.Bounds())
	copy(snap.Pix, l.buf.Pix)
	return snap, nil
}
