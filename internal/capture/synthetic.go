package capture

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppkpt/anonreport/internal/render"
)

// SyntheticDevice is a DeviceProvider producing a moving test pattern.
// It stands in for camera hardware on servers and in tests.
type SyntheticDevice struct {
	Width  int
	Height int
	// Deny makes Open fail as if the user refused the permission prompt.
	Deny bool

	opened atomic.Int64
}

// NewSyntheticDevice creates a synthetic device with the given frame size.
func NewSyntheticDevice(width, height int) *SyntheticDevice {
	return &SyntheticDevice{Width: width, Height: height}
}

// Opened returns how many streams have been opened.
func (d *SyntheticDevice) Opened() int64 { return d.opened.Load() }

// Open implements DeviceProvider.
func (d *SyntheticDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Deny {
		return nil, ErrPermissionDenied
	}
	if !c.Video {
		return nil, ErrNoDevice
	}
	w, h := c.Width, c.Height
	if w <= 0 {
		w = d.Width
	}
	if h <= 0 {
		h = d.Height
	}
	if w <= 0 || h <= 0 {
		w, h = 640, 360
	}

	s := &syntheticStream{width: w, height: h, start: time.Now()}
	s.tracks = append(s.tracks, &syntheticTrack{kind: TrackVideo})
	if c.Audio {
		s.tracks = append(s.tracks, &syntheticTrack{kind: TrackAudio})
	}
	d.opened.Add(1)

	slog.Debug("synthetic stream opened", "width", w, "height", h, "audio", c.Audio)
	return s, nil
}

type syntheticTrack struct {
	kind    TrackKind
	stopped atomic.Bool
}

func (t *syntheticTrack) Kind() TrackKind { return t.kind }
func (t *syntheticTrack) Stop()           { t.stopped.Store(true) }
func (t *syntheticTrack) Stopped() bool   { return t.stopped.Load() }

type syntheticStream struct {
	width, height int
	start         time.Time
	tracks        []Track

	mu  sync.Mutex
	seq uint64
}

func (s *syntheticStream) Tracks() []Track { return s.tracks }

// Frame renders a diagonal gradient that shifts with every frame.
func (s *syntheticStream) Frame() (image.Image, error) {
	for _, t := range s.tracks {
		if t.Kind() == TrackVideo && t.(*syntheticTrack).Stopped() {
			return nil, render.ErrSourceLost
		}
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	shift := int(seq * 4)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x + shift),
				G: uint8(y + shift/2),
				B: uint8((x ^ y) + shift),
				A: 255,
			})
		}
	}
	return img, nil
}
