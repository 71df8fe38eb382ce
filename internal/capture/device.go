package capture

import (
	"context"
	"errors"

	"github.com/ppkpt/anonreport/internal/render"
)

// Device errors. Both surface to callers as RPT_DEVICE_UNAVAILABLE.
var (
	ErrPermissionDenied = errors.New("device permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

// TrackKind identifies a media track.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Constraints describes the requested capture.
type Constraints struct {
	Video  bool
	Audio  bool
	Width  int
	Height int
}

// Track is one hardware handle held by an open stream.
type Track interface {
	Kind() TrackKind
	// Stop releases the handle. It is safe to call more than once.
	Stop()
}

// Stream is an open media source. Frame returns the latest raw video frame.
type Stream interface {
	render.FrameSource
	Tracks() []Track
}

// DeviceProvider grants access to capture hardware. Open may block while
// the user answers a permission prompt.
type DeviceProvider interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// NoDevice is a DeviceProvider for hosts without capture hardware.
type NoDevice struct{}

// Open implements DeviceProvider.
func (NoDevice) Open(context.Context, Constraints) (Stream, error) {
	return nil, ErrNoDevice
}

// releaseTracks stops every track of s.
func releaseTracks(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
