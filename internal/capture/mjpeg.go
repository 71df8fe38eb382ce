package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/ppkpt/anonreport/internal/render"
)

// MimeMotionJPEG is the container produced by the MJPEG encoder: a sequence
// of concatenated JPEG images.
const MimeMotionJPEG = "video/x-motion-jpeg"

// MJPEGFactory creates motion-JPEG encoders. It supports only its own
// container, so WebM requests fall through to the default.
type MJPEGFactory struct {
	Quality int
}

// NewEncoder implements EncoderFactory.
func (f MJPEGFactory) NewEncoder(src Stream, mimeType string) (Encoder, error) {
	if mimeType != MimeDefault && mimeType != MimeMotionJPEG {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
	q := f.Quality
	if q <= 0 || q > 100 {
		q = 75
	}
	return &mjpegEncoder{src: src, quality: q}, nil
}

type mjpegEncoder struct {
	src     Stream
	quality int

	mu      sync.Mutex
	started bool
	stopped bool
}

func (e *mjpegEncoder) MimeType() string { return MimeMotionJPEG }

func (e *mjpegEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("encoder stopped")
	}
	e.started = true
	return nil
}

// RequestData encodes the current frame as one JPEG.
func (e *mjpegEncoder) RequestData() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return nil, errors.New("encoder not running")
	}
	return e.encodeLocked()
}

// Stop encodes a last frame if the source is still live.
func (e *mjpegEncoder) Stop() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, nil
	}
	e.stopped = true
	if !e.started {
		return nil, nil
	}
	data, err := e.encodeLocked()
	if errors.Is(err, render.ErrSourceLost) {
		return nil, nil
	}
	return data, err
}

func (e *mjpegEncoder) encodeLocked() ([]byte, error) {
	img, err := e.src.Frame()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
