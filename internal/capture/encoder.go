package capture

import (
	"errors"
	"fmt"
)

// ErrUnsupportedCodec is returned by an EncoderFactory that cannot produce
// the requested container/codec.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Container MIME types, most preferred first. An empty type asks the factory
// for its default format.
const (
	MimeWebMVP9 = "video/webm;codecs=vp9"
	MimeWebM    = "video/webm"
	MimeDefault = ""
)

// PreferredMimeTypes is the codec fallback chain tried by Session.Start.
var PreferredMimeTypes = []string{MimeWebMVP9, MimeWebM, MimeDefault}

// Encoder encodes the raw stream into chunks of a container.
type Encoder interface {
	// MimeType describes the produced container.
	MimeType() string
	Start() error
	// RequestData returns everything encoded since the previous call.
	RequestData() ([]byte, error)
	// Stop flushes and returns the final chunk. The encoder is unusable afterwards.
	Stop() ([]byte, error)
}

// EncoderFactory creates encoders for a stream.
type EncoderFactory interface {
	NewEncoder(src Stream, mimeType string) (Encoder, error)
}

// newEncoder walks the fallback chain and returns the first encoder the
// factory supports.
func newEncoder(f EncoderFactory, src Stream, chain []string) (Encoder, error) {
	var lastErr error
	for _, mt := range chain {
		enc, err := f.NewEncoder(src, mt)
		if err == nil {
			return enc, nil
		}
		if !errors.Is(err, ErrUnsupportedCodec) {
			return nil, fmt.Errorf("create encoder %q: %w", mt, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrUnsupportedCodec
	}
	return nil, fmt.Errorf("no supported container in %v: %w", chain, lastErr)
}
