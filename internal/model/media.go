package model

import (
	"fmt"
	"image"
	"strings"
)

// AnonymizationMethod selects the pixel-region filter.
type AnonymizationMethod string

const (
	MethodPixelation AnonymizationMethod = "pixelation"
	// MethodBoxBlur keeps the "gaussian" wire name used by stored reports.
	MethodBoxBlur AnonymizationMethod = "gaussian"
)

// ParseAnonymizationMethod accepts the wire names plus "boxblur"/"box".
func ParseAnonymizationMethod(s string) (AnonymizationMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pixelation", "pixelate":
		return MethodPixelation, nil
	case "gaussian", "boxblur", "box", "blur":
		return MethodBoxBlur, nil
	}
	return "", fmt.Errorf("unknown anonymization method %q", s)
}

// AnonymizationConfig controls the preview filter. A render iteration reads
// it once at the start; changes apply from the next iteration.
type AnonymizationConfig struct {
	Enabled bool                `json:"enabled"`
	Method  AnonymizationMethod `json:"method"`
}

// DefaultAnonymization is disabled box blur, matching the recorder's initial state.
func DefaultAnonymization() AnonymizationConfig {
	return AnonymizationConfig{Enabled: false, Method: MethodBoxBlur}
}

// MediaRegion is an axis-aligned rectangle in frame pixel coordinates.
type MediaRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the region to an image.Rectangle. A region with a
// non-positive width or height is empty.
func (r MediaRegion) Rect() image.Rectangle {
	if r.Width <= 0 || r.Height <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// RegionFromRect converts an image.Rectangle to a MediaRegion.
func RegionFromRect(r image.Rectangle) MediaRegion {
	return MediaRegion{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// CaptureArtifact is a finalized, playable media object.
// Data is never modified after construction.
type CaptureArtifact struct {
	Data       []byte // Concatenated chunks, or the imported file contents
	MimeType   string // Container/codec description
	Filename   string // Original filename for imported files
	ChunkCount int    // Number of encoded chunks assembled into Data
	Imported   bool   // True when the artifact came from importFile
}

// TotalBytes returns the artifact size.
func (a *CaptureArtifact) TotalBytes() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// MediaFile is a file handed to importFile.
type MediaFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// IsVideoOrImage reports whether mimeType names a video or image type.
func IsVideoOrImage(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mt, "video/") || strings.HasPrefix(mt, "image/")
}
