package anonymize

import (
	"image"

	"github.com/ppkpt/anonreport/internal/model"
)

// RegionProvider produces the regions to anonymize for a frame.
// Regions are recomputed on every frame and have no identity across frames.
type RegionProvider interface {
	Regions(frame image.Rectangle) []model.MediaRegion
}

// FixedRegion is a RegionProvider that always returns one rectangle defined
// as fractions of the frame size. It stands in for a face detector.
type FixedRegion struct {
	X, Y, Width, Height float64
}

// CenterPlaceholder returns the fixed placeholder region used until a real
// detector is available: 30%/20% offset, 40% x 50% of the frame.
func CenterPlaceholder() FixedRegion {
	return FixedRegion{X: 0.3, Y: 0.2, Width: 0.4, Height: 0.5}
}

// Regions implements RegionProvider.
func (f FixedRegion) Regions(frame image.Rectangle) []model.MediaRegion {
	w, h := float64(frame.Dx()), float64(frame.Dy())
	if w <= 0 || h <= 0 {
		return nil
	}
	return []model.MediaRegion{{
		X:      frame.Min.X + int(f.X*w),
		Y:      frame.Min.Y + int(f.Y*h),
		Width:  int(f.Width * w),
		Height: int(f.Height * h),
	}}
}

// RegionFunc adapts a plain function to RegionProvider.
type RegionFunc func(frame image.Rectangle) []model.MediaRegion

// Regions implements RegionProvider.
func (fn RegionFunc) Regions(frame image.Rectangle) []model.MediaRegion {
	return fn(frame)
}
