package anonymize

import (
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/model"
)

// Default filter parameters.
const (
	DefaultPixelSize  = 20
	DefaultBlurRadius = 10
)

// Filter applies an AnonymizationConfig to a set of regions.
type Filter struct {
	pixelSize  int
	blurRadius int
	metrics    *metrics.Metrics
}

// NewFilter creates a Filter. Non-positive values select the defaults.
func NewFilter(pixelSize, blurRadius int, m *metrics.Metrics) *Filter {
	if pixelSize < 1 {
		pixelSize = DefaultPixelSize
	}
	if blurRadius < 1 {
		blurRadius = DefaultBlurRadius
	}
	return &Filter{pixelSize: pixelSize, blurRadius: blurRadius, metrics: m}
}

// PixelSize returns the pixelation block size.
func (f *Filter) PixelSize() int { return f.pixelSize }

// BlurRadius returns the box blur radius.
func (f *Filter) BlurRadius() int { return f.blurRadius }

// Apply runs method over every region of img.
func (f *Filter) Apply(img *image.RGBA, method model.AnonymizationMethod, regions []model.MediaRegion) error {
	start := time.Now()
	defer func() {
		if f.metrics != nil {
			f.metrics.FilterDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
		}
	}()

	for _, region := range regions {
		var err error
		switch method {
		case model.MethodPixelation:
			err = Pixelate(img, region.Rect(), f.pixelSize)
		case model.MethodBoxBlur:
			err = BoxBlur(img, region.Rect(), f.blurRadius)
		default:
			return fmt.Errorf("unknown anonymization method %q", method)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ToRGBA returns img as an *image.RGBA with bounds starting at the origin.
// The result never aliases img.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
