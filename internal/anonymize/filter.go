// Package anonymize transforms rectangular pixel regions of a frame buffer
// so that the content inside them can no longer be recognized.
package anonymize

import (
	"fmt"
	"image"
)

// Pixelate partitions region into blockSize x blockSize cells and fills each
// cell with the color of its top-left pixel. Cells on the right and bottom
// edges may be partial. The region is clamped to the image bounds first; an
// empty region is a no-op.
func Pixelate(img *image.RGBA, region image.Rectangle, blockSize int) error {
	if blockSize < 1 {
		return fmt.Errorf("pixelate: block size must be >= 1, got %d", blockSize)
	}
	r := region.Intersect(img.Bounds())
	if r.Empty() || blockSize == 1 {
		return nil
	}

	for cy := r.Min.Y; cy < r.Max.Y; cy += blockSize {
		for cx := r.Min.X; cx < r.Max.X; cx += blockSize {
			src := img.PixOffset(cx, cy)
			var c [4]uint8
			copy(c[:], img.Pix[src:src+4])

			cell := image.Rect(cx, cy, cx+blockSize, cy+blockSize).Intersect(r)
			for y := cell.Min.Y; y < cell.Max.Y; y++ {
				row := img.PixOffset(cell.Min.X, y)
				for x := 0; x < cell.Dx(); x++ {
					copy(img.Pix[row+4*x:row+4*x+4], c[:])
				}
			}
		}
	}
	return nil
}

// BoxBlur replaces every pixel in region with the unweighted mean of the
// pixels in its (2*radius+1)^2 neighborhood that lie inside region. Neighbors
// outside the region are excluded rather than clamped, so pixels near the
// region edge average fewer samples. Channels are averaged independently and
// rounded half-up.
//
// The means are computed from a summed-area table, so the cost does not
// depend on radius.
func BoxBlur(img *image.RGBA, region image.Rectangle, radius int) error {
	if radius < 0 {
		return fmt.Errorf("box blur: radius must be >= 0, got %d", radius)
	}
	r := region.Intersect(img.Bounds())
	if r.Empty() || radius == 0 {
		return nil
	}

	w, h := r.Dx(), r.Dy()
	sat := newSummedArea(img, r)

	out := make([]uint8, w*h*4)
	for y := 0; y < h; y++ {
		y0, y1 := window(y, h, radius)
		for x := 0; x < w; x++ {
			x0, x1 := window(x, w, radius)
			count := uint64(sampleCount(x, y, w, h, radius))
			for c := 0; c < 4; c++ {
				sum := sat.sum(x0, y0, x1, y1, c)
				out[(y*w+x)*4+c] = uint8((sum + count/2) / count)
			}
		}
	}

	for y := 0; y < h; y++ {
		row := img.PixOffset(r.Min.X, r.Min.Y+y)
		copy(img.Pix[row:row+w*4], out[y*w*4:(y+1)*w*4])
	}
	return nil
}

// window returns the half-open range [lo, hi) of indices within radius of i,
// limited to [0, n).
func window(i, n, radius int) (lo, hi int) {
	lo = i - radius
	if lo < 0 {
		lo = 0
	}
	hi = i + radius + 1
	if hi > n {
		hi = n
	}
	return lo, hi
}

// sampleCount is the number of region pixels averaged for the pixel at
// (x, y) relative to a w x h region.
func sampleCount(x, y, w, h, radius int) int {
	x0, x1 := window(x, w, radius)
	y0, y1 := window(y, h, radius)
	return (x1 - x0) * (y1 - y0)
}

// summedArea is an inclusive prefix sum over a region, one plane per channel.
// Entry (x, y) holds the sum of all pixels with coordinates < (x, y).
type summedArea struct {
	stride int
	sums   []uint64
}

func newSummedArea(img *image.RGBA, r image.Rectangle) *summedArea {
	w, h := r.Dx(), r.Dy()
	s := &summedArea{stride: w + 1, sums: make([]uint64, (w+1)*(h+1)*4)}
	for y := 0; y < h; y++ {
		var rowSum [4]uint64
		src := img.PixOffset(r.Min.X, r.Min.Y+y)
		for x := 0; x < w; x++ {
			above := (y*s.stride + x + 1) * 4
			cur := ((y+1)*s.stride + x + 1) * 4
			for c := 0; c < 4; c++ {
				rowSum[c] += uint64(img.Pix[src+x*4+c])
				s.sums[cur+c] = s.sums[above+c] + rowSum[c]
			}
		}
	}
	return s
}

// sum returns the channel sum over the half-open rectangle [x0,x1) x [y0,y1).
func (s *summedArea) sum(x0, y0, x1, y1, c int) uint64 {
	at := func(x, y int) uint64 { return s.sums[(y*s.stride+x)*4+c] }
	return at(x1, y1) - at(x0, y1) - at(x1, y0) + at(x0, y0)
}
