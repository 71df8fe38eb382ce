package anonymize

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/ppkpt/anonreport/internal/model"
)

func noise(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	return img
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}

func TestPixelateCellsAreConstant(t *testing.T) {
	for _, block := range []int{2, 3, 5, 8} {
		img := noise(40, 30, int64(block))
		region := image.Rect(3, 4, 35, 27)
		if err := Pixelate(img, region, block); err != nil {
			t.Fatalf("Pixelate(block=%d) error = %v", block, err)
		}
		for cy := region.Min.Y; cy+block <= region.Max.Y; cy += block {
			for cx := region.Min.X; cx+block <= region.Max.X; cx += block {
				want := img.RGBAAt(cx, cy)
				for y := cy; y < cy+block; y++ {
					for x := cx; x < cx+block; x++ {
						if got := img.RGBAAt(x, y); got != want {
							t.Fatalf("block=%d cell (%d,%d): pixel (%d,%d) = %v, want %v", block, cx, cy, x, y, got, want)
						}
					}
				}
			}
		}
	}
}

func TestPixelateBlockOneIsIdentity(t *testing.T) {
	img := noise(16, 16, 1)
	before := clone(img)
	if err := Pixelate(img, img.Bounds(), 1); err != nil {
		t.Fatalf("Pixelate() error = %v", err)
	}
	if !bytes.Equal(img.Pix, before.Pix) {
		t.Error("block size 1 changed the image")
	}
}

func TestPixelateLeavesOutsideUntouched(t *testing.T) {
	img := noise(20, 20, 2)
	before := clone(img)
	region := image.Rect(5, 5, 15, 15)
	if err := Pixelate(img, region, 4); err != nil {
		t.Fatalf("Pixelate() error = %v", err)
	}
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if image.Pt(x, y).In(region) {
				continue
			}
			if img.RGBAAt(x, y) != before.RGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) outside region changed", x, y)
			}
		}
	}
}

func TestPixelateRejectsZeroBlock(t *testing.T) {
	img := noise(4, 4, 3)
	if err := Pixelate(img, img.Bounds(), 0); err == nil {
		t.Error("expected error for block size 0")
	}
}

func TestRegionIsClamped(t *testing.T) {
	img := noise(10, 10, 4)
	before := clone(img)

	// Fully outside: no-op.
	if err := BoxBlur(img, image.Rect(20, 20, 30, 30), 2); err != nil {
		t.Fatalf("BoxBlur() error = %v", err)
	}
	if err := Pixelate(img, image.Rect(-10, -10, -1, -1), 3); err != nil {
		t.Fatalf("Pixelate() error = %v", err)
	}
	if !bytes.Equal(img.Pix, before.Pix) {
		t.Error("region outside the frame changed the image")
	}

	// Partially outside: processed as the intersection.
	want := clone(img)
	if err := BoxBlur(want, image.Rect(5, 5, 10, 10), 2); err != nil {
		t.Fatalf("BoxBlur() error = %v", err)
	}
	if err := BoxBlur(img, image.Rect(5, 5, 50, 50), 2); err != nil {
		t.Fatalf("BoxBlur() error = %v", err)
	}
	if !bytes.Equal(img.Pix, want.Pix) {
		t.Error("clamped region differs from explicit intersection")
	}
}

func TestBoxBlurUniformRegionUnchanged(t *testing.T) {
	img := noise(30, 30, 5)
	region := image.Rect(5, 6, 25, 22)
	c := color.RGBA{R: 17, G: 130, B: 251, A: 255}
	fill(img, region, c)
	before := clone(img)

	for _, radius := range []int{1, 3, 10} {
		if err := BoxBlur(img, region, radius); err != nil {
			t.Fatalf("BoxBlur(radius=%d) error = %v", radius, err)
		}
		if !bytes.Equal(img.Pix, before.Pix) {
			t.Fatalf("radius=%d: uniform region changed", radius)
		}
	}
}

func TestBoxBlurExcludesPixelsOutsideRegion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	fill(img, img.Bounds(), color.RGBA{R: 255, G: 255, B: 255, A: 255})
	region := image.Rect(3, 3, 9, 9)
	black := color.RGBA{A: 255}
	fill(img, region, black)

	if err := BoxBlur(img, region, 2); err != nil {
		t.Fatalf("BoxBlur() error = %v", err)
	}
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			if got := img.RGBAAt(x, y); got != black {
				t.Fatalf("pixel (%d,%d) = %v, outside pixels leaked into the mean", x, y, got)
			}
		}
	}
}

func TestBoxBlurCornerSampleCount(t *testing.T) {
	const w, h = 9, 7
	for _, radius := range []int{1, 2, 3} {
		want := (radius + 1) * (radius + 1)
		corners := [][2]int{{0, 0}, {w - 1, 0}, {0, h - 1}, {w - 1, h - 1}}
		for _, c := range corners {
			if got := sampleCount(c[0], c[1], w, h, radius); got != want {
				t.Errorf("radius=%d corner %v: sample count = %d, want %d", radius, c, got, want)
			}
		}
		if got := sampleCount(w/2, h/2, w, h, radius); got != (2*radius+1)*(2*radius+1) {
			t.Errorf("radius=%d center: sample count = %d", radius, got)
		}
	}
}

func TestBoxBlurCornerValues(t *testing.T) {
	// A single bright pixel at each corner of a dark region: with radius 1 the
	// corner averages itself and three neighbors, so 200/4 = 50.
	region := image.Rect(2, 2, 8, 8)
	corners := []image.Point{{2, 2}, {7, 2}, {2, 7}, {7, 7}}
	for _, p := range corners {
		img := image.NewRGBA(image.Rect(0, 0, 10, 10))
		fill(img, region, color.RGBA{A: 255})
		img.SetRGBA(p.X, p.Y, color.RGBA{R: 200, A: 255})
		if err := BoxBlur(img, region, 1); err != nil {
			t.Fatalf("BoxBlur() error = %v", err)
		}
		if got := img.RGBAAt(p.X, p.Y).R; got != 50 {
			t.Errorf("corner %v: R = %d, want 50", p, got)
		}
	}
}

// naiveBoxBlur is the direct O(w*h*r^2) mean over in-region neighbors.
func naiveBoxBlur(img *image.RGBA, r image.Rectangle, radius int) *image.RGBA {
	out := clone(img)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			var sum [4]int
			count := 0
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(r) {
						continue
					}
					c := img.RGBAAt(p.X, p.Y)
					sum[0] += int(c.R)
					sum[1] += int(c.G)
					sum[2] += int(c.B)
					sum[3] += int(c.A)
					count++
				}
			}
			out.SetRGBA(x, y, color.RGBA{
				R: uint8((sum[0] + count/2) / count),
				G: uint8((sum[1] + count/2) / count),
				B: uint8((sum[2] + count/2) / count),
				A: uint8((sum[3] + count/2) / count),
			})
		}
	}
	return out
}

func TestBoxBlurMatchesDirectMean(t *testing.T) {
	tests := []struct {
		name   string
		region image.Rectangle
		radius int
	}{
		{"small radius", image.Rect(4, 4, 28, 20), 1},
		{"default radius", image.Rect(0, 0, 32, 24), 10},
		{"radius larger than region", image.Rect(10, 10, 15, 13), 8},
		{"single row", image.Rect(2, 5, 30, 6), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := noise(32, 24, 42)
			want := naiveBoxBlur(img, tt.region, tt.radius)
			if err := BoxBlur(img, tt.region, tt.radius); err != nil {
				t.Fatalf("BoxBlur() error = %v", err)
			}
			if !bytes.Equal(img.Pix, want.Pix) {
				t.Error("summed-area blur differs from the direct mean")
			}
		})
	}
}

func TestFixedRegion(t *testing.T) {
	got := CenterPlaceholder().Regions(image.Rect(0, 0, 1280, 720))
	want := []model.MediaRegion{{X: 384, Y: 144, Width: 512, Height: 360}}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Regions() = %+v, want %+v", got, want)
	}
	if got := CenterPlaceholder().Regions(image.Rectangle{}); got != nil {
		t.Errorf("Regions(empty) = %+v, want nil", got)
	}
}

func TestFilterApply(t *testing.T) {
	f := NewFilter(4, 2, nil)
	img := noise(20, 20, 7)
	region := []model.MediaRegion{{X: 4, Y: 4, Width: 8, Height: 8}}

	want := clone(img)
	if err := Pixelate(want, region[0].Rect(), 4); err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(img, model.MethodPixelation, region); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !bytes.Equal(img.Pix, want.Pix) {
		t.Error("Apply(pixelation) differs from Pixelate")
	}

	if err := f.Apply(img, model.AnonymizationMethod("sepia"), region); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestNewFilterDefaults(t *testing.T) {
	f := NewFilter(0, -1, nil)
	if f.PixelSize() != DefaultPixelSize || f.BlurRadius() != DefaultBlurRadius {
		t.Errorf("NewFilter(0, -1) = %d/%d", f.PixelSize(), f.BlurRadius())
	}
}

func TestFilterSkipsNegativeSizeRegions(t *testing.T) {
	f := NewFilter(4, 2, nil)
	regions := []model.MediaRegion{
		{X: 12, Y: 12, Width: -8, Height: 6},
		{X: 4, Y: 16, Width: 6, Height: -10},
	}
	for _, method := range []model.AnonymizationMethod{model.MethodPixelation, model.MethodBoxBlur} {
		img := noise(20, 20, 11)
		want := clone(img)
		if err := f.Apply(img, method, regions); err != nil {
			t.Fatalf("Apply(%s) error = %v", method, err)
		}
		if !bytes.Equal(img.Pix, want.Pix) {
			t.Errorf("Apply(%s) changed pixels for a negative-size region", method)
		}
	}
}
