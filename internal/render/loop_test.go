package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/ppkpt/anonreport/internal/anonymize"
	"github.com/ppkpt/anonreport/internal/model"
)

// stripeSource returns a frame of vertical stripes so any filter visibly
// changes the region.
type stripeSource struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	panics bool
}

func (s *stripeSource) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panics {
		s.panics = false
		panic("decoder exploded")
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			v := uint8(0)
			if x%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img, nil
}

func (s *stripeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestLoop() (*Loop, *ManualScheduler) {
	sched := NewManualScheduler()
	l := NewLoop(Options{
		Scheduler: sched,
		Filter:    anonymize.NewFilter(4, 2, nil),
		Regions:   anonymize.CenterPlaceholder(),
	})
	return l, sched
}

var boxBlurOn = model.AnonymizationConfig{Enabled: true, Method: model.MethodBoxBlur}

func TestLoopIdleUntilEnabled(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{}
	l.Attach(src)

	if l.State() != StateIdle {
		t.Fatalf("State() = %v, want idle while anonymization disabled", l.State())
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", sched.Pending())
	}

	l.SetConfig(boxBlurOn)
	if l.State() != StateRunning {
		t.Fatalf("State() = %v, want running", l.State())
	}
	if n := sched.Step(); n != 1 {
		t.Fatalf("Step() ran %d callbacks, want 1", n)
	}
	if l.Latest() == nil {
		t.Fatal("Latest() = nil after one iteration")
	}
	if sched.Pending() != 1 {
		t.Errorf("Pending() = %d, want the next iteration scheduled", sched.Pending())
	}
}

func TestLoopFiltersOnlyTheRegion(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{}
	l.SetConfig(boxBlurOn)
	l.Attach(src)
	sched.Step()

	raw, _ := src.Frame()
	got := l.Latest()
	region := anonymize.CenterPlaceholder().Regions(got.Bounds())[0].Rect()

	changed := false
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			same := got.RGBAAt(x, y) == raw.(*image.RGBA).RGBAAt(x, y)
			if !image.Pt(x, y).In(region) && !same {
				t.Fatalf("pixel (%d,%d) outside region changed", x, y)
			}
			if image.Pt(x, y).In(region) && !same {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("region was not anonymized")
	}
}

func TestLoopDisableStopsScheduling(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{}
	l.SetConfig(boxBlurOn)
	l.Attach(src)
	sched.Step()

	l.SetConfig(model.AnonymizationConfig{Enabled: false, Method: model.MethodBoxBlur})
	if l.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", l.State())
	}
	if l.Latest() != nil {
		t.Error("Latest() should be cleared when the loop pauses")
	}
	calls := src.Calls()
	for i := 0; i < 3; i++ {
		if n := sched.Step(); n != 0 {
			t.Fatalf("Step() ran %d callbacks after disable", n)
		}
	}
	if src.Calls() != calls {
		t.Error("source read after the loop stopped")
	}

	l.SetConfig(boxBlurOn)
	if l.State() != StateRunning {
		t.Fatalf("State() = %v, want running after re-enable", l.State())
	}
	sched.Step()
	if l.Latest() == nil {
		t.Error("Latest() = nil after resume")
	}
}

func TestLoopDetach(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{}
	l.SetConfig(boxBlurOn)
	l.Attach(src)
	sched.Step()

	l.Detach()
	if l.State() != StateIdle || l.Latest() != nil {
		t.Fatalf("after Detach: state=%v latest=%v", l.State(), l.Latest() != nil)
	}
	calls := src.Calls()
	sched.Step()
	if src.Calls() != calls {
		t.Error("iteration ran after Detach")
	}
}

func TestLoopStaleCallbackDoesNotRun(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{}
	l.SetConfig(boxBlurOn)
	l.Attach(src)

	// Restart with a new source before the first callback fires; only the
	// new generation may run.
	other := &stripeSource{}
	l.Attach(other)
	sched.Step()
	if src.Calls() != 0 {
		t.Errorf("old source read %d times", src.Calls())
	}
	if other.Calls() != 1 {
		t.Errorf("new source read %d times, want 1", other.Calls())
	}
}

func TestLoopConfigAppliesNextIteration(t *testing.T) {
	l, sched := newTestLoop()
	l.SetConfig(boxBlurOn)
	l.Attach(&stripeSource{})
	sched.Step()
	blurred := l.Latest()

	l.SetConfig(model.AnonymizationConfig{Enabled: true, Method: model.MethodPixelation})
	if l.Latest() != blurred {
		t.Fatal("SetConfig changed the presented frame")
	}
	sched.Step()
	if bytes.Equal(l.Latest().Pix, blurred.Pix) {
		t.Error("method change not applied on the next iteration")
	}
}

func TestLoopSurvivesIterationErrors(t *testing.T) {
	l, sched := newTestLoop()
	src := &stripeSource{errs: []error{errors.New("decode failed")}, panics: true}
	l.SetConfig(boxBlurOn)
	l.Attach(src)

	sched.Step() // panic
	sched.Step() // error
	if l.Latest() != nil {
		t.Fatal("failed iterations must not present a frame")
	}
	if l.State() != StateRunning {
		t.Fatalf("State() = %v, want running after errors", l.State())
	}
	sched.Step()
	if l.Latest() == nil || l.Presented() != 1 {
		t.Errorf("Presented() = %d, want 1", l.Presented())
	}
}

func TestLoopSourceLostGoesIdle(t *testing.T) {
	l, sched := newTestLoop()
	l.SetConfig(boxBlurOn)
	l.Attach(&stripeSource{errs: []error{ErrSourceLost}})
	sched.Step()
	if l.State() != StateIdle {
		t.Errorf("State() = %v, want idle", l.State())
	}
	if sched.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", sched.Pending())
	}
}

func TestFrameClockRunsAndCancels(t *testing.T) {
	c := NewFrameClock(200)
	defer c.Close()

	ran := make(chan struct{})
	c.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled callback did not run")
	}

	var mu sync.Mutex
	cancelledRan := false
	cancel := c.Schedule(func() {
		mu.Lock()
		cancelledRan = true
		mu.Unlock()
	})
	cancel()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if cancelledRan {
		t.Error("cancelled callback ran")
	}
}

func TestFrameClockWithLoop(t *testing.T) {
	c := NewFrameClock(200)
	defer c.Close()
	l := NewLoop(Options{Scheduler: c})
	l.SetConfig(boxBlurOn)
	l.Attach(&stripeSource{})

	deadline := time.Now().Add(2 * time.Second)
	for l.Presented() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Presented() = %d after 2s", l.Presented())
		}
		time.Sleep(5 * time.Millisecond)
	}
	l.Detach()
	n := l.Presented()
	time.Sleep(50 * time.Millisecond)
	if l.Presented() != n {
		t.Error("frames presented after Detach")
	}
}

func TestLoopUsesSwappedRegionProvider(t *testing.T) {
	// A detector that finds the top-left corner on every other frame.
	var frames int
	detector := anonymize.RegionFunc(func(frame image.Rectangle) []model.MediaRegion {
		frames++
		if frames%2 == 0 {
			return nil
		}
		return []model.MediaRegion{model.RegionFromRect(image.Rect(0, 0, 8, 8).Intersect(frame))}
	})
	sched := NewManualScheduler()
	l := NewLoop(Options{
		Scheduler: sched,
		Filter:    anonymize.NewFilter(4, 2, nil),
		Regions:   detector,
	})
	src := &stripeSource{}
	l.SetConfig(model.AnonymizationConfig{Enabled: true, Method: model.MethodPixelation})
	l.Attach(src)

	raw, _ := src.Frame()
	rawRGBA := raw.(*image.RGBA)

	sched.Step()
	got := l.Latest()
	// Pixelation copies each cell's top-left pixel: (1,0) takes (0,0).
	if got.RGBAAt(1, 0) != rawRGBA.RGBAAt(0, 0) {
		t.Errorf("detected region not pixelated: (1,0) = %v", got.RGBAAt(1, 0))
	}
	if got.RGBAAt(9, 0) != rawRGBA.RGBAAt(9, 0) {
		t.Errorf("pixel outside detected region changed: (9,0) = %v", got.RGBAAt(9, 0))
	}

	sched.Step()
	if !bytes.Equal(l.Latest().Pix, rawRGBA.Pix) {
		t.Error("frame without detections was filtered")
	}
}
