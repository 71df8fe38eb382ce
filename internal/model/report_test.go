package model

import (
	"errors"
	"image"
	"testing"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
)

// TestStatusTransitions checks every (current, target) pair against the forward path.
func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusNew, StatusProcessing, StatusCompleted}
	allowed := map[[2]Status]bool{
		{StatusNew, StatusProcessing}:       true,
		{StatusProcessing, StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			got := from.CanAdvanceTo(to)
			if got != allowed[[2]Status{from, to}] {
				t.Errorf("%s.CanAdvanceTo(%s) = %v", from, to, got)
			}
		}
	}
	if _, ok := StatusCompleted.Next(); ok {
		t.Error("completed should be terminal")
	}
}

func TestMigrateStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    Status
		wantErr bool
	}{
		{"pending", StatusNew, false},
		{"processed", StatusCompleted, false},
		{"new", StatusNew, false},
		{"processing", StatusProcessing, false},
		{"completed", StatusCompleted, false},
		{"archived", "", true},
	}
	for _, tt := range tests {
		got, err := MigrateStatus(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("MigrateStatus(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("MigrateStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNewReportRequiresNarrative(t *testing.T) {
	_, err := NewReport(ReportDraft{Metadata: ReportMetadata{Location: "Building A", Description: "   "}})
	if !errors.Is(err, errordefs.ErrIncompleteReport) {
		t.Fatalf("NewReport() error = %v, want incomplete report", err)
	}

	r, err := NewReport(ReportDraft{ID: "x", Metadata: ReportMetadata{Location: " Building A ", Description: "incident"}})
	if err != nil {
		t.Fatalf("NewReport() error = %v", err)
	}
	if r.Status != StatusNew || r.Location != "Building A" {
		t.Errorf("NewReport() = %+v", r)
	}
}

func TestParseFilter(t *testing.T) {
	tests := map[string]Filter{
		"":           AllReports(),
		"all":        AllReports(),
		"today":      CreatedToday(),
		"processing": ByStatus(StatusProcessing),
		"COMPLETED":  ByStatus(StatusCompleted),
	}
	for in, want := range tests {
		got, err := ParseFilter(in)
		if err != nil {
			t.Errorf("ParseFilter(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseFilter(%q) = %+v, want %+v", in, got, want)
		}
	}
	if _, err := ParseFilter("yesterday"); err == nil {
		t.Error("ParseFilter(yesterday) should fail")
	}
}

func TestSizeLabel(t *testing.T) {
	if got := SizeLabel(0); got != "Unknown" {
		t.Errorf("SizeLabel(0) = %q", got)
	}
	if got := SizeLabel(3 * 1024 * 1024 / 2); got != "1.50 MB" {
		t.Errorf("SizeLabel(1.5MiB) = %q", got)
	}
}

func TestMediaRegionRect(t *testing.T) {
	tests := []struct {
		name   string
		region MediaRegion
		want   image.Rectangle
	}{
		{"normal", MediaRegion{X: 2, Y: 3, Width: 4, Height: 5}, image.Rect(2, 3, 6, 8)},
		{"zero width", MediaRegion{X: 2, Y: 3, Width: 0, Height: 5}, image.Rectangle{}},
		{"negative width", MediaRegion{X: 10, Y: 3, Width: -4, Height: 5}, image.Rectangle{}},
		{"negative height", MediaRegion{X: 2, Y: 10, Width: 4, Height: -5}, image.Rectangle{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.region.Rect()
			if got != tt.want {
				t.Errorf("Rect() = %v, want %v", got, tt.want)
			}
			if tt.want.Empty() && !got.Empty() {
				t.Errorf("Rect() = %v, want empty", got)
			}
		})
	}
}

func TestRegionFromRect(t *testing.T) {
	r := image.Rect(5, 6, 15, 26)
	if got := RegionFromRect(r).Rect(); got != r {
		t.Errorf("RegionFromRect(%v).Rect() = %v", r, got)
	}
}
