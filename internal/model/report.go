// Package model defines the data structures shared by the capture pipeline,
// the report lifecycle and the HTTP surface.
package model

import (
	"fmt"
	"strings"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
)

// Status is the review state of a submitted report.
// The only forward path is New -> Processing -> Completed.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Status values written by earlier releases of the recorder.
const (
	legacyStatusPending   = "pending"
	legacyStatusProcessed = "processed"
)

// ParseStatus parses one of the current status values.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusNew:
		return StatusNew, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// MigrateStatus maps a stored status onto the current vocabulary.
// It is applied once when records are loaded from the store.
func MigrateStatus(raw string) (Status, error) {
	switch raw {
	case legacyStatusPending:
		return StatusNew, nil
	case legacyStatusProcessed:
		return StatusCompleted, nil
	}
	return ParseStatus(raw)
}

// Next returns the immediate successor of s, or false if s is terminal.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusNew:
		return StatusProcessing, true
	case StatusProcessing:
		return StatusCompleted, true
	}
	return "", false
}

// CanAdvanceTo reports whether target is the immediate successor of s.
func (s Status) CanAdvanceTo(target Status) bool {
	next, ok := s.Next()
	return ok && next == target
}

// Report is the durable record of a submitted incident report.
// The JSON shape is the persisted contract read by the dashboard.
type Report struct {
	ID          string `json:"id"`                 // Process-unique identifier
	Filename    string `json:"filename"`           // Display filename of the artifact
	CreatedDate string `json:"uploadDate"`         // Local date the report was created
	CreatedTime string `json:"uploadTime"`         // Local time the report was created
	SizeLabel   string `json:"size"`               // Human readable artifact size
	Status      Status `json:"status"`             // Review state
	BlurType    string `json:"blurType,omitempty"` // Anonymization method active at submit
	Location    string `json:"location"`           // Where the incident happened
	Description string `json:"description"`        // What happened
	Email       string `json:"email,omitempty"`    // Optional reporter contact
	Phone       string `json:"phone,omitempty"`    // Optional reporter contact
	VideoURL    string `json:"videoUrl,omitempty"` // Opaque media reference
}

// ReportMetadata is the narrative and contact data entered by a reporter.
type ReportMetadata struct {
	Location    string `json:"location"`
	Description string `json:"description"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Normalize trims surrounding whitespace from every field.
func (m ReportMetadata) Normalize() ReportMetadata {
	return ReportMetadata{
		Location:    strings.TrimSpace(m.Location),
		Description: strings.TrimSpace(m.Description),
		Email:       strings.TrimSpace(m.Email),
		Phone:       strings.TrimSpace(m.Phone),
	}
}

// Validate checks the required narrative fields.
func (m ReportMetadata) Validate() error {
	n := m.Normalize()
	var missing []string
	if n.Location == "" {
		missing = append(missing, "location")
	}
	if n.Description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return errordefs.NewWithDetails(errordefs.RPT_INCOMPLETE_REPORT,
			"location and description are required", "", map[string]interface{}{"missing": missing})
	}
	return nil
}

// ReportDraft carries everything needed to construct a Report.
type ReportDraft struct {
	ID          string
	Filename    string
	CreatedDate string
	CreatedTime string
	SizeLabel   string
	BlurType    string
	Metadata    ReportMetadata
	MediaRef    string
}

// NewReport builds a Report in status New.
// A report without location and description cannot be constructed.
func NewReport(d ReportDraft) (Report, error) {
	if err := d.Metadata.Validate(); err != nil {
		return Report{}, err
	}
	meta := d.Metadata.Normalize()
	return Report{
		ID:          d.ID,
		Filename:    d.Filename,
		CreatedDate: d.CreatedDate,
		CreatedTime: d.CreatedTime,
		SizeLabel:   d.SizeLabel,
		Status:      StatusNew,
		BlurType:    d.BlurType,
		Location:    meta.Location,
		Description: meta.Description,
		Email:       meta.Email,
		Phone:       meta.Phone,
		VideoURL:    d.MediaRef,
	}, nil
}

// SizeLabel formats a byte count the way the dashboard displays it.
func SizeLabel(bytes int64) string {
	if bytes <= 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.2f MB", float64(bytes)/1024/1024)
}

// FilterKind selects which records a query returns.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterCreatedToday
	FilterByStatus
)

// Filter is a dashboard query filter.
type Filter struct {
	Kind   FilterKind
	Status Status // Only used with FilterByStatus
}

// AllReports matches every record.
func AllReports() Filter { return Filter{Kind: FilterAll} }

// CreatedToday matches records whose created date is the current local date.
func CreatedToday() Filter { return Filter{Kind: FilterCreatedToday} }

// ByStatus matches records currently in status s.
func ByStatus(s Status) Filter { return Filter{Kind: FilterByStatus, Status: s} }

// ParseFilter parses the dashboard filter names.
// Accepted: "", "all", "today", or any status value.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return AllReports(), nil
	case "today":
		return CreatedToday(), nil
	}
	st, err := ParseStatus(s)
	if err != nil {
		return Filter{}, fmt.Errorf("unknown filter %q", s)
	}
	return ByStatus(st), nil
}

// String returns the filter name accepted by ParseFilter.
func (f Filter) String() string {
	switch f.Kind {
	case FilterCreatedToday:
		return "today"
	case FilterByStatus:
		return string(f.Status)
	default:
		return "all"
	}
}

// Stats holds the dashboard summary counts.
type Stats struct {
	Total      int `json:"total"`
	Today      int `json:"today"`
	New        int `json:"new"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
}

// ChangeKind describes a committed lifecycle change.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeStatusChanged ChangeKind = "status_changed"
)

// Change is delivered to lifecycle observers after each commit.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Report Report     `json:"report"`
	From   Status     `json:"from,omitempty"` // Previous status for ChangeStatusChanged
}
