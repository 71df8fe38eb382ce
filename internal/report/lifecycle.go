package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/event"
	"github.com/ppkpt/anonreport/internal/media"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/model"
)

// Record derivation layouts. Dates and times are rendered the way the
// dashboard has always displayed them (day/month/year, dotted time).
const (
	DateLayout = "2/1/2006"
	TimeLayout = "15.04.05"
)

// Submission is everything needed to create a report.
type Submission struct {
	Metadata model.ReportMetadata
	Artifact *model.CaptureArtifact
	// Anonymization is the preview filter active at submit time; nil when
	// anonymization was off.
	Anonymization *model.AnonymizationConfig
}

// Options configures a Lifecycle.
type Options struct {
	Media    media.Store
	Events   event.Publisher
	Location *time.Location   // Zone for created dates and the "today" filter
	Clock    func() time.Time // Defaults to time.Now
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Lifecycle applies the report state machine over a Store and notifies
// observers of every committed change.
type Lifecycle struct {
	store   *Store
	media   media.Store
	events  event.Publisher
	loc     *time.Location
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	obsMu     sync.Mutex
	observers map[uint64]func(model.Change)
	nextObs   uint64
}

// NewLifecycle creates a Lifecycle over store.
func NewLifecycle(store *Store, opts Options) *Lifecycle {
	l := &Lifecycle{
		store:     store,
		media:     opts.Media,
		events:    opts.Events,
		loc:       opts.Location,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		observers: make(map[uint64]func(model.Change)),
	}
	if l.media == nil {
		l.media = media.NewMemory()
	}
	if l.events == nil {
		l.events = event.NewNoop()
	}
	if l.loc == nil {
		l.loc = time.Local
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Store returns the underlying store.
func (l *Lifecycle) Store() *Store { return l.store }

// Submit creates a report for a finished artifact. It fails with
// RPT_INCOMPLETE_REPORT when location or description is missing and with
// RPT_NO_MEDIA when there is no artifact; in both cases nothing is written.
func (l *Lifecycle) Submit(ctx context.Context, sub Submission) (model.Report, error) {
	ctx, span := otel.Tracer("anonreport").Start(ctx, "report.Submit")
	defer span.End()

	rep, err := l.submit(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.countSubmission("error")
		return model.Report{}, err
	}
	span.SetAttributes(attribute.String("report.id", rep.ID))
	l.countSubmission("ok")
	return rep, nil
}

func (l *Lifecycle) submit(ctx context.Context, sub Submission) (model.Report, error) {
	if err := sub.Metadata.Validate(); err != nil {
		return model.Report{}, err
	}
	art := sub.Artifact
	if art == nil || len(art.Data) == 0 {
		return model.Report{}, errordefs.New(errordefs.RPT_NO_MEDIA, "record or import a video before submitting", "")
	}

	now := l.clock().In(l.loc)
	id := newID(now)
	date := now.Format(DateLayout)
	filename := fmt.Sprintf("Laporan_%s_%d%s", strings.ReplaceAll(date, "/", "-"), now.UnixMilli(), extensionFor(art))

	ref, err := l.media.Put(ctx, media.ObjectKey(id, filename), art.MimeType, art.Data)
	if err != nil {
		return model.Report{}, errordefs.Wrap(errordefs.RPT_INTERNAL, "failed to store media", err)
	}

	draft := model.ReportDraft{
		ID:          id,
		Filename:    filename,
		CreatedDate: date,
		CreatedTime: now.Format(TimeLayout),
		SizeLabel:   model.SizeLabel(art.TotalBytes()),
		Metadata:    sub.Metadata,
		MediaRef:    ref,
	}
	if a := sub.Anonymization; a != nil && a.Enabled {
		draft.BlurType = string(a.Method)
	}

	rec, err := model.NewReport(draft)
	if err != nil {
		l.discardMedia(ctx, ref)
		return model.Report{}, err
	}
	created, err := l.store.Create(ctx, rec)
	if err != nil {
		l.discardMedia(ctx, ref)
		return model.Report{}, err
	}

	l.logger.Info("report submitted", "id", created.ID, "filename", created.Filename, "size", created.SizeLabel, "blur_type", created.BlurType)
	l.notify(model.Change{Kind: model.ChangeCreated, Report: created})
	l.publish(ctx, "reports.created", func() error { return l.events.PublishReportCreated(ctx, created) })
	return created, nil
}

// discardMedia removes an artifact whose report was never written.
func (l *Lifecycle) discardMedia(ctx context.Context, ref string) {
	if err := l.media.Delete(context.WithoutCancel(ctx), ref); err != nil {
		l.logger.Warn("failed to remove orphaned media", "ref", ref, "error", err)
	}
}

// extensionFor picks the file extension of an artifact: the imported file's
// own extension, else one derived from the MIME type.
func extensionFor(a *model.CaptureArtifact) string {
	if a.Imported {
		if ext := path.Ext(a.Filename); ext != "" {
			return strings.ToLower(ext)
		}
	}
	mt, _, err := mime.ParseMediaType(a.MimeType)
	if err != nil {
		mt = a.MimeType
	}
	switch mt {
	case "video/webm":
		return ".webm"
	case "video/x-motion-jpeg":
		return ".mjpeg"
	case "video/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// Advance moves a report to target. It succeeds only when target is the
// immediate successor of the report's current status; otherwise it fails with
// RPT_INVALID_TRANSITION. Concurrent calls on one report are serialized, and
// each is checked against the status committed before it.
func (l *Lifecycle) Advance(ctx context.Context, id string, target model.Status) (model.Report, error) {
	ctx, span := otel.Tracer("anonreport").Start(ctx, "report.Advance")
	defer span.End()
	span.SetAttributes(attribute.String("report.id", id), attribute.String("report.target", string(target)))

	var from model.Status
	updated, err := l.store.Update(ctx, id, func(r *model.Report) error {
		from = r.Status
		if !r.Status.CanAdvanceTo(target) {
			return errordefs.NewWithDetails(errordefs.RPT_INVALID_TRANSITION,
				fmt.Sprintf("cannot move report from %s to %s", r.Status, target), "",
				map[string]interface{}{"from": r.Status, "to": target})
		}
		r.Status = target
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.countTransition(from, target, "rejected")
		return model.Report{}, err
	}

	l.countTransition(from, target, "ok")
	l.logger.Info("report status changed", "id", id, "from", from, "to", target)
	l.notify(model.Change{Kind: model.ChangeStatusChanged, Report: updated, From: from})
	l.publish(ctx, "reports.status_changed", func() error { return l.events.PublishStatusChanged(ctx, updated, from) })
	return updated, nil
}

// Get returns one report.
func (l *Lifecycle) Get(ctx context.Context, id string) (model.Report, error) {
	return l.store.Get(ctx, id)
}

// Query returns the reports matching f, newest first.
func (l *Lifecycle) Query(ctx context.Context, f model.Filter) ([]model.Report, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	today := l.today()
	out := make([]model.Report, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if matches(all[i], f, today) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Page is one page of a query.
type Page struct {
	Reports []model.Report `json:"reports"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// Pagination limits.
const (
	DefaultPageSize = 100
	MaxPageSize     = 200
)

// QueryPage returns a window of Query's result.
func (l *Lifecycle) QueryPage(ctx context.Context, f model.Filter, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	all, err := l.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}
	p := Page{Total: len(all), Limit: limit, Offset: offset, Reports: []model.Report{}}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		p.Reports = all[offset:end]
	}
	return p, nil
}

// Count returns the number of reports matching f.
func (l *Lifecycle) Count(ctx context.Context, f model.Filter) (int, error) {
	reports, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(reports), nil
}

// Stats returns the dashboard summary from one snapshot of the store.
func (l *Lifecycle) Stats(ctx context.Context) (model.Stats, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	today := l.today()
	st := model.Stats{Total: len(all)}
	for _, r := range all {
		if r.CreatedDate == today {
			st.Today++
		}
		switch r.Status {
		case model.StatusNew:
			st.New++
		case model.StatusProcessing:
			st.Processing++
		case model.StatusCompleted:
			st.Completed++
		}
	}
	return st, nil
}

// OpenMedia returns the artifact of a report.
func (l *Lifecycle) OpenMedia(ctx context.Context, id string) (io.ReadCloser, string, error) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if r.VideoURL == "" {
		return nil, "", errordefs.New(errordefs.RPT_NOT_FOUND, "report has no media", "")
	}
	rc, mimeType, err := l.media.Open(ctx, r.VideoURL)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return nil, "", errordefs.New(errordefs.RPT_NOT_FOUND, "media not retained", "")
		}
		return nil, "", errordefs.Wrap(errordefs.RPT_INTERNAL, "failed to open media", err)
	}
	return rc, mimeType, nil
}

// MediaURL returns a direct download URL for a report's artifact, or "" when
// the media backend cannot serve it directly.
func (l *Lifecycle) MediaURL(ctx context.Context, id string, expires time.Duration) (string, error) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if r.VideoURL == "" {
		return "", errordefs.New(errordefs.RPT_NOT_FOUND, "report has no media", "")
	}
	return l.media.URL(ctx, r.VideoURL, expires)
}

// Watch registers fn to be called after every committed change. Calls are
// made synchronously on the committing goroutine, so fn must not block.
// The returned function unregisters fn.
func (l *Lifecycle) Watch(fn func(model.Change)) func() {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.nextObs++
	id := l.nextObs
	l.observers[id] = fn
	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

func (l *Lifecycle) notify(c model.Change) {
	l.obsMu.Lock()
	fns := make([]func(model.Change), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.obsMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// publish sends a lifecycle event. Failures are logged, never returned.
func (l *Lifecycle) publish(ctx context.Context, eventType string, fn func() error) {
	start := time.Now()
	err := fn()
	l.metrics.ObserveEvent(eventType, time.Since(start).Seconds(), err)
	if err != nil {
		l.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}

func (l *Lifecycle) today() string {
	return l.clock().In(l.loc).Format(DateLayout)
}

func matches(r model.Report, f model.Filter, today string) bool {
	switch f.Kind {
	case model.FilterCreatedToday:
		return r.CreatedDate == today
	case model.FilterByStatus:
		return r.Status == f.Status
	default:
		return true
	}
}

func (l *Lifecycle) countSubmission(status string) {
	if l.metrics != nil {
		l.metrics.ReportsSubmittedTotal.WithLabelValues(status).Inc()
	}
}

func (l *Lifecycle) countTransition(from, to model.Status, result string) {
	if l.metrics != nil {
		l.metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to), result).Inc()
	}
}
