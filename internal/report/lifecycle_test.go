package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/media"
	"github.com/ppkpt/anonreport/internal/model"
	"github.com/ppkpt/anonreport/internal/storage"
)

var wib = time.FixedZone("WIB", 7*3600)

// mockPublisher records published events.
type mockPublisher struct {
	mu      sync.Mutex
	created []model.Report
	changed []model.Status
	err     error
}

func (m *mockPublisher) PublishReportCreated(ctx context.Context, r model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, r)
	return m.err
}

func (m *mockPublisher) PublishStatusChanged(ctx context.Context, r model.Report, from model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = append(m.changed, r.Status)
	return m.err
}

func (m *mockPublisher) Close() error { return nil }

type fixture struct {
	lc    *Lifecycle
	pub   *mockPublisher
	media media.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pub:   &mockPublisher{},
		media: media.NewMemory(),
		now:   time.Date(2026, 10, 17, 9, 5, 3, 0, wib),
	}
	f.lc = NewLifecycle(NewStore(storage.NewMemory(), StoreOptions{}), Options{
		Media:    f.media,
		Events:   f.pub,
		Location: wib,
		Clock:    func() time.Time { return f.now },
	})
	return f
}

func webm(n int) *model.CaptureArtifact {
	return &model.CaptureArtifact{Data: make([]byte, n), MimeType: "video/webm;codecs=vp9", ChunkCount: 1}
}

func validMeta() model.ReportMetadata {
	return model.ReportMetadata{Location: "Building A", Description: "incident"}
}

func (f *fixture) submit(t *testing.T) model.Report {
	t.Helper()
	r, err := f.lc.Submit(context.Background(), Submission{Metadata: validMeta(), Artifact: webm(1024)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return r
}

func TestSubmitBuildsRecord(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	if r.Status != model.StatusNew {
		t.Errorf("Status = %q, want new", r.Status)
	}
	if r.ID == "" {
		t.Error("ID is empty")
	}
	if r.Email != "" || r.Phone != "" || r.BlurType != "" {
		t.Errorf("optional fields set: %+v", r)
	}
	if r.CreatedDate != "17/10/2026" || r.CreatedTime != "09.05.03" {
		t.Errorf("created = %q %q", r.CreatedDate, r.CreatedTime)
	}
	wantName := fmt.Sprintf("Laporan_17-10-2026_%d.webm", f.now.UnixMilli())
	if r.Filename != wantName {
		t.Errorf("Filename = %q, want %q", r.Filename, wantName)
	}
	if r.SizeLabel != "0.00 MB" {
		t.Errorf("SizeLabel = %q", r.SizeLabel)
	}

	b, _ := json.Marshal(r)
	var fields map[string]interface{}
	_ = json.Unmarshal(b, &fields)
	for _, k := range []string{"email", "phone", "blurType"} {
		if _, ok := fields[k]; ok {
			t.Errorf("persisted shape contains %q", k)
		}
	}

	second := f.submit(t)
	if second.ID == r.ID {
		t.Error("ids are not unique")
	}
	if len(f.pub.created) != 2 {
		t.Errorf("published %d created events, want 2", len(f.pub.created))
	}
}

func TestSubmitRecordsBlurTypeOnlyWhenEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	on := &model.AnonymizationConfig{Enabled: true, Method: model.MethodPixelation}
	r, err := f.lc.Submit(ctx, Submission{Metadata: validMeta(), Artifact: webm(10), Anonymization: on})
	if err != nil {
		t.Fatal(err)
	}
	if r.BlurType != "pixelation" {
		t.Errorf("BlurType = %q, want pixelation", r.BlurType)
	}

	off := &model.AnonymizationConfig{Enabled: false, Method: model.MethodPixelation}
	r, err = f.lc.Submit(ctx, Submission{Metadata: validMeta(), Artifact: webm(10), Anonymization: off})
	if err != nil {
		t.Fatal(err)
	}
	if r.BlurType != "" {
		t.Errorf("BlurType = %q, want empty when disabled", r.BlurType)
	}
}

func TestSubmitRejectsIncompleteReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t)

	tests := []model.ReportMetadata{
		{Location: "Building A", Description: ""},
		{Location: "Building A", Description: "   "},
		{Location: "", Description: "incident"},
	}
	for _, meta := range tests {
		_, err := f.lc.Submit(ctx, Submission{Metadata: meta, Artifact: webm(10)})
		if !errors.Is(err, errordefs.ErrIncompleteReport) {
			t.Errorf("Submit(%+v) error = %v, want incomplete report", meta, err)
		}
	}
	if n, _ := f.lc.Count(ctx, model.AllReports()); n != 1 {
		t.Errorf("store size = %d, want 1", n)
	}
}

func TestSubmitRequiresMedia(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.Submit(context.Background(), Submission{Metadata: validMeta()})
	if !errors.Is(err, errordefs.ErrNoMedia) {
		t.Fatalf("Submit() error = %v, want no media", err)
	}
	if n, _ := f.lc.Count(context.Background(), model.AllReports()); n != 0 {
		t.Errorf("store size = %d, want 0", n)
	}
}

func TestAdvanceRejectsEveryNonSuccessor(t *testing.T) {
	statuses := []model.Status{model.StatusNew, model.StatusProcessing, model.StatusCompleted}
	for _, from := range statuses {
		for _, to := range statuses {
			if from.CanAdvanceTo(to) {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				r := f.submit(t)
				// Walk the record to from along the legal path.
				for cur := model.StatusNew; cur != from; {
					next, _ := cur.Next()
					if _, err := f.lc.Advance(ctx, r.ID, next); err != nil {
						t.Fatal(err)
					}
					cur = next
				}
				_, err := f.lc.Advance(ctx, r.ID, to)
				if !errors.Is(err, errordefs.ErrInvalidTransition) {
					t.Fatalf("Advance(%s) error = %v, want invalid transition", to, err)
				}
				got, _ := f.lc.Get(ctx, r.ID)
				if got.Status != from {
					t.Errorf("status changed to %q after rejected transition", got.Status)
				}
			})
		}
	}
}

func TestAdvanceUnknownReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.Advance(context.Background(), "missing", model.StatusProcessing)
	if !errors.Is(err, errordefs.ErrNotFound) {
		t.Errorf("Advance(missing) error = %v, want not found", err)
	}
}

func TestQueryByStatusRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t)

	count := func(reports []model.Report, id string) int {
		n := 0
		for _, x := range reports {
			if x.ID == id {
				n++
			}
		}
		return n
	}

	newOnes, _ := f.lc.Query(ctx, model.ByStatus(model.StatusNew))
	if count(newOnes, r.ID) != 1 {
		t.Fatalf("ByStatus(new) contains record %d times", count(newOnes, r.ID))
	}

	if _, err := f.lc.Advance(ctx, r.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	newOnes, _ = f.lc.Query(ctx, model.ByStatus(model.StatusNew))
	processing, _ := f.lc.Query(ctx, model.ByStatus(model.StatusProcessing))
	if count(newOnes, r.ID) != 0 || count(processing, r.ID) != 1 {
		t.Errorf("after advance: new=%d processing=%d", count(newOnes, r.ID), count(processing, r.ID))
	}
	if len(f.pub.changed) != 1 || f.pub.changed[0] != model.StatusProcessing {
		t.Errorf("status events = %v", f.pub.changed)
	}
}

func TestConcurrentAdvanceLastCommittedWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lc.Advance(ctx, r.ID, model.StatusProcessing)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errordefs.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("Advance() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || rejected != n-1 {
		t.Errorf("succeeded=%d rejected=%d, want exactly one success", ok, rejected)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	yesterday := f.submit(t)
	f.now = f.now.Add(24 * time.Hour)
	first := f.submit(t)
	f.now = f.now.Add(time.Minute)
	second := f.submit(t)
	if _, err := f.lc.Advance(ctx, first.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	all, _ := f.lc.Query(ctx, model.AllReports())
	if len(all) != 3 || all[0].ID != second.ID || all[2].ID != yesterday.ID {
		t.Errorf("Query(all) order = %v", ids(all))
	}
	today, _ := f.lc.Query(ctx, model.CreatedToday())
	if len(today) != 2 {
		t.Errorf("Query(today) = %v", ids(today))
	}

	st, err := f.lc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := model.Stats{Total: 3, Today: 2, New: 2, Processing: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}

func TestQueryPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.submit(t)
	}

	p, err := f.lc.QueryPage(ctx, model.AllReports(), 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 5 || len(p.Reports) != 1 || p.Limit != 2 || p.Offset != 4 {
		t.Errorf("QueryPage(2, 4) = total %d, %d reports", p.Total, len(p.Reports))
	}

	p, _ = f.lc.QueryPage(ctx, model.AllReports(), 1000, 10)
	if p.Limit != MaxPageSize || len(p.Reports) != 0 || p.Reports == nil {
		t.Errorf("QueryPage(1000, 10) = %+v", p)
	}
}

func TestWatchReceivesCommittedChanges(t *testing.T) {
	f := newFixture(t)
	var got []model.Change
	cancel := f.lc.Watch(func(c model.Change) { got = append(got, c) })

	r := f.submit(t)
	if _, err := f.lc.Advance(context.Background(), r.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	cancel()
	f.submit(t)

	if len(got) != 2 {
		t.Fatalf("observer saw %d changes, want 2", len(got))
	}
	if got[0].Kind != model.ChangeCreated || got[1].Kind != model.ChangeStatusChanged {
		t.Errorf("changes = %+v", got)
	}
	if got[1].From != model.StatusNew || got[1].Report.Status != model.StatusProcessing {
		t.Errorf("status change = %+v", got[1])
	}
}

func TestPublishFailureDoesNotFailSubmit(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("nats down")
	if _, err := f.lc.Submit(context.Background(), Submission{Metadata: validMeta(), Artifact: webm(1)}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestOpenMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	art := &model.CaptureArtifact{Data: []byte("clip"), MimeType: "video/mp4", Filename: "clip.MP4", Imported: true}
	r, err := f.lc.Submit(ctx, Submission{Metadata: validMeta(), Artifact: art})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Filename[len(r.Filename)-4:]; got != ".mp4" {
		t.Errorf("Filename = %q, want imported extension", r.Filename)
	}

	rc, mimeType, err := f.lc.OpenMedia(ctx, r.ID)
	if err != nil {
		t.Fatalf("OpenMedia() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "clip" || mimeType != "video/mp4" {
		t.Errorf("OpenMedia() = %q, %q", data, mimeType)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		art  model.CaptureArtifact
		want string
	}{
		{model.CaptureArtifact{MimeType: "video/webm;codecs=vp9"}, ".webm"},
		{model.CaptureArtifact{MimeType: "video/x-motion-jpeg"}, ".mjpeg"},
		{model.CaptureArtifact{MimeType: "image/png", Filename: "shot.PNG", Imported: true}, ".png"},
		{model.CaptureArtifact{MimeType: "application/x-unknown-thing"}, ".bin"},
	}
	for _, tt := range tests {
		if got := extensionFor(&tt.art); got != tt.want {
			t.Errorf("extensionFor(%q) = %q, want %q", tt.art.MimeType, got, tt.want)
		}
	}
}

func ids(rs []model.Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// readOnlyKV refuses every write.
type readOnlyKV struct{ storage.KV }

func (readOnlyKV) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

// trackingMedia remembers the references it has handed out.
type trackingMedia struct {
	media.Store
	mu   sync.Mutex
	refs []string
}

func (m *trackingMedia) Put(ctx context.Context, key, mimeType string, data []byte) (string, error) {
	ref, err := m.Store.Put(ctx, key, mimeType, data)
	if err == nil {
		m.mu.Lock()
		m.refs = append(m.refs, ref)
		m.mu.Unlock()
	}
	return ref, err
}

func TestSubmitRemovesMediaWhenStoreFails(t *testing.T) {
	blobs := &trackingMedia{Store: media.NewMemory()}
	lc := NewLifecycle(NewStore(readOnlyKV{storage.NewMemory()}, StoreOptions{}), Options{Media: blobs})

	ctx := context.Background()
	if _, err := lc.Submit(ctx, Submission{Metadata: validMeta(), Artifact: webm(64)}); err == nil {
		t.Fatal("Submit() succeeded with a read-only store")
	}
	if len(blobs.refs) != 1 {
		t.Fatalf("Put called %d times, want 1", len(blobs.refs))
	}
	if _, _, err := blobs.Open(ctx, blobs.refs[0]); !errors.Is(err, media.ErrNotFound) {
		t.Errorf("Open(orphan) error = %v, want not found", err)
	}
}
