// Package conformance provides an HTTP harness that drives a fully wired
// report service through its public surface and checks the behaviour every
// deployment must show.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/ppkpt/anonreport/internal/auth"
	"github.com/ppkpt/anonreport/internal/capture"
	"github.com/ppkpt/anonreport/internal/event"
	"github.com/ppkpt/anonreport/internal/model"
	"github.com/ppkpt/anonreport/internal/render"
	"github.com/ppkpt/anonreport/internal/report"
	"github.com/ppkpt/anonreport/internal/server"
	"github.com/ppkpt/anonreport/internal/storage"
)

// Harness provides a running report service for conformance testing.
type Harness struct {
	server  *httptest.Server
	kv      storage.KV
	pub     event.Publisher
	clock   *render.FrameClock
	session *capture.Session
	token   string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage; empty uses the in-memory store
	DatabaseDSN string

	// NATSURL enables event publishing; empty uses the no-op publisher
	NATSURL string

	// Operator credentials. Dashboard endpoints are open when JWTSecret is empty.
	JWTSecret string
	Username  string
	Password  string
}

// NewHarness wires the service the way cmd/reportd does and starts it on a
// loopback listener.
func NewHarness(ctx context.Context, cfg Config) (*Harness, error) {
	var kv storage.KV
	if cfg.DatabaseDSN != "" {
		var err error
		if kv, err = storage.NewPostgres(ctx, cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
	} else {
		kv = storage.NewMemory()
	}
	pub := event.NewPublisher(cfg.NATSURL)

	lc := report.NewLifecycle(
		report.NewStore(kv, report.StoreOptions{Key: "conformance_" + time.Now().Format("150405.000000")}),
		report.Options{Events: pub},
	)
	clock := render.NewFrameClock(60)
	session := capture.NewSession(capture.Options{
		Devices:       capture.NewSyntheticDevice(64, 36),
		Loop:          render.NewLoop(render.Options{Scheduler: clock}),
		Submitter:     lc,
		ChunkInterval: 20 * time.Millisecond,
	})

	var operator *auth.Authenticator
	if cfg.JWTSecret != "" {
		var err error
		if operator, err = auth.New(cfg.JWTSecret, cfg.Username, cfg.Password, "", time.Hour); err != nil {
			return nil, fmt.Errorf("init auth: %w", err)
		}
	}

	mux := server.NewMux(server.Deps{
		Lifecycle:    lc,
		Session:      session,
		Auth:         operator,
		MaxMediaSize: 8 << 20,
	})
	h := &Harness{
		server:  httptest.NewServer(mux),
		kv:      kv,
		pub:     pub,
		clock:   clock,
		session: session,
	}

	if operator != nil {
		tok, err := h.login(cfg.Username, cfg.Password)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.token = tok
	}
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.session.Close(context.Background())
	h.clock.Close()
	_ = h.pub.Close()
	h.kv.Close()
}

// RunConformanceTests runs the behavioural scenarios.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("SubmitAnonymousReport", h.testSubmitAnonymousReport)
	t.Run("IncompleteReportIsNotStored", h.testIncompleteReport)
	t.Run("RejectedImportKeepsRecording", h.testRejectedImport)
	t.Run("StatusRoundTrip", h.testStatusRoundTrip)
	t.Run("InvalidTransitions", h.testInvalidTransitions)
	t.Run("BlurKeepsUniformRegion", h.testBlurUniformRegion)
}

// RunAcceptanceTests checks the shape of the HTTP surface.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("APICompliance", h.testAPICompliance)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("StatsCompliance", h.testStatsCompliance)
}

// response is a decoded service reply.
type response struct {
	status int
	header http.Header
	data   json.RawMessage
	err    *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}
	raw []byte
}

func (r *response) into(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.data, v); err != nil {
		t.Fatalf("decode data %s: %v", r.data, err)
	}
}

func (r *response) code() string {
	if r.err == nil {
		return ""
	}
	return r.err.Code
}

func (h *Harness) do(t *testing.T, method, path, contentType string, body io.Reader) *response {
	t.Helper()
	resp, err := h.send(method, path, contentType, body)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (h *Harness) send(method, path, contentType string, body io.Reader) (*response, error) {
	req, err := http.NewRequest(method, h.URL()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &response{status: resp.StatusCode, header: resp.Header, raw: raw}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var env struct {
			Data  json.RawMessage `json:"data"`
			Error *struct {
				Code          string `json:"code"`
				Message       string `json:"message"`
				CorrelationID string `json:"correlationId"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode envelope %q: %w", raw, err)
		}
		out.data, out.err = env.Data, env.Error
	}
	return out, nil
}

func (h *Harness) login(username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := h.send(http.MethodPost, "/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.status != http.StatusOK {
		return "", fmt.Errorf("login: status %d: %s", resp.status, resp.raw)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.data, &tok); err != nil || tok.Token == "" {
		return "", fmt.Errorf("login: no token in %s", resp.data)
	}
	return tok.Token, nil
}

type upload struct {
	name, mimeType string
	data           []byte
}

// multipart builds a multipart body and returns it with its content type.
func multipartBody(t *testing.T, fields map[string]string, file *upload) (io.Reader, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.name))
		hdr.Set("Content-Type", file.mimeType)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func (h *Harness) submit(t *testing.T, location, description string) model.Report {
	t.Helper()
	body, ct := multipartBody(t,
		map[string]string{"location": location, "description": description},
		&upload{name: "clip.webm", mimeType: "video/webm", data: []byte("webm-bytes")},
	)
	resp := h.do(t, http.MethodPost, "/v1/reports", ct, body)
	if resp.status != http.StatusCreated {
		t.Fatalf("submit: status %d: %s", resp.status, resp.raw)
	}
	var rep model.Report
	resp.into(t, &rep)
	return rep
}

type page struct {
	Reports []model.Report `json:"reports"`
	Total   int            `json:"total"`
}

func (h *Harness) list(t *testing.T, filter string) page {
	t.Helper()
	resp := h.do(t, http.MethodGet, "/v1/reports?limit=200&filter="+filter, "", nil)
	if resp.status != http.StatusOK {
		t.Fatalf("list %s: status %d: %s", filter, resp.status, resp.raw)
	}
	var p page
	resp.into(t, &p)
	return p
}

func (h *Harness) advance(t *testing.T, id string, target model.Status) *response {
	t.Helper()
	body := fmt.Sprintf(`{"status":%q}`, target)
	return h.do(t, http.MethodPost, "/v1/reports/"+id+"/advance", "application/json", strings.NewReader(body))
}

func occurrences(reports []model.Report, id string) int {
	n := 0
	for _, r := range reports {
		if r.ID == id {
			n++
		}
	}
	return n
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		if resp := h.do(t, http.MethodGet, path, "", nil); resp.status != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.status)
		}
	}
}

// testSubmitAnonymousReport submits without contact details and checks the
// stored record.
func (h *Harness) testSubmitAnonymousReport(t *testing.T) {
	first := h.submit(t, "Building A", "incident")
	second := h.submit(t, "Building A", "incident")

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids must be unique and non-empty: %q %q", first.ID, second.ID)
	}
	if first.Status != model.StatusNew {
		t.Errorf("status = %s, want new", first.Status)
	}

	resp := h.do(t, http.MethodGet, "/v1/reports/"+first.ID, "", nil)
	if resp.status != http.StatusOK {
		t.Fatalf("get: status %d", resp.status)
	}
	var fields map[string]interface{}
	resp.into(t, &fields)
	for _, absent := range []string{"email", "phone", "blurType"} {
		if _, ok := fields[absent]; ok {
			t.Errorf("stored record carries %q: %s", absent, resp.data)
		}
	}
	if fields["location"] != "Building A" || fields["description"] != "incident" {
		t.Errorf("narrative fields not stored: %s", resp.data)
	}
}

// testIncompleteReport checks that a submission without a description is
// rejected and creates nothing.
func (h *Harness) testIncompleteReport(t *testing.T) {
	before := h.list(t, "all").Total

	body, ct := multipartBody(t,
		map[string]string{"location": "Building A", "description": "   "},
		&upload{name: "clip.webm", mimeType: "video/webm", data: []byte("x")},
	)
	resp := h.do(t, http.MethodPost, "/v1/reports", ct, body)
	if resp.status != http.StatusBadRequest || resp.code() != "RPT_INCOMPLETE_REPORT" {
		t.Fatalf("got %d %s, want 400 RPT_INCOMPLETE_REPORT", resp.status, resp.code())
	}
	if after := h.list(t, "all").Total; after != before {
		t.Errorf("store size changed: %d -> %d", before, after)
	}
}

// testRejectedImport imports a text file while recording.
func (h *Harness) testRejectedImport(t *testing.T) {
	before := h.list(t, "all").Total

	if resp := h.do(t, http.MethodPost, "/v1/capture/start", "", nil); resp.status != http.StatusOK {
		t.Fatalf("start: status %d: %s", resp.status, resp.raw)
	}
	defer h.do(t, http.MethodPost, "/v1/capture/stop", "", nil)

	body, ct := multipartBody(t, nil, &upload{name: "notes.txt", mimeType: "text/plain", data: []byte("hello")})
	resp := h.do(t, http.MethodPost, "/v1/capture/import", ct, body)
	if resp.status != http.StatusUnsupportedMediaType || resp.code() != "RPT_UNSUPPORTED_FORMAT" {
		t.Fatalf("import: got %d %s, want 415 RPT_UNSUPPORTED_FORMAT", resp.status, resp.code())
	}

	var st capture.Status
	h.do(t, http.MethodGet, "/v1/capture", "", nil).into(t, &st)
	if st.State != "recording" {
		t.Errorf("capture state = %s, want recording", st.State)
	}
	if after := h.list(t, "all").Total; after != before {
		t.Errorf("store size changed: %d -> %d", before, after)
	}
}

// testStatusRoundTrip follows one report through the status filters.
func (h *Harness) testStatusRoundTrip(t *testing.T) {
	rep := h.submit(t, "Lobby", "round trip")

	if n := occurrences(h.list(t, "new").Reports, rep.ID); n != 1 {
		t.Fatalf("new filter holds the report %d times", n)
	}
	if resp := h.advance(t, rep.ID, model.StatusProcessing); resp.status != http.StatusOK {
		t.Fatalf("advance: status %d: %s", resp.status, resp.raw)
	}
	if n := occurrences(h.list(t, "new").Reports, rep.ID); n != 0 {
		t.Errorf("new filter still holds the report %d times", n)
	}
	if n := occurrences(h.list(t, "processing").Reports, rep.ID); n != 1 {
		t.Errorf("processing filter holds the report %d times", n)
	}
}

// testInvalidTransitions rejects every status change off the forward path.
func (h *Harness) testInvalidTransitions(t *testing.T) {
	rep := h.submit(t, "Car park", "transitions")
	steps := []struct {
		target model.Status
		ok     bool
	}{
		{model.StatusNew, false},
		{model.StatusCompleted, false},
		{model.StatusProcessing, true},
		{model.StatusNew, false},
		{model.StatusProcessing, false},
		{model.StatusCompleted, true},
		{model.StatusProcessing, false},
		{model.StatusNew, false},
		{model.StatusCompleted, false},
	}
	for i, s := range steps {
		resp := h.advance(t, rep.ID, s.target)
		switch {
		case s.ok && resp.status != http.StatusOK:
			t.Errorf("step %d -> %s: status %d: %s", i, s.target, resp.status, resp.raw)
		case !s.ok && (resp.status != http.StatusConflict || resp.code() != "RPT_INVALID_TRANSITION"):
			t.Errorf("step %d -> %s: got %d %s, want 409 RPT_INVALID_TRANSITION", i, s.target, resp.status, resp.code())
		}
	}
}

// testBlurUniformRegion blurs a single-colour image and expects it back
// unchanged.
func (h *Harness) testBlurUniformRegion(t *testing.T) {
	fill := color.RGBA{R: 90, G: 140, B: 200, A: 255}
	src := image.NewRGBA(image.Rect(0, 0, 80, 60))
	draw.Draw(src, src.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	for _, method := range []string{"blur", "pixelation"} {
		resp := h.do(t, http.MethodPost, "/v1/anonymize?method="+method, "image/png", bytes.NewReader(buf.Bytes()))
		if resp.status != http.StatusOK {
			t.Fatalf("%s: status %d: %s", method, resp.status, resp.raw)
		}
		out, err := png.Decode(bytes.NewReader(resp.raw))
		if err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
		b := out.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if got := color.RGBAModel.Convert(out.At(x, y)); got != fill {
					t.Fatalf("%s: pixel (%d,%d) = %v, want %v", method, x, y, got, fill)
				}
			}
		}
	}
}

// testAPICompliance verifies every endpoint is routed.
func (h *Harness) testAPICompliance(t *testing.T) {
	endpoints := []struct {
		method, path string
	}{
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
		{http.MethodGet, "/metrics"},
		{http.MethodGet, "/v1/reports"},
		{http.MethodGet, "/v1/reports/stats"},
		{http.MethodGet, "/v1/capture"},
	}
	for _, e := range endpoints {
		resp := h.do(t, e.method, e.path, "", nil)
		if resp.status != http.StatusOK {
			t.Errorf("%s %s: status %d", e.method, e.path, resp.status)
		}
	}

	resp := h.do(t, http.MethodGet, "/v1/reports/does-not-exist", "", nil)
	if resp.status != http.StatusNotFound || resp.code() != "RPT_NOT_FOUND" {
		t.Errorf("unknown report: got %d %s", resp.status, resp.code())
	}
}

// testErrorEnvelope checks that failures carry a code, a message and the
// request's correlation id.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	resp := h.do(t, http.MethodPost, "/v1/capture/submit", "application/json", strings.NewReader("{"))
	if resp.status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.status)
	}
	if resp.err == nil || resp.err.Code == "" || resp.err.Message == "" {
		t.Fatalf("missing error envelope: %s", resp.raw)
	}
	if cid := resp.header.Get("X-Correlation-Id"); cid == "" || cid != resp.err.CorrelationID {
		t.Errorf("correlation id header %q, body %q", cid, resp.err.CorrelationID)
	}
}

// testStatsCompliance checks that the counters agree with the filters.
func (h *Harness) testStatsCompliance(t *testing.T) {
	var stats model.Stats
	h.do(t, http.MethodGet, "/v1/reports/stats", "", nil).into(t, &stats)

	want := map[string]int{
		"all":        stats.Total,
		"today":      stats.Today,
		"new":        stats.New,
		"processing": stats.Processing,
		"completed":  stats.Completed,
	}
	for filter, n := range want {
		if got := h.list(t, filter).Total; got != n {
			t.Errorf("stats %s = %d, list total = %d", filter, n, got)
		}
	}
}
