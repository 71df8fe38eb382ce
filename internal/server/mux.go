// internal/server/mux.go
// Package server implements the HTTP surface of the report service: report
// submission, the operator dashboard API and live capture control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ppkpt/anonreport/internal/anonymize"
	"github.com/ppkpt/anonreport/internal/auth"
	"github.com/ppkpt/anonreport/internal/capture"
	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/event"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/report"
	"github.com/ppkpt/anonreport/internal/schema"
)

// DefaultMaxMediaSize bounds uploads when Deps.MaxMediaSize is zero.
const DefaultMaxMediaSize = 100 << 20

// Deps are the collaborators served by the mux.
type Deps struct {
	Lifecycle *report.Lifecycle
	Session   *capture.Session   // Nil disables the /v1/capture endpoints
	Filter    *anonymize.Filter  // Still-image anonymization
	Regions   anonymize.RegionProvider
	Auth      *auth.Authenticator // Nil leaves dashboard endpoints open
	Validator *schema.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	MaxMediaSize       int64
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	// Closing Draining ends open event streams so a graceful shutdown does
	// not wait on them. Nil never closes.
	Draining <-chan struct{}
}

// Mux handles HTTP requests for the report service.
type Mux struct {
	mux       *http.ServeMux
	lc        *report.Lifecycle
	session   *capture.Session
	filter    *anonymize.Filter
	regions   anonymize.RegionProvider
	auth      *auth.Authenticator
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	maxMediaSize       int64
	corsAllowedOrigins []string
	draining           <-chan struct{}
}

// NewMux creates the HTTP mux with every endpoint registered.
func NewMux(d Deps) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		lc:                 d.Lifecycle,
		session:            d.Session,
		filter:             d.Filter,
		regions:            d.Regions,
		auth:               d.Auth,
		validator:          d.Validator,
		metrics:            d.Metrics,
		logger:             d.Logger,
		maxMediaSize:       d.MaxMediaSize,
		corsAllowedOrigins: d.CORSAllowedOrigins,
		draining:           d.Draining,
	}
	if m.filter == nil {
		m.filter = anonymize.NewFilter(0, 0, d.Metrics)
	}
	if m.regions == nil {
		m.regions = anonymize.CenterPlaceholder()
	}
	if m.validator == nil {
		m.validator = schema.MustNewValidator()
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.maxMediaSize <= 0 {
		m.maxMediaSize = DefaultMaxMediaSize
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.route("/v1/auth/login", http.MethodPost, false, m.handleLogin)

	// Submission boundary
	m.route("/v1/reports", "", false, m.handleReports)
	m.route("/v1/anonymize", http.MethodPost, false, m.handleAnonymize)

	// Lifecycle boundary
	m.route("/v1/reports/stats", http.MethodGet, true, m.handleStats)
	m.route("/v1/reports/events", http.MethodGet, true, m.handleEvents)
	m.route("/v1/reports/{id}", http.MethodGet, true, m.handleGetReport)
	m.route("/v1/reports/{id}/advance", http.MethodPost, true, m.handleAdvance)
	m.route("/v1/reports/{id}/media", http.MethodGet, true, m.handleMedia)

	// Live capture
	m.route("/v1/capture", http.MethodGet, false, m.handleCaptureStatus)
	m.route("/v1/capture/start", http.MethodPost, false, m.handleCaptureStart)
	m.route("/v1/capture/stop", http.MethodPost, false, m.handleCaptureStop)
	m.route("/v1/capture/anonymization", http.MethodPut, false, m.handleCaptureAnonymization)
	m.route("/v1/capture/preview", http.MethodGet, false, m.handleCapturePreview)
	m.route("/v1/capture/import", http.MethodPost, false, m.handleCaptureImport)
	m.route("/v1/capture/submit", http.MethodPost, false, m.handleCaptureSubmit)

	return m.mux
}

// route registers h behind the method check and the common middleware.
// An empty method lets the handler dispatch on r.Method itself.
func (m *Mux) route(pattern, method string, protected bool, h http.HandlerFunc) {
	if method != "" {
		h = m.method(method, h)
	}
	m.mux.HandleFunc(pattern, m.withMiddleware(pattern, protected, h))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			m.methodNotAllowed(w, r)
			return
		}
		h(w, r)
	}
}

func (m *Mux) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	err := errordefs.New(errordefs.RPT_BAD_REQUEST, "method not allowed", correlationID(r.Context()))
	err.HTTPStatus = http.StatusMethodNotAllowed
	m.writeErrorDef(w, err)
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// withMiddleware applies CORS, correlation IDs, tracing, operator auth,
// request logging and metrics.
func (m *Mux) withMiddleware(pattern string, protected bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		allowed := m.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		// Add correlation ID if not present
		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", cid)
		ctx := context.WithValue(r.Context(), event.CorrelationIDKey{}, cid)

		ctx, span := otel.Tracer("anonreport").Start(ctx, r.Method+" "+pattern)
		defer span.End()
		span.SetAttributes(attribute.String("correlation_id", cid))
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w}
		if protected && m.auth != nil {
			claims, err := m.authenticate(r)
			if err != nil {
				m.writeErrorDef(rec, err.WithCorrelationID(cid))
				rec.err = err
				m.finish(r, rec, pattern, start)
				return
			}
			r = r.WithContext(auth.WithClaims(r.Context(), claims))
		}

		h(rec, r)

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		m.finish(r, rec, pattern, start)
	}
}

func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}

func (m *Mux) authenticate(r *http.Request) (*auth.Claims, *errordefs.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errordefs.New(errordefs.RPT_AUTHN, "missing Authorization header", "")
	}
	tok, ok := auth.BearerToken(header)
	if !ok {
		return nil, errordefs.New(errordefs.RPT_AUTHN, "invalid Authorization header format", "")
	}
	claims, err := m.auth.Validate(tok)
	if err != nil {
		return nil, errordefs.New(errordefs.RPT_AUTHN, "invalid or expired token", "")
	}
	if claims.Role != "operator" {
		return nil, errordefs.New(errordefs.RPT_AUTHZ, "operator role required", "")
	}
	return claims, nil
}

func (m *Mux) finish(r *http.Request, rec *statusRecorder, pattern string, start time.Time) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	d := time.Since(start)
	labels := []string{r.Method, pattern, strconv.Itoa(status)}
	m.metrics.HTTPRequestTotal.WithLabelValues(labels...).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(d.Seconds())
	m.logRequest(r, status, d, correlationID(r.Context()), rec.err)
}

// correlationID returns the request correlation ID set by the middleware.
func correlationID(ctx context.Context) string {
	cid, _ := ctx.Value(event.CorrelationIDKey{}).(string)
	return cid
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the report error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail maps any error onto the taxonomy and writes it. Errors outside the
// taxonomy are logged and reported as RPT_INTERNAL without their message.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	cid := correlationID(r.Context())
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	var def *errordefs.Error
	if !errors.As(err, &def) {
		m.logger.Error("unhandled error", "error", err, "correlation_id", cid)
		def = errordefs.New(errordefs.RPT_INTERNAL, "internal error", "")
	}
	m.writeErrorDef(w, def.WithCorrelationID(cid))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		attrs = append(attrs, slog.String("operator", claims.Subject))
	}

	switch {
	case status >= http.StatusInternalServerError:
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the report store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.lc.Store().Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin handles POST /v1/auth/login
func (m *Mux) handleLogin(w http.ResponseWriter, r *http.Request) {
	if m.auth == nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_UNAVAILABLE, "operator auth is not configured", ""))
		return
	}
	defer r.Body.Close()

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_BAD_REQUEST, "invalid JSON", ""))
		return
	}
	tok, exp, err := m.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_AUTHN, "invalid username or password", ""))
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"token":     tok,
		"tokenType": "Bearer",
		"expiresAt": exp.UTC(),
	})
}
