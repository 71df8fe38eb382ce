package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/model"
	"github.com/ppkpt/anonreport/internal/report"
	"github.com/ppkpt/anonreport/internal/schema"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// sseHeartbeat keeps idle event streams open through proxies.
const sseHeartbeat = 15 * time.Second

// handleReports dispatches /v1/reports: GET lists, POST submits.
func (m *Mux) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if m.auth != nil {
			if _, err := m.authenticate(r); err != nil {
				m.fail(w, r, err)
				return
			}
		}
		m.handleListReports(w, r)
	case http.MethodPost:
		m.handleCreateReport(w, r)
	default:
		m.methodNotAllowed(w, r)
	}
}

// checkMetadata validates the narrative fields of a submission. Missing
// location or description is RPT_INCOMPLETE_REPORT; malformed contact fields
// are RPT_VALIDATION.
func (m *Mux) checkMetadata(meta model.ReportMetadata) (model.ReportMetadata, error) {
	if err := meta.Validate(); err != nil {
		return meta, err
	}
	meta = meta.Normalize()
	if err := m.validator.Validate(schema.Submission, meta); err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			return meta, errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "submission is invalid", "", ve.Errors)
		}
		return meta, errordefs.Wrap(errordefs.RPT_INTERNAL, "validate submission", err)
	}
	return meta, nil
}

// parseMultipart bounds the body by the media limit and parses the form.
func (m *Mux) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, m.maxMediaSize+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errordefs.New(errordefs.RPT_MEDIA_SIZE, fmt.Sprintf("upload exceeds limit of %d bytes", m.maxMediaSize), "")
		}
		return errordefs.New(errordefs.RPT_BAD_REQUEST, "expected multipart/form-data body", "")
	}
	return nil
}

// readMediaFile reads the "file" part. A missing part returns nil.
func (m *Mux) readMediaFile(r *http.Request) (*model.MediaFile, error) {
	f, hdr, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, errordefs.New(errordefs.RPT_BAD_REQUEST, "invalid file part", "")
	}
	defer f.Close()

	if hdr.Size > m.maxMediaSize {
		return nil, errordefs.New(errordefs.RPT_MEDIA_SIZE, fmt.Sprintf("media size exceeds limit of %d bytes", m.maxMediaSize), "")
	}
	data, err := io.ReadAll(io.LimitReader(f, m.maxMediaSize+1))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.RPT_INTERNAL, "read upload", err)
	}
	if int64(len(data)) > m.maxMediaSize {
		return nil, errordefs.New(errordefs.RPT_MEDIA_SIZE, fmt.Sprintf("media size exceeds limit of %d bytes", m.maxMediaSize), "")
	}
	return &model.MediaFile{Name: path.Base(hdr.Filename), MimeType: partMimeType(hdr), Data: data}, nil
}

func partMimeType(hdr *multipart.FileHeader) string {
	if ct := hdr.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// handleCreateReport handles POST /v1/reports: one multipart request carrying
// the media file and the report fields.
func (m *Mux) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := m.parseMultipart(w, r); err != nil {
		m.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	meta, err := m.checkMetadata(model.ReportMetadata{
		Location:    r.FormValue("location"),
		Description: r.FormValue("description"),
		Email:       r.FormValue("email"),
		Phone:       r.FormValue("phone"),
	})
	if err != nil {
		m.fail(w, r, err)
		return
	}

	file, err := m.readMediaFile(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if file == nil || len(file.Data) == 0 {
		m.fail(w, r, errordefs.New(errordefs.RPT_NO_MEDIA, "a video or image file is required", ""))
		return
	}
	if !model.IsVideoOrImage(file.MimeType) {
		m.fail(w, r, errordefs.NewWithDetails(errordefs.RPT_UNSUPPORTED_FORMAT,
			"only video or image files can be submitted", "", map[string]interface{}{"mimeType": file.MimeType}))
		return
	}

	sub := report.Submission{
		Metadata: meta,
		Artifact: &model.CaptureArtifact{
			Data:       file.Data,
			MimeType:   file.MimeType,
			Filename:   file.Name,
			ChunkCount: 1,
			Imported:   true,
		},
	}
	if bt := r.FormValue("blurType"); bt != "" {
		method, err := model.ParseAnonymizationMethod(bt)
		if err != nil {
			m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, err.Error(), ""))
			return
		}
		sub.Anonymization = &model.AnonymizationConfig{Enabled: true, Method: method}
	}

	rep, err := m.lc.Submit(ctx, sub)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rep)
}

// handleListReports handles GET /v1/reports?filter=&limit=&offset=
func (m *Mux) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := model.ParseFilter(q.Get("filter"))
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, err.Error(), ""))
		return
	}
	limit, err := intParam(q.Get("limit"), report.DefaultPageSize)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, "limit must be an integer", ""))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, "offset must be an integer", ""))
		return
	}

	page, err := m.lc.QueryPage(r.Context(), f, limit, offset)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"filter":  f.String(),
		"reports": page.Reports,
		"total":   page.Total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func intParam(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

// handleStats handles GET /v1/reports/stats
func (m *Mux) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := m.lc.Stats(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, st)
}

// handleGetReport handles GET /v1/reports/{id}
func (m *Mux) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := m.lc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rep)
}

type advanceRequest struct {
	Status string `json:"status"`
}

// handleAdvance handles POST /v1/reports/{id}/advance
func (m *Mux) handleAdvance(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("report.id", id))

	var req advanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_BAD_REQUEST, "invalid JSON", ""))
		return
	}
	target, err := model.ParseStatus(req.Status)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, err.Error(), ""))
		return
	}

	rep, err := m.lc.Advance(r.Context(), id, target)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rep)
}

// handleMedia handles GET /v1/reports/{id}/media. Media held in S3 is served
// by redirect to a presigned URL; anything else is streamed.
func (m *Mux) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	rep, err := m.lc.Get(ctx, id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	url, err := m.lc.MediaURL(ctx, id, 15*time.Minute)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	rc, mimeType, err := m.lc.OpenMedia(ctx, id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	defer rc.Close()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		m.logger.Warn("media download interrupted", "id", id, "error", err)
	}
}

// handleEvents handles GET /v1/reports/events as a Server-Sent Events stream
// of committed lifecycle changes.
func (m *Mux) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		m.fail(w, r, errordefs.New(errordefs.RPT_INTERNAL, "streaming unsupported", ""))
		return
	}

	changes := make(chan model.Change, 64)
	unwatch := m.lc.Watch(func(c model.Change) {
		select {
		case changes <- c:
		default:
			m.logger.Warn("dropping report event for slow subscriber", "kind", c.Kind, "id", c.Report.ID)
		}
	})
	defer unwatch()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-m.draining:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case c := <-changes:
			data, err := json.Marshal(c)
			if err != nil {
				m.logger.Error("encode report event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", c.Report.ID, c.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// submitRequest is the JSON body of POST /v1/capture/submit.
type submitRequest struct {
	Location    string `json:"location"`
	Description string `json:"description"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

func (s submitRequest) metadata() model.ReportMetadata {
	return model.ReportMetadata{
		Location:    strings.TrimSpace(s.Location),
		Description: strings.TrimSpace(s.Description),
		Email:       strings.TrimSpace(s.Email),
		Phone:       strings.TrimSpace(s.Phone),
	}
}
