package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"

	"github.com/ppkpt/anonreport/internal/anonymize"
	"github.com/ppkpt/anonreport/internal/capture"
	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/model"
)

// captureSession returns the live session or writes RPT_UNAVAILABLE.
func (m *Mux) captureSession(w http.ResponseWriter, r *http.Request) *capture.Session {
	if m.session == nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_UNAVAILABLE, "live capture is not configured", ""))
		return nil
	}
	return m.session
}

// handleCaptureStatus handles GET /v1/capture
func (m *Mux) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	m.writeSuccess(w, http.StatusOK, s.Status())
}

// handleCaptureStart handles POST /v1/capture/start
func (m *Mux) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	if err := s.Start(r.Context()); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, s.Status())
}

// handleCaptureStop handles POST /v1/capture/stop
func (m *Mux) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	if _, err := s.Stop(r.Context()); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, s.Status())
}

type anonymizationRequest struct {
	Enabled *bool  `json:"enabled"`
	Method  string `json:"method"`
}

// handleCaptureAnonymization handles PUT /v1/capture/anonymization. Omitted
// fields keep their current value.
func (m *Mux) handleCaptureAnonymization(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	defer r.Body.Close()

	var req anonymizationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_BAD_REQUEST, "invalid JSON", ""))
		return
	}
	cfg := s.Anonymization()
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Method != "" {
		method, err := model.ParseAnonymizationMethod(req.Method)
		if err != nil {
			m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, err.Error(), ""))
			return
		}
		cfg.Method = method
	}
	s.SetAnonymization(cfg)
	m.logger.Info("anonymization changed", "enabled", cfg.Enabled, "method", cfg.Method)
	m.writeSuccess(w, http.StatusOK, cfg)
}

// handleCapturePreview handles GET /v1/capture/preview: the latest presented
// frame as JPEG.
func (m *Mux) handleCapturePreview(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	img, err := s.Preview()
	if errors.Is(err, capture.ErrNoPreview) {
		m.fail(w, r, errordefs.New(errordefs.RPT_NOT_FOUND, "no live preview; start capture first", ""))
		return
	}
	if err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.RPT_INTERNAL, "read preview frame", err))
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.RPT_INTERNAL, "encode preview", err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleCaptureImport handles POST /v1/capture/import (multipart "file").
func (m *Mux) handleCaptureImport(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	if err := m.parseMultipart(w, r); err != nil {
		m.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, err := m.readMediaFile(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if file == nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_BAD_REQUEST, "file part is required", ""))
		return
	}
	if _, err := s.ImportFile(r.Context(), *file); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, s.Status())
}

// handleCaptureSubmit handles POST /v1/capture/submit: submits the current
// artifact of the live session.
func (m *Mux) handleCaptureSubmit(w http.ResponseWriter, r *http.Request) {
	s := m.captureSession(w, r)
	if s == nil {
		return
	}
	defer r.Body.Close()

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.RPT_BAD_REQUEST, "invalid JSON", ""))
		return
	}
	meta, err := m.checkMetadata(req.metadata())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	rep, err := s.Submit(r.Context(), meta)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rep)
}

// handleAnonymize handles POST /v1/anonymize: the body is a PNG or JPEG image,
// the response is the same image as PNG with the placeholder region filtered.
// The method query parameter selects the filter (default box blur).
func (m *Mux) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	method := model.MethodBoxBlur
	if q := r.URL.Query().Get("method"); q != "" {
		parsed, err := model.ParseAnonymizationMethod(q)
		if err != nil {
			m.fail(w, r, errordefs.New(errordefs.RPT_VALIDATION, err.Error(), ""))
			return
		}
		method = parsed
	}

	src, _, err := image.Decode(http.MaxBytesReader(w, r.Body, m.maxMediaSize))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			m.fail(w, r, errordefs.New(errordefs.RPT_MEDIA_SIZE, "image exceeds the upload limit", ""))
			return
		}
		m.fail(w, r, errordefs.New(errordefs.RPT_UNSUPPORTED_FORMAT, "body must be a PNG or JPEG image", ""))
		return
	}

	img := anonymize.ToRGBA(src)
	if err := m.filter.Apply(img, method, m.regions.Regions(img.Bounds())); err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.RPT_INTERNAL, "anonymize image", err))
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		m.fail(w, r, errordefs.Wrap(errordefs.RPT_INTERNAL, "encode image", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
