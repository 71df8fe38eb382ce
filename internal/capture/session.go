// Package capture owns the live media source: it acquires the device, feeds
// the preview loop, records the raw stream in fixed-interval chunks and hands
// finished artifacts to the report lifecycle.
package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/model"
	"github.com/ppkpt/anonreport/internal/render"
	"github.com/ppkpt/anonreport/internal/report"
)

// DefaultChunkInterval is how often encoded data is collected while recording.
const DefaultChunkInterval = 100 * time.Millisecond

// State is the recording state of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Submitter persists a finished submission.
type Submitter interface {
	Submit(ctx context.Context, sub report.Submission) (model.Report, error)
}

// Options configures a Session.
type Options struct {
	Devices       DeviceProvider
	Encoders      EncoderFactory
	Loop          *render.Loop
	Timer         IntervalTimer
	Submitter     Submitter
	Constraints   Constraints
	ChunkInterval time.Duration
	MimeTypes     []string // Codec fallback chain; defaults to PreferredMimeTypes
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Session is a single capture session. The device stream is held only
// between a successful Start and the matching Stop, and is released on every
// exit path of Stop.
type Session struct {
	devices     DeviceProvider
	encoders    EncoderFactory
	loop        *render.Loop
	timer       IntervalTimer
	submitter   Submitter
	constraints Constraints
	interval    time.Duration
	mimeTypes   []string
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	state      State
	stream     Stream
	encoder    Encoder
	chunks     [][]byte
	chunkBytes int64
	startedAt  time.Time
	artifact   *model.CaptureArtifact
}

// NewSession creates an idle Session.
func NewSession(opts Options) *Session {
	s := &Session{
		devices:     opts.Devices,
		encoders:    opts.Encoders,
		loop:        opts.Loop,
		timer:       opts.Timer,
		submitter:   opts.Submitter,
		constraints: opts.Constraints,
		interval:    opts.ChunkInterval,
		mimeTypes:   opts.MimeTypes,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if s.devices == nil {
		s.devices = NoDevice{}
	}
	if s.encoders == nil {
		s.encoders = MJPEGFactory{}
	}
	if s.loop == nil {
		s.loop = render.NewLoop(render.Options{Scheduler: render.NewManualScheduler(), Metrics: opts.Metrics})
	}
	if s.timer == nil {
		s.timer = NewTickerTimer()
	}
	if s.interval <= 0 {
		s.interval = DefaultChunkInterval
	}
	if len(s.mimeTypes) == 0 {
		s.mimeTypes = PreferredMimeTypes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if !s.constraints.Video && !s.constraints.Audio {
		s.constraints.Video, s.constraints.Audio = true, true
	}
	return s
}

// Start acquires the device, attaches the preview loop and begins recording
// the raw stream. It fails with RPT_DEVICE_UNAVAILABLE when the device cannot
// be opened; the session is then Idle again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return errordefs.New(errordefs.RPT_CONFLICT, "capture session is "+st.String(), "")
	}
	s.state = StateStarting
	s.mu.Unlock()

	stream, err := s.devices.Open(ctx, s.constraints)
	if err != nil {
		s.setIdle()
		s.countSession("device_unavailable")
		s.logger.Warn("capture device unavailable", "error", err)
		return errordefs.Wrap(errordefs.RPT_DEVICE_UNAVAILABLE, "capture device unavailable", err)
	}

	started := false
	defer func() {
		if !started {
			releaseTracks(stream)
			s.setIdle()
			s.countSession("failed")
		}
	}()

	enc, err := newEncoder(s.encoders, stream, s.mimeTypes)
	if err != nil {
		return errordefs.Wrap(errordefs.RPT_INTERNAL, "no supported recording format", err)
	}
	if err := enc.Start(); err != nil {
		return errordefs.Wrap(errordefs.RPT_INTERNAL, "start recorder", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.encoder = enc
	s.chunks = nil
	s.chunkBytes = 0
	s.startedAt = time.Now()
	s.mu.Unlock()

	// Still Starting here: Stop and Import refuse until the loop and the
	// timer are both armed.
	s.loop.Attach(stream)
	s.timer.Start(s.interval, s.collectChunk)

	s.mu.Lock()
	s.state = StateRecording
	s.mu.Unlock()
	started = true

	s.countSession("started")
	s.logger.Info("capture started", "mime_type", enc.MimeType(), "chunk_interval", s.interval)
	return nil
}

// collectChunk appends the data encoded since the previous call.
func (s *Session) collectChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording || s.encoder == nil {
		return
	}
	data, err := s.encoder.RequestData()
	if err != nil {
		s.logger.Warn("collect chunk failed", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	s.chunks = append(s.chunks, data)
	s.chunkBytes += int64(len(data))
	if s.metrics != nil {
		s.metrics.CaptureChunksTotal.Inc()
		s.metrics.CaptureBytesTotal.Add(float64(len(data)))
	}
}

// Stop ends the recording and returns the finished artifact. The chunk timer
// is stopped before the recorder is flushed, so no chunk arrives after
// finalization starts. Device tracks are released whether or not
// finalization succeeds.
func (s *Session) Stop(ctx context.Context) (*model.CaptureArtifact, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return nil, errordefs.New(errordefs.RPT_CONFLICT, "capture session is "+st.String(), "")
	}
	s.state = StateStopping
	stream, enc := s.stream, s.encoder
	s.mu.Unlock()

	defer func() {
		releaseTracks(stream)
		s.mu.Lock()
		s.state = StateIdle
		s.stream = nil
		s.encoder = nil
		s.chunks = nil
		s.chunkBytes = 0
		s.mu.Unlock()
	}()

	s.timer.Stop()
	s.loop.Detach()

	final, encErr := enc.Stop()

	s.mu.Lock()
	chunks := s.chunks
	s.mu.Unlock()
	if len(final) > 0 {
		chunks = append(chunks, final)
	}
	if encErr != nil {
		s.logger.Error("finalize recording failed", "error", encErr, "chunks", len(chunks))
		return nil, errordefs.Wrap(errordefs.RPT_INTERNAL, "finalize recording", encErr)
	}

	artifact, err := assemble(chunks, enc.MimeType())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.artifact = artifact
	s.mu.Unlock()

	s.logger.Info("capture stopped", "chunks", artifact.ChunkCount, "bytes", artifact.TotalBytes(), "mime_type", artifact.MimeType)
	return artifact, nil
}

// assemble concatenates chunks in append order into one artifact.
func assemble(chunks [][]byte, mimeType string) (*model.CaptureArtifact, error) {
	if len(chunks) == 0 {
		return nil, errordefs.New(errordefs.RPT_NO_MEDIA, "recording produced no data", "")
	}
	return &model.CaptureArtifact{
		Data:       bytes.Join(chunks, nil),
		MimeType:   mimeType,
		ChunkCount: len(chunks),
	}, nil
}

// ImportFile makes file the session artifact. The MIME type is checked before
// anything else, so a rejected file leaves a running recording untouched.
// An accepted file stops any recording in progress and discards its data.
func (s *Session) ImportFile(ctx context.Context, file model.MediaFile) (*model.CaptureArtifact, error) {
	if !model.IsVideoOrImage(file.MimeType) {
		return nil, errordefs.NewWithDetails(errordefs.RPT_UNSUPPORTED_FORMAT,
			"only video or image files can be imported", "", map[string]interface{}{"mimeType": file.MimeType})
	}
	if len(file.Data) == 0 {
		return nil, errordefs.New(errordefs.RPT_VALIDATION, "imported file is empty", "")
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateStarting, StateStopping:
		return nil, errordefs.New(errordefs.RPT_CONFLICT, "capture session is "+st.String(), "")
	case StateRecording:
		if _, err := s.Stop(ctx); err != nil {
			s.logger.Warn("discarding recording for import", "error", err)
		}
	}

	artifact := &model.CaptureArtifact{
		Data:       bytes.Clone(file.Data),
		MimeType:   file.MimeType,
		Filename:   file.Name,
		ChunkCount: 1,
		Imported:   true,
	}
	s.mu.Lock()
	s.artifact = artifact
	s.mu.Unlock()

	s.logger.Info("media imported", "filename", file.Name, "mime_type", file.MimeType, "bytes", len(file.Data))
	return artifact, nil
}

// Submit persists a report for the current artifact. The artifact is taken
// out of the session before the report is written, so a second concurrent
// Submit fails with RPT_NO_MEDIA instead of creating a duplicate. If the write
// fails the artifact is put back for a retry.
func (s *Session) Submit(ctx context.Context, meta model.ReportMetadata) (model.Report, error) {
	if err := meta.Validate(); err != nil {
		return model.Report{}, err
	}
	if s.submitter == nil {
		return model.Report{}, errordefs.New(errordefs.RPT_UNAVAILABLE, "report submission is not configured", "")
	}

	s.mu.Lock()
	artifact := s.artifact
	if artifact == nil {
		s.mu.Unlock()
		return model.Report{}, errordefs.New(errordefs.RPT_NO_MEDIA, "record or import a video before submitting", "")
	}
	s.artifact = nil
	s.mu.Unlock()

	sub := report.Submission{Metadata: meta, Artifact: artifact}
	if cfg := s.loop.Config(); cfg.Enabled {
		sub.Anonymization = &cfg
	}

	rep, err := s.submitter.Submit(ctx, sub)
	if err != nil {
		s.mu.Lock()
		if s.artifact == nil {
			s.artifact = artifact
		}
		s.mu.Unlock()
		return model.Report{}, err
	}
	return rep, nil
}

// SetAnonymization changes the preview filter. It applies from the next
// render iteration.
func (s *Session) SetAnonymization(cfg model.AnonymizationConfig) {
	s.loop.SetConfig(cfg)
}

// Anonymization returns the current preview filter configuration.
func (s *Session) Anonymization() model.AnonymizationConfig {
	return s.loop.Config()
}

// ErrNoPreview is returned by Preview when no source is attached.
var ErrNoPreview = errors.New("no live preview")

// Preview returns the latest anonymized frame, or the raw source frame when
// the preview loop is paused.
func (s *Session) Preview() (image.Image, error) {
	if img := s.loop.Latest(); img != nil {
		return img, nil
	}
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil, ErrNoPreview
	}
	return stream.Frame()
}

// Artifact returns the current artifact, if any.
func (s *Session) Artifact() *model.CaptureArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// Status is a snapshot of the session.
type Status struct {
	State         string                    `json:"state"`
	Preview       string                    `json:"preview"`
	Anonymization model.AnonymizationConfig `json:"anonymization"`
	MimeType      string                    `json:"mimeType,omitempty"`
	Chunks        int                       `json:"chunks"`
	Bytes         int64                     `json:"bytes"`
	StartedAt     *time.Time                `json:"startedAt,omitempty"`
	Artifact      *ArtifactInfo             `json:"artifact,omitempty"`
}

// ArtifactInfo describes an artifact without its data.
type ArtifactInfo struct {
	MimeType   string `json:"mimeType"`
	Bytes      int64  `json:"bytes"`
	ChunkCount int    `json:"chunkCount"`
	Filename   string `json:"filename,omitempty"`
	Imported   bool   `json:"imported"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:  s.state.String(),
		Chunks: len(s.chunks),
		Bytes:  s.chunkBytes,
	}
	if s.encoder != nil {
		st.MimeType = s.encoder.MimeType()
	}
	if s.state == StateRecording {
		t := s.startedAt
		st.StartedAt = &t
	}
	if a := s.artifact; a != nil {
		st.Artifact = &ArtifactInfo{
			MimeType:   a.MimeType,
			Bytes:      a.TotalBytes(),
			ChunkCount: a.ChunkCount,
			Filename:   a.Filename,
			Imported:   a.Imported,
		}
	}
	s.mu.Unlock()

	st.Preview = s.loop.State().String()
	st.Anonymization = s.loop.Config()
	return st
}

// Close stops a recording in progress and detaches the preview loop.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	recording := s.state == StateRecording
	s.mu.Unlock()

	var err error
	if recording {
		_, err = s.Stop(ctx)
	}
	s.loop.Detach()
	s.timer.Stop()
	return err
}

func (s *Session) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Session) countSession(status string) {
	if s.metrics != nil {
		s.metrics.CaptureSessionsTotal.WithLabelValues(status).Inc()
	}
}
