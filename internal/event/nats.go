// internal/event/nats.go
// Package event provides NATS JetStream implementation for report lifecycle events.
// It streams report creation and status changes to downstream consumers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/ppkpt/anonreport/internal/model"
)

// Stream and subject names.
const (
	StreamName           = "PPKS_REPORTS"
	SubjectCreated       = "reports.created"
	SubjectStatusChanged = "reports.status_changed"
)

// Publisher defines the event publishing operations of the report lifecycle.
type Publisher interface {
	// PublishReportCreated announces a newly submitted report.
	PublishReportCreated(ctx context.Context, report model.Report) error

	// PublishStatusChanged announces a committed status transition.
	PublishStatusChanged(ctx context.Context, report model.Report, from model.Status) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishReportCreated(ctx context.Context, report model.Report) error {
	return nil
}

func (n *noop) PublishStatusChanged(ctx context.Context, report model.Report, from model.Status) error {
	return nil
}

// jetStream is the subset of nats.JetStreamContext used by the publisher.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn // NATS connection
	js jetStream  // JetStream context for publishing

	// Deduplication fields
	dedup map[string]time.Time // Map of message IDs to last publish time
	mutex sync.Mutex           // Mutex for thread-safe access to the dedup map
}

// NewPublisher connects to url and ensures the report stream exists.
// If url is empty or NATS is unreachable it returns a no-op publisher.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	// Connect to NATS server
	nc, err := nats.Connect(url, nats.Name("anonreport"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	// Create JetStream context for stream operations
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js, dedup: make(map[string]time.Time)}
}

// initStreams creates the report stream if it does not exist.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectCreated, SubjectStatusChanged},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour, // Keep events for a week
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute, // Server-side dedup window for Nats-Msg-Id
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// StatusChangedPayload is the payload of a reports.status_changed event.
type StatusChangedPayload struct {
	Report model.Report `json:"report"`
	From   model.Status `json:"from"`
	To     model.Status `json:"to"`
}

// newEnvelope wraps payload for subject. The correlation ID is taken from
// ctx when the HTTP layer set one.
func newEnvelope(ctx context.Context, subject string, payload interface{}) EventEnvelope {
	cid, _ := ctx.Value(CorrelationIDKey{}).(string)
	if cid == "" {
		cid = uuid.New().String()
	}
	return EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: cid,
		Payload:       payload,
	}
}

// CorrelationIDKey is the context key carrying the request correlation ID.
type CorrelationIDKey struct{}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
	return nil
}

// seen reports whether msgID was published within the 2-minute dedup window.
func (p *natsPub) seen(msgID string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	// Clean up old entries to prevent memory leaks
	for k, t := range p.dedup {
		if now.Sub(t) > 5*time.Minute {
			delete(p.dedup, k)
		}
	}
	if last, ok := p.dedup[msgID]; ok && now.Sub(last) < 2*time.Minute {
		return true
	}
	return false
}

func (p *natsPub) markPublished(msgID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.dedup[msgID] = time.Now()
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload interface{}) error {
	if p.seen(msgID) {
		return nil
	}

	b, err := json.Marshal(newEnvelope(ctx, subject, payload))
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return err
	}

	p.markPublished(msgID)
	return nil
}

// PublishReportCreated publishes a reports.created event.
func (p *natsPub) PublishReportCreated(ctx context.Context, report model.Report) error {
	return p.publish(ctx, SubjectCreated, report.ID+".created", report)
}

// PublishStatusChanged publishes a reports.status_changed event.
func (p *natsPub) PublishStatusChanged(ctx context.Context, report model.Report, from model.Status) error {
	msgID := fmt.Sprintf("%s.%s", report.ID, report.Status)
	return p.publish(ctx, SubjectStatusChanged, msgID, StatusChangedPayload{Report: report, From: from, To: report.Status})
}
