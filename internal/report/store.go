// Package report holds the durable report collection and the lifecycle rules
// layered over it.
package report

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	errordefs "github.com/ppkpt/anonreport/internal/errors"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/model"
	"github.com/ppkpt/anonreport/internal/schema"
	"github.com/ppkpt/anonreport/internal/storage"
)

// DefaultKey is the key under which the record sequence is stored.
const DefaultKey = "uploadedVideos"

// StoreOptions configures a Store.
type StoreOptions struct {
	Key       string
	Validator *schema.Validator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Store is the durable collection of report records. The whole collection is
// one JSON array under a single key; every operation is a serialized
// read-modify-write of that value, so concurrent writers never interleave.
type Store struct {
	kv        storage.KV
	key       string
	validator *schema.Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex
}

// NewStore creates a Store over kv.
func NewStore(kv storage.KV, opts StoreOptions) *Store {
	s := &Store{
		kv:        kv,
		key:       opts.Key,
		validator: opts.Validator,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.validator == nil {
		s.validator = schema.MustNewValidator()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// entry is one element of the stored array. Elements that fail validation
// keep their raw bytes and are written back untouched.
type entry struct {
	raw    json.RawMessage
	record *model.Report
}

// storedRecord accepts the numeric ids written by earlier releases.
type storedRecord struct {
	model.Report
	ID json.RawMessage `json:"id"`
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid id %s", raw)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// decodeEntry validates and migrates one stored element.
func (s *Store) decodeEntry(raw json.RawMessage) (*model.Report, error) {
	if err := s.validator.ValidateJSON(schema.ReportRecord, raw); err != nil {
		return nil, err
	}
	var sr storedRecord
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, err
	}
	id, err := decodeID(sr.ID)
	if err != nil {
		return nil, err
	}
	status, err := model.MigrateStatus(string(sr.Status))
	if err != nil {
		return nil, err
	}
	r := sr.Report
	r.ID = id
	r.Status = status
	return &r, nil
}

// loadLocked reads and decodes the collection in insertion order.
func (s *Store) loadLocked(ctx context.Context) (entries []entry, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("load", time.Since(start).Seconds(), err) }()

	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode reports: %w", err)
	}

	entries = make([]entry, 0, len(raws))
	for i, raw := range raws {
		rec, derr := s.decodeEntry(raw)
		if derr != nil {
			s.logger.Warn("skipping invalid stored report", "index", i, "error", derr)
			entries = append(entries, entry{raw: raw})
			continue
		}
		entries = append(entries, entry{raw: raw, record: rec})
	}
	return entries, nil
}

// saveLocked writes the collection back.
func (s *Store) saveLocked(ctx context.Context, entries []entry) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("save", time.Since(start).Seconds(), err) }()

	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if e.record == nil {
			out = append(out, e.raw)
			continue
		}
		b, err := json.Marshal(e.record)
		if err != nil {
			return fmt.Errorf("encode report %s: %w", e.record.ID, err)
		}
		out = append(out, b)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode reports: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save reports: %w", err)
	}
	return nil
}

// List returns every valid record in insertion order.
func (s *Store) List(ctx context.Context) ([]model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Report, 0, len(entries))
	for _, e := range entries {
		if e.record != nil {
			out = append(out, *e.record)
		}
	}
	return out, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return model.Report{}, err
	}
	if e := find(entries, id); e != nil {
		return *e.record, nil
	}
	return model.Report{}, errordefs.New(errordefs.RPT_NOT_FOUND, "report not found: "+id, "")
}

// Create appends r, assigning an id when it has none. Existing records are
// never modified; a duplicate id fails with RPT_CONFLICT.
func (s *Store) Create(ctx context.Context, r model.Report) (model.Report, error) {
	if r.ID == "" {
		r.ID = newID(time.Now())
	}
	if r.Status == "" {
		r.Status = model.StatusNew
	}
	if err := s.validator.Validate(schema.ReportRecord, r); err != nil {
		return model.Report{}, errordefs.Wrap(errordefs.RPT_VALIDATION, "report record is invalid", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return model.Report{}, err
	}
	if find(entries, r.ID) != nil {
		return model.Report{}, errordefs.New(errordefs.RPT_CONFLICT, "report already exists: "+r.ID, "")
	}
	rec := r
	entries = append(entries, entry{record: &rec})
	if err := s.saveLocked(ctx, entries); err != nil {
		return model.Report{}, err
	}
	return r, nil
}

// Update applies fn to the record with the given id and saves the result.
// fn sees the latest committed state; if it returns an error nothing is written.
func (s *Store) Update(ctx context.Context, id string, fn func(r *model.Report) error) (model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return model.Report{}, err
	}
	e := find(entries, id)
	if e == nil {
		return model.Report{}, errordefs.New(errordefs.RPT_NOT_FOUND, "report not found: "+id, "")
	}
	updated := *e.record
	if err := fn(&updated); err != nil {
		return model.Report{}, err
	}
	updated.ID = e.record.ID
	e.record = &updated
	if err := s.saveLocked(ctx, entries); err != nil {
		return model.Report{}, err
	}
	return updated, nil
}

// Ping checks the underlying KV.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// newID returns a time-ordered, process-unique report id.
func newID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func find(entries []entry, id string) *entry {
	for i := range entries {
		if entries[i].record != nil && entries[i].record.ID == id {
			return &entries[i]
		}
	}
	return nil
}
