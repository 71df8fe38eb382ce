// Package media stores capture artifacts and resolves the opaque references
// kept in report records.
package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a reference does not name a stored object.
var ErrNotFound = errors.New("media not found")

// Store holds artifact bytes.
type Store interface {
	// Put stores data under key and returns an opaque reference to it.
	Put(ctx context.Context, key, mimeType string, data []byte) (string, error)
	// Open returns the object named by ref and its MIME type.
	Open(ctx context.Context, ref string) (io.ReadCloser, string, error)
	// URL returns a time-limited download URL, or "" when the backend
	// cannot serve objects directly.
	URL(ctx context.Context, ref string, expires time.Duration) (string, error)
	// Delete removes the object named by ref. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, ref string) error
}

// ObjectKey builds the storage key for a report's artifact.
func ObjectKey(reportID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "artifact"
	}
	return path.Join("reports", reportID, name)
}

const memoryScheme = "mem://"

type memoryObject struct {
	mimeType string
	data     []byte
}

// memory keeps objects in process memory.
type memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemory creates an in-memory Store.
func NewMemory() Store {
	return &memory{objects: make(map[string]memoryObject)}
}

func (m *memory) Put(ctx context.Context, key, mimeType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{mimeType: mimeType, data: bytes.Clone(data)}
	return memoryScheme + key, nil
}

func (m *memory) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	key, ok := strings.CutPrefix(ref, memoryScheme)
	if !ok {
		return nil, "", ErrNotFound
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.mimeType, nil
}

func (m *memory) URL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	return "", nil
}

func (m *memory) Delete(ctx context.Context, ref string) error {
	key, ok := strings.CutPrefix(ref, memoryScheme)
	if !ok {
		return nil
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
