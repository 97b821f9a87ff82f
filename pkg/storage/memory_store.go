package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownUpload is returned for multipart calls on an unknown upload id.
var ErrUnknownUpload = errors.New("storage: unknown upload")

// MemoryStore keeps objects in process memory and serves them over HTTP.
// It backs local runs without an object store, and tests.
type MemoryStore struct {
	// PartHook, when set, runs before each part is stored. A non-nil error
	// fails that part.
	PartHook func(ctx context.Context, number int) error

	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	uploads map[string]*memoryUpload
}

type memoryUpload struct {
	key   string
	parts map[int][]byte
}

// NewMemoryStore returns an empty store whose signed URLs start with baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string][]byte),
		uploads: make(map[string]*memoryUpload),
	}
}

// SetBaseURL changes the prefix of signed URLs.
func (m *MemoryStore) SetBaseURL(baseURL string) {
	m.mu.Lock()
	m.baseURL = strings.TrimRight(baseURL, "/")
	m.mu.Unlock()
}

// Exists reports whether key is stored.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Put stores a whole object.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

// BeginUpload opens a multipart upload.
func (m *MemoryStore) BeginUpload(_ context.Context, key, _ string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.uploads[id] = &memoryUpload{key: key, parts: make(map[int][]byte)}
	m.mu.Unlock()
	return id, nil
}

// UploadPart stores one part.
func (m *MemoryStore) UploadPart(ctx context.Context, _ string, uploadID string, number int, r io.Reader, _ int64) (Part, error) {
	if m.PartHook != nil {
		if err := m.PartHook(ctx, number); err != nil {
			return Part{}, err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Part{}, fmt.Errorf("read part: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return Part{}, ErrUnknownUpload
	}
	up.parts[number] = data
	return Part{Number: number, ETag: fmt.Sprintf("%s-%d", uploadID, number)}, nil
}

// CompleteUpload joins the listed parts in part order.
func (m *MemoryStore) CompleteUpload(_ context.Context, _ string, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return ErrUnknownUpload
	}
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := up.parts[p.Number]
		if !ok {
			return fmt.Errorf("complete upload: missing part %d", p.Number)
		}
		buf.Write(data)
	}
	m.objects[up.key] = buf.Bytes()
	delete(m.uploads, uploadID)
	return nil
}

// AbortUpload drops an open upload.
func (m *MemoryStore) AbortUpload(_ context.Context, _ string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return ErrUnknownUpload
	}
	delete(m.uploads, uploadID)
	return nil
}

// PresignGet returns a URL under the base URL. The expiry is carried but not
// enforced.
func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("presign get: no object %s", key)
	}
	return fmt.Sprintf("%s/%s?expires=%d", m.baseURL, key, time.Now().Add(expiry).Unix()), nil
}

// ServeHTTP serves GET requests for stored objects by key.
func (m *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// Object returns a copy of the stored object.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ObjectCount returns the number of stored objects.
func (m *MemoryStore) ObjectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// OpenUploads returns the number of multipart uploads neither completed nor
// aborted.
func (m *MemoryStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}
