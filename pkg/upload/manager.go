// Package upload moves attachment bytes between the device and blob storage.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/storage"
)

const (
	DefaultPartSize    int64 = 5 << 20
	DefaultPartRetries       = 3
	DefaultURLTTL            = 5 * time.Minute

	keyPrefix = "files/"
)

// Endpoint is the blob storage the manager talks to.
type Endpoint interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	BeginUpload(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (storage.Part, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []storage.Part) error
	AbortUpload(ctx context.Context, key, uploadID string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config tunes a Manager. Zero values take defaults.
type Config struct {
	PartSize    int64
	PartRetries int
	RetryDelay  time.Duration
	URLTTL      time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Request describes one file to upload.
type Request struct {
	LocalID  string
	FilePath string
	FileName string
	MimeType string
}

// Result is a finished upload.
type Result struct {
	StoragePath string
	Hash        string
	Size        int64
	// Reused is set when the content was already stored remotely.
	Reused bool
}

// ProgressFunc receives upload progress in percent. Values only increase.
type ProgressFunc func(progress int)

type session struct {
	cancel   context.CancelFunc
	canceled bool
}

// Manager runs uploads and downloads and tracks in-flight upload sessions.
type Manager struct {
	endpoint Endpoint
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager returns a Manager for endpoint.
func NewManager(endpoint Endpoint, cfg Config) *Manager {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.PartRetries <= 0 {
		cfg.PartRetries = DefaultPartRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = DefaultURLTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Upload stores the file under a content-addressed key. Content that is
// already stored is not sent again.
func (m *Manager) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	if strings.TrimSpace(req.LocalID) == "" {
		return Result{}, errors.New("upload: local id is required")
	}
	ctx, sess, err := m.begin(ctx, req.LocalID)
	if err != nil {
		return Result{}, err
	}
	defer m.end(req.LocalID)

	report := progressReporter(onProgress)
	res, err := m.upload(ctx, req, report)
	if err != nil {
		m.mu.Lock()
		canceled := sess.canceled
		m.mu.Unlock()
		if canceled {
			return Result{}, ErrCanceled
		}
		return Result{}, err
	}
	report(100)
	return res, nil
}

func (m *Manager) upload(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
	hash, size, err := storage.HashFile(req.FilePath)
	if err != nil {
		return Result{}, err
	}
	name := req.FileName
	if name == "" {
		name = req.FilePath
	}
	key := keyPrefix + storage.ContentKey(hash, name)
	res := Result{StoragePath: key, Hash: hash, Size: size}
	report(0)

	exists, err := m.endpoint.Exists(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if exists {
		res.Reused = true
		return res, nil
	}

	f, err := os.Open(req.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	if size <= m.cfg.PartSize {
		if err := m.endpoint.Put(ctx, key, f, size, req.MimeType); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	uploadID, err := m.endpoint.BeginUpload(ctx, key, req.MimeType)
	if err != nil {
		return Result{}, err
	}
	if err := m.sendParts(ctx, f, key, uploadID, size, report); err != nil {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if abortErr := m.endpoint.AbortUpload(abortCtx, key, uploadID); abortErr != nil {
			m.logger.Warn("abort upload", "local_id", req.LocalID, "err", abortErr)
		}
		return Result{}, err
	}
	return res, nil
}

func (m *Manager) sendParts(ctx context.Context, r io.Reader, key, uploadID string, size int64, report ProgressFunc) error {
	buf := make([]byte, m.cfg.PartSize)
	var parts []storage.Part
	var sent int64
	for number := 1; ; number++ {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			part, err := m.uploadPart(ctx, key, uploadID, number, buf[:n])
			if err != nil {
				return err
			}
			parts = append(parts, part)
			sent += int64(n)
			report(clampProgress(int(sent * 100 / size)))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read upload file: %w", readErr)
		}
	}
	return m.endpoint.CompleteUpload(ctx, key, uploadID, parts)
}

func (m *Manager) uploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (storage.Part, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PartRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return storage.Part{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * m.cfg.RetryDelay):
			}
		}
		part, err := m.endpoint.UploadPart(ctx, key, uploadID, number, bytes.NewReader(data), int64(len(data)))
		if err == nil {
			return part, nil
		}
		if ctx.Err() != nil {
			return storage.Part{}, ctx.Err()
		}
		lastErr = err
		m.logger.Warn("upload part failed", "part", number, "attempt", attempt+1, "err", err)
	}
	return storage.Part{}, lastErr
}

// Cancel stops the in-flight upload of localID. It reports whether one was
// running.
func (m *Manager) Cancel(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[localID]
	if !ok {
		return false
	}
	sess.canceled = true
	sess.cancel()
	return true
}

// InFlight reports whether localID has an upload running.
func (m *Manager) InFlight(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[localID]
	return ok
}

func (m *Manager) begin(ctx context.Context, localID string) (context.Context, *session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[localID]; ok {
		return nil, nil, ErrInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{cancel: cancel}
	m.sessions[localID] = sess
	return ctx, sess, nil
}

func (m *Manager) end(localID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[localID]; ok {
		sess.cancel()
		delete(m.sessions, localID)
	}
}

// Download fetches the object at storagePath through a signed URL and writes
// it to dest.
func (m *Manager) Download(ctx context.Context, storagePath, dest string) error {
	url, err := m.endpoint.PresignGet(ctx, storagePath, m.cfg.URLTTL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move download: %w", err)
	}
	return nil
}

func progressReporter(fn ProgressFunc) ProgressFunc {
	last := -1
	return func(p int) {
		if fn == nil || p <= last {
			return
		}
		last = p
		fn(p)
	}
}

func clampProgress(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
