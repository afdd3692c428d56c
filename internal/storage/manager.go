package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/retry"
)

// LocalFile is a job input materialised on the worker's disk.
type LocalFile struct {
	Ref         string
	Path        string
	Size        int64
	ContentHash string // hex SHA-256 of the content
}

// StoredObject is a published job output.
type StoredObject struct {
	Key       string
	SignedURL string
	ExpiresAt time.Time
}

type ManagerConfig struct {
	TempDir       string
	MaxInputBytes int64
	SignedURLTTL  time.Duration
	Policy        retry.Policy
	HTTPClient    *http.Client
}

// Manager owns the storage layout and the per-job scratch space.
type Manager struct {
	backend Backend
	cfg     ManagerConfig
	client  *http.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	tempKeys map[string][]string // jobID -> remote temp keys not yet moved
}

func NewManager(backend Backend, cfg ManagerConfig) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 24 * time.Hour
	}
	return &Manager{
		backend:  backend,
		cfg:      cfg,
		client:   client,
		logger:   xlog.WithComponent("storage"),
		tempKeys: make(map[string][]string),
	}
}

// JobDir is the local scratch directory for a job.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.cfg.TempDir, jobID)
}

// IsURL reports whether ref is fetched over HTTP rather than from the bucket.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Fetch downloads ref into the job's scratch directory. Refs are bucket
// keys or http(s) URLs. Missing objects and oversized inputs are input
// errors; anything left after retries is a storage error.
func (m *Manager) Fetch(ctx context.Context, jobID, ref string) (*LocalFile, error) {
	dir := m.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapError(models.CodeInternal, err, "create scratch directory")
	}

	sum := sha256.Sum256([]byte(ref))
	dest := filepath.Join(dir, hex.EncodeToString(sum[:8])+RefExt(ref))

	var file *LocalFile
	fetch := func(ctx context.Context) error {
		body, err := m.open(ctx, ref)
		if err != nil {
			return err
		}
		defer body.Close()

		f, err := m.writeLimited(dest, body)
		if err != nil {
			return err
		}
		f.Ref = ref
		file = f
		return nil
	}

	// Bucket backends apply the retry policy to their own calls.
	var err error
	if IsURL(ref) {
		err = retry.Do(ctx, m.cfg.Policy, fetch)
	} else {
		err = fetch(ctx)
	}
	if err == nil {
		return file, nil
	}

	var merr *models.Error
	switch {
	case errors.As(err, &merr):
		return nil, err
	case errors.Is(err, ErrNotFound):
		return nil, models.InputError("input %s not found", ref)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, models.WrapError(models.CodeStorageError, err, "fetch %s", ref)
}

func (m *Manager) open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !IsURL(ref) {
		return m.backend.Download(ctx, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, models.InputError("invalid input URL %s", ref)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// writeLimited streams r into dest atomically, hashing as it goes.
func (m *Manager) writeLimited(dest string, r io.Reader) (*LocalFile, error) {
	pending, err := renameio.NewPendingFile(dest)
	if err != nil {
		return nil, models.WrapError(models.CodeInternal, err, "create pending file")
	}
	defer func() { _ = pending.Cleanup() }()

	limit := m.cfg.MaxInputBytes
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(pending, hash), src)
	if err != nil {
		return nil, fmt.Errorf("failed to read input body: %w", err)
	}
	if limit > 0 && n > limit {
		return nil, models.InputError("input exceeds the %d byte limit", limit)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, models.WrapError(models.CodeInternal, err, "atomically replace %s", dest)
	}

	return &LocalFile{Path: dest, Size: n, ContentHash: hex.EncodeToString(hash.Sum(nil))}, nil
}

// Store publishes a local file as a job output: it is uploaded under
// temp/{jobID}/ and then moved to outputs/{jobID}/, so readers never see a
// partial object.
func (m *Manager) Store(ctx context.Context, jobID, localPath, name, contentType string) (*StoredObject, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, models.WrapError(models.CodeInternal, err, "read %s", localPath)
	}

	tempKey := TempKey(jobID, name)
	m.trackTemp(jobID, tempKey)
	if err := m.backend.Upload(ctx, tempKey, data, contentType); err != nil {
		return nil, m.storageError(ctx, err, "upload %s", tempKey)
	}

	outKey := OutputKey(jobID, name)
	if err := m.backend.Move(ctx, tempKey, outKey); err != nil {
		return nil, m.storageError(ctx, err, "publish %s", outKey)
	}
	m.untrackTemp(jobID, tempKey)

	signed, err := m.backend.SignedURL(ctx, outKey, m.cfg.SignedURLTTL)
	if err != nil {
		return nil, m.storageError(ctx, err, "sign %s", outKey)
	}

	return &StoredObject{
		Key:       outKey,
		SignedURL: signed,
		ExpiresAt: time.Now().Add(m.cfg.SignedURLTTL),
	}, nil
}

// PutInput stores an uploaded input under inputs/{uploadID}/ and returns its key.
func (m *Manager) PutInput(ctx context.Context, uploadID, name string, data []byte, contentType string) (string, error) {
	key := InputKey(uploadID, path.Base(name))
	if err := m.backend.Upload(ctx, key, data, contentType); err != nil {
		return "", m.storageError(ctx, err, "upload %s", key)
	}
	return key, nil
}

// Cleanup removes the job's scratch directory and any remote temp objects.
// It is best-effort: failures are logged, never returned.
func (m *Manager) Cleanup(ctx context.Context, jobID string) {
	logger := xlog.FromContext(ctx, m.logger)

	if err := os.RemoveAll(m.JobDir(jobID)); err != nil {
		logger.Warn().Err(err).Msg("failed to remove scratch directory")
	}

	m.mu.Lock()
	keys := m.tempKeys[jobID]
	delete(m.tempKeys, jobID)
	m.mu.Unlock()

	if len(keys) > 0 {
		if err := m.backend.Delete(ctx, keys...); err != nil {
			logger.Warn().Err(err).Strs("keys", keys).Msg("failed to delete temp objects")
		}
	}
}

// LoadBlob and SaveBlob let the beat-map cache persist through the bucket.
func (m *Manager) LoadBlob(ctx context.Context, key string) ([]byte, bool, error) {
	rc, err := m.backend.Download(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) SaveBlob(ctx context.Context, key string, data []byte, contentType string) error {
	return m.backend.Upload(ctx, key, data, contentType)
}

func (m *Manager) trackTemp(jobID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempKeys[jobID] = append(m.tempKeys[jobID], key)
}

func (m *Manager) untrackTemp(jobID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.tempKeys[jobID]
	for i, k := range keys {
		if k == key {
			m.tempKeys[jobID] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(m.tempKeys[jobID]) == 0 {
		delete(m.tempKeys, jobID)
	}
}

func (m *Manager) storageError(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return models.WrapError(models.CodeStorageError, err, format, args...)
}

// refExt keeps the extension of a key or URL path.
func RefExt(ref string) string {
	p := ref
	if IsURL(ref) {
		if u, err := url.Parse(ref); err == nil {
			p = u.Path
		}
	}
	return strings.ToLower(path.Ext(p))
}
