// Package cache implements the content-addressed artifact cache:
// downloading artifacts to disk keyed by filename, verifying their
// SHA-256 digest, and serving cache hits without re-downloading.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// chunkSize bounds a single read from the network.
const chunkSize = 1 << 20 // 1 MiB

const defaultRetries = 2

// IntegrityError reports a digest that does not match what was
// expected: either a mismatch against an index-advertised sha256
// fragment, or (in strict_hash mode) a missing digest altogether.
type IntegrityError struct {
	Filename string
	Expected string
	Got      string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("cache: %s has no sha256 digest and strict_hash is enabled", e.Filename)
	}

	return fmt.Sprintf("cache: %s sha256 mismatch: expected %s, got %s", e.Filename, e.Expected, e.Got)
}

// Store fetches artifacts into the content-addressed cache, singly or
// as a concurrent batch, returning on-disk paths and verified SHA-256
// digests.
type Store interface {
	Fetch(ctx context.Context, filename, url, sha256Hint string) (path, sha256Hex string, err error)
	FetchAll(ctx context.Context, reqs []FetchRequest) ([]FetchResult, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDir sets the cache directory. Overrides the directory passed to New.
func WithDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.dir = dir
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithRetries sets the per-artifact download retry budget. Defaults to 2.
func WithRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// WithStrictHash enables strict_hash mode: an artifact with neither an
// index-advertised hint nor a computed digest is fatal.
func WithStrictHash(strict bool) Option {
	return func(m *Manager) { m.strictHash = strict }
}

// WithMaxWorkers bounds concurrent downloads across independent
// artifacts in FetchAll. Defaults to runtime.GOMAXPROCS(0).
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

// WithUserAgent sets the User-Agent header sent on download requests.
func WithUserAgent(ua string) Option {
	return func(m *Manager) {
		if ua != "" {
			m.userAgent = ua
		}
	}
}

// Manager manages a local content-addressed artifact cache under
// <root>/.ppm/cache/.
type Manager struct {
	dir        string
	logger     *slog.Logger
	httpClient *http.Client
	retries    int
	strictHash bool
	maxWorkers int
	userAgent  string
}

// compile-time proof that Manager implements Store.
var _ Store = (*Manager)(nil)

// New creates a new cache manager rooted at dir, creating it if absent.
func New(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:        dir,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		retries:    defaultRetries,
		maxWorkers: runtime.GOMAXPROCS(0),
		userAgent:  "ppm",
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", m.dir, err)
	}

	return m, nil
}

// Fetch returns the path and SHA-256 digest of filename, downloading it
// from url first if it is not already cached. An existing cache file is
// authoritative: its digest is recomputed and trusted without
// re-downloading. Integrity (digest-hint mismatch, or a missing digest
// under strict_hash) is checked on every path, cache hit or fresh
// download alike.
func (m *Manager) Fetch(ctx context.Context, filename, url, sha256Hint string) (string, string, error) {
	path := filepath.Join(m.dir, filename)

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		digest, err := hashFile(path)
		if err != nil {
			return "", "", fmt.Errorf("hashing cached %s: %w", filename, err)
		}

		m.logger.Debug("cache hit", slog.String("file", filename))

		if err := m.verify(filename, sha256Hint, digest); err != nil {
			return "", "", err
		}

		return path, digest, nil
	}

	digest, err := m.downloadWithRetry(ctx, path, url, filename)
	if err != nil {
		return "", "", err
	}

	if err := m.verify(filename, sha256Hint, digest); err != nil {
		return "", "", err
	}

	return path, digest, nil
}

// verify enforces the digest invariants: a mismatch against an
// advertised hint is always fatal, and a missing digest is fatal only
// when strict_hash mode is enabled.
func (m *Manager) verify(filename, hint, digest string) error {
	if hint != "" && digest != hint {
		return &IntegrityError{Filename: filename, Expected: hint, Got: digest}
	}

	if m.strictHash && digest == "" {
		return &IntegrityError{Filename: filename}
	}

	return nil
}

// FetchRequest describes one artifact to fetch as part of a batch.
type FetchRequest struct {
	Name       string // package name, for error messages
	Filename   string
	URL        string
	SHA256Hint string
}

// FetchResult is the outcome of fetching one artifact.
type FetchResult struct {
	Name     string
	Filename string
	Path     string
	SHA256   string
}

// FetchAll fetches every request concurrently, bounded by maxWorkers,
// and returns results in the same order as reqs regardless of
// completion order — the driver's commit order depends only on queue
// arrival, never on download scheduling.
func (m *Manager) FetchAll(ctx context.Context, reqs []FetchRequest) ([]FetchResult, error) {
	results := make([]FetchResult, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxWorkers)

	for i, req := range reqs {
		g.Go(func() error {
			path, digest, err := m.Fetch(ctx, req.Filename, req.URL, req.SHA256Hint)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", req.Name, err)
			}

			results[i] = FetchResult{
				Name:     req.Name,
				Filename: req.Filename,
				Path:     path,
				SHA256:   digest,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// downloadWithRetry attempts a single artifact download up to
// m.retries+1 times with exponential backoff between attempts. Only
// transient failures are retried; a digest mismatch or 4xx response is
// surfaced immediately.
func (m *Manager) downloadWithRetry(ctx context.Context, destPath, url, filename string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			m.logger.Debug("retrying download",
				slog.String("file", filename),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("download of %s canceled: %w", filename, ctx.Err())
			case <-time.After(backoff):
			}
		}

		digest, err := m.doDownload(ctx, destPath, url)
		if err == nil {
			return digest, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return "", fmt.Errorf("downloading %s: %w", filename, err)
		}

		lastErr = err
		m.logger.Debug("download attempt failed",
			slog.String("file", filename),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return "", fmt.Errorf("downloading %s after %d attempts: %w", filename, m.retries+1, lastErr)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// doDownload performs a single HTTP GET, streaming the body to a
// temporary sibling path in chunkSize reads while hashing it, then
// renames atomically into place on success, so an interrupt mid-download
// can never leave a partial file at the final cache path.
func (m *Manager) doDownload(ctx context.Context, destPath, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("requesting %s: %w", url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)

		if resp.StatusCode >= http.StatusInternalServerError {
			return "", &retryableError{err: statusErr}
		}

		return "", statusErr
	}

	tmpPath := destPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)

	_, copyErr := io.CopyBuffer(io.MultiWriter(f, h), resp.Body, buf)

	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("closing temp file: %w", err)
	}

	if copyErr != nil {
		_ = os.Remove(tmpPath)

		return "", &retryableError{err: fmt.Errorf("writing %s: %w", destPath, copyErr)}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("renaming into cache: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile computes the SHA256 hex digest of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
