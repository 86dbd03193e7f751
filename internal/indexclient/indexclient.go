// Package indexclient fetches and tolerantly scrapes a PEP 503 "simple"
// package index listing page for a project's download links.
package indexclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/bilusteknoloji/ppm/internal/requirement"
)

const defaultTimeout = 30 * time.Second

// Record is a single entry scraped from a listing page: the resolved
// download URL, the anchor's visible filename, and any sha256 digest
// carried in the URL's fragment.
type Record struct {
	URL        string
	Filename   string
	SHA256Hint string
}

// Client lists the download records a project publishes on one index.
type Client interface {
	List(ctx context.Context, indexURL, projectName string) []Record
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for listing requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetries sets the retry budget for a single listing fetch.
// Defaults to 2.
func WithRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithUserAgent sets the User-Agent header sent on listing requests.
func WithUserAgent(ua string) Option {
	return func(s *Service) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// Service fetches and scrapes simple-index listing pages.
type Service struct {
	httpClient *http.Client
	logger     *slog.Logger
	retries    int
	userAgent  string
}

// compile-time proof that Service implements Client.
var _ Client = (*Service)(nil)

// New creates a new listing client.
func New(opts ...Option) *Service {
	s := &Service{
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		retries:    2,
		userAgent:  "ppm",
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// List fetches and scrapes the listing for projectName on indexURL.
// Failures of every kind (network error, non-2xx response, zero
// matching anchors) are absorbed here: List never returns an error,
// only an empty slice, so that other indexes may still carry the
// project.
func (s *Service) List(ctx context.Context, indexURL, projectName string) []Record {
	normalized := requirement.NormalizeName(projectName)
	listingURL := strings.TrimRight(indexURL, "/") + "/" + normalized + "/"

	body, err := s.fetchWithRetry(ctx, listingURL)
	if err != nil {
		s.logger.Debug("listing fetch failed, absorbing",
			slog.String("project", projectName),
			slog.String("index", indexURL),
			slog.String("error", err.Error()),
		)

		return nil
	}

	records := parseAnchors(body, listingURL)
	if len(records) == 0 {
		s.logger.Debug("listing produced no anchors",
			slog.String("project", projectName),
			slog.String("index", indexURL),
		)
	}

	return records
}

// fetchWithRetry performs an HTTP GET with retry and exponential
// backoff, mirroring the resolver's other HTTP collaborators.
func (s *Service) fetchWithRetry(ctx context.Context, listingURL string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("fetching %s: %w", listingURL, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := s.doRequest(ctx, listingURL)
		if err == nil {
			return body, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return "", err
		}

		lastErr = err
	}

	return "", fmt.Errorf("fetching %s after %d attempts: %w", listingURL, s.retries+1, lastErr)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (s *Service) doRequest(ctx context.Context, listingURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request for %s: %w", listingURL, err)
	}

	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("requesting %s: %w", listingURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("no listing at %s", listingURL)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, listingURL)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, listingURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("reading response from %s: %w", listingURL, err)}
	}

	return string(body), nil
}

// anchorRe is a deliberately tolerant scan for href/text anchor pairs;
// a full HTML parser is unnecessary for the simple index format.
var anchorRe = regexp.MustCompile(`(?i)href\s*=\s*['"]([^'"]+)['"][^>]*>([^<]*)`)

// sha256FragmentRe extracts a sha256=<64 hex> token from a URL fragment.
var sha256FragmentRe = regexp.MustCompile(`sha256=([0-9a-fA-F]{64})`)

// parseAnchors tolerantly extracts (href, visible text) pairs from an
// HTML body, resolving each href against base and splitting off any
// sha256 fragment hint.
func parseAnchors(body, base string) []Record {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	var records []Record

	for _, m := range anchorRe.FindAllStringSubmatch(body, -1) {
		href := strings.TrimSpace(m[1])
		if href == "" {
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			continue
		}

		resolved := baseURL.ResolveReference(ref)

		var hint string
		if fm := sha256FragmentRe.FindStringSubmatch(resolved.Fragment); fm != nil {
			hint = strings.ToLower(fm[1])
		}

		resolved.Fragment = ""

		filename := strings.TrimSpace(m[2])
		if filename == "" {
			filename = path.Base(resolved.Path)
		}

		records = append(records, Record{
			URL:        resolved.String(),
			Filename:   filename,
			SHA256Hint: hint,
		})
	}

	return records
}
