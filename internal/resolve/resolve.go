// Package resolve drives the pipeline end to end: it seeds a
// requirement queue and processes it one BFS frontier at a time,
// walking each frontier's entries through listing, classification and
// selection, then downloading the whole frontier's chosen artifacts as
// a single concurrent batch before (optionally) expanding transitive
// dependencies into the next frontier. Each resolved name is committed
// into a resolved map keyed by canonical name. Resolution is greedy and
// single-pass: the first version committed for a name is final, and a
// later, stricter requirement for the same name is never revisited.
// This is a deliberate simplification, not an oversight — a SAT-style
// backtracking solver is out of scope.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bilusteknoloji/ppm/internal/cache"
	"github.com/bilusteknoloji/ppm/internal/classifier"
	"github.com/bilusteknoloji/ppm/internal/indexclient"
	"github.com/bilusteknoloji/ppm/internal/lockfile"
	"github.com/bilusteknoloji/ppm/internal/marker"
	"github.com/bilusteknoloji/ppm/internal/python"
	"github.com/bilusteknoloji/ppm/internal/requirement"
	"github.com/bilusteknoloji/ppm/internal/selector"
	"github.com/bilusteknoloji/ppm/internal/transitive"
)

// ConfigError reports a missing or malformed configuration, caught
// before any I/O is attempted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ResolutionError reports that no candidate satisfied a requirement, or
// no compatible artifact existed at the chosen version. Fatal.
type ResolutionError struct {
	Requirement string
	Reason      string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s: %s", e.Requirement, e.Reason)
}

// CycleError signals that the same name appears twice within a single
// resolution frontier. Under correct greedy-commit processing this
// cannot happen — every requirement is deduplicated against the seen
// set at the moment it is enqueued, so a frontier can never contain two
// entries for the same name — so this exists as an internal invariant
// check rather than a reachable user-facing failure mode.
type CycleError struct {
	Name string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s re-entered before its first resolution completed", e.Name)
}

// Config is the typed configuration the CLI front-end hands the core.
type Config struct {
	Root              string
	IndexURL          string
	ExtraIndexURLs    []string
	Requirements      []string
	FollowTransitives bool
	StrictHash        bool
	TimeoutSeconds    int
	Retries           int
	UserAgent         string
}

// Validate checks Config for the fields the core cannot proceed
// without, returning a *ConfigError naming the first problem found.
func (c Config) Validate() error {
	if c.Root == "" {
		return &ConfigError{Field: "root", Reason: "must not be empty"}
	}

	if c.IndexURL == "" {
		return &ConfigError{Field: "index_url", Reason: "must not be empty"}
	}

	if len(c.Requirements) == 0 {
		return &ConfigError{Field: "requirements", Reason: "at least one requirement is required"}
	}

	if c.TimeoutSeconds < 0 {
		return &ConfigError{Field: "timeout_seconds", Reason: "must not be negative"}
	}

	if c.Retries < 0 {
		return &ConfigError{Field: "retries", Reason: "must not be negative"}
	}

	return nil
}

func (c Config) indexURLs() []string {
	urls := make([]string, 0, 1+len(c.ExtraIndexURLs))
	urls = append(urls, c.IndexURL)
	urls = append(urls, c.ExtraIndexURLs...)

	return urls
}

// Option configures a Service. Collaborators default to the real
// network- and filesystem-backed implementations; tests substitute
// fakes through these same seams.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnvDetector overrides the environment probe.
func WithEnvDetector(d python.Detector) Option {
	return func(s *Service) {
		if d != nil {
			s.env = d
		}
	}
}

// WithIndexClient overrides the index listing client.
func WithIndexClient(c indexclient.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.index = c
		}
	}
}

// WithCache overrides the artifact cache.
func WithCache(c cache.Store) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithTransitiveEngine overrides the transitive dependency engine.
func WithTransitiveEngine(e transitiveExpander) Option {
	return func(s *Service) {
		if e != nil {
			s.transitive = e
		}
	}
}

// transitiveExpander is the subset of transitive.Engine the driver
// depends on, narrowed so tests can substitute a fake.
type transitiveExpander interface {
	Expand(wheelPath string, env marker.Env, alreadyKnown func(canonicalName string) bool) ([]requirement.Requirement, error)
}

// Service runs one resolve pass for a given Config.
type Service struct {
	cfg Config

	logger     *slog.Logger
	env        python.Detector
	index      indexclient.Client
	cache      cache.Store
	transitive transitiveExpander
}

// New builds a Service for cfg, wiring default collaborators over opts.
// The cache directory is rooted at <cfg.Root>/.ppm/cache.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}

	cacheDir := cfg.Root + "/.ppm/cache"

	mgr, err := cache.New(cacheDir,
		cache.WithHTTPClient(httpClient),
		cache.WithRetries(cfg.Retries),
		cache.WithStrictHash(cfg.StrictHash),
		cache.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		env:    python.New(),
		index: indexclient.New(
			indexclient.WithHTTPClient(httpClient),
			indexclient.WithRetries(cfg.Retries),
			indexclient.WithUserAgent(cfg.UserAgent),
		),
		cache:      mgr,
		transitive: transitive.NewEngine(transitive.NewZipMetadataReader()),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run executes one full resolve pass and returns the resulting lock.
// Resolution proceeds in rounds, one per BFS frontier: every
// requirement reachable at the current depth is listed, classified and
// selected, then the whole round's chosen artifacts are downloaded as a
// single concurrent batch via the cache's FetchAll, before transitive
// expansion produces the next round's frontier. Commit order within a
// round always follows the order requirements entered the frontier,
// never download completion order.
func (s *Service) Run(ctx context.Context) (lockfile.Lock, error) {
	env, err := s.env.Detect(ctx)
	if err != nil {
		return lockfile.Lock{}, fmt.Errorf("probing environment: %w", err)
	}

	envTags := env.CompatTags()
	markerEnv := env.MarkerEnv()
	indexURLs := s.cfg.indexURLs()

	resolved := make(map[string]lockfile.Package)
	seen := make(map[string]bool)

	var queue []requirement.Requirement

	for _, raw := range s.cfg.Requirements {
		req := requirement.Parse(raw)
		if req.Name == "" {
			return lockfile.Lock{}, &ResolutionError{Requirement: raw, Reason: "could not parse a package name"}
		}

		if seen[req.Name] {
			continue
		}

		seen[req.Name] = true

		queue = append(queue, req)
	}

	for len(queue) > 0 {
		frontier := queue
		queue = nil

		pending, err := s.selectFrontier(ctx, frontier, resolved, indexURLs, envTags)
		if err != nil {
			return lockfile.Lock{}, err
		}

		if len(pending) == 0 {
			continue
		}

		fetchReqs := make([]cache.FetchRequest, len(pending))
		for i, p := range pending {
			fetchReqs[i] = cache.FetchRequest{
				Name:       p.req.Name,
				Filename:   p.cand.Artifact.Filename,
				URL:        p.cand.Artifact.URL,
				SHA256Hint: p.cand.Artifact.SHA256Hint,
			}
		}

		s.logger.Debug("fetching batch", slog.Int("count", len(fetchReqs)))

		results, err := s.cache.FetchAll(ctx, fetchReqs)
		if err != nil {
			var ie *cache.IntegrityError
			if errors.As(err, &ie) {
				return lockfile.Lock{}, err
			}

			return lockfile.Lock{}, fmt.Errorf("fetching batch: %w", err)
		}

		for i, p := range pending {
			res := results[i]
			p.cand.Artifact.SHA256 = res.SHA256

			pkg := lockfile.Package{
				Name:     p.req.Name,
				Version:  p.cand.Version,
				Markers:  p.req.MarkerRaw,
				Artifact: p.cand.Artifact,
			}

			resolved[p.req.Name] = pkg

			s.logger.Debug("committed", slog.String("package", p.req.Name), slog.String("version", p.cand.Version))

			if !s.cfg.FollowTransitives || !pkg.Artifact.IsWheel {
				continue
			}

			s.logger.Debug("expanding transitive dependencies", slog.String("package", p.req.Name))

			newReqs, err := s.transitive.Expand(res.Path, markerEnv, func(name string) bool {
				if _, ok := resolved[name]; ok {
					return true
				}

				return seen[name]
			})
			if err != nil {
				return lockfile.Lock{}, fmt.Errorf("expanding %s: %w", p.req.Name, err)
			}

			for _, nr := range newReqs {
				if seen[nr.Name] {
					continue
				}

				seen[nr.Name] = true

				queue = append(queue, nr)
			}
		}
	}

	lock := lockfile.Lock{
		IndexPrimary: s.cfg.IndexURL,
		IndexExtra:   s.cfg.ExtraIndexURLs,
	}

	for _, pkg := range resolved {
		lock.Packages = append(lock.Packages, pkg)
	}

	return lock, nil
}

// pendingCandidate pairs a requirement with the candidate selected for
// it, ahead of the batch fetch that commits it.
type pendingCandidate struct {
	req  requirement.Requirement
	cand selector.Candidate
}

// selectFrontier walks every requirement in frontier through listing,
// classification and selection, skipping names already committed by an
// earlier round. It never downloads anything; that happens once, as a
// batch, after the whole frontier has a candidate picked.
func (s *Service) selectFrontier(ctx context.Context, frontier []requirement.Requirement, resolved map[string]lockfile.Package, indexURLs []string, envTags []python.CompatTag) ([]pendingCandidate, error) {
	frontierNames := make(map[string]bool, len(frontier))

	var pending []pendingCandidate

	for _, req := range frontier {
		if _, ok := resolved[req.Name]; ok {
			// Greedy-commit: the first resolution for this name already
			// won; a later, possibly stricter requirement is not revisited.
			continue
		}

		if frontierNames[req.Name] {
			return nil, &CycleError{Name: req.Name}
		}

		frontierNames[req.Name] = true

		cand, err := s.selectCandidate(ctx, req, indexURLs, envTags)
		if err != nil {
			return nil, err
		}

		pending = append(pending, pendingCandidate{req: req, cand: cand})
	}

	return pending, nil
}

// selectCandidate lists and classifies req's artifacts across every
// configured index, then selects a single version and artifact for it.
func (s *Service) selectCandidate(ctx context.Context, req requirement.Requirement, indexURLs []string, envTags []python.CompatTag) (selector.Candidate, error) {
	s.logger.Debug("listing", slog.String("package", req.Name))

	var artifacts []classifier.Artifact

	for _, idxURL := range indexURLs {
		for _, rec := range s.index.List(ctx, idxURL, req.Name) {
			if art, ok := classifier.Classify(rec.URL, rec.Filename, rec.SHA256Hint, envTags); ok {
				artifacts = append(artifacts, art)
			}
		}
	}

	s.logger.Debug("classified", slog.String("package", req.Name), slog.Int("artifacts", len(artifacts)))

	cand, err := selector.Select(req, artifacts)
	if err != nil {
		return selector.Candidate{}, &ResolutionError{
			Requirement: req.Name + req.Specifier,
			Reason:      err.Error(),
		}
	}

	s.logger.Debug("selected", slog.String("package", req.Name), slog.String("version", cand.Version))

	return cand, nil
}
