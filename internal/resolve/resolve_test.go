package resolve_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bilusteknoloji/ppm/internal/cache"
	"github.com/bilusteknoloji/ppm/internal/indexclient"
	"github.com/bilusteknoloji/ppm/internal/marker"
	"github.com/bilusteknoloji/ppm/internal/python"
	"github.com/bilusteknoloji/ppm/internal/requirement"
	"github.com/bilusteknoloji/ppm/internal/resolve"
)

type fakeDetector struct{ env python.Environment }

func (f fakeDetector) Detect(context.Context) (*python.Environment, error) {
	env := f.env

	return &env, nil
}

func newFakeEnv() python.Environment {
	return python.Environment{
		ImplementationName: "cpython",
		PlatformTag:        "linux_x86_64",
		PythonVersion:      "312",
		PythonFullVersion:  "3.12.1",
		SysPlatform:        "linux",
	}
}

type fakeIndex struct {
	records map[string][]indexclient.Record
}

func (f fakeIndex) List(_ context.Context, _, projectName string) []indexclient.Record {
	return f.records[requirement.NormalizeName(projectName)]
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}

func TestRunResolvesExactPin(t *testing.T) {
	content := []byte("fake wheel bytes")
	hash := sha256Hex(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	idx := fakeIndex{records: map[string][]indexclient.Record{
		"foo": {
			{URL: srv.URL + "/foo.whl", Filename: "foo-1.0-py3-none-any.whl", SHA256Hint: hash},
		},
	}}

	cfg := resolve.Config{
		Root:         t.TempDir(),
		IndexURL:     "https://index.example/simple",
		Requirements: []string{"foo==1.0"},
	}

	svc, err := resolve.New(cfg,
		resolve.WithEnvDetector(fakeDetector{env: newFakeEnv()}),
		resolve.WithIndexClient(idx),
		resolve.WithCache(mustCache(t, srv.Client())),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	lock, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(lock.Packages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(lock.Packages))
	}

	pkg := lock.Packages[0]
	if pkg.Name != "foo" || pkg.Version != "1.0" {
		t.Errorf("unexpected package: %+v", pkg)
	}

	if pkg.Artifact.SHA256 != hash {
		t.Errorf("sha256 = %q, want %q", pkg.Artifact.SHA256, hash)
	}
}

func mustCache(t *testing.T, httpClient *http.Client) *cache.Manager {
	t.Helper()

	mgr, err := cache.New(t.TempDir(), cache.WithHTTPClient(httpClient))
	if err != nil {
		t.Fatalf("cache.New() error: %v", err)
	}

	return mgr
}

func TestRunFailsWhenNoCandidateSatisfiesRequirement(t *testing.T) {
	idx := fakeIndex{records: map[string][]indexclient.Record{}}

	cfg := resolve.Config{
		Root:         t.TempDir(),
		IndexURL:     "https://index.example/simple",
		Requirements: []string{"ghost>=1.0"},
	}

	svc, err := resolve.New(cfg,
		resolve.WithEnvDetector(fakeDetector{env: newFakeEnv()}),
		resolve.WithIndexClient(idx),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = svc.Run(context.Background())
	if err == nil {
		t.Fatal("expected resolution error, got nil")
	}

	var re *resolve.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("expected *resolve.ResolutionError, got %T: %v", err, err)
	}
}

func TestRunSurfacesIntegrityMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("actual bytes"))
	}))
	defer srv.Close()

	idx := fakeIndex{records: map[string][]indexclient.Record{
		"bad": {
			{URL: srv.URL + "/bad.whl", Filename: "bad-1.0-py3-none-any.whl", SHA256Hint: "0000000000000000000000000000000000000000000000000000000000000000"},
		},
	}}

	cfg := resolve.Config{
		Root:         t.TempDir(),
		IndexURL:     "https://index.example/simple",
		Requirements: []string{"bad==1.0"},
	}

	svc, err := resolve.New(cfg,
		resolve.WithEnvDetector(fakeDetector{env: newFakeEnv()}),
		resolve.WithIndexClient(idx),
		resolve.WithCache(mustCache(t, srv.Client())),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = svc.Run(context.Background())

	var ie *cache.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *cache.IntegrityError, got %T: %v", err, err)
	}
}

func TestConfigValidateRejectsMissingFields(t *testing.T) {
	_, err := resolve.New(resolve.Config{})

	var ce *resolve.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *resolve.ConfigError, got %T: %v", err, err)
	}
}

type fakeTransitive struct {
	reqs []requirement.Requirement
}

func (f fakeTransitive) Expand(_ string, _ marker.Env, alreadyKnown func(string) bool) ([]requirement.Requirement, error) {
	var out []requirement.Requirement

	for _, r := range f.reqs {
		if !alreadyKnown(r.Name) {
			out = append(out, r)
		}
	}

	return out, nil
}

func TestRunExpandsTransitiveDependency(t *testing.T) {
	appContent := []byte("app wheel bytes")
	libContent := []byte("lib wheel bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/app.whl", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(appContent) })
	mux.HandleFunc("/lib.whl", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(libContent) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	idx := fakeIndex{records: map[string][]indexclient.Record{
		"app": {{URL: srv.URL + "/app.whl", Filename: "app-1.0-py3-none-any.whl", SHA256Hint: sha256Hex(appContent)}},
		"lib": {{URL: srv.URL + "/lib.whl", Filename: "lib-2.0-py3-none-any.whl", SHA256Hint: sha256Hex(libContent)}},
	}}

	cfg := resolve.Config{
		Root:              t.TempDir(),
		IndexURL:          "https://index.example/simple",
		Requirements:      []string{"app==1.0"},
		FollowTransitives: true,
	}

	svc, err := resolve.New(cfg,
		resolve.WithEnvDetector(fakeDetector{env: newFakeEnv()}),
		resolve.WithIndexClient(idx),
		resolve.WithCache(mustCache(t, srv.Client())),
		resolve.WithTransitiveEngine(fakeTransitive{reqs: []requirement.Requirement{requirement.Parse("lib>=2")}}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	lock, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	names := map[string]bool{}
	for _, pkg := range lock.Packages {
		names[pkg.Name] = true
	}

	if !names["app"] || !names["lib"] {
		t.Errorf("expected both app and lib resolved, got %+v", names)
	}
}
