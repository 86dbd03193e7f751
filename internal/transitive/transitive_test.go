package transitive_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bilusteknoloji/ppm/internal/marker"
	"github.com/bilusteknoloji/ppm/internal/transitive"
)

// writeFixtureWheel builds a minimal wheel archive at dir/name containing
// a single *.dist-info/METADATA entry with the given Requires-Dist lines.
func writeFixtureWheel(t *testing.T, dir, name string, requiresDist []string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)

	w, err := zw.Create("demo-1.0.dist-info/METADATA")
	if err != nil {
		t.Fatal(err)
	}

	_, _ = w.Write([]byte("Metadata-Version: 2.1\nName: demo\nVersion: 1.0\n"))

	for _, r := range requiresDist {
		_, _ = w.Write([]byte("Requires-Dist: " + r + "\n"))
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestZipMetadataReaderRequiresDist(t *testing.T) {
	dir := t.TempDir()
	path := writeFixtureWheel(t, dir, "demo-1.0-py3-none-any.whl", []string{
		"requests>=2.0",
		`idna; python_version < "3.9"`,
	})

	reader := transitive.NewZipMetadataReader()

	lines, err := reader.RequiresDist(path)
	if err != nil {
		t.Fatalf("RequiresDist() error: %v", err)
	}

	want := []string{"requests>=2.0", `idna; python_version < "3.9"`}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("RequiresDist() = %v, want %v", lines, want)
	}
}

func TestZipMetadataReaderNoMetadataEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.whl")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	zw := zip.NewWriter(f)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	reader := transitive.NewZipMetadataReader()

	if _, err := reader.RequiresDist(path); err == nil {
		t.Fatal("expected an error for a wheel with no .dist-info/METADATA entry")
	}
}

func TestEngineExpandFiltersMarkersAndKnownNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFixtureWheel(t, dir, "demo-1.0-py3-none-any.whl", []string{
		"requests>=2.0",
		`idna; python_version < "3.9"`,
		`colorama; sys_platform == "win32"`,
		"alreadyseen>=1.0",
	})

	engine := transitive.NewEngine(transitive.NewZipMetadataReader())

	env := marker.Env{PythonVersion: "3.12", SysPlatform: "linux"}

	alreadyKnown := func(name string) bool {
		return name == "alreadyseen"
	}

	reqs, err := engine.Expand(path, env, alreadyKnown)
	if err != nil {
		t.Fatalf("Expand() error: %v", err)
	}

	var names []string
	for _, r := range reqs {
		names = append(names, r.Name)
	}

	want := []string{"requests"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Expand() names = %v, want %v", names, want)
	}
}

func TestEngineExpandSkipsUnparseableReader(t *testing.T) {
	engine := transitive.NewEngine(fakeReader{err: os.ErrNotExist})

	_, err := engine.Expand("missing.whl", marker.Env{}, func(string) bool { return false })
	if err == nil {
		t.Fatal("expected an error when the metadata reader fails")
	}
}

func TestEngineExpandEmptyLinesSkipped(t *testing.T) {
	engine := transitive.NewEngine(fakeReader{lines: []string{"", "   ", "requests>=2.0"}})

	reqs, err := engine.Expand("demo.whl", marker.Env{}, func(string) bool { return false })
	if err != nil {
		t.Fatalf("Expand() error: %v", err)
	}

	if len(reqs) != 1 || reqs[0].Name != "requests" {
		t.Errorf("Expand() = %+v, want a single requests requirement", reqs)
	}
}

type fakeReader struct {
	lines []string
	err   error
}

func (f fakeReader) RequiresDist(string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.lines, nil
}
