// Package transitive implements the transitive dependency engine: it
// reads Requires-Dist lines out of a downloaded wheel's metadata,
// filters them by marker evaluation, and turns them into new
// requirements for the driver to enqueue.
package transitive

import (
	"archive/zip"
	"bufio"
	"fmt"
	"strings"

	"github.com/bilusteknoloji/ppm/internal/marker"
	"github.com/bilusteknoloji/ppm/internal/requirement"
)

// MetadataReader yields the raw Requires-Dist lines embedded in a
// wheel archive's metadata. Only wheel metadata is traversed — reading
// dependency metadata out of an sdist would require running its build
// backend, which this engine never does.
type MetadataReader interface {
	RequiresDist(wheelPath string) ([]string, error)
}

// ZipMetadataReader reads Requires-Dist lines directly out of a wheel's
// *.dist-info/METADATA entry without extracting the archive.
type ZipMetadataReader struct{}

// NewZipMetadataReader creates a MetadataReader backed by archive/zip.
func NewZipMetadataReader() *ZipMetadataReader {
	return &ZipMetadataReader{}
}

// compile-time proof that ZipMetadataReader implements MetadataReader.
var _ MetadataReader = (*ZipMetadataReader)(nil)

// RequiresDist opens wheelPath as a zip archive, locates its
// *.dist-info/METADATA entry, and returns every Requires-Dist header
// value found in it (including its continuation lines, per RFC 822
// folding used by the METADATA format).
func (r *ZipMetadataReader) RequiresDist(wheelPath string) ([]string, error) {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("opening wheel %s: %w", wheelPath, err)
	}
	defer func() { _ = zr.Close() }()

	var metaFile *zip.File

	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			metaFile = f

			break
		}
	}

	if metaFile == nil {
		return nil, fmt.Errorf("no .dist-info/METADATA entry in %s", wheelPath)
	}

	rc, err := metaFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening METADATA in %s: %w", wheelPath, err)
	}
	defer func() { _ = rc.Close() }()

	var lines []string

	inRequires := false

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := scanner.Text()
		if inRequires && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)

			continue
		}

		inRequires = false

		if after, ok := strings.CutPrefix(line, "Requires-Dist:"); ok {
			lines = append(lines, strings.TrimSpace(after))
			inRequires = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading METADATA in %s: %w", wheelPath, err)
	}

	return lines, nil
}

// Engine turns a downloaded wheel's declared dependencies into the
// requirements that should be enqueued next.
type Engine struct {
	reader MetadataReader
}

// NewEngine creates a transitive engine backed by reader.
func NewEngine(reader MetadataReader) *Engine {
	return &Engine{reader: reader}
}

// Expand reads wheelPath's Requires-Dist lines, parses each into a
// Requirement (silently skipping anything unparseable), evaluates its
// marker against env, and returns the requirements that survive and
// are not already known to the caller via alreadyKnown. Ownership of
// the resolved map and seen-set stays with the driver; Expand is a pure
// transform over one wheel's declared dependencies.
func (e *Engine) Expand(wheelPath string, env marker.Env, alreadyKnown func(canonicalName string) bool) ([]requirement.Requirement, error) {
	lines, err := e.reader.RequiresDist(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", wheelPath, err)
	}

	var out []requirement.Requirement

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		req := requirement.Parse(line)
		if req.Name == "" {
			continue
		}

		if !req.Allowed(env) {
			continue
		}

		if alreadyKnown(req.Name) {
			continue
		}

		out = append(out, req)
	}

	return out, nil
}
