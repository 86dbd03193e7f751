// Package lockfile renders a resolved set of packages into the
// on-disk outputs a pass produces: the structured JSON lock, a
// PEP 751-shaped pylock.toml, and the two build-matrix side files.
// Every writer sorts its input deterministically before emitting, so
// re-running a pass against an unchanged index and cache reproduces
// byte-identical output.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/bilusteknoloji/ppm/internal/classifier"
	"github.com/bilusteknoloji/ppm/internal/python"
)

// Package is one resolved package entry: its name, chosen version, the
// marker that admitted it (empty if unconditional), and the single
// artifact chosen to represent it.
type Package struct {
	Name     string
	Version  string
	Markers  string
	Artifact classifier.Artifact
}

// Lock is the full resolved output of a pass.
type Lock struct {
	IndexPrimary string
	IndexExtra   []string
	Packages     []Package
}

// Sorted returns lock's packages sorted ascending by name, a copy that
// leaves lock itself untouched.
func (l Lock) Sorted() []Package {
	out := make([]Package, len(l.Packages))
	copy(out, l.Packages)

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

type jsonArtifact struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Version  string `json:"version"`
	PyTag    string `json:"py_tag"`
	ABITag   string `json:"abi_tag"`
	PlatTag  string `json:"plat_tag"`
	IsWheel  bool   `json:"is_wheel"`
}

type jsonPackage struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Markers   *string        `json:"markers"`
	Artifacts []jsonArtifact `json:"artifacts"`
}

type jsonIndexes struct {
	Primary string   `json:"primary"`
	Extra   []string `json:"extra"`
}

type jsonLock struct {
	Version  int           `json:"version"`
	Indexes  jsonIndexes   `json:"indexes"`
	Packages []jsonPackage `json:"packages"`
}

func toJSONArtifact(a classifier.Artifact) jsonArtifact {
	var py, abi, plat string
	if a.Tag != nil {
		py, abi, plat = a.Tag.Interpreter, a.Tag.ABI, a.Tag.Platform
	}

	return jsonArtifact{
		Filename: a.Filename,
		URL:      a.URL,
		SHA256:   a.SHA256,
		Version:  a.Version,
		PyTag:    py,
		ABITag:   abi,
		PlatTag:  plat,
		IsWheel:  a.IsWheel,
	}
}

// WriteLockJSON renders lock as .ppm/lock.json at path, with packages
// sorted by name and each package's artifacts sorted wheels-first then
// by filename. For MVP every package carries exactly one artifact, but
// the array shape is kept for forward compatibility.
func WriteLockJSON(path string, lock Lock) error {
	doc := jsonLock{
		Version: 1,
		Indexes: jsonIndexes{Primary: lock.IndexPrimary, Extra: lock.IndexExtra},
	}

	for _, pkg := range lock.Sorted() {
		var markers *string
		if pkg.Markers != "" {
			markers = &pkg.Markers
		}

		artifacts := sortArtifacts([]classifier.Artifact{pkg.Artifact})

		jsonArtifacts := make([]jsonArtifact, len(artifacts))
		for i, a := range artifacts {
			jsonArtifacts[i] = toJSONArtifact(a)
		}

		doc.Packages = append(doc.Packages, jsonPackage{
			Name:      pkg.Name,
			Version:   pkg.Version,
			Markers:   markers,
			Artifacts: jsonArtifacts,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock.json: %w", err)
	}

	return writeAtomic(path, append(data, '\n'))
}

// sortArtifacts orders artifacts with wheels before sdists, then
// ascending by filename within each group.
func sortArtifacts(artifacts []classifier.Artifact) []classifier.Artifact {
	out := make([]classifier.Artifact, len(artifacts))
	copy(out, artifacts)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsWheel != out[j].IsWheel {
			return out[i].IsWheel
		}

		return out[i].Filename < out[j].Filename
	})

	return out
}

type pylockDoc struct {
	Lock        pylockLock        `toml:"lock"`
	Environment pylockEnvironment `toml:"environment"`
	Packages    []pylockPackage   `toml:"packages"`
}

type pylockLock struct {
	Version string `toml:"version"`
}

type pylockEnvironment struct {
	Python string `toml:"python"`
}

type pylockSource struct {
	Type string `toml:"type"`
}

type pylockPackage struct {
	Name      string       `toml:"name"`
	Version   string       `toml:"version"`
	Source    pylockSource `toml:"source"`
	Artifacts []string     `toml:"artifacts"`
	Hashes    []string     `toml:"hashes"`
	Markers   string       `toml:"markers"`
}

// WritePylockTOML renders lock as a PEP 751-shaped pylock.toml at path.
// pythonFullVersion is the host's full interpreter version, recorded
// under the environment table.
func WritePylockTOML(path string, lock Lock, pythonFullVersion string) error {
	doc := pylockDoc{
		Lock:        pylockLock{Version: "1.0"},
		Environment: pylockEnvironment{Python: pythonFullVersion},
	}

	for _, pkg := range lock.Sorted() {
		hash := ""
		if pkg.Artifact.SHA256 != "" {
			hash = "sha256:" + pkg.Artifact.SHA256
		}

		p := pylockPackage{
			Name:      pkg.Name,
			Version:   pkg.Version,
			Source:    pylockSource{Type: "pypi"},
			Artifacts: []string{pkg.Artifact.Filename},
			Markers:   pkg.Markers,
		}

		if hash != "" {
			p.Hashes = []string{hash}
		}

		doc.Packages = append(doc.Packages, p)
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling pylock.toml: %w", err)
	}

	return writeAtomic(path, data)
}

// ReadLockJSON loads a lock.json previously written by WriteLockJSON.
func ReadLockJSON(path string) (Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lock{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc jsonLock
	if err := json.Unmarshal(data, &doc); err != nil {
		return Lock{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	lock := Lock{
		IndexPrimary: doc.Indexes.Primary,
		IndexExtra:   doc.Indexes.Extra,
	}

	for _, jp := range doc.Packages {
		pkg := Package{Name: jp.Name, Version: jp.Version}
		if jp.Markers != nil {
			pkg.Markers = *jp.Markers
		}

		if len(jp.Artifacts) > 0 {
			pkg.Artifact = fromJSONArtifact(jp.Artifacts[0])
		}

		lock.Packages = append(lock.Packages, pkg)
	}

	return lock, nil
}

func fromJSONArtifact(a jsonArtifact) classifier.Artifact {
	art := classifier.Artifact{
		Filename: a.Filename,
		URL:      a.URL,
		SHA256:   a.SHA256,
		Version:  a.Version,
		IsWheel:  a.IsWheel,
	}

	if a.PyTag != "" || a.ABITag != "" || a.PlatTag != "" {
		art.Tag = &python.CompatTag{Interpreter: a.PyTag, ABI: a.ABITag, Platform: a.PlatTag}
	}

	return art
}

// WriteMatrixInputs renders .ppm/matrix_inputs.txt: one tab-separated
// "<filename>\t<sha256>" line per artifact carrying a non-empty digest,
// wheels first, then sorted by filename.
func WriteMatrixInputs(path string, lock Lock) error {
	var artifacts []classifier.Artifact

	for _, pkg := range lock.Packages {
		if pkg.Artifact.SHA256 != "" {
			artifacts = append(artifacts, pkg.Artifact)
		}
	}

	artifacts = sortArtifacts(artifacts)

	var b strings.Builder
	for _, a := range artifacts {
		fmt.Fprintf(&b, "%s\t%s\n", a.Filename, a.SHA256)
	}

	return writeAtomic(path, []byte(b.String()))
}

type matrixPlan struct {
	Platform string `json:"platform"`
}

// platformSubstrings is checked in order; the first substring found in
// any of the index URLs decides the plan's platform, else "cpu".
var platformSubstrings = []string{"cu118", "cu126", "cu128", "rocm63"}

// ClassifyPlatform applies the index-URL substring heuristic used to
// pick a build-matrix platform. It is a known heuristic (the source
// resolver's own note: it may silently misclassify) and is exposed so
// callers can surface the classification in diagnostics rather than
// hide it inside the writer.
func ClassifyPlatform(indexURLs []string) string {
	for _, want := range platformSubstrings {
		for _, url := range indexURLs {
			if strings.Contains(url, want) {
				return want
			}
		}
	}

	return "cpu"
}

// WriteMatrixPlan renders .ppm/matrix_plan.json from the index URLs
// used during the pass.
func WriteMatrixPlan(path string, indexURLs []string) error {
	data, err := json.MarshalIndent(matrixPlan{Platform: ClassifyPlatform(indexURLs)}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling matrix_plan.json: %w", err)
	}

	return writeAtomic(path, append(data, '\n'))
}

// writeAtomic writes data to a temporary sibling of path and renames
// it into place, so a write interrupted mid-flight never leaves a
// truncated lock file behind.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming into place %s: %w", path, err)
	}

	return nil
}
