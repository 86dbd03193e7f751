// Package verifier re-checks a committed lock against the host: every
// wheel's recorded compatibility triple must still appear in the
// host's tag set, and every artifact's cache file must still hash to
// its recorded digest. It backs both the in-process `ppm verify`
// subcommand and a standalone generated Go program that needs nothing
// from this module to run.
package verifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/bilusteknoloji/ppm/internal/lockfile"
	"github.com/bilusteknoloji/ppm/internal/python"
)

// Result is the verification outcome for a single artifact.
type Result struct {
	Name     string
	Filename string
	OK       bool
	Reason   string // empty when OK
}

// Verify re-checks every package in lock against cacheDir and envTags,
// returning one Result per package (sorted by name) and whether every
// result passed. A wheel with no recorded compatibility triple (one
// that matched no host tag at lock time) fails outright, since there is
// no triple to check against the host.
func Verify(cacheDir string, lock lockfile.Lock, envTags []python.CompatTag) ([]Result, bool) {
	packages := lock.Sorted()
	results := make([]Result, 0, len(packages))
	allOK := true

	for _, pkg := range packages {
		res := verifyOne(cacheDir, pkg, envTags)
		results = append(results, res)

		if !res.OK {
			allOK = false
		}
	}

	return results, allOK
}

func verifyOne(cacheDir string, pkg lockfile.Package, envTags []python.CompatTag) Result {
	a := pkg.Artifact
	res := Result{Name: pkg.Name, Filename: a.Filename, OK: true}

	if a.IsWheel {
		if a.Tag == nil {
			res.OK = false
			res.Reason = "no compatible tag recorded at lock time"

			return res
		}

		if !tagInSet(*a.Tag, envTags) {
			res.OK = false
			res.Reason = fmt.Sprintf("tag %s-%s-%s no longer present in host tag set", a.Tag.Interpreter, a.Tag.ABI, a.Tag.Platform)

			return res
		}
	}

	path := filepath.Join(cacheDir, a.Filename)

	digest, err := hashFile(path)
	if err != nil {
		res.OK = false
		res.Reason = fmt.Sprintf("cache file missing or unreadable: %v", err)

		return res
	}

	if a.SHA256 != "" && digest != a.SHA256 {
		res.OK = false
		res.Reason = fmt.Sprintf("sha256 mismatch: recorded %s, computed %s", a.SHA256, digest)
	}

	return res
}

func tagInSet(tag python.CompatTag, set []python.CompatTag) bool {
	for _, t := range set {
		if t == tag {
			return true
		}
	}

	return false
}

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

// sourceArtifact and sourcePackage mirror lockfile's shapes but use
// only exported, template-friendly fields for embedding as Go literals
// in the generated standalone verifier.
type sourceArtifact struct {
	Filename string
	SHA256   string
	IsWheel  bool
	HasTag   bool
	PyTag    string
	ABITag   string
	PlatTag  string
}

type sourcePackage struct {
	Name     string
	Version  string
	Artifact sourceArtifact
}

// GenerateSource renders a standalone, dependency-free Go program that
// embeds lock as literal data and, when run, performs the same two
// checks as Verify: it re-probes the host's python binary for its
// compatibility tags and confirms every cached artifact's digest.
// The generated program imports nothing outside the standard library,
// so it can be copied out of this module and built on its own.
func GenerateSource(lock lockfile.Lock, cacheDir string) ([]byte, error) {
	packages := lock.Sorted()

	src := make([]sourcePackage, 0, len(packages))

	for _, pkg := range packages {
		a := pkg.Artifact

		sp := sourcePackage{
			Name:    pkg.Name,
			Version: pkg.Version,
			Artifact: sourceArtifact{
				Filename: a.Filename,
				SHA256:   a.SHA256,
				IsWheel:  a.IsWheel,
			},
		}

		if a.Tag != nil {
			sp.Artifact.HasTag = true
			sp.Artifact.PyTag = a.Tag.Interpreter
			sp.Artifact.ABITag = a.Tag.ABI
			sp.Artifact.PlatTag = a.Tag.Platform
		}

		src = append(src, sp)
	}

	sort.Slice(src, func(i, j int) bool { return src[i].Name < src[j].Name })

	tmpl, err := template.New("verifier").Parse(verifierTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing verifier template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		CacheDir string
		Packages []sourcePackage
	}{CacheDir: cacheDir, Packages: src}); err != nil {
		return nil, fmt.Errorf("rendering verifier source: %w", err)
	}

	return buf.Bytes(), nil
}

const verifierTemplate = `// Code generated by ppm's lock emitter. DO NOT EDIT.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type artifact struct {
	Filename string
	SHA256   string
	IsWheel  bool
	HasTag   bool
	PyTag    string
	ABITag   string
	PlatTag  string
}

type pkg struct {
	Name     string
	Version  string
	Artifact artifact
}

var cacheDir = {{printf "%q" .CacheDir}}

var packages = []pkg{
{{- range .Packages}}
	{Name: {{printf "%q" .Name}}, Version: {{printf "%q" .Version}}, Artifact: artifact{
		Filename: {{printf "%q" .Artifact.Filename}},
		SHA256:   {{printf "%q" .Artifact.SHA256}},
		IsWheel:  {{.Artifact.IsWheel}},
		HasTag:   {{.Artifact.HasTag}},
		PyTag:    {{printf "%q" .Artifact.PyTag}},
		ABITag:   {{printf "%q" .Artifact.ABITag}},
		PlatTag:  {{printf "%q" .Artifact.PlatTag}},
	}},
{{- end}}
}

const pythonScript = ` + "`" + `import sys, sysconfig
print(sysconfig.get_platform().replace('-', '_').replace('.', '_'))
print(f'{sys.version_info.major}{sys.version_info.minor}')
print(sys.implementation.name)` + "`" + `

func hostTags() ([][3]string, error) {
	out, err := exec.Command("python3", "-c", pythonScript).Output()
	if err != nil {
		return nil, fmt.Errorf("running python3: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		return nil, fmt.Errorf("unexpected python3 output")
	}

	platform, pyver, impl := lines[0], lines[1], lines[2]

	cp := "cp"
	switch impl {
	case "pypy":
		cp = "pp"
	case "ironpython":
		cp = "ip"
	case "jython":
		cp = "jy"
	}

	cpTag := cp + pyver

	return [][3]string{
		{cpTag, cpTag, platform},
		{cpTag, "abi3", platform},
		{cpTag, "none", platform},
		{"py" + pyver, "none", platform},
		{"py3", "none", platform},
		{cpTag, "none", "any"},
		{"py" + pyver, "none", "any"},
		{"py3", "none", "any"},
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func main() {
	tags, err := hostTags()
	if err != nil {
		fmt.Fprintln(os.Stderr, "verifier:", err)
		os.Exit(2)
	}

	ok := true

	for _, p := range packages {
		a := p.Artifact

		if a.IsWheel {
			if !a.HasTag {
				fmt.Printf("FAIL %s: no compatible tag recorded at lock time\n", a.Filename)
				ok = false
				continue
			}

			matched := false
			for _, t := range tags {
				if t[0] == a.PyTag && t[1] == a.ABITag && t[2] == a.PlatTag {
					matched = true
					break
				}
			}

			if !matched {
				fmt.Printf("FAIL %s: tag %s-%s-%s not in host tag set\n", a.Filename, a.PyTag, a.ABITag, a.PlatTag)
				ok = false
				continue
			}
		}

		digest, err := hashFile(filepath.Join(cacheDir, a.Filename))
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", a.Filename, err)
			ok = false
			continue
		}

		if a.SHA256 != "" && digest != a.SHA256 {
			fmt.Printf("FAIL %s: sha256 mismatch: recorded %s, computed %s\n", a.Filename, a.SHA256, digest)
			ok = false
			continue
		}

		fmt.Printf("OK %s\n", a.Filename)
	}

	if !ok {
		os.Exit(2)
	}
}
`
