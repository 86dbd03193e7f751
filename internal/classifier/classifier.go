// Package classifier parses package index filenames into wheel or
// source-distribution records, and ranks a wheel's declared
// compatibility tags against a host's ordered tag list.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bilusteknoloji/ppm/internal/python"
	pepver "github.com/bilusteknoloji/ppm/internal/version"
)

// sdistExts are the recognized source-distribution archive extensions,
// checked longest-suffix-first so ".tar.gz" is not mistaken for ".gz".
var sdistExts = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".zip"}

// Artifact is a single classified index entry: either a wheel or an
// sdist, carrying everything needed for selection and, later, download.
type Artifact struct {
	Filename     string
	URL          string
	SHA256       string // empty until downloaded; an index-advertised digest goes in SHA256Hint
	SHA256Hint   string // sha256 parsed from the index anchor's URL fragment, if any
	Version      string
	IsWheel      bool
	Tag          *python.CompatTag // non-nil only for a wheel with an environment-matching tag
	TagRankIndex int                // position of Tag within the environment's tag list; -1 if Tag is nil
}

var wheelNameRe = regexp.MustCompile(`^(?P<name>[^-]+)-(?P<version>[^-]+)(?:-(?P<build>[0-9][^-]*))?-(?P<pytag>[^-]+)-(?P<abitag>[^-]+)-(?P<plattag>[^-]+)\.whl$`)

// ClassifyWheel parses a ".whl" filename into its project, version, and
// expanded compatibility tag set, per the wheel naming convention.
// It returns an error for anything not shaped like a wheel filename.
func ClassifyWheel(filename string) (project, version string, tags []python.CompatTag, err error) {
	m := wheelNameRe.FindStringSubmatch(filename)
	if m == nil {
		return "", "", nil, fmt.Errorf("classifier: %q is not a recognizable wheel filename", filename)
	}

	names := wheelNameRe.SubexpNames()
	groups := make(map[string]string, len(names))

	for i, name := range names {
		if name != "" {
			groups[name] = m[i]
		}
	}

	tags = expandTags(groups["pytag"], groups["abitag"], groups["plattag"])

	return groups["name"], groups["version"], tags, nil
}

// expandTags expands a wheel's compound, dot-separated tag fields into
// the cartesian product of compatibility tags the wheel declares
// support for, e.g. "py2.py3-none-any" expands to two tags.
func expandTags(pyField, abiField, platField string) []python.CompatTag {
	pys := strings.Split(pyField, ".")
	abis := strings.Split(abiField, ".")
	plats := strings.Split(platField, ".")

	tags := make([]python.CompatTag, 0, len(pys)*len(abis)*len(plats))

	for _, py := range pys {
		for _, abi := range abis {
			for _, plat := range plats {
				tags = append(tags, python.CompatTag{Interpreter: py, ABI: abi, Platform: plat})
			}
		}
	}

	return tags
}

// sdistNameRe recovers name and version from a conventional sdist
// filename, e.g. "requests-2.31.0.tar.gz".
var sdistNameRe = regexp.MustCompile(`(?i)^(?P<name>.+)-(?P<version>[^-]+)$`)

// ClassifySdist parses a source-distribution filename into its project
// and version, splitting the name from the version at the last "-"
// of the filename with its extension removed. Returns an error
// (discard, per spec) if no version can be recovered.
func ClassifySdist(filename string) (project, version string, err error) {
	ext, ok := stripSdistExt(filename)
	if !ok {
		return "", "", fmt.Errorf("classifier: %q does not carry a recognized sdist extension", filename)
	}

	m := sdistNameRe.FindStringSubmatch(ext)
	if m == nil {
		return "", "", fmt.Errorf("classifier: %q has no recoverable version", filename)
	}

	names := sdistNameRe.SubexpNames()
	groups := make(map[string]string, len(names))

	for i, name := range names {
		if name != "" {
			groups[name] = m[i]
		}
	}

	if groups["version"] == "" {
		return "", "", fmt.Errorf("classifier: %q has no recoverable version", filename)
	}

	return groups["name"], groups["version"], nil
}

func stripSdistExt(filename string) (string, bool) {
	for _, ext := range sdistExts {
		if strings.HasSuffix(strings.ToLower(filename), ext) {
			return filename[:len(filename)-len(ext)], true
		}
	}

	return "", false
}

// Classify turns a single index entry into an Artifact, ranking a
// wheel's tag set against envTags (ordered best-first). A filename that
// is neither a recognizable wheel nor sdist, or whose version fails to
// parse, yields (Artifact{}, false) — discarded, never fatal.
func Classify(url, filename, sha256Hint string, envTags []python.CompatTag) (Artifact, bool) {
	if strings.HasSuffix(strings.ToLower(filename), ".whl") {
		_, version, tags, err := ClassifyWheel(filename)
		if err != nil {
			return Artifact{}, false
		}

		if _, err := pepver.Matches(version, ""); err != nil {
			return Artifact{}, false
		}

		tag, rank := bestRank(tags, envTags)

		return Artifact{
			Filename:     filename,
			URL:          url,
			SHA256Hint:   sha256Hint,
			Version:      version,
			IsWheel:      true,
			Tag:          tag,
			TagRankIndex: rank,
		}, true
	}

	_, version, err := ClassifySdist(filename)
	if err != nil {
		return Artifact{}, false
	}

	if _, err := pepver.Matches(version, ""); err != nil {
		return Artifact{}, false
	}

	return Artifact{
		Filename:     filename,
		URL:          url,
		SHA256Hint:   sha256Hint,
		Version:      version,
		IsWheel:      false,
		TagRankIndex: -1,
	}, true
}

// bestRank finds the tag within wheelTags that ranks highest (lowest
// index) in envTags. Returns (nil, -1) if none of the wheel's tags
// appear in the environment's list at all.
func bestRank(wheelTags, envTags []python.CompatTag) (*python.CompatTag, int) {
	bestIdx := -1
	var best python.CompatTag

	for _, wt := range wheelTags {
		for i, et := range envTags {
			if wt == et {
				if bestIdx == -1 || i < bestIdx {
					bestIdx = i
					best = et
				}

				break
			}
		}
	}

	if bestIdx == -1 {
		return nil, -1
	}

	return &best, bestIdx
}
