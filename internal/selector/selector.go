// Package selector implements candidate selection: given a requirement
// and the set of classified artifacts advertised across one or more
// indexes, it picks a single version and a single best-ranked artifact.
package selector

import (
	"fmt"
	"math"
	"sort"

	"github.com/bilusteknoloji/ppm/internal/classifier"
	"github.com/bilusteknoloji/ppm/internal/requirement"
	"github.com/bilusteknoloji/ppm/internal/version"
)

// Candidate is the outcome of selection: the chosen version and the
// single artifact picked to represent it.
type Candidate struct {
	Version  string
	Artifact classifier.Artifact
}

// Select filters artifacts by req's specifier, chooses the greatest
// surviving version under PEP 440 prerelease-gating rules, then picks
// the best-ranked wheel for that version (or a deterministic sdist
// fallback). Returns an error naming req if nothing satisfies it.
func Select(req requirement.Requirement, artifacts []classifier.Artifact) (Candidate, error) {
	versions := versionsOf(artifacts)

	chosen, err := version.SelectBest(versions, req.Specifier)
	if err != nil {
		return Candidate{}, fmt.Errorf("selecting version for %s%s: %w", req.Name, req.Specifier, err)
	}

	if chosen == "" {
		return Candidate{}, fmt.Errorf("no version of %s satisfies %q", req.Name, req.Specifier)
	}

	art, ok := bestArtifact(artifacts, chosen)
	if !ok {
		return Candidate{}, fmt.Errorf("no compatible artifact for %s==%s", req.Name, chosen)
	}

	return Candidate{Version: chosen, Artifact: art}, nil
}

func versionsOf(artifacts []classifier.Artifact) []string {
	seen := make(map[string]bool, len(artifacts))

	var versions []string

	for _, a := range artifacts {
		if !seen[a.Version] {
			seen[a.Version] = true

			versions = append(versions, a.Version)
		}
	}

	return versions
}

// bestArtifact picks the best-ranked wheel among artifacts at the
// chosen version, falling back to the lexicographically-first sdist
// when no wheel is present.
func bestArtifact(artifacts []classifier.Artifact, chosenVersion string) (classifier.Artifact, bool) {
	var wheels, sdists []classifier.Artifact

	for _, a := range artifacts {
		if a.Version != chosenVersion {
			continue
		}

		if a.IsWheel {
			wheels = append(wheels, a)
		} else {
			sdists = append(sdists, a)
		}
	}

	if len(wheels) > 0 {
		sort.SliceStable(wheels, func(i, j int) bool {
			return rankOf(wheels[i]) < rankOf(wheels[j])
		})

		return wheels[0], true
	}

	if len(sdists) > 0 {
		sort.Slice(sdists, func(i, j int) bool {
			return sdists[i].Filename < sdists[j].Filename
		})

		return sdists[0], true
	}

	return classifier.Artifact{}, false
}

// rankOf returns a wheel's environment tag rank for sorting, with an
// unranked wheel (TagRankIndex == -1) sorting after every ranked one.
func rankOf(a classifier.Artifact) int {
	if a.TagRankIndex < 0 {
		return math.MaxInt
	}

	return a.TagRankIndex
}
