// Package version implements PEP 440 version matching and selection:
// specifier satisfaction, prerelease gating, and total ordering.
package version

import (
	"fmt"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Matches reports whether versionStr satisfies every comma-separated
// clause of specifier. An empty specifier matches everything.
func Matches(versionStr, specifier string) (bool, error) {
	v, err := pep440.Parse(versionStr)
	if err != nil {
		return false, fmt.Errorf("parsing version %q: %w", versionStr, err)
	}

	if strings.TrimSpace(specifier) == "" {
		return true, nil
	}

	ss, err := pep440.NewSpecifiers(specifier)
	if err != nil {
		return false, fmt.Errorf("parsing specifier %q: %w", specifier, err)
	}

	return ss.Check(v), nil
}

// allowsPrerelease reports whether specifier itself names a prerelease
// version in one of its clauses, per PEP 440's rule that a specifier
// mentioning a prerelease implicitly opts in to matching prereleases.
func allowsPrerelease(specifier string) bool {
	for _, clause := range strings.Split(specifier, ",") {
		clause = strings.TrimSpace(clause)

		i := strings.IndexAny(clause, "0123456789")
		if i < 0 {
			continue
		}

		v, err := pep440.Parse(clause[i:])
		if err != nil {
			continue
		}

		if v.IsPreRelease() {
			return true
		}
	}

	return false
}

// SelectBest chooses the greatest version among candidates satisfying
// specifier. Invalid version strings are discarded, not fatal.
// Prereleases are excluded unless the specifier explicitly names one,
// or no stable version satisfies the specifier at all.
// Returns "" if nothing matches.
func SelectBest(candidates []string, specifier string) (string, error) {
	sorted, err := SortDesc(candidates)
	if err != nil {
		return "", err
	}

	prereleaseOK := allowsPrerelease(specifier)

	var bestStable, bestPre string

	for _, raw := range sorted {
		ok, err := Matches(raw, specifier)
		if err != nil {
			return "", err
		}

		if !ok {
			continue
		}

		v, _ := pep440.Parse(raw)

		if v.IsPreRelease() {
			if bestPre == "" && prereleaseOK {
				bestPre = raw
			}

			continue
		}

		if bestStable == "" {
			bestStable = raw
		}
	}

	if bestStable != "" {
		return bestStable, nil
	}

	if bestPre != "" {
		return bestPre, nil
	}

	// No stable candidate satisfied the specifier and none was
	// explicitly prerelease-eligible: fall back to the best prerelease
	// regardless, since the alternative is reporting no candidate at
	// all when one exists.
	for _, raw := range sorted {
		ok, err := Matches(raw, specifier)
		if err != nil {
			return "", err
		}

		if ok {
			return raw, nil
		}
	}

	return "", nil
}

// SortDesc sorts version strings in descending order (newest first).
// Invalid version strings are filtered out silently.
func SortDesc(versions []string) ([]string, error) {
	type parsed struct {
		raw string
		ver pep440.Version
	}

	var valid []parsed

	for _, raw := range versions {
		v, err := pep440.Parse(raw)
		if err != nil {
			continue
		}

		valid = append(valid, parsed{raw: raw, ver: v})
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].ver.GreaterThan(valid[j].ver)
	})

	result := make([]string, len(valid))
	for i, v := range valid {
		result[i] = v.raw
	}

	return result, nil
}
