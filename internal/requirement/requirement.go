// Package requirement parses PEP 508 dependency specifiers: a package
// name, an optional PEP 440 version specifier, an optional extras set,
// and an optional environment marker.
package requirement

import (
	"strings"

	"github.com/bilusteknoloji/ppm/internal/marker"
)

// Requirement is a parsed PEP 508 requirement line.
type Requirement struct {
	Name      string // canonical name, see NormalizeName
	Specifier string // raw PEP 440 specifier, e.g. ">=3.0,<4.0"; empty if unconstrained
	Extras    []string
	Marker    marker.Node // nil if the requirement carries no marker
	MarkerRaw string      // the unparsed marker text, kept for lock emission
}

// Parse parses a PEP 508 requirement string.
//
// Supported formats:
//
//	"flask"
//	"flask>=3.0"
//	"flask>=3.0,<4.0"
//	"flask (>=3.0)"
//	"flask[extra1,extra2]>=3.0"
//	"importlib-metadata>=3.6.0; python_version < \"3.10\""
//
// A requirement whose marker text fails to parse still returns
// successfully with Marker set to nil and MarkerRaw populated; callers
// evaluating markers should treat a parse failure as "absorbed" per
// spec and skip the Requires-Dist line rather than abort the pass.
func Parse(s string) Requirement {
	markerRaw := ""

	parts := strings.SplitN(s, ";", 2)
	nameSpec := strings.TrimSpace(parts[0])

	if len(parts) > 1 {
		markerRaw = strings.TrimSpace(parts[1])
	}

	var extras []string

	if idx := strings.Index(nameSpec, "["); idx >= 0 {
		if endIdx := strings.Index(nameSpec, "]"); endIdx > idx {
			extras = splitExtras(nameSpec[idx+1 : endIdx])
			nameSpec = nameSpec[:idx] + nameSpec[endIdx+1:]
		}
	}

	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	specStart := strings.IndexAny(nameSpec, "><=!~")
	name := nameSpec
	specifier := ""

	if specStart >= 0 {
		name = strings.TrimSpace(nameSpec[:specStart])
		specifier = strings.TrimSpace(nameSpec[specStart:])
	}

	req := Requirement{
		Name:      NormalizeName(name),
		Specifier: specifier,
		Extras:    extras,
		MarkerRaw: markerRaw,
	}

	if markerRaw != "" {
		if node, err := marker.Parse(markerRaw); err == nil {
			req.Marker = node
		}
	}

	return req
}

func splitExtras(s string) []string {
	var extras []string

	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			extras = append(extras, NormalizeName(e))
		}
	}

	return extras
}

// NormalizeName normalizes a Python package name per PEP 503: lowercase,
// with runs of "-", "_", "." collapsed to a single "-".
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := range len(name) {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return b.String()
}

// Allowed reports whether req's marker (if any) evaluates true against
// env. A requirement with no marker is always allowed. A marker that
// failed to parse at Parse time (Marker == nil but MarkerRaw != "") is
// conservatively excluded, since its sense cannot be determined.
func (r Requirement) Allowed(env marker.Env) bool {
	if r.MarkerRaw == "" {
		return true
	}

	if r.Marker == nil {
		return false
	}

	return r.Marker.Eval(env)
}
