package selector_test

import (
	"testing"

	"github.com/bilusteknoloji/ppm/internal/classifier"
	"github.com/bilusteknoloji/ppm/internal/requirement"
	"github.com/bilusteknoloji/ppm/internal/selector"
)

func TestSelectPicksBestRankedWheel(t *testing.T) {
	artifacts := []classifier.Artifact{
		{Filename: "bar-1.0.tar.gz", Version: "1.0", IsWheel: false},
		{Filename: "bar-1.5-py3-none-any.whl", Version: "1.5", IsWheel: true, TagRankIndex: 1},
		{Filename: "bar-1.5-cp312-cp312-linux_x86_64.whl", Version: "1.5", IsWheel: true, TagRankIndex: 0},
		{Filename: "bar-2.0-py3-none-any.whl", Version: "2.0", IsWheel: true, TagRankIndex: 0},
	}

	req := requirement.Parse("bar>=1.0,<2")

	cand, err := selector.Select(req, artifacts)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}

	if cand.Version != "1.5" {
		t.Errorf("Version = %q, want %q", cand.Version, "1.5")
	}

	if cand.Artifact.Filename != "bar-1.5-cp312-cp312-linux_x86_64.whl" {
		t.Errorf("Artifact = %q, want the best-ranked wheel", cand.Artifact.Filename)
	}
}

func TestSelectFallsBackToSdist(t *testing.T) {
	artifacts := []classifier.Artifact{
		{Filename: "baz-1.0.zip", Version: "1.0", IsWheel: false},
		{Filename: "baz-1.0.tar.gz", Version: "1.0", IsWheel: false},
	}

	req := requirement.Parse("baz")

	cand, err := selector.Select(req, artifacts)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}

	if cand.Artifact.Filename != "baz-1.0.tar.gz" {
		t.Errorf("Artifact = %q, want lexicographically-first sdist", cand.Artifact.Filename)
	}
}

func TestSelectUnrankedWheelSortsLast(t *testing.T) {
	artifacts := []classifier.Artifact{
		{Filename: "pkg-1.0-cp311-cp311-win_amd64.whl", Version: "1.0", IsWheel: true, TagRankIndex: -1},
		{Filename: "pkg-1.0-py3-none-any.whl", Version: "1.0", IsWheel: true, TagRankIndex: 3},
	}

	req := requirement.Parse("pkg")

	cand, err := selector.Select(req, artifacts)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}

	if cand.Artifact.Filename != "pkg-1.0-py3-none-any.whl" {
		t.Errorf("Artifact = %q, want the ranked wheel over the unranked one", cand.Artifact.Filename)
	}
}

func TestSelectNoCandidateFails(t *testing.T) {
	req := requirement.Parse("ghost>=1.0")

	_, err := selector.Select(req, nil)
	if err == nil {
		t.Fatal("expected error when no artifacts are available")
	}
}

func TestSelectSpecifierExcludesAll(t *testing.T) {
	artifacts := []classifier.Artifact{
		{Filename: "pkg-1.0-py3-none-any.whl", Version: "1.0", IsWheel: true, TagRankIndex: 0},
	}

	req := requirement.Parse("pkg>=2.0")

	_, err := selector.Select(req, artifacts)
	if err == nil {
		t.Fatal("expected error when specifier excludes every available version")
	}
}
