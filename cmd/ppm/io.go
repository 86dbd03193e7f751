package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/bilusteknoloji/ppm/internal/lockfile"
)

func readLockJSON(path string) (lockfile.Lock, error) {
	return lockfile.ReadLockJSON(path)
}

// readRequirementsFile reads one requirement specifier per line, the
// way pip's -r flag does: blank lines and #-comments are skipped.
func readRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var reqs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		reqs = append(reqs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}

	return reqs, nil
}
