// Package idsource reads entity identifiers from a line-delimited file.
package idsource

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when the input file does not exist.
var ErrNotFound = errors.New("id file not found")

// maxLineBytes bounds a single identifier line.
const maxLineBytes = 1 << 20

// Options controls how identifiers are collected.
type Options struct {
	// Dedupe drops repeated identifiers, keeping the first occurrence.
	Dedupe bool
}

// Read returns the identifiers on lines [start, end] of path (1-based, inclusive).
// Blank lines are skipped but still count toward line numbering.
// A start beyond end or beyond the file length yields an empty slice.
func Read(path string, start, end int, opts Options) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
		}
		return nil, fmt.Errorf("open id file: %w", err)
	}
	defer f.Close()

	if start < 1 {
		start = 1
	}
	if start > end {
		return []string{}, nil
	}

	var seen map[string]struct{}
	if opts.Dedupe {
		seen = make(map[string]struct{})
	}

	ids := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if line < start {
			continue
		}
		if line > end {
			break
		}

		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if seen != nil {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read id file %s: %w", path, err)
	}

	return ids, nil
}
