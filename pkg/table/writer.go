// Package table writes aggregated rows and failed entity ids to flat files.
//
// The header is the union of all record columns in first-seen order.
// Appending to an existing table keeps its header as the base; when new
// columns appear the file is rewritten with the extended header and the old
// rows padded with blanks. Column order is never changed.
package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrWrite wraps every output failure so callers can map it to an exit code.
var ErrWrite = errors.New("write table")

// DefaultFailureHeader is the single column of the failure table.
const DefaultFailureHeader = "userId"

// Options configures the writer.
type Options struct {
	// FailureHeader names the failure table column.
	FailureHeader string

	// FailureSuffix is inserted before the extension of the failure file.
	FailureSuffix string
}

// DefaultOptions returns the default writer options.
func DefaultOptions() Options {
	return Options{
		FailureHeader: DefaultFailureHeader,
		FailureSuffix: "_failed",
	}
}

// Writer writes tables as CSV, or as XLSX for paths ending in .xlsx.
type Writer struct {
	opts   Options
	logger zerolog.Logger
}

// NewWriter creates a table writer. Unset options take defaults.
func NewWriter(opts Options) *Writer {
	def := DefaultOptions()
	if opts.FailureHeader == "" {
		opts.FailureHeader = def.FailureHeader
	}
	if opts.FailureSuffix == "" {
		opts.FailureSuffix = def.FailureSuffix
	}
	return &Writer{
		opts:   opts,
		logger: log.With().Str("component", "table").Logger(),
	}
}

// sheet is a table held in memory.
type sheet struct {
	header []string
	rows   [][]string
}

// format reads and writes one file type.
type format interface {
	// load returns nil when the file does not exist or is empty.
	load(path string) (*sheet, error)
	// appendRows adds rows below the existing content.
	appendRows(path string, rows [][]string) error
	// save replaces path atomically.
	save(path string, s *sheet) error
}

func formatFor(path string) format {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return xlsxFormat{}
	}
	return csvFormat{}
}

// Write writes records to path. With no records nothing is created or
// modified. With appendIfExists and a non-empty target, rows are added
// below the existing ones without repeating the header.
func (w *Writer) Write(records []record.Record, path string, appendIfExists bool) error {
	if len(records) == 0 {
		w.logger.Info().Str("path", path).Msg("No records to write")
		return nil
	}

	columns := Union(records)
	rows := func(header []string) [][]string {
		out := make([][]string, len(records))
		for i, r := range records {
			out[i] = r.Values(header)
		}
		return out
	}

	if err := w.write(path, columns, rows, appendIfExists); err != nil {
		return err
	}
	w.logger.Info().
		Str("path", path).
		Int("rows", len(records)).
		Bool("append", appendIfExists).
		Msg("Table written")
	return nil
}

// WriteFailures writes one id per row to the failure file derived from
// primaryPath and returns its path. With no failures nothing is written and
// the returned path is empty.
func (w *Writer) WriteFailures(failures []record.FailureEntry, primaryPath string, appendIfExists bool) (string, error) {
	if len(failures) == 0 {
		return "", nil
	}

	path := w.FailurePath(primaryPath)
	header := []string{w.opts.FailureHeader}
	rows := func(h []string) [][]string {
		idx := indexOf(h, w.opts.FailureHeader)
		out := make([][]string, len(failures))
		for i, f := range failures {
			row := make([]string, len(h))
			row[idx] = f.ID
			out[i] = row
		}
		return out
	}

	if err := w.write(path, header, rows, appendIfExists); err != nil {
		return "", err
	}
	w.logger.Info().Str("path", path).Int("rows", len(failures)).Msg("Failure table written")
	return path, nil
}

// FailurePath derives the failure file from the primary output path:
// "out.csv" becomes "out_failed.csv".
func (w *Writer) FailurePath(primary string) string {
	return FailurePath(primary, w.opts.FailureSuffix)
}

// FailurePath inserts suffix before the extension of primary.
func FailurePath(primary, suffix string) string {
	ext := filepath.Ext(primary)
	return strings.TrimSuffix(primary, ext) + suffix + ext
}

func (w *Writer) write(path string, columns []string, rows func([]string) [][]string, appendIfExists bool) error {
	f := formatFor(path)

	if !appendIfExists {
		if err := f.save(path, &sheet{header: columns, rows: rows(columns)}); err != nil {
			return fmt.Errorf("%w %s: %w", ErrWrite, path, err)
		}
		return nil
	}

	existing, err := f.load(path)
	if err != nil {
		return fmt.Errorf("%w %s: read existing: %w", ErrWrite, path, err)
	}
	if existing == nil {
		if err := f.save(path, &sheet{header: columns, rows: rows(columns)}); err != nil {
			return fmt.Errorf("%w %s: %w", ErrWrite, path, err)
		}
		return nil
	}

	header := extend(existing.header, columns)
	if len(header) == len(existing.header) {
		if err := f.appendRows(path, rows(header)); err != nil {
			return fmt.Errorf("%w %s: %w", ErrWrite, path, err)
		}
		return nil
	}

	w.logger.Warn().
		Str("path", path).
		Strs("new_columns", header[len(existing.header):]).
		Msg("Extending header of existing table")

	merged := &sheet{header: header}
	for _, old := range existing.rows {
		merged.rows = append(merged.rows, pad(old, len(header)))
	}
	merged.rows = append(merged.rows, rows(header)...)
	if err := f.save(path, merged); err != nil {
		return fmt.Errorf("%w %s: %w", ErrWrite, path, err)
	}
	return nil
}

// Union returns the columns of all records in first-seen order.
func Union(records []record.Record) []string {
	seen := make(map[string]bool)
	var header []string
	for _, r := range records {
		for _, col := range r.Columns() {
			if !seen[col] {
				seen[col] = true
				header = append(header, col)
			}
		}
	}
	return header
}

// extend appends the columns not already in base, keeping base order.
func extend(base, columns []string) []string {
	seen := make(map[string]bool, len(base))
	header := append([]string(nil), base...)
	for _, col := range base {
		seen[col] = true
	}
	for _, col := range columns {
		if !seen[col] {
			seen[col] = true
			header = append(header, col)
		}
	}
	return header
}

func pad(row []string, n int) []string {
	if len(row) >= n {
		return row
	}
	out := make([]string, n)
	copy(out, row)
	return out
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// Check reports whether the primary table at path and its failure table can
// be written: the nearest existing directory must accept new files and an
// existing target must be a regular file open for appending. Nothing is
// left behind.
func (w *Writer) Check(path string) error {
	for _, p := range []string{path, w.FailurePath(path)} {
		if err := checkWritable(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func checkWritable(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return errors.New("not a regular file")
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		f.Close()
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	dir := filepath.Dir(path)
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return err
		}
		dir = parent
	}

	tmp, err := os.CreateTemp(dir, ".bulkfetch-check-*")
	if err != nil {
		return err
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// replaceFile writes via a temp file in the target directory and renames
// it over path.
func replaceFile(path, pattern string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
