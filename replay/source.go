// Package replay provides a file-backed base result source. It plays
// previously recorded base aggregation rows (JSONL, optionally compressed)
// back into the engine, so queries run against finished aggregations without
// this module computing any base aggregation itself.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/michael-trelinski/lookback/compressors"
	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/engine"
)

// Source replays a recorded result file. One file holds one datasource's
// rows in ascending time order, one JSON object per line:
//
//	{"timestamp": "2024-01-05T00:00:00Z", "event": {"page": "a", "hits": 4}}
//
// Timestamps are RFC3339 or epoch milliseconds. The codec is chosen by file
// extension unless overridden.
type Source struct {
	path   string
	codec  compressors.Compressor
	logger *slog.Logger

	// scanBufferSize bounds a single row line.
	scanBufferSize int
}

// Option configures a Source.
type Option func(*Source)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCompression overrides extension-based codec detection.
func WithCompression(c compressors.Compressor) Option {
	return func(s *Source) { s.codec = c }
}

// WithMaxLineBytes raises the per-row line limit for wide rows.
func WithMaxLineBytes(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.scanBufferSize = n
		}
	}
}

// NewSource opens a replay source over the given file. The file must exist;
// its rows are not read until the engine pulls them.
func NewSource(path string, opts ...Option) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("replay file %s: %w", path, err)
	}
	s := &Source{
		path:           path,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		scanBufferSize: 4 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ReplaySource")
	if s.codec == nil {
		s.codec = compressors.ForPath(path)
	}
	return s, nil
}

var _ engine.BaseQuerier = (*Source)(nil)

// GroupBy streams the file's rows restricted to the query: interval
// membership, the query filter, and projection to the requested dimension
// and aggregator output names.
func (s *Source) GroupBy(ctx context.Context, q engine.BaseQuery) (core.RowIterator, error) {
	return s.open(ctx, q)
}

// Timeseries is GroupBy without dimensions; dimension fields fall out of the
// projection. Rows are replayed as recorded, one per bucket; merging several
// same-bucket rows would be base aggregation, which this source never does.
func (s *Source) Timeseries(ctx context.Context, q engine.BaseQuery) (core.RowIterator, error) {
	return s.open(ctx, q)
}

func (s *Source) open(ctx context.Context, q engine.BaseQuery) (core.RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("replay file %s: %w", s.path, err)
	}
	if q.Run != nil && q.Run.BytesGathered != nil {
		q.Run.BytesGathered.Add(int64(len(data)))
	}

	rc, err := s.codec.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("replay file %s: %w", s.path, err)
	}

	s.logger.Debug("replaying base results",
		"file", s.path, "codec", s.codec.Type(), "bytes", len(data), "intervals", len(q.Intervals))

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), s.scanBufferSize)

	return &fileIterator{
		rc:      rc,
		scanner: scanner,
		name:    filepath.Base(s.path),
		query:   q,
		keep:    projection(q),
	}, nil
}

// projection returns the set of output names the query asked for, or nil
// when the query names none and the rows pass through unprojected.
func projection(q engine.BaseQuery) map[string]struct{} {
	n := len(q.Dimensions) + len(q.Aggregations) + len(q.PostAggregations)
	if n == 0 {
		return nil
	}
	keep := make(map[string]struct{}, n)
	for _, d := range q.Dimensions {
		keep[d] = struct{}{}
	}
	for _, a := range q.Aggregations {
		keep[a.Name] = struct{}{}
	}
	for _, p := range q.PostAggregations {
		keep[p.Name()] = struct{}{}
	}
	return keep
}

// fileIterator walks the decompressed JSONL stream lazily, one row per Next.
type fileIterator struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	name    string
	query   engine.BaseQuery
	keep    map[string]struct{}

	line    int
	lastTS  time.Time
	seenRow bool

	cur *core.Row
	err error
}

func (it *fileIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.scanner.Scan() {
		it.line++
		raw := bytes.TrimSpace(it.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		row := &core.Row{}
		if err := json.Unmarshal(raw, row); err != nil {
			it.err = fmt.Errorf("replay %s line %d: %w", it.name, it.line, err)
			return false
		}

		if it.seenRow && row.Timestamp.Before(it.lastTS) {
			it.err = fmt.Errorf("replay %s line %d: row at %s after row at %s: %w",
				it.name, it.line,
				row.Timestamp.Format(time.RFC3339), it.lastTS.Format(time.RFC3339),
				core.ErrOutOfOrder)
			return false
		}
		it.lastTS = row.Timestamp
		it.seenRow = true

		if !core.AnyContains(it.query.Intervals, row.Timestamp) {
			continue
		}
		if it.query.Filter != nil && !it.query.Filter.Matches(row.Fields) {
			continue
		}
		if it.keep != nil {
			row.Fields = project(row.Fields, it.keep)
		}

		it.cur = row
		return true
	}
	if err := it.scanner.Err(); err != nil {
		it.err = fmt.Errorf("replay %s: %w", it.name, err)
	}
	return false
}

// project keeps only the requested output names, preserving field order. A
// requested name the row never carried stays absent, never zero.
func project(fields *core.FieldValues, keep map[string]struct{}) *core.FieldValues {
	out := core.NewFieldValues()
	fields.Range(func(name string, v core.FieldValue) bool {
		if _, ok := keep[name]; ok {
			out.Put(name, v)
		}
		return true
	})
	return out
}

func (it *fileIterator) At() (*core.Row, error) {
	return it.cur, nil
}

func (it *fileIterator) Error() error {
	return it.err
}

func (it *fileIterator) Close() error {
	return it.rc.Close()
}
