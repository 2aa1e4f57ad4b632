package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michael-trelinski/lookback/compressors"
	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/engine"
	"github.com/michael-trelinski/lookback/query"
	"github.com/michael-trelinski/lookback/replay"
)

const e2eQuerySpec = `{
	"dataSource": "requests",
	"intervals": "2024-01-05T00:00:00Z/2024-01-09T00:00:00Z",
	"granularity": "day",
	"averagers": [{"type": "doubleMean", "name": "countMean", "fieldName": "count", "buckets": 3}]
}`

func writeDataFile(t *testing.T, dir string) string {
	t.Helper()
	var sb strings.Builder
	for d := 1; d <= 8; d++ {
		fmt.Fprintf(&sb, "{\"timestamp\":\"2024-01-%02dT00:00:00Z\",\"event\":{\"count\":%d}}\n", d, d)
	}
	path := filepath.Join(dir, "requests.jsonl")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("Failed to write replay data: %v", err)
	}
	return path
}

func decodeRows(t *testing.T, data []byte) []*core.Row {
	t.Helper()
	var rows []*core.Row
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		row := &core.Row{}
		if err := json.Unmarshal(line, row); err != nil {
			t.Fatalf("Failed to decode result row %q: %v", line, err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestRunSingleEndToEnd(t *testing.T) {
	baseDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// --- 1. Setup: replay data for days 1-8 and a 3-day rolling mean query ---
	dataPath := writeDataFile(t, baseDir)

	source, err := replay.NewSource(dataPath, replay.WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to open replay source: %v", err)
	}
	runner := engine.NewRunner(source, engine.WithLogger(logger))

	spec, err := query.Parse([]byte(e2eQuerySpec))
	if err != nil {
		t.Fatalf("Failed to parse query spec: %v", err)
	}

	codec, err := compressors.Get(compressors.CompressionNone)
	if err != nil {
		t.Fatalf("Failed to get output codec: %v", err)
	}

	// --- 2. Execution: run the single-shot path into an output file ---
	outputPath := filepath.Join(baseDir, "results.jsonl")
	if code := runSingle(context.Background(), runner, spec, outputPath, codec, logger); code != exitOK {
		t.Fatalf("runSingle returned exit code %d, want %d", code, exitOK)
	}

	// --- 3. Verification: decode the JSONL output and check the rolling means ---
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	rows := decodeRows(t, data)
	if len(rows) != 4 {
		t.Fatalf("Expected 4 result rows, got %d", len(rows))
	}
	wantMeans := []float64{4, 5, 6, 7}
	for i, row := range rows {
		wantDay := 5 + i
		if row.Timestamp.Day() != wantDay {
			t.Errorf("Row %d timestamp day mismatch: got %d, want %d", i, row.Timestamp.Day(), wantDay)
		}
		v, ok := row.Fields.Get("countMean")
		if !ok {
			t.Fatalf("Row %d is missing the countMean field", i)
		}
		mean, ok := v.Numeric()
		if !ok {
			t.Fatalf("Row %d countMean is not numeric", i)
		}
		if math.Abs(mean-wantMeans[i]) > 1e-9 {
			t.Errorf("Row %d countMean mismatch: got %f, want %f", i, mean, wantMeans[i])
		}
	}

	// --- 4. Error case: output file in a directory that does not exist ---
	badPath := filepath.Join(baseDir, "no_such_dir", "results.jsonl")
	if code := runSingle(context.Background(), runner, spec, badPath, codec, logger); code != exitRuntime {
		t.Errorf("runSingle with unwritable output returned %d, want %d", code, exitRuntime)
	}
}

func TestRunSingleCompressedOutput(t *testing.T) {
	baseDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dataPath := writeDataFile(t, baseDir)
	source, err := replay.NewSource(dataPath, replay.WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to open replay source: %v", err)
	}
	runner := engine.NewRunner(source, engine.WithLogger(logger))

	spec, err := query.Parse([]byte(e2eQuerySpec))
	if err != nil {
		t.Fatalf("Failed to parse query spec: %v", err)
	}

	codec, err := compressors.Get(compressors.CompressionSnappy)
	if err != nil {
		t.Fatalf("Failed to get snappy codec: %v", err)
	}

	outputPath := filepath.Join(baseDir, "results.jsonl.snappy")
	if code := runSingle(context.Background(), runner, spec, outputPath, codec, logger); code != exitOK {
		t.Fatalf("runSingle returned exit code %d, want %d", code, exitOK)
	}

	// The file holds one compressed block; decompressing it must yield the
	// same JSONL stream the uncompressed path writes.
	compressed, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read compressed output: %v", err)
	}
	rc, err := codec.Decompress(compressed)
	if err != nil {
		t.Fatalf("Failed to decompress output: %v", err)
	}
	defer rc.Close()
	plain, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Failed to read decompressed output: %v", err)
	}
	rows := decodeRows(t, plain)
	if len(rows) != 4 {
		t.Fatalf("Expected 4 result rows after decompression, got %d", len(rows))
	}
}

func TestRunBenchmarkRepeatsQuery(t *testing.T) {
	baseDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dataPath := writeDataFile(t, baseDir)
	source, err := replay.NewSource(dataPath, replay.WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to open replay source: %v", err)
	}
	runner := engine.NewRunner(source, engine.WithLogger(logger))

	spec, err := query.Parse([]byte(e2eQuerySpec))
	if err != nil {
		t.Fatalf("Failed to parse query spec: %v", err)
	}

	// Each run re-opens the replay file, so repeated executions see the same
	// data and all succeed.
	if code := runBenchmark(context.Background(), runner, spec, 3, logger); code != exitOK {
		t.Fatalf("runBenchmark returned exit code %d, want %d", code, exitOK)
	}
}

func TestReadQuerySpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query.json")
	if err := os.WriteFile(path, []byte(e2eQuerySpec), 0o644); err != nil {
		t.Fatalf("Failed to write query spec file: %v", err)
	}

	data, err := readQuerySpec(path)
	if err != nil {
		t.Fatalf("readQuerySpec failed: %v", err)
	}
	if !bytes.Equal(data, []byte(e2eQuerySpec)) {
		t.Error("readQuerySpec returned different bytes than were written")
	}

	if _, err := readQuerySpec(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected an error for a missing query spec file")
	}
}
