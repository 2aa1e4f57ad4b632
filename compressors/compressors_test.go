package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/michael-trelinski/lookback/core"
)

// roundTrip compresses and decompresses data through both Compress and
// CompressTo, failing the test on any mismatch.
func roundTrip(t *testing.T, compressor Compressor, data []byte) {
	t.Helper()

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress() returned an unexpected error: %v", err)
	}

	decompressedReader, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() returned an unexpected error: %v", err)
	}
	defer decompressedReader.Close()

	decompressedBytes, err := io.ReadAll(decompressedReader)
	if err != nil {
		t.Fatalf("Failed to read decompressed data: %v", err)
	}
	if !bytes.Equal(data, decompressedBytes) {
		t.Errorf("Decompressed data from Compress does not match original data.\nOriginal: %q\nDecompressed: %q", string(data), string(decompressedBytes))
	}

	var compressedBuf bytes.Buffer
	if err := compressor.CompressTo(&compressedBuf, data); err != nil {
		t.Fatalf("CompressTo() returned an unexpected error: %v", err)
	}

	decompressedReaderFromTo, err := compressor.Decompress(compressedBuf.Bytes())
	if err != nil {
		t.Fatalf("Decompress() after CompressTo() returned an unexpected error: %v", err)
	}
	defer decompressedReaderFromTo.Close()

	decompressedBytesFromTo, err := io.ReadAll(decompressedReaderFromTo)
	if err != nil {
		t.Fatalf("Failed to read decompressed data after CompressTo: %v", err)
	}
	if !bytes.Equal(data, decompressedBytesFromTo) {
		t.Errorf("Decompressed data from CompressTo does not match original data")
	}
}

func TestAllCompressorsRoundTrip(t *testing.T) {
	compressorCases := []struct {
		name       string
		compressor Compressor
		wantType   CompressionType
	}{
		{"none", &NoCompressionCompressor{}, CompressionNone},
		{"snappy", NewSnappyCompressor(), CompressionSnappy},
		{"lz4", NewLz4Compressor(), CompressionLZ4},
		{"zstd", NewZstdCompressor(), CompressionZSTD},
	}

	dataCases := []struct {
		name string
		data []byte
	}{
		{
			name: "simple string",
			data: []byte("hello world, this is a test of the block compressor"),
		},
		{
			name: "repetitive data",
			data: bytes.Repeat([]byte("a"), 1024),
		},
		{
			name: "empty data",
			data: []byte{},
		},
		{
			name: "jsonl replay lines",
			data: bytes.Repeat([]byte(`{"timestamp":"2024-01-05T00:00:00Z","fields":{"count":5}}`+"\n"), 32),
		},
		{
			name: "random data (less compressible)",
			data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2"),
		},
	}

	for _, cc := range compressorCases {
		t.Run(cc.name, func(t *testing.T) {
			if cc.compressor.Type() != cc.wantType {
				t.Errorf("Type() got = %v, want %v", cc.compressor.Type(), cc.wantType)
			}
			for _, dc := range dataCases {
				t.Run(dc.name, func(t *testing.T) {
					roundTrip(t, cc.compressor, dc.data)
				})
			}
		})
	}
}

func TestNoCompressionIsPassThrough(t *testing.T) {
	compressor := &NoCompressionCompressor{}
	data := []byte("this is some test data")

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress() returned an unexpected error: %v", err)
	}
	if !bytes.Equal(data, compressed) {
		t.Errorf("Expected compressed data to be the same as original, but it was different")
	}
}

func TestGet(t *testing.T) {
	testCases := []struct {
		name     string
		input    CompressionType
		wantType CompressionType
		wantErr  bool
	}{
		{"none", CompressionNone, CompressionNone, false},
		{"empty string means none", CompressionType(""), CompressionNone, false},
		{"snappy", CompressionSnappy, CompressionSnappy, false},
		{"lz4", CompressionLZ4, CompressionLZ4, false},
		{"zstd", CompressionZSTD, CompressionZSTD, false},
		{"unknown", CompressionType("brotli"), "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			compressor, err := Get(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Get(%q) was expected to fail", tc.input)
				}
				if !core.IsValidationError(err) {
					t.Errorf("Get(%q) error should be a validation error, got %v", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get(%q) returned an unexpected error: %v", tc.input, err)
			}
			if compressor.Type() != tc.wantType {
				t.Errorf("Get(%q).Type() got = %v, want %v", tc.input, compressor.Type(), tc.wantType)
			}
		})
	}

	t.Run("zstd codec is shared", func(t *testing.T) {
		first, err := Get(CompressionZSTD)
		if err != nil {
			t.Fatalf("Get() returned an unexpected error: %v", err)
		}
		second, err := Get(CompressionZSTD)
		if err != nil {
			t.Fatalf("Get() returned an unexpected error: %v", err)
		}
		if first != second {
			t.Error("Expected repeated Get(zstd) calls to return the shared codec instance")
		}
	})
}

func TestParseType(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    CompressionType
		wantErr bool
	}{
		{"empty means decide by extension", "", "", false},
		{"whitespace only", "   ", "", false},
		{"none", "none", CompressionNone, false},
		{"mixed case", "ZsTd", CompressionZSTD, false},
		{"padded", "  lz4  ", CompressionLZ4, false},
		{"snappy", "snappy", CompressionSnappy, false},
		{"unknown", "gzip", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseType(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseType(%q) was expected to fail", tc.input)
				}
				if !core.IsValidationError(err) {
					t.Errorf("ParseType(%q) error should be a validation error, got %v", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) returned an unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseType(%q) got = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestForPath(t *testing.T) {
	testCases := []struct {
		path string
		want CompressionType
	}{
		{"replay/requests.jsonl.snappy", CompressionSnappy},
		{"replay/requests.jsonl.lz4", CompressionLZ4},
		{"replay/requests.jsonl.zst", CompressionZSTD},
		{"replay/requests.jsonl.zstd", CompressionZSTD},
		{"replay/requests.JSONL.ZST", CompressionZSTD},
		{"replay/requests.jsonl", CompressionNone},
		{"requests", CompressionNone},
		{"", CompressionNone},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			got := ForPath(tc.path)
			if got.Type() != tc.want {
				t.Errorf("ForPath(%q).Type() got = %v, want %v", tc.path, got.Type(), tc.want)
			}
		})
	}
}

func BenchmarkZstdCompress(b *testing.B) {
	compressor := NewZstdCompressor()
	data := []byte(`{"timestamp":"2024-01-05T00:00:00Z","dimensions":{"host":"server-a"},"fields":{"count":5,"latency":99.8}}`)
	data = bytes.Repeat(data, 50)

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := compressor.Compress(data)
		if err != nil {
			b.Fatalf("Compress() error: %v", err)
		}
	}
}

func BenchmarkSnappyDecompress(b *testing.B) {
	compressor := NewSnappyCompressor()
	data := []byte(`{"timestamp":"2024-01-05T00:00:00Z","dimensions":{"host":"server-a"},"fields":{"count":5,"latency":99.8}}`)
	data = bytes.Repeat(data, 50)
	compressed, err := compressor.Compress(data)
	if err != nil {
		b.Fatalf("Setup: Compress() error: %v", err)
	}

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		decompressedReader, err := compressor.Decompress(compressed)
		if err != nil {
			b.Fatalf("Decompress() error: %v", err)
		}
		_, _ = io.Copy(io.Discard, decompressedReader)
		_ = decompressedReader.Close()
	}
}
