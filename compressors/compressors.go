// Package compressors provides the codecs used for replay input files and
// result dumps: none, snappy, lz4 and zstd. All codecs work on whole blocks;
// a replay file is one compressed block containing JSONL text.
package compressors

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/michael-trelinski/lookback/core"
)

// CompressionType names a codec. The zero value is CompressionNone.
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionSnappy CompressionType = "snappy"
	CompressionLZ4    CompressionType = "lz4"
	CompressionZSTD   CompressionType = "zstd"
)

// Compressor is a block codec. Decompress returns a ReadCloser so callers
// can stream out of the decompressed block without caring which codec
// produced it.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, reusing dst's capacity.
	CompressTo(dst *bytes.Buffer, src []byte) error
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
}

var zstdShared = NewZstdCompressor()

// Get returns the codec for a compression type.
func Get(t CompressionType) (Compressor, error) {
	switch t {
	case CompressionNone, "":
		return &NoCompressionCompressor{}, nil
	case CompressionSnappy:
		return NewSnappyCompressor(), nil
	case CompressionLZ4:
		return NewLz4Compressor(), nil
	case CompressionZSTD:
		// Shared so encoder/decoder pools are reused across calls.
		return zstdShared, nil
	default:
		return nil, &core.ValidationError{Field: "compression", Value: string(t), Message: "unknown compression type"}
	}
}

// ParseType validates a configured codec name. The empty string is legal and
// means "decide by file extension".
func ParseType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return "", &core.ValidationError{Field: "compression", Value: s, Message: "unknown compression type"}
	}
}

// ForPath picks a codec from the file extension. Unrecognized extensions get
// the pass-through codec.
func ForPath(path string) Compressor {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".snappy":
		return NewSnappyCompressor()
	case ".lz4":
		return NewLz4Compressor()
	case ".zst", ".zstd":
		return zstdShared
	default:
		return &NoCompressionCompressor{}
	}
}
