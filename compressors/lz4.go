package compressors

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 block
// compression.
type LZ4Compressor struct{}

// lz4ReadCloser wraps a bytes.Reader so decompressed data can be handed out
// as an io.ReadCloser.
type lz4ReadCloser struct {
	*bytes.Reader
}

// Close is a no-op; the decompressed block lives in memory.
func (lrc *lz4ReadCloser) Close() error {
	return nil
}

var _ Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	// The lz4 block format does not record the original size, so start with
	// a guessed buffer and grow on the short-buffer error.
	if len(data) == 0 {
		return &lz4ReadCloser{Reader: bytes.NewReader(nil)}, nil
	}
	dstSize := len(data) * 3
	if dstSize < 1024 {
		dstSize = 1024
	}
	dst := make([]byte, dstSize)

	for {
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return &lz4ReadCloser{Reader: bytes.NewReader(dst[:n])}, nil
		}
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			if len(dst) > 64*1024*1024 {
				return nil, fmt.Errorf("lz4 decompression buffer grew too large (>64MB)")
			}
			dst = make([]byte, len(dst)*2)
			continue
		}
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
}

func (c *LZ4Compressor) Type() CompressionType {
	return CompressionLZ4
}

// CompressTo compresses src data into the dst buffer using LZ4.
// lz4.CompressBlock produces the block format that Decompress expects; the
// streaming writer would produce the incompatible frame format.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	maxDstSize := lz4.CompressBlockBound(len(src))
	tempBuf := make([]byte, maxDstSize)

	n, err := lz4.CompressBlock(src, tempBuf, nil)
	if err != nil {
		return fmt.Errorf("lz4 CompressTo block compress error: %w", err)
	}
	if n == 0 && len(src) > 0 {
		return fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}

	dst.Write(tempBuf[:n])
	return nil
}
