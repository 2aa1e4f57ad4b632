package compressors

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/michael-trelinski/lookback/core"
)

// ZstdCompressor implements the Compressor interface using zstd, with
// pooled encoders and decoders so repeated calls reuse their dictionaries
// and window buffers.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

type zstdReadCloser struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (zrc *zstdReadCloser) Close() error {
	// Do not call zrc.Decoder.Close() as it invalidates the decoder for reuse.
	zrc.pool.Put(zrc.Decoder)
	return nil
}

var _ Compressor = (*ZstdCompressor)(nil)
var _ io.ReadCloser = (*zstdReadCloser)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				// The actual io.Writer is set during Reset.
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					slog.Error("failed to create zstd encoder", "error", err)
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(100*1024*1024))
				if err != nil {
					slog.Error("failed to create zstd decoder", "error", err)
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	enc.Reset(buf)

	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd compress write error: %w", err)
	}
	// Close flushes buffered data and finalizes the frame.
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd compress close error: %w", err)
	}

	// Copy out because the pooled buffer will be reused.
	compressedData := make([]byte, buf.Len())
	copy(compressedData, buf.Bytes())
	return compressedData, nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		c.decoderPool.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}

	// The returned ReadCloser puts the decoder back in the pool on Close.
	return &zstdReadCloser{Decoder: dec, pool: &c.decoderPool}, nil
}

func (c *ZstdCompressor) Type() CompressionType {
	return CompressionZSTD
}

// CompressTo compresses src data into the dst buffer using zstd.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	dst.Reset()
	enc.Reset(dst)

	if _, err := enc.Write(src); err != nil {
		// Close must still be called to keep the encoder reusable.
		_ = enc.Close()
		return fmt.Errorf("zstd compress (to) write error: %w", err)
	}
	return enc.Close()
}
