package compressors

import (
	"bytes"
	"io"
)

// NoCompressionCompressor implements the Compressor interface without performing compression.
type NoCompressionCompressor struct{}

type plainTextDecoder struct {
	*bytes.Reader
}

func (p *plainTextDecoder) Close() error {
	return nil
}

var _ Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil // Return data as is
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return &plainTextDecoder{Reader: bytes.NewReader(data)}, nil // Return data as is
}

func (c *NoCompressionCompressor) Type() CompressionType {
	return CompressionNone
}

// CompressTo "compresses" src data into the dst buffer by simply writing it.
// This avoids the allocation of a new slice that Compress() does.
func (c *NoCompressionCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}
