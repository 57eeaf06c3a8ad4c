package compressor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compress wraps data in an lz4 frame.
func Compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return compressed.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var decompressed bytes.Buffer

	if _, err := io.Copy(&decompressed, reader); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return decompressed.Bytes(), nil
}

// CompressStream compresses everything read from r into w.
func CompressStream(w io.Writer, r io.Reader) (int64, error) {
	writer := lz4.NewWriter(w)
	n, err := io.Copy(writer, r)
	if err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	return n, nil
}
