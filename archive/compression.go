package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionType is the stream encoding detected from an entry's leading bytes
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	tarMagic  = []byte("ustar")
)

const (
	// sniffSize covers a full tar header block
	sniffSize      = 512
	tarMagicOffset = 257
)

// DetectCompression returns the compression of a stream starting with head
func DetectCompression(head []byte) CompressionType {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// isTarHeader reports whether head is the first block of an uncompressed tar stream
func isTarHeader(head []byte) bool {
	if len(head) < tarMagicOffset+len(tarMagic) {
		return false
	}
	return bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic)
}

// Decompress wraps r with a decoder for the given compression
func Decompress(r io.Reader, compression CompressionType) (io.ReadCloser, error) {
	switch compression {
	case CompressionNone, "":
		return io.NopCloser(r), nil

	case CompressionGzip:
		return gzip.NewReader(r)

	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil

	default:
		return nil, fmt.Errorf("unsupported compression: %s", compression)
	}
}
