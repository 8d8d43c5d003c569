package files

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Compression magic bytes, checked against the first bytes of a file.
var (
	gzipMagic  = []byte{0x1f, 0x8b, 0x08}
	bzip2Magic = []byte{0x42, 0x5a, 0x68}
	xzMagic    = []byte{0xfd, 0x37, 0x7a}
)

// CompressionFormat identifies a transparent compression wrapper.
type CompressionFormat string

const (
	CompressionNone  CompressionFormat = ""
	CompressionGzip  CompressionFormat = "gz"
	CompressionBzip2 CompressionFormat = "bz2"
	CompressionXz    CompressionFormat = "xz"
)

// DetectCompression inspects the first bytes of a file head.
func DetectCompression(head []byte) CompressionFormat {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(head, bzip2Magic):
		return CompressionBzip2
	case bytes.HasPrefix(head, xzMagic):
		return CompressionXz
	}
	return CompressionNone
}

// decompressReader wraps r according to format. The returned closer must be
// closed after the reader is drained; it also closes underlying resources
// of the wrapper where applicable.
func decompressReader(r io.Reader, format CompressionFormat) (io.Reader, func() error, error) {
	switch format {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	case CompressionBzip2:
		return bzip2.NewReader(r), func() error { return nil }, nil
	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() error { return nil }, nil
	default:
		return r, func() error { return nil }, nil
	}
}
