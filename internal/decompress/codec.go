// Package decompress feeds compressed files and archive containers into
// the search path. A codec layer picks the streaming decoder from magic
// bytes (falling back to the filename suffix), and a Pipeline runs one
// background goroutine per active file that streams decoded bytes, or
// individual archive members, through a pipe under backpressure: exactly
// one member is in flight and the consumer paces the producer by asking
// for the next pipe.
package decompress

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Format identifies a compression encoding.
type Format int

const (
	FormatNone Format = iota
	FormatGzip
	FormatBzip2
	FormatXZ
	FormatLzma
	FormatLZ4
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatBzip2:
		return "bzip2"
	case FormatXZ:
		return "xz"
	case FormatLzma:
		return "lzma"
	case FormatLZ4:
		return "lz4"
	case FormatZstd:
		return "zstd"
	default:
		return "none"
	}
}

var magics = []struct {
	prefix []byte
	format Format
}{
	{[]byte{0x1f, 0x8b}, FormatGzip},
	{[]byte{'B', 'Z', 'h'}, FormatBzip2},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, FormatXZ},
	{[]byte{0x04, 0x22, 0x4d, 0x18}, FormatLZ4},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, FormatZstd},
	// Legacy lzma has no distinctive magic beyond a properties byte;
	// 0x5d 0x00 0x00 covers the common encoder settings.
	{[]byte{0x5d, 0x00, 0x00}, FormatLzma},
}

var suffixes = map[string]Format{
	".gz":   FormatGzip,
	".tgz":  FormatGzip,
	".bz2":  FormatBzip2,
	".tbz":  FormatBzip2,
	".tbz2": FormatBzip2,
	".xz":   FormatXZ,
	".txz":  FormatXZ,
	".lzma": FormatLzma,
	".lz4":  FormatLZ4,
	".zst":  FormatZstd,
	".tzst": FormatZstd,
}

// Detect identifies the compression format from a signature probe of the
// file's first bytes, consulting the filename suffix only when the
// signature is inconclusive.
func Detect(probe []byte, name string) Format {
	for _, m := range magics {
		if bytes.HasPrefix(probe, m.prefix) {
			return m.format
		}
	}
	for suffix, format := range suffixes {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return format
		}
	}
	return FormatNone
}

// Compressed reports whether the filename suffix alone suggests a
// compressed file. Used to decide whether a file is worth probing when -z
// is off.
func Compressed(name string) bool {
	for suffix := range suffixes {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return true
		}
	}
	return false
}

// Container reports whether the filename suggests a compressed file or an
// uncompressed archive. Such files carry other content inside, so
// byte-level file filters must apply to the decoded members rather than
// to the container's own leading bytes.
func Container(name string) bool {
	if Compressed(name) {
		return true
	}
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tar") || strings.HasSuffix(lower, ".cpio")
}

// NewReader wraps r in the streaming decoder for format. The returned
// closer releases decoder resources; it never closes r.
func NewReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case FormatBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case FormatXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}
		return io.NopCloser(xr), nil
	case FormatLzma:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("lzma: %w", err)
		}
		return io.NopCloser(lr), nil
	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	case FormatNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression format %d", format)
	}
}
