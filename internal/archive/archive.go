// Package archive implements streaming extraction of tar and cpio
// containers. The scanner reads one fixed-size header at a time, resolves
// long-name continuation records, and exposes each member body as a bounded
// reader, so a consumer can stream member-at-a-time without ever holding a
// whole archive in memory. archive/tar is deliberately not used: the search
// pipeline needs to abandon structural parsing on a malformed header and
// fall back to forwarding the remaining bytes raw, which requires header
// peeking the stdlib reader does not offer.
package archive

import (
	"bytes"
	"errors"
)

// Format identifies a recognized container layout.
type Format int

const (
	FormatNone     Format = iota
	FormatTar             // ustar or gnutar magic at offset 257
	FormatCpioODC         // portable ASCII ("070707") at offset 0
	FormatCpioNewc        // SVR4 newc ("070701") at offset 0
	FormatCpioCRC         // SVR4 newc with checksum ("070702") at offset 0
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatCpioODC:
		return "cpio"
	case FormatCpioNewc:
		return "cpio"
	case FormatCpioCRC:
		return "cpio"
	default:
		return "none"
	}
}

// ErrFormat reports a header that does not parse as the detected format.
// Consumers treat it as a signal to stop structural parsing and stream the
// remaining bytes raw.
var ErrFormat = errors.New("archive: malformed header")

// Member is one logical file inside a container.
type Member struct {
	Name    string
	Size    int64
	Regular bool
}

// tar magic at offset 257: "ustar\x00" (POSIX) or "ustar  \x00" (GNU).
const tarMagicOffset = 257

// DetectLen is the minimum probe length Detect needs to recognize every
// supported container.
const DetectLen = tarMagicOffset + 8

// Detect classifies the first block of a stream. The probe should hold at
// least DetectLen bytes; shorter probes can only match cpio.
func Detect(probe []byte) Format {
	switch {
	case bytes.HasPrefix(probe, []byte("070707")):
		return FormatCpioODC
	case bytes.HasPrefix(probe, []byte("070701")):
		return FormatCpioNewc
	case bytes.HasPrefix(probe, []byte("070702")):
		return FormatCpioCRC
	}
	if len(probe) >= DetectLen {
		magic := probe[tarMagicOffset : tarMagicOffset+8]
		if bytes.HasPrefix(magic, []byte("ustar\x00")) || bytes.HasPrefix(magic, []byte("ustar  ")) {
			return FormatTar
		}
	}
	return FormatNone
}
