package archive

import (
	"fmt"
	"io"
	"strconv"
)

const (
	cpioODCHeaderLen  = 76  // six-char octal fields
	cpioNewcHeaderLen = 110 // eight-char hex fields
	cpioTrailer       = "TRAILER!!!"

	// S_IFMT / S_IFREG from the cpio mode field.
	cpioModeMask    = 0170000
	cpioModeRegular = 0100000
)

// nextCpio reads one cpio header in the detected variant. The synthetic
// "TRAILER!!!" member ends the archive.
func (s *Scanner) nextCpio() (*Member, error) {
	if s.format == FormatCpioODC {
		return s.nextCpioODC()
	}
	return s.nextCpioNewc()
}

// nextCpioODC parses the portable ASCII (odc) layout: all-octal fields, no
// alignment padding.
func (s *Scanner) nextCpioODC() (*Member, error) {
	hdr, err := s.br.Peek(cpioODCHeaderLen)
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("short cpio header: %w", ErrFormat)
	}
	if string(hdr[:6]) != "070707" {
		return nil, fmt.Errorf("cpio odc magic: %w", ErrFormat)
	}

	mode, err1 := parseOctal(hdr[18:24])
	nameSize, err2 := parseOctal(hdr[59:65])
	fileSize, err3 := parseOctal(hdr[65:76])
	if err1 != nil || err2 != nil || err3 != nil || nameSize <= 0 {
		return nil, fmt.Errorf("cpio odc fields: %w", ErrFormat)
	}
	s.br.Discard(cpioODCHeaderLen)

	name, err := s.readCpioName(int(nameSize))
	if err != nil {
		return nil, err
	}
	if name == cpioTrailer {
		return nil, io.EOF
	}

	s.body = fileSize
	s.pad = 0
	return &Member{
		Name:    name,
		Size:    fileSize,
		Regular: mode&cpioModeMask == cpioModeRegular,
	}, nil
}

// nextCpioNewc parses the SVR4 newc / crc layout: eight-char hex fields,
// name and body each padded to four-byte alignment (the name's alignment
// includes the 110-byte header).
func (s *Scanner) nextCpioNewc() (*Member, error) {
	hdr, err := s.br.Peek(cpioNewcHeaderLen)
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("short cpio header: %w", ErrFormat)
	}
	magic := string(hdr[:6])
	if magic != "070701" && magic != "070702" {
		return nil, fmt.Errorf("cpio newc magic: %w", ErrFormat)
	}

	mode, err1 := parseHex(hdr[14:22])
	fileSize, err2 := parseHex(hdr[54:62])
	nameSize, err3 := parseHex(hdr[94:102])
	if err1 != nil || err2 != nil || err3 != nil || nameSize <= 0 {
		return nil, fmt.Errorf("cpio newc fields: %w", ErrFormat)
	}
	s.br.Discard(cpioNewcHeaderLen)

	name, err := s.readCpioName(int(nameSize))
	if err != nil {
		return nil, err
	}
	// Name padding aligns header+name to 4 bytes.
	namePad := pad4(cpioNewcHeaderLen + nameSize)
	if _, err := s.br.Discard(int(namePad)); err != nil {
		return nil, fmt.Errorf("cpio name padding: %w", ErrFormat)
	}
	if name == cpioTrailer {
		return nil, io.EOF
	}

	s.body = fileSize
	s.pad = pad4(fileSize)
	return &Member{
		Name:    name,
		Size:    fileSize,
		Regular: mode&cpioModeMask == cpioModeRegular,
	}, nil
}

// readCpioName reads the NUL-terminated member name of the given total
// size (terminator included).
func (s *Scanner) readCpioName(nameSize int) (string, error) {
	raw := make([]byte, nameSize)
	if _, err := io.ReadFull(s.br, raw); err != nil {
		return "", fmt.Errorf("cpio name: %w", ErrFormat)
	}
	if raw[nameSize-1] == 0 {
		raw = raw[:nameSize-1]
	}
	return string(raw), nil
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}

func parseOctal(field []byte) (int64, error) {
	v, err := strconv.ParseInt(string(field), 8, 64)
	if err != nil || v < 0 {
		return 0, ErrFormat
	}
	return v, nil
}

func parseHex(field []byte) (int64, error) {
	v, err := strconv.ParseInt(string(field), 16, 64)
	if err != nil || v < 0 {
		return 0, ErrFormat
	}
	return v, nil
}
