package archive

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const tarBlockSize = 512

// tar header field offsets within a 512-byte block.
const (
	tarName     = 0   // 100 bytes
	tarSize     = 124 // 12 bytes, octal or base-256
	tarChksum   = 148 // 8 bytes
	tarTypeflag = 156 // 1 byte
	tarPrefix   = 345 // 155 bytes, ustar path prefix
)

// nextTar reads one tar header block, following GNU long-name ('L') and PAX
// extended-header ('x'/'g') continuation records until it reaches a data
// member. Two consecutive zero blocks end the archive.
func (s *Scanner) nextTar() (*Member, error) {
	var longName string
	var paxPath string

	for {
		block, err := s.br.Peek(tarBlockSize)
		if err != nil {
			if err == io.EOF && len(block) == 0 {
				return nil, io.EOF
			}
			// A short trailing block is tolerated as end of stream.
			if allZero(block) {
				s.br.Discard(len(block))
				return nil, io.EOF
			}
			return nil, fmt.Errorf("short tar header: %w", ErrFormat)
		}

		if allZero(block) {
			s.br.Discard(tarBlockSize)
			// Peek the second terminator block; missing or partial is
			// still treated as end of archive.
			if next, err := s.br.Peek(tarBlockSize); err == nil && allZero(next) {
				s.br.Discard(tarBlockSize)
			}
			return nil, io.EOF
		}

		if !tarChecksumOK(block) {
			return nil, fmt.Errorf("tar checksum mismatch: %w", ErrFormat)
		}

		size, err := parseTarNumeric(block[tarSize : tarSize+12])
		if err != nil {
			return nil, fmt.Errorf("tar size field: %w", ErrFormat)
		}
		typeflag := block[tarTypeflag]
		s.br.Discard(tarBlockSize)

		pad := (tarBlockSize - size%tarBlockSize) % tarBlockSize

		switch typeflag {
		case 'L': // GNU long name: data blocks hold the real name
			data := make([]byte, size)
			if _, err := io.ReadFull(s.br, data); err != nil {
				return nil, fmt.Errorf("tar long name: %w", ErrFormat)
			}
			s.br.Discard(int(pad))
			longName = strings.TrimRight(string(data), "\x00")
			continue

		case 'x', 'g': // PAX extended header: "len key=value\n" records
			data := make([]byte, size)
			if _, err := io.ReadFull(s.br, data); err != nil {
				return nil, fmt.Errorf("tar pax header: %w", ErrFormat)
			}
			s.br.Discard(int(pad))
			if p, ok := paxRecord(data, "path"); ok && typeflag == 'x' {
				paxPath = p
			}
			continue

		case 'K': // GNU long link name: irrelevant to content search
			if _, err := s.br.Discard(int(size + pad)); err != nil {
				return nil, fmt.Errorf("tar long link: %w", ErrFormat)
			}
			continue
		}

		name := tarString(block[tarName : tarName+100])
		if prefix := tarString(block[tarPrefix : tarPrefix+155]); prefix != "" {
			name = prefix + "/" + name
		}
		switch {
		case paxPath != "":
			name = paxPath
		case longName != "":
			name = longName
		}

		regular := typeflag == '0' || typeflag == 0
		s.body = size
		s.pad = pad
		return &Member{Name: name, Size: size, Regular: regular}, nil
	}
}

func tarString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// parseTarNumeric handles both octal ASCII and GNU base-256 (top bit set)
// size encodings. A base-256 value that does not fit in an int64 is a
// malformed header, not a huge member.
func parseTarNumeric(field []byte) (int64, error) {
	if len(field) > 0 && field[0]&0x80 != 0 {
		var v int64
		for i, c := range field {
			if i == 0 {
				c &= 0x7f
			}
			if v > math.MaxInt64>>8 {
				return 0, ErrFormat
			}
			v = v<<8 | int64(c)
		}
		return v, nil
	}
	trimmed := strings.Trim(string(field), " \x00")
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(trimmed, 8, 64)
	if err != nil || v < 0 {
		return 0, ErrFormat
	}
	return v, nil
}

// tarChecksumOK verifies the header checksum: the sum of all header bytes
// with the checksum field itself counted as spaces, accepting both the
// unsigned and the historical signed interpretation.
func tarChecksumOK(block []byte) bool {
	stored, err := parseTarNumeric(block[tarChksum : tarChksum+8])
	if err != nil {
		return false
	}
	var unsigned int64
	var signed int64
	for i, c := range block {
		if i >= tarChksum && i < tarChksum+8 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return stored == unsigned || stored == signed
}

// paxRecord scans "%d key=value\n" records for the given key.
func paxRecord(data []byte, key string) (string, bool) {
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			break
		}
		total, err := strconv.Atoi(string(data[:sp]))
		if err != nil || total <= sp || total > len(data) {
			break
		}
		record := data[sp+1 : total]
		data = data[total:]
		record = bytes.TrimSuffix(record, []byte("\n"))
		if eq := bytes.IndexByte(record, '='); eq >= 0 {
			if string(record[:eq]) == key {
				return string(record[eq+1:]), true
			}
		}
	}
	return "", false
}

func allZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}
