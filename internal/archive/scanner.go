package archive

import (
	"bufio"
	"fmt"
	"io"
)

// Scanner iterates the members of a tar or cpio stream. Typical use:
//
//	sc := archive.NewScanner(r, format)
//	for {
//		m, err := sc.Next()
//		if err == io.EOF { break }
//		if err != nil { /* fall back to sc.Raw() */ }
//		consume(sc.Body())
//	}
//
// Next skips whatever the caller left unread of the previous body plus its
// trailing padding, so partial consumption of a member is always safe.
type Scanner struct {
	br     *bufio.Reader
	format Format
	body   int64 // unread bytes of the current member body
	pad    int64 // padding after the current body
	failed bool
}

// NewScanner wraps r for structural parsing. The bufio layer must be large
// enough to peek a full header of the chosen format.
func NewScanner(r io.Reader, format Format) *Scanner {
	return &Scanner{br: bufio.NewReaderSize(r, 2*tarBlockSize), format: format}
}

// Next advances to the next member, returning io.EOF at the archive
// trailer. A malformed header returns an error wrapping ErrFormat and
// leaves the offending bytes unconsumed so Raw can stream them.
func (s *Scanner) Next() (*Member, error) {
	if s.failed {
		return nil, ErrFormat
	}
	if err := s.discardBody(); err != nil {
		return nil, err
	}

	var m *Member
	var err error
	switch s.format {
	case FormatTar:
		m, err = s.nextTar()
	case FormatCpioODC, FormatCpioNewc, FormatCpioCRC:
		m, err = s.nextCpio()
	default:
		err = fmt.Errorf("unsupported format: %w", ErrFormat)
	}
	if err != nil && err != io.EOF {
		s.failed = true
	}
	return m, err
}

// Body returns a reader over the current member's remaining bytes. Reading
// past the member returns io.EOF; the next Next call discards anything
// left.
func (s *Scanner) Body() io.Reader {
	return (*bodyReader)(s)
}

// PeekBody returns up to n leading bytes of the current member body without
// consuming them. The result is valid until the next read or Next call. n is
// clamped to the body length and to the buffered reader's capacity.
func (s *Scanner) PeekBody(n int) ([]byte, error) {
	if s.body <= 0 {
		return nil, nil
	}
	if int64(n) > s.body {
		n = int(s.body)
	}
	if n > s.br.Size() {
		n = s.br.Size()
	}
	b, err := s.br.Peek(n)
	if err == io.EOF && len(b) > 0 {
		err = nil
	}
	return b, err
}

// Raw returns a reader over everything not yet consumed, starting at the
// unparsed header that failed. Used by the fallback path that streams the
// rest of a damaged archive as plain bytes.
func (s *Scanner) Raw() io.Reader {
	return s.br
}

// discardBody drains the unread remainder of the current body and its
// padding.
func (s *Scanner) discardBody() error {
	n := s.body + s.pad
	s.body, s.pad = 0, 0
	if n == 0 {
		return nil
	}
	if _, err := s.br.Discard(int(n)); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

type bodyReader Scanner

func (b *bodyReader) Read(p []byte) (int, error) {
	s := (*Scanner)(b)
	if s.body <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.body {
		p = p[:s.body]
	}
	n, err := s.br.Read(p)
	s.body -= int64(n)
	if err == io.EOF && s.body > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}
