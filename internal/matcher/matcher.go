// Package matcher defines the pattern-matching capability the search core
// drives. The core never interprets match semantics: it binds a matcher to
// a buffer or stream, pulls matches one at a time, and reports positions
// through the formatter. A regexp-backed implementation is provided;
// alternative engines only need to satisfy Matcher.
package matcher

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
)

// Match is one located occurrence. Offsets are byte positions within the
// bound input; Line and Column are 1-based.
type Match struct {
	Line   int
	Column int
	First  int64 // byte offset of the match start
	Last   int64 // byte offset one past the match end
	Text   []byte
	// LineText is the full line containing the match, without the
	// trailing newline. Valid until the next Find call.
	LineText []byte
}

// Matcher is the capability set the search loop requires.
//
// Bind attaches an input; BindBytes is the zero-copy variant for
// memory-mapped files. Find returns the next match and false when the
// input is exhausted. EditDistance returns the configured fuzzy edit
// distance and false when the matcher is not fuzzy; this explicit
// capability method replaces any runtime type inspection of concrete
// matcher implementations.
type Matcher interface {
	Bind(r io.Reader)
	BindBytes(data []byte)
	Find() (Match, bool, error)
	EditDistance() (uint32, bool)
}

// Options tune how a Regexp matcher interprets its pattern.
type Options struct {
	IgnoreCase bool
	WordRegexp bool // match only at word boundaries
	LineRegexp bool // match only whole lines
	Invert     bool // select non-matching lines
}

// Regexp is a line-oriented Matcher backed by the standard regexp engine.
// It scans the bound input line by line, reporting every occurrence with
// line, column and byte-offset positions.
type Regexp struct {
	re     *regexp.Regexp
	invert bool

	scanner *bufio.Scanner
	line    []byte
	lineno  int
	offset  int64 // byte offset of the current line start
	hits    [][]int
	hit     int
	err     error
}

// Compile builds a Regexp matcher from pattern with the given options.
func Compile(pattern string, opts Options) (*Regexp, error) {
	expr := pattern
	if opts.WordRegexp {
		expr = `\b(?:` + expr + `)\b`
	}
	if opts.LineRegexp {
		expr = `^(?:` + expr + `)$`
	}
	if opts.IgnoreCase {
		expr = `(?i)` + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &Regexp{re: re, invert: opts.Invert}, nil
}

// Bind attaches a streaming input. Any previous binding is discarded.
func (m *Regexp) Bind(r io.Reader) {
	m.scanner = bufio.NewScanner(r)
	m.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	m.reset()
}

// BindBytes attaches an in-memory input without copying.
func (m *Regexp) BindBytes(data []byte) {
	m.Bind(bytes.NewReader(data))
}

func (m *Regexp) reset() {
	m.line = nil
	m.lineno = 0
	m.offset = 0
	m.hits = nil
	m.hit = 0
	m.err = nil
}

// Find returns the next match in the bound input. With Invert set it
// returns one pseudo-match per non-matching line, covering the whole line.
func (m *Regexp) Find() (Match, bool, error) {
	if m.scanner == nil {
		return Match{}, false, fmt.Errorf("matcher not bound")
	}
	for {
		if m.hit < len(m.hits) {
			loc := m.hits[m.hit]
			m.hit++
			return Match{
				Line:     m.lineno,
				Column:   loc[0] + 1,
				First:    m.offset + int64(loc[0]),
				Last:     m.offset + int64(loc[1]),
				Text:     m.line[loc[0]:loc[1]],
				LineText: m.line,
			}, true, nil
		}

		if !m.advance() {
			return Match{}, false, m.err
		}

		if m.invert {
			if m.re.Match(m.line) {
				continue
			}
			return Match{
				Line:     m.lineno,
				Column:   1,
				First:    m.offset,
				Last:     m.offset + int64(len(m.line)),
				Text:     m.line,
				LineText: m.line,
			}, true, nil
		}

		m.hits = m.re.FindAllIndex(m.line, -1)
		m.hit = 0
	}
}

// advance moves to the next input line, maintaining line number and byte
// offset bookkeeping.
func (m *Regexp) advance() bool {
	if m.lineno > 0 {
		// Account for the previous line plus its newline.
		m.offset += int64(len(m.line)) + 1
	}
	if !m.scanner.Scan() {
		m.err = m.scanner.Err()
		return false
	}
	m.line = m.scanner.Bytes()
	m.lineno++
	m.hits = nil
	m.hit = 0
	return true
}

// EditDistance reports no fuzzy capability for the exact regexp matcher.
func (m *Regexp) EditDistance() (uint32, bool) {
	return 0, false
}
