// Package format renders located matches into output bytes. The search
// core never formats anything itself: it hands each match record to a
// Formatter and writes the returned bytes through the output synchronizer,
// so CSV/JSON/XML and styled text all flow through the same ordered path.
package format

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Record is one match as reported by the search loop.
type Record struct {
	Path     string
	Member   string // archive member name, "" outside archives
	Line     int
	Column   int
	Offset   int64
	Text     string // matched text
	LineText string // full line containing the match
}

// Display returns the user-facing file designation: path{member} inside
// archives, plain path otherwise.
func (r Record) Display() string {
	if r.Member != "" {
		return r.Path + "{" + r.Member + "}"
	}
	return r.Path
}

// Formatter renders records. Implementations must be safe for concurrent
// use; each call writes one self-contained segment to w, which in practice
// is a per-job private buffer.
type Formatter interface {
	// Match renders one match record.
	Match(w io.Writer, r Record) error
	// FileCount renders a per-file match count (-c mode).
	FileCount(w io.Writer, path string, count int64) error
	// FileName renders a bare matching filename (-l mode).
	FileName(w io.Writer, path string) error
}

// New returns the formatter for name: "text" (default), "csv", "json" or
// "xml".
func New(name string, opts TextOptions) (Formatter, error) {
	switch strings.ToLower(name) {
	case "", "text":
		return &Text{opts: opts}, nil
	case "csv":
		return &CSV{}, nil
	case "json":
		return &JSON{}, nil
	case "xml":
		return &XML{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", name)
	}
}

// TextOptions control the default grep-style renderer.
type TextOptions struct {
	ShowLineNumbers bool
	ShowColumn      bool
	WithFilename    bool
	Color           bool
}

// Text is the grep-style line renderer: [path:][line:[column:]]text with
// the matched span highlighted when color is on.
type Text struct {
	opts TextOptions
}

func (f *Text) Match(w io.Writer, r Record) error {
	var sb strings.Builder
	if f.opts.WithFilename {
		f.writeName(&sb, r.Display())
		sb.WriteByte(':')
	}
	if f.opts.ShowLineNumbers {
		f.writeNumber(&sb, r.Line)
		sb.WriteByte(':')
	}
	if f.opts.ShowColumn {
		f.writeNumber(&sb, r.Column)
		sb.WriteByte(':')
	}
	f.writeLine(&sb, r)
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}

func (f *Text) FileCount(w io.Writer, path string, count int64) error {
	var sb strings.Builder
	f.writeName(&sb, path)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(count, 10))
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}

func (f *Text) FileName(w io.Writer, path string) error {
	var sb strings.Builder
	f.writeName(&sb, path)
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}

func (f *Text) writeName(sb *strings.Builder, name string) {
	if f.opts.Color {
		sb.WriteString(color.New(color.FgMagenta).Sprint(name))
		return
	}
	sb.WriteString(name)
}

func (f *Text) writeNumber(sb *strings.Builder, n int) {
	if f.opts.Color {
		sb.WriteString(color.New(color.FgGreen).Sprint(strconv.Itoa(n)))
		return
	}
	sb.WriteString(strconv.Itoa(n))
}

// writeLine emits the full line with the matched span highlighted, or the
// plain line when color is off.
func (f *Text) writeLine(sb *strings.Builder, r Record) {
	line := r.LineText
	if !f.opts.Color || r.Text == "" {
		sb.WriteString(line)
		return
	}
	start := r.Column - 1
	if start < 0 || start+len(r.Text) > len(line) || line[start:start+len(r.Text)] != r.Text {
		// Highlight positions don't line up (multi-match lines report
		// per-match columns); fall back to first occurrence.
		start = strings.Index(line, r.Text)
		if start < 0 {
			sb.WriteString(line)
			return
		}
	}
	sb.WriteString(line[:start])
	sb.WriteString(color.New(color.FgRed, color.Bold).Sprint(r.Text))
	sb.WriteString(line[start+len(r.Text):])
}

// CSV renders one "path,member,line,column,offset,text" row per match,
// quoting fields per RFC 4180.
type CSV struct{}

func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func (f *CSV) Match(w io.Writer, r Record) error {
	_, err := fmt.Fprintf(w, "%s,%s,%d,%d,%d,%s\n",
		csvField(r.Path), csvField(r.Member), r.Line, r.Column, r.Offset, csvField(r.Text))
	return err
}

func (f *CSV) FileCount(w io.Writer, path string, count int64) error {
	_, err := fmt.Fprintf(w, "%s,,,,,%d\n", csvField(path), count)
	return err
}

func (f *CSV) FileName(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "%s\n", csvField(path))
	return err
}

// JSON renders one JSON object per line (JSONL), which keeps concurrent
// per-job segments self-contained.
type JSON struct{}

type jsonMatch struct {
	Path   string `json:"path"`
	Member string `json:"member,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Offset int64  `json:"offset"`
	Text   string `json:"text"`
}

func (f *JSON) Match(w io.Writer, r Record) error {
	data, err := json.Marshal(jsonMatch{
		Path: r.Path, Member: r.Member, Line: r.Line,
		Column: r.Column, Offset: r.Offset, Text: r.Text,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (f *JSON) FileCount(w io.Writer, path string, count int64) error {
	data, err := json.Marshal(struct {
		Path  string `json:"path"`
		Count int64  `json:"count"`
	}{path, count})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (f *JSON) FileName(w io.Writer, path string) error {
	data, err := json.Marshal(struct {
		Path string `json:"path"`
	}{path})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// XML renders one <match> element per match.
type XML struct{}

type xmlMatch struct {
	XMLName xml.Name `xml:"match"`
	Path    string   `xml:"path,attr"`
	Member  string   `xml:"member,attr,omitempty"`
	Line    int      `xml:"line,attr"`
	Column  int      `xml:"column,attr"`
	Offset  int64    `xml:"offset,attr"`
	Text    string   `xml:",chardata"`
}

func (f *XML) Match(w io.Writer, r Record) error {
	data, err := xml.Marshal(xmlMatch{
		Path: r.Path, Member: r.Member, Line: r.Line,
		Column: r.Column, Offset: r.Offset, Text: r.Text,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (f *XML) FileCount(w io.Writer, path string, count int64) error {
	_, err := fmt.Fprintf(w, "<file path=%q count=\"%d\"/>\n", path, count)
	return err
}

func (f *XML) FileName(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "<file path=%q/>\n", path)
	return err
}
