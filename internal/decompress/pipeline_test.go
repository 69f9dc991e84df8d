package decompress

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func tarBytes(t *testing.T, members []struct{ name, body string }) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		if err := tw.WriteHeader(&tar.Header{Name: m.name, Mode: 0644, Size: int64(len(m.body))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		io.WriteString(tw, m.body)
	}
	tw.Close()
	return buf.Bytes()
}

func TestDetectSignatures(t *testing.T) {
	cases := []struct {
		probe  []byte
		name   string
		format Format
	}{
		{[]byte{0x1f, 0x8b, 0x08}, "x", FormatGzip},
		{[]byte("BZh91AY"), "x", FormatBzip2},
		{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, "x", FormatXZ},
		{[]byte{0x04, 0x22, 0x4d, 0x18}, "x", FormatLZ4},
		{[]byte{0x28, 0xb5, 0x2f, 0xfd}, "x", FormatZstd},
		{[]byte("no magic here"), "file.gz", FormatGzip},
		{[]byte("no magic here"), "file.zst", FormatZstd},
		{[]byte("no magic here"), "file.txt", FormatNone},
	}
	for _, c := range cases {
		if got := Detect(c.probe, c.name); got != c.format {
			t.Errorf("Detect(%q, %q) = %v, want %v", c.probe, c.name, got, c.format)
		}
	}
}

func drain(t *testing.T, p *Pipeline) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for {
		pr, name, err := p.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		body, err := io.ReadAll(pr)
		if err != nil {
			t.Fatalf("read member %q: %v", name, err)
		}
		pr.Close()
		out[name] = string(body)
	}
}

func TestPlainGzipStream(t *testing.T) {
	content := "line one\nline two\n"
	p, err := NewPipeline(bytes.NewReader(gzipBytes(t, []byte(content))), "notes.txt.gz", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	got := drain(t, p)
	if got[""] != content {
		t.Errorf("stream content %q, want %q", got[""], content)
	}
	if len(got) != 1 {
		t.Errorf("expected single unnamed member, got %v", got)
	}
}

func TestLZ4Stream(t *testing.T) {
	content := strings.Repeat("lz4 payload line\n", 50)
	var buf bytes.Buffer
	lw := lz4.NewWriter(&buf)
	if _, err := io.WriteString(lw, content); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	lw.Close()

	p, err := NewPipeline(&buf, "data.lz4", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	if got := drain(t, p); got[""] != content {
		t.Errorf("lz4 content mismatch (%d bytes, want %d)", len(got[""]), len(content))
	}
}

// TestGzippedTarMembers verifies a .tar.gz yields each member in archive
// order through a fresh pipe, with names reported.
func TestGzippedTarMembers(t *testing.T) {
	members := []struct{ name, body string }{
		{"src/a.go", "package a\n"},
		{"src/b.go", strings.Repeat("var filler int\n", 40)},
		{"README", "docs\n"},
	}
	raw := gzipBytes(t, tarBytes(t, members))

	p, err := NewPipeline(bytes.NewReader(raw), "src.tar.gz", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	var names []string
	for {
		pr, name, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		body, _ := io.ReadAll(pr)
		pr.Close()
		names = append(names, name)

		var want string
		for _, m := range members {
			if m.name == name {
				want = m.body
			}
		}
		if string(body) != want {
			t.Errorf("member %s: body mismatch", name)
		}
	}
	if len(names) != 3 || names[0] != "src/a.go" || names[2] != "README" {
		t.Errorf("member order %v", names)
	}
}

// TestMemberFilterSkipsWithoutPipe verifies filtered members never reach
// the consumer.
func TestMemberFilterSkipsWithoutPipe(t *testing.T) {
	members := []struct{ name, body string }{
		{"keep.go", "package keep\n"},
		{"skip.bin", "\x00\x01\x02"},
		{"keep2.go", "package keep2\n"},
	}
	filter := func(name string) bool { return strings.HasSuffix(name, ".go") }

	p, err := NewPipeline(bytes.NewReader(tarBytes(t, members)), "code.tar", filter, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	got := drain(t, p)
	if len(got) != 2 {
		t.Fatalf("expected 2 selected members, got %v", got)
	}
	if _, ok := got["skip.bin"]; ok {
		t.Error("filtered member reached the consumer")
	}
}

// TestAbandonedMemberContinues verifies closing a member reader early
// skips to the next member instead of failing the file.
func TestAbandonedMemberContinues(t *testing.T) {
	members := []struct{ name, body string }{
		{"huge.txt", strings.Repeat("x", 256*1024)},
		{"after.txt", "still reachable\n"},
	}
	p, err := NewPipeline(bytes.NewReader(tarBytes(t, members)), "pair.tar", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	pr, name, err := p.Next()
	if err != nil || name != "huge.txt" {
		t.Fatalf("first Next: %q, %v", name, err)
	}
	// Read a little, then abandon.
	io.ReadFull(pr, make([]byte, 100))
	pr.CloseWithError(ErrAbandoned)

	pr, name, err = p.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if name != "after.txt" {
		t.Errorf("second member %q, want after.txt", name)
	}
	body, _ := io.ReadAll(pr)
	pr.Close()
	if string(body) != "still reachable\n" {
		t.Errorf("second body %q", body)
	}
}

// TestMalformedArchiveFallsBackToRaw verifies a corrupt header switches
// the producer to raw forwarding of the remaining bytes.
func TestMalformedArchiveFallsBackToRaw(t *testing.T) {
	raw := tarBytes(t, []struct{ name, body string }{{"ok.txt", "fine\n"}})
	copy(raw[148:], "zzzzzzzz") // destroy the checksum of the first header

	p, err := NewPipeline(bytes.NewReader(raw), "broken.tar", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	got := drain(t, p)
	body, ok := got[""]
	if !ok {
		t.Fatalf("expected one raw fallback member, got %v", mapsKeys(got))
	}
	if len(body) != len(raw) {
		t.Errorf("raw fallback streamed %d bytes, want %d", len(body), len(raw))
	}
}

// TestCorruptGzipReportsError verifies stream corruption surfaces as a
// pipeline error after the readable prefix.
func TestCorruptGzipReportsError(t *testing.T) {
	good := gzipBytes(t, []byte(strings.Repeat("content line\n", 500)))
	corrupt := good[:len(good)/2] // truncated stream

	p, err := NewPipeline(bytes.NewReader(corrupt), "t.gz", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	pr, _, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := io.ReadAll(pr); err == nil {
		t.Error("expected a read error from the truncated stream")
	}
	pr.Close()

	if _, _, err := p.Next(); err == nil || err == io.EOF {
		t.Errorf("expected recorded decode error, got %v", err)
	}
}

// TestCloseMidMemberJoins verifies Close unblocks a producer mid-member
// and returns promptly.
func TestCloseMidMemberJoins(t *testing.T) {
	members := []struct{ name, body string }{
		{"big.txt", strings.Repeat("y", 512*1024)},
	}
	p, err := NewPipeline(bytes.NewReader(tarBytes(t, members)), "big.tar", nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	pr, _, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	io.ReadFull(pr, make([]byte, 10)) // leave the producer mid-stream

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not join the producer goroutine")
	}
}

func mapsKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// TestMemberByteFilterGatesOnLeadingBytes verifies a byte filter sees
// each surviving member's head before any pipe exists and can veto it.
func TestMemberByteFilterGatesOnLeadingBytes(t *testing.T) {
	members := []struct{ name, body string }{
		{"tool.bin", "\x7fELF\x02\x01\x01" + strings.Repeat("\x00", 64)},
		{"main.go", "package main\n"},
		{"lib.so", "\x7fELF\x02\x01\x01junk"},
	}
	gate := func(name string, head []byte) bool {
		return !bytes.HasPrefix(head, []byte("\x7fELF"))
	}

	p, err := NewPipeline(bytes.NewReader(gzipBytes(t, tarBytes(t, members))), "dist.tar.gz", nil, gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	got := drain(t, p)
	if len(got) != 1 {
		t.Fatalf("expected 1 surviving member, got %v", got)
	}
	if got["main.go"] != "package main\n" {
		t.Errorf("surviving member body %q", got["main.go"])
	}
}

// TestMemberByteFilterRunsAfterNameFilter verifies the byte filter only
// sees members the name filter selected.
func TestMemberByteFilterRunsAfterNameFilter(t *testing.T) {
	members := []struct{ name, body string }{
		{"a.go", "package a\n"},
		{"b.bin", "\x00\x01"},
	}
	filter := func(name string) bool { return strings.HasSuffix(name, ".go") }
	var seen []string
	gate := func(name string, head []byte) bool {
		seen = append(seen, name)
		return true
	}

	p, err := NewPipeline(bytes.NewReader(tarBytes(t, members)), "mix.tar", filter, gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	drain(t, p)
	if len(seen) != 1 || seen[0] != "a.go" {
		t.Errorf("gated members %v, want [a.go]", seen)
	}
}

// TestMemberByteFilterGatesPlainStream verifies a rejected non-archive
// stream produces no members at all.
func TestMemberByteFilterGatesPlainStream(t *testing.T) {
	gate := func(name string, head []byte) bool {
		return !bytes.HasPrefix(head, []byte("%PDF"))
	}
	raw := gzipBytes(t, []byte("%PDF-1.7 binary soup\n"))

	p, err := NewPipeline(bytes.NewReader(raw), "doc.pdf.gz", nil, gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	if got := drain(t, p); len(got) != 0 {
		t.Errorf("rejected stream yielded members: %v", got)
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err after rejected stream: %v", err)
	}
}
