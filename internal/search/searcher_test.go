package search

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrison/pargrep/internal/format"
	"github.com/harrison/pargrep/internal/logger"
	"github.com/harrison/pargrep/internal/matcher"
	"github.com/harrison/pargrep/internal/output"
	"github.com/harrison/pargrep/internal/query"
	"github.com/harrison/pargrep/internal/scheduler"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	ctx  *Context
	sync *output.Sync
	dest *lockedBuffer
	s    *Searcher
}

func newFixture(t *testing.T, pattern string, mode output.Mode, maxFiles int64, opts Options) *fixture {
	t.Helper()
	ctx := NewContext(maxFiles)
	dest := &lockedBuffer{}
	sy := output.NewSync(mode, dest, func(error) { ctx.Cancel("write error") })
	ctx.OnCancel(sy.Cancel)

	fmtr, err := format.New("text", format.TextOptions{WithFilename: true, ShowLineNumbers: true})
	if err != nil {
		t.Fatal(err)
	}
	newMat := func() (matcher.Matcher, error) {
		return matcher.Compile(pattern, matcher.Options{})
	}
	log := logger.NewConsole(io.Discard, "pargrep", "error")
	return &fixture{
		ctx:  ctx,
		sync: sy,
		dest: dest,
		s:    NewSearcher(ctx, log, sy, fmtr, newMat, nil, opts),
	}
}

func writeFiles(t *testing.T, contents map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range contents {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// TestOrderedOutputMatchesSubmissionOrder is the end-to-end version of the
// concrete scenario: four files round-robined onto two workers under
// ordered sync, with completion order scrambled by file sizes; output must
// still start with file a's match and follow submission order.
func TestOrderedOutputMatchesSubmissionOrder(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a": "hit in a\n",
		"b": strings.Repeat("filler\n", 20000) + "hit in b\n",
		"c": "hit in c\n",
		"d": "hit in d\n",
	})

	fx := newFixture(t, "hit", output.Ordered, 0, Options{})
	m := scheduler.NewMaster(2, fx.s, nil)
	m.Start()
	for _, name := range []string{"a", "b", "c", "d"} {
		m.Submit(filepath.Join(dir, name))
	}
	m.Shutdown()
	if err := fx.sync.Flush(); err != nil {
		t.Fatal(err)
	}

	out := fx.dest.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d output lines: %q", len(lines), out)
	}
	for i, name := range []string{"a", "b", "c", "d"} {
		if !strings.Contains(lines[i], "hit in "+name) {
			t.Errorf("line %d = %q, want file %s first", i, lines[i], name)
		}
	}
	if !strings.HasPrefix(lines[0], filepath.Join(dir, "a")+":") {
		t.Errorf("output must begin with file a's content, got %q", lines[0])
	}
}

func TestCountOnlyMode(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"three.txt": "x\nx\nx\n",
		"zero.txt":  "nothing here\n",
	})
	fx := newFixture(t, "^x$", output.Ordered, 0, Options{CountOnly: true})

	m := scheduler.NewMaster(1, fx.s, nil)
	m.Start()
	m.Submit(filepath.Join(dir, "three.txt"))
	m.Submit(filepath.Join(dir, "zero.txt"))
	m.Shutdown()
	fx.sync.Flush()

	out := fx.dest.String()
	if !strings.Contains(out, "three.txt:3\n") || !strings.Contains(out, "zero.txt:0\n") {
		t.Errorf("count output %q", out)
	}
}

func TestFilesWithMatchesStopsEarly(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"many.txt": strings.Repeat("hit\n", 100),
	})
	fx := newFixture(t, "hit", output.Unordered, 0, Options{FilesWithMatches: true})

	fx.s.Search(scheduler.Job{Path: filepath.Join(dir, "many.txt"), Slot: 0})
	fx.sync.Flush()

	if got := fx.dest.String(); got != filepath.Join(dir, "many.txt")+"\n" {
		t.Errorf("files-with-matches output %q", got)
	}
	_, _, matches := fx.ctx.Stats()
	if matches != 1 {
		t.Errorf("counted %d matches, want 1 (early stop)", matches)
	}
}

func TestMaxCountPerFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{"f.txt": strings.Repeat("hit\n", 50)})
	fx := newFixture(t, "hit", output.Unordered, 0, Options{MaxCount: 3})

	fx.s.Search(scheduler.Job{Path: filepath.Join(dir, "f.txt"), Slot: 0})
	fx.sync.Flush()

	if got := strings.Count(fx.dest.String(), "hit"); got != 3 {
		t.Errorf("reported %d matches, want 3", got)
	}
}

// TestMaxFilesCancelsRun verifies reaching the matched-file cap cancels
// the search promptly with no deadlock, even with workers mid-queue.
func TestMaxFilesCancelsRun(t *testing.T) {
	contents := map[string]string{}
	for i := 0; i < 40; i++ {
		contents[fmt.Sprintf("f%02d.txt", i)] = "match here\n"
	}
	dir := writeFiles(t, contents)

	fx := newFixture(t, "match", output.Ordered, 2, Options{})
	m := scheduler.NewMaster(4, fx.s, nil)
	m.Start()
	for name := range contents {
		m.Submit(filepath.Join(dir, name))
	}

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown deadlocked after --max-files cancellation")
	}

	if !fx.ctx.Canceled() {
		t.Error("context should be canceled after reaching the cap")
	}
	if reason := fx.ctx.Reason(); !strings.Contains(reason, "max-files") {
		t.Errorf("cancel reason %q", reason)
	}
}

func TestMissingFileWarnsAndContinues(t *testing.T) {
	var diag bytes.Buffer
	fx := newFixture(t, "x", output.Ordered, 0, Options{})
	log := logger.NewConsole(&diag, "pargrep", "warn")
	fx.s.log = log

	fx.s.Search(scheduler.Job{Path: "/nonexistent/file.txt", Slot: 0})
	fx.sync.Flush()

	if !strings.Contains(diag.String(), "cannot open") {
		t.Errorf("diagnostic %q", diag.String())
	}
	if log.Warnings() != 1 {
		t.Errorf("warning count %d", log.Warnings())
	}
	// Slot 0 must still have been released: a successor flushes cleanly.
	buf := output.NewBuffer()
	buf.WriteString("next\n")
	fx.sync.End(1, buf)
	if !strings.Contains(fx.dest.String(), "next") {
		t.Error("slot 0 was not released by the failed job")
	}
}

func TestDecompressedSearch(t *testing.T) {
	dir := t.TempDir()
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	io.WriteString(zw, "plain miss\ncompressed hit\n")
	zw.Close()
	path := filepath.Join(dir, "data.txt.gz")
	if err := os.WriteFile(path, gz.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	fx := newFixture(t, "hit", output.Unordered, 0, Options{Decompress: true})
	fx.s.Search(scheduler.Job{Path: path, Slot: 0})
	fx.sync.Flush()

	out := fx.dest.String()
	if !strings.Contains(out, "compressed hit") {
		t.Errorf("decompressed search output %q", out)
	}
	if !strings.Contains(out, ":2:") {
		t.Errorf("line number missing from %q", out)
	}
}

func TestBooleanQuerySearch(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"log.txt": "error on disk\nerror ignored\nwarning on disk\nclean line\n",
	})

	node, err := query.Parse("error AND NOT ignored")
	if err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, "unused", output.Unordered, 0, Options{})
	if err := fx.s.UseBoolean(query.Normalize(node), false); err != nil {
		t.Fatal(err)
	}

	fx.s.Search(scheduler.Job{Path: filepath.Join(dir, "log.txt"), Slot: 0})
	fx.sync.Flush()

	out := fx.dest.String()
	if !strings.Contains(out, "error on disk") {
		t.Errorf("boolean search missed the matching line: %q", out)
	}
	if strings.Contains(out, "ignored") || strings.Contains(out, "warning") {
		t.Errorf("boolean search selected wrong lines: %q", out)
	}
}

func TestSearchStream(t *testing.T) {
	fx := newFixture(t, "needle", output.Ordered, 0, Options{})
	fx.s.SearchStream(strings.NewReader("hay\nneedle\n"), "(standard input)", 0)
	fx.sync.Flush()

	if !strings.Contains(fx.dest.String(), "(standard input):2:needle") {
		t.Errorf("stream search output %q", fx.dest.String())
	}
}

func TestMmapBoundsRespected(t *testing.T) {
	dir := writeFiles(t, map[string]string{"m.txt": "mmap hit line\n"})
	fx := newFixture(t, "hit", output.Unordered, 0, Options{MmapMin: 1, MmapMax: 1 << 20})

	fx.s.Search(scheduler.Job{Path: filepath.Join(dir, "m.txt"), Slot: 0})
	fx.sync.Flush()

	if !strings.Contains(fx.dest.String(), "mmap hit line") {
		t.Errorf("mmap-path search output %q", fx.dest.String())
	}
}

func TestContextCancelHooksRunOnce(t *testing.T) {
	ctx := NewContext(0)
	var runs int
	ctx.OnCancel(func() { runs++ })
	ctx.Cancel("first")
	ctx.Cancel("second")
	if runs != 1 {
		t.Errorf("hook ran %d times", runs)
	}
	if ctx.Reason() != "first" {
		t.Errorf("reason %q", ctx.Reason())
	}
	ctx.OnCancel(func() { runs++ })
	if runs != 2 {
		t.Error("late hook should run immediately on canceled context")
	}
}
