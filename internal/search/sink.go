package search

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/harrison/pargrep/internal/output"
)

// sink funnels one job's rendered output toward the synchronizer. Output
// accumulates in a private buffer released under the job's slot; if the
// buffer outgrows the spill threshold the sink acquires the output turn
// and streams directly, which bounds per-job memory for pathological
// match volumes.
type sink struct {
	sync     *output.Sync
	slot     uint64
	buf      *output.Buffer
	direct   bool
	dropped  bool
	finished bool
	matched  bool
}

func newSink(s *output.Sync, slot uint64) *sink {
	return &sink{sync: s, slot: slot, buf: output.NewBuffer()}
}

func (k *sink) Write(p []byte) (int, error) {
	if k.dropped {
		return len(p), nil
	}
	if !k.direct && k.buf.Len()+len(p) > spillThreshold {
		if !k.sync.AcquireTurn(k.slot) {
			// Canceled while waiting for the turn; swallow the rest.
			k.dropped = true
			return len(p), nil
		}
		k.direct = true
		k.buf.WriteTo(k.sync.Writer())
		k.buf.Reset()
	}
	if k.direct {
		return k.sync.Writer().Write(p)
	}
	return k.buf.Write(p)
}

// finish releases the job's slot exactly once on every exit path.
func (k *sink) finish() {
	if k.finished {
		return
	}
	k.finished = true
	switch {
	case k.direct:
		k.sync.ReleaseTurn(k.slot)
	case k.dropped:
		k.sync.End(k.slot, nil)
	default:
		k.sync.End(k.slot, k.buf)
	}
}

// lineReader abstracts line iteration over streams and mapped bytes for
// the Boolean evaluation path.
type lineReader interface {
	// next returns the next line without its terminator; ok=false at end.
	next() (line []byte, ok bool, err error)
}

type streamLineReader struct {
	sc *bufio.Scanner
}

func newStreamLineReader(r io.Reader) lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &streamLineReader{sc: sc}
}

func (l *streamLineReader) next() ([]byte, bool, error) {
	if !l.sc.Scan() {
		return nil, false, l.sc.Err()
	}
	return l.sc.Bytes(), true, nil
}

type bytesLineReader struct {
	data []byte
}

func newBytesLineReader(data []byte) lineReader {
	return &bytesLineReader{data: data}
}

func (l *bytesLineReader) next() ([]byte, bool, error) {
	if len(l.data) == 0 {
		return nil, false, nil
	}
	if i := bytes.IndexByte(l.data, '\n'); i >= 0 {
		line := l.data[:i]
		l.data = l.data[i+1:]
		return line, true, nil
	}
	line := l.data
	l.data = nil
	return line, true, nil
}

// runFilter spawns the configured filter command with the file on stdin
// and returns its stdout for matching. The wait closure must be called
// after the output is drained.
func runFilter(ctx context.Context, argv []string, stdin io.Reader) (io.Reader, func() error, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, cmd.Wait, nil
}
