package decompress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harrison/pargrep/internal/archive"
)

// Pipeline state machine per file:
//
//	IDLE -> DECOMPRESSING -> {PLAIN_STREAM | ARCHIVE_SCANNING}
//
// within ARCHIVE_SCANNING each selected member cycles
// STREAMING_MEMBER <-> WAIT_FOR_NEW_PIPE, terminating in DONE; any state
// may be cut short by Close (external cancellation) or a decode error.
type state int

const (
	stateScanning  state = iota // producer parsing headers or idle
	stateReady                  // member announced, waiting for a pipe
	stateStreaming              // member body flowing through the pipe
	stateDone                   // no more members
)

// ErrAbandoned is the error a consumer passes to the member reader's
// CloseWithError when it stops caring about the rest of the body. The
// producer treats it as a skip, not a failure.
var ErrAbandoned = errors.New("decompress: member abandoned by consumer")

// MemberFilter decides whether an archive member is worth opening a pipe
// for. Filtered-out members and directories are skipped with zero pipe
// allocation.
type MemberFilter func(name string) bool

// MemberByteFilter inspects the leading bytes of a member that survived
// the name filter, before any pipe is opened for it. head holds up to
// memberHeadLen bytes (less near end of stream). Returning false skips
// the member.
type MemberByteFilter func(name string, head []byte) bool

// memberHeadLen bounds how much of a member body a byte filter may see.
// It fits within the scanner's buffered lookahead.
const memberHeadLen = 512

// Pipeline owns the background goroutine that decodes one (possibly
// multi-member) file. The consumer repeatedly calls Next to receive a
// fresh pipe carrying the next selected member body; the producer blocks
// between members until the consumer asks, which bounds memory to one
// in-flight member and makes the consumer the pacing authority.
//
// Contract: the consumer must fully read or CloseWithError the reader
// returned by Next before calling Next again, and must call Close exactly
// once when done; Close joins the producer goroutine, so no pipe or
// decoder state outlives the pipeline.
type Pipeline struct {
	path     string
	decoder  io.ReadCloser
	filter   MemberFilter
	byteGate MemberByteFilter

	mu     sync.Mutex
	cond   *sync.Cond
	state  state
	member string // current member name, shared with the consumer under mu
	pw     *io.PipeWriter
	pr     *io.PipeReader
	quit   bool
	err    error // decode failure, reported by Next after DONE

	wg sync.WaitGroup
}

// NewPipeline probes src for a compression signature (and, after decoding,
// for a tar/cpio signature) and starts the producer goroutine. path is
// used for suffix-based codec fallback and diagnostics. filter may be nil
// to select every member; byteGate may be nil to accept every selected
// member without reading its head.
func NewPipeline(src io.Reader, path string, filter MemberFilter, byteGate MemberByteFilter) (*Pipeline, error) {
	br := bufio.NewReaderSize(src, 4096)
	probe, err := br.Peek(archive.DetectLen)
	if err != nil && len(probe) == 0 && err != io.EOF {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	decoder, err := NewReader(br, Detect(probe, path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	p := &Pipeline{path: path, decoder: decoder, filter: filter, byteGate: byteGate}
	p.cond = sync.NewCond(&p.mu)

	// Probe the decoded stream for an archive signature. Decode errors in
	// the very first block surface here rather than in the producer.
	decoded := bufio.NewReaderSize(decoder, 2*archive.DetectLen)
	inner, perr := decoded.Peek(archive.DetectLen)
	if perr != nil && len(inner) == 0 && perr != io.EOF {
		decoder.Close()
		return nil, fmt.Errorf("decode %s: %w", path, perr)
	}

	p.wg.Add(1)
	if format := archive.Detect(inner); format != archive.FormatNone {
		go p.runArchive(decoded, format)
	} else {
		go p.runPlain(decoded)
	}
	return p, nil
}

// Next blocks until the producer announces the next selected member, then
// hands it a fresh pipe and returns the read end plus the member name (""
// for a plain stream). It returns io.EOF when the file is exhausted and
// the recorded decode error, if any, after the producer stops.
func (p *Pipeline) Next() (*io.PipeReader, string, error) {
	p.mu.Lock()
	for p.state != stateReady && p.state != stateDone {
		p.cond.Wait()
	}
	if p.state == stateDone {
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return nil, "", err
		}
		return nil, "", io.EOF
	}

	pr, pw := io.Pipe()
	p.pr, p.pw = pr, pw
	name := p.member
	p.state = stateStreaming
	p.cond.Broadcast()
	p.mu.Unlock()
	return pr, name, nil
}

// Close requests producer shutdown, unblocks it wherever it waits, and
// joins the goroutine before releasing the decoder. Safe to call after a
// partial consumption of any member.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.quit = true
	pr := p.pr
	p.cond.Broadcast()
	p.mu.Unlock()

	if pr != nil {
		// Unblocks a producer stuck writing into the current pipe.
		pr.CloseWithError(ErrAbandoned)
	}
	p.wg.Wait()
	return p.decoder.Close()
}

// Err returns the decode error recorded by the producer, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// announce publishes the next member name and waits for the consumer to
// provide a pipe. Returns nil when the pipeline is shutting down instead.
func (p *Pipeline) announce(name string) *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit {
		return nil
	}
	p.member = name
	p.state = stateReady
	p.cond.Broadcast()
	for p.state == stateReady && !p.quit {
		p.cond.Wait()
	}
	if p.quit {
		return nil
	}
	return p.pw
}

// memberDone parks the producer between members.
func (p *Pipeline) memberDone() {
	p.mu.Lock()
	p.pw = nil
	p.state = stateScanning
	p.mu.Unlock()
}

// finish records a terminal decode error (if any) and wakes the consumer.
func (p *Pipeline) finish(err error) {
	p.mu.Lock()
	if err != nil && p.err == nil {
		p.err = err
	}
	p.state = stateDone
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) quitting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quit
}

// runPlain forwards a non-archive decoded stream as a single unnamed
// member.
func (p *Pipeline) runPlain(decoded *bufio.Reader) {
	defer p.wg.Done()

	if p.byteGate != nil {
		head, _ := decoded.Peek(memberHeadLen)
		if !p.byteGate("", head) {
			p.finish(nil)
			return
		}
	}

	pw := p.announce("")
	if pw == nil {
		p.finish(nil)
		return
	}
	readErr, _ := copyBody(pw, decoded)
	pw.CloseWithError(readErr)
	p.memberDone()
	p.finish(readErr)
}

// runArchive structurally parses the decoded stream, streaming one
// selected member body per pipe. A malformed header ends structural
// parsing: the remaining bytes, starting at the bad header, are streamed
// raw as a final unnamed member.
func (p *Pipeline) runArchive(decoded *bufio.Reader, format archive.Format) {
	defer p.wg.Done()

	sc := archive.NewScanner(decoded, format)
	for !p.quitting() {
		m, err := sc.Next()
		if err == io.EOF {
			p.finish(nil)
			return
		}
		if errors.Is(err, archive.ErrFormat) {
			p.fallbackRaw(sc)
			return
		}
		if err != nil {
			p.finish(fmt.Errorf("%s: %w", p.path, err))
			return
		}

		if !m.Regular {
			continue
		}
		if p.filter != nil && !p.filter(m.Name) {
			continue
		}
		if p.byteGate != nil {
			head, herr := sc.PeekBody(memberHeadLen)
			if herr != nil {
				p.finish(fmt.Errorf("%s: member %s: %w", p.path, m.Name, herr))
				return
			}
			if !p.byteGate(m.Name, head) {
				continue
			}
		}

		pw := p.announce(m.Name)
		if pw == nil {
			break
		}
		readErr, writeErr := copyBody(pw, sc.Body())
		pw.CloseWithError(readErr)
		p.memberDone()
		if readErr != nil {
			// Body cut short by stream corruption; no further headers
			// can be trusted.
			p.finish(fmt.Errorf("%s: member %s: %w", p.path, m.Name, readErr))
			return
		}
		// A write error means the consumer abandoned the member; the
		// scanner discards the unread remainder on the next iteration.
		_ = writeErr
	}
	p.finish(nil)
}

// fallbackRaw streams everything the scanner has not consumed as one raw
// member, per the malformed-header recovery policy.
func (p *Pipeline) fallbackRaw(sc *archive.Scanner) {
	pw := p.announce("")
	if pw == nil {
		p.finish(nil)
		return
	}
	readErr, _ := copyBody(pw, sc.Raw())
	pw.CloseWithError(readErr)
	p.memberDone()
	p.finish(readErr)
}

// copyBody copies src into dst, distinguishing read-side failures (decode
// corruption) from write-side failures (consumer closed the pipe).
func copyBody(dst io.Writer, src io.Reader) (readErr, writeErr error) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			return nil, nil
		}
		if rerr != nil {
			return rerr, nil
		}
	}
}
