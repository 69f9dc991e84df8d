// Package search drives the per-file match/report loop that the scheduler
// executes for every job. A Searcher owns the shared pieces (context,
// output sync, formatter, diagnostics); each job binds a fresh matcher to
// the file's bytes, pulls matches, renders them through the formatter and
// releases the rendered segment through the output synchronizer under the
// job's slot.
package search

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/harrison/pargrep/internal/decompress"
	"github.com/harrison/pargrep/internal/format"
	"github.com/harrison/pargrep/internal/logger"
	"github.com/harrison/pargrep/internal/matcher"
	"github.com/harrison/pargrep/internal/output"
	"github.com/harrison/pargrep/internal/query"
	"github.com/harrison/pargrep/internal/scheduler"
)

// spillThreshold is the buffered-output size past which a worker stops
// buffering privately and streams directly under its output turn.
const spillThreshold = 4 * 1024 * 1024

// Options tune one search invocation.
type Options struct {
	// Decompress routes every file through the decompression/archive
	// pipeline (-z).
	Decompress bool
	// ByteFilter gates decoded members on their leading bytes before a
	// pipe is opened for them (-z with -M). Nil accepts every member.
	ByteFilter decompress.MemberByteFilter
	// CountOnly emits one per-file match count instead of matches (-c).
	CountOnly bool
	// FilesWithMatches emits only names of matching files (-l).
	FilesWithMatches bool
	// MaxCount caps matches reported per file, 0 = unlimited (-m).
	MaxCount int64

	// MmapMin/MmapMax bound the plain-file sizes eligible for
	// memory-mapped zero-copy reads. A zero MmapMax disables mmap.
	MmapMin int64
	MmapMax int64

	// Filter, when non-empty, is an external command (argv) each plain
	// file is piped through before matching.
	Filter []string
}

// Searcher implements scheduler.Executor.
type Searcher struct {
	ctx    *Context
	log    *logger.Console
	sync   *output.Sync
	fmtr   format.Formatter
	opts   Options
	newMat func() (matcher.Matcher, error)
	member decompress.MemberFilter
	bool_  []boolClause // non-nil in Boolean query mode

	// FileDone, when set, observes each completed file and whether it
	// matched. The index cache uses it to record skip candidates.
	FileDone func(path string, matched bool)
}

// boolClause is one compiled CNF clause.
type boolClause struct {
	pos []*regexp.Regexp
	neg []*regexp.Regexp
}

// NewSearcher wires a searcher. newMat produces one matcher per job, so
// matcher state never crosses workers. memberFilter may be nil.
func NewSearcher(ctx *Context, log *logger.Console, sync *output.Sync,
	fmtr format.Formatter, newMat func() (matcher.Matcher, error),
	memberFilter decompress.MemberFilter, opts Options) *Searcher {
	return &Searcher{
		ctx:    ctx,
		log:    log,
		sync:   sync,
		fmtr:   fmtr,
		opts:   opts,
		newMat: newMat,
		member: memberFilter,
	}
}

// UseBoolean switches the searcher to CNF clause evaluation: a line is
// selected when every clause holds. The matcher factory is still used to
// validate per-clause syntax indirectly; clause patterns are compiled
// here.
func (s *Searcher) UseBoolean(clauses []query.Clause, ignoreCase bool) error {
	for _, clause := range clauses {
		var bc boolClause
		for _, lit := range clause {
			expr := lit.Pattern
			if ignoreCase {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("invalid pattern %q in query: %w", lit.Pattern, err)
			}
			if lit.Negated {
				bc.neg = append(bc.neg, re)
			} else {
				bc.pos = append(bc.pos, re)
			}
		}
		s.bool_ = append(s.bool_, bc)
	}
	return nil
}

// Search runs one job end to end. Per-file failures warn and return; only
// the shared context can stop the whole run. The output slot is always
// released exactly once, on every exit path including panics unwinding
// through the worker's recovery.
func (s *Searcher) Search(job scheduler.Job) {
	k := newSink(s.sync, job.Slot)
	defer k.finish()

	if s.ctx.Canceled() {
		return
	}

	f, err := os.Open(job.Path)
	if err != nil {
		s.log.Warnf("cannot open %s: %v", job.Path, err)
		return
	}
	defer f.Close()
	s.ctx.CountSearched()

	if s.opts.Decompress {
		s.searchPipeline(f, job.Path, k)
	} else {
		s.searchPlain(f, job.Path, k)
	}
	if s.FileDone != nil && !s.ctx.Canceled() {
		s.FileDone(job.Path, k.matched)
	}
}

// SearchStream searches a non-seekable stream such as stdin under a fixed
// slot, outside the scheduler.
func (s *Searcher) SearchStream(r io.Reader, label string, slot uint64) {
	k := newSink(s.sync, slot)
	defer k.finish()
	s.ctx.CountSearched()
	s.searchReader(r, label, "", k)
}

// searchPlain handles an uncompressed file: optionally piped through the
// external filter command, memory-mapped when within bounds, streamed
// otherwise.
func (s *Searcher) searchPlain(f *os.File, path string, k *sink) {
	if len(s.opts.Filter) > 0 {
		out, wait, err := runFilter(s.ctx.Ctx(), s.opts.Filter, f)
		if err != nil {
			s.log.Warnf("filter failed for %s: %v", path, err)
			return
		}
		s.searchReader(out, path, "", k)
		if err := wait(); err != nil {
			s.log.Warnf("filter %s: %v", path, err)
		}
		return
	}

	if s.opts.MmapMax > 0 {
		if info, err := f.Stat(); err == nil {
			size := info.Size()
			if size >= s.opts.MmapMin && size <= s.opts.MmapMax && size > 0 {
				if data, err := mapFile(f, size); err == nil {
					defer unmapFile(data)
					s.searchBytes(data, path, "", k)
					return
				}
			}
		}
	}
	s.searchReader(f, path, "", k)
}

// searchPipeline routes one file through the decompression/archive
// pipeline, searching each selected member through its own pipe.
func (s *Searcher) searchPipeline(f *os.File, path string, k *sink) {
	p, err := decompress.NewPipeline(f, path, s.member, s.opts.ByteFilter)
	if err != nil {
		s.log.Warnf("%s: %v", path, err)
		return
	}
	defer p.Close()

	for {
		if s.ctx.Canceled() {
			return
		}
		pr, member, err := p.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.log.Warnf("%s: %v", path, err)
			return
		}
		s.searchReader(pr, path, member, k)
		pr.CloseWithError(decompress.ErrAbandoned)
	}
}

// searchBytes is the zero-copy variant for memory-mapped files.
func (s *Searcher) searchBytes(data []byte, path, member string, k *sink) {
	if s.bool_ != nil {
		s.searchBoolean(newBytesLineReader(data), path, member, k)
		return
	}
	m, err := s.newMat()
	if err != nil {
		s.log.Warnf("%s: %v", path, err)
		return
	}
	m.BindBytes(data)
	s.drive(m, path, member, k)
}

func (s *Searcher) searchReader(r io.Reader, path, member string, k *sink) {
	if s.bool_ != nil {
		s.searchBoolean(newStreamLineReader(r), path, member, k)
		return
	}
	m, err := s.newMat()
	if err != nil {
		s.log.Warnf("%s: %v", path, err)
		return
	}
	m.Bind(r)
	s.drive(m, path, member, k)
}

// drive is the find/report loop: pull matches until exhaustion, a per-file
// cap, or cancellation.
func (s *Searcher) drive(m matcher.Matcher, path, member string, k *sink) {
	var count int64
	for {
		if s.ctx.Canceled() {
			break
		}
		match, ok, err := m.Find()
		if err != nil {
			s.log.Warnf("reading %s: %v", displayName(path, member), err)
			break
		}
		if !ok {
			break
		}

		count++
		s.ctx.CountMatch()
		if !s.opts.CountOnly && !s.opts.FilesWithMatches {
			s.report(k, format.Record{
				Path:     path,
				Member:   member,
				Line:     match.Line,
				Column:   match.Column,
				Offset:   match.First,
				Text:     string(match.Text),
				LineText: string(match.LineText),
			})
		}
		if s.opts.FilesWithMatches {
			break
		}
		if s.opts.MaxCount > 0 && count >= s.opts.MaxCount {
			break
		}
	}
	s.tally(path, member, count, k)
}

// searchBoolean evaluates the CNF clause list line by line.
func (s *Searcher) searchBoolean(lines lineReader, path, member string, k *sink) {
	var count int64
	lineno := 0
	var offset int64
	for {
		if s.ctx.Canceled() {
			break
		}
		line, ok, err := lines.next()
		if err != nil {
			s.log.Warnf("reading %s: %v", displayName(path, member), err)
			break
		}
		if !ok {
			break
		}
		lineno++

		if s.clausesHold(line) {
			count++
			s.ctx.CountMatch()
			if !s.opts.CountOnly && !s.opts.FilesWithMatches {
				s.report(k, format.Record{
					Path:     path,
					Member:   member,
					Line:     lineno,
					Column:   1,
					Offset:   offset,
					Text:     string(line),
					LineText: string(line),
				})
			}
			if s.opts.FilesWithMatches {
				break
			}
			if s.opts.MaxCount > 0 && count >= s.opts.MaxCount {
				break
			}
		}
		offset += int64(len(line)) + 1
	}
	s.tally(path, member, count, k)
}

func (s *Searcher) clausesHold(line []byte) bool {
	for _, clause := range s.bool_ {
		holds := false
		for _, re := range clause.pos {
			if re.Match(line) {
				holds = true
				break
			}
		}
		if !holds {
			for _, re := range clause.neg {
				if !re.Match(line) {
					holds = true
					break
				}
			}
		}
		if !holds {
			return false
		}
	}
	return true
}

// tally finishes one (file, member) search: count/name summaries and the
// matched-file accounting that enforces --max-files.
func (s *Searcher) tally(path, member string, count int64, k *sink) {
	display := displayName(path, member)
	if s.opts.CountOnly {
		if err := s.fmtr.FileCount(k, display, count); err != nil {
			s.log.Warnf("formatting %s: %v", display, err)
		}
	}
	if count == 0 {
		return
	}
	if s.opts.FilesWithMatches {
		if err := s.fmtr.FileName(k, display); err != nil {
			s.log.Warnf("formatting %s: %v", display, err)
		}
	}
	k.matched = true
	s.ctx.CountMatchedFile()
}

func (s *Searcher) report(k *sink, r format.Record) {
	if err := s.fmtr.Match(k, r); err != nil {
		s.log.Warnf("formatting %s: %v", r.Display(), err)
	}
}

func displayName(path, member string) string {
	if member != "" {
		return path + "{" + member + "}"
	}
	return path
}
