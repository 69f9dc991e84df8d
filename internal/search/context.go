package search

import (
	"context"
	"sync"
	"sync/atomic"
)

// Context is the process-wide handle for one search invocation. It replaces
// file-scope globals: cancellation state, the match/file counters and the
// --max-files limit all live here, and a single Context is constructed once
// and passed by reference into the scheduler, every worker and every
// decompression goroutine.
//
// Cancellation is cooperative: a single atomic flag is polled at bounded
// intervals in every loop (per match, per line, per directory entry, per
// archive member). Cancel hooks registered via OnCancel run exactly once and
// are used to release threads blocked on condition variables, such as a
// worker awaiting its ordered-output turn.
type Context struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	flag     atomic.Bool
	once     sync.Once

	hookMu sync.Mutex
	hooks  []func()
	reason string

	maxFiles     int64
	matchedFiles atomic.Int64
	matches      atomic.Int64
	searched     atomic.Int64
}

// NewContext creates a search context. maxFiles > 0 caps the number of
// matching files; reaching the cap cancels the whole search.
func NewContext(maxFiles int64) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		ctx:      ctx,
		cancelFn: cancel,
		maxFiles: maxFiles,
	}
}

// Cancel requests cooperative shutdown of the whole search. The first call
// records the reason, sets the shared flag, cancels the derived
// context.Context and runs every registered hook; later calls are no-ops.
func (c *Context) Cancel(reason string) {
	c.once.Do(func() {
		c.hookMu.Lock()
		c.reason = reason
		hooks := make([]func(), len(c.hooks))
		copy(hooks, c.hooks)
		c.hookMu.Unlock()

		c.flag.Store(true)
		c.cancelFn()
		for _, hook := range hooks {
			hook()
		}
	})
}

// Canceled reports whether cancellation has been requested. This is the
// cheap poll used inside hot loops.
func (c *Context) Canceled() bool {
	return c.flag.Load()
}

// Reason returns the recorded cancellation reason, or "" if none.
func (c *Context) Reason() string {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.reason
}

// Ctx returns the derived context.Context for callees that block on
// channel-based or I/O-based waits.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// OnCancel registers a hook to run when the context is canceled. If the
// context is already canceled the hook runs immediately.
func (c *Context) OnCancel(hook func()) {
	c.hookMu.Lock()
	c.hooks = append(c.hooks, hook)
	c.hookMu.Unlock()

	if c.Canceled() {
		hook()
	}
}

// CountMatch records one reported match.
func (c *Context) CountMatch() {
	c.matches.Add(1)
}

// CountSearched records one file whose search loop ran to completion or
// was abandoned after opening.
func (c *Context) CountSearched() {
	c.searched.Add(1)
}

// CountMatchedFile records a file with at least one match and enforces the
// --max-files cap: when the cap is reached the whole search is canceled.
func (c *Context) CountMatchedFile() {
	n := c.matchedFiles.Add(1)
	if c.maxFiles > 0 && n >= c.maxFiles {
		c.Cancel("--max-files limit reached")
	}
}

// Stats returns (files searched, files matched, total matches).
func (c *Context) Stats() (int64, int64, int64) {
	return c.searched.Load(), c.matchedFiles.Load(), c.matches.Load()
}

// AnyMatch reports whether at least one match was found, which decides the
// process exit status.
func (c *Context) AnyMatch() bool {
	return c.matches.Load() > 0
}
