package output

import (
	"io"
	"sort"
	"sync"
)

// Mode selects the output discipline shared by all workers.
type Mode int

const (
	// Unordered releases each job's bytes as soon as the job completes.
	// No cross-job order is guaranteed, but a single job's bytes are
	// still written in one critical section, never split.
	Unordered Mode = iota

	// Ordered releases bytes strictly by submission slot: slot N reaches
	// the destination only after every slot < N has been flushed,
	// regardless of completion order.
	Ordered
)

// Sync coordinates concurrent writers against one destination.
//
// In ordered mode each job renders into a private Buffer and submits it via
// End; if the job's slot is not yet current the buffer is parked and the
// worker moves on without blocking. When the current slot's buffer arrives,
// Sync drains every consecutive parked successor in one pass. Workers that
// must stream directly (output too large to buffer) use AcquireTurn, which
// blocks until their slot is current or the sync is canceled.
type Sync struct {
	mode Mode
	dest io.Writer

	mu      sync.Mutex
	turn    *sync.Cond
	current uint64             // next slot allowed to reach dest (ordered mode)
	parked  map[uint64]*Buffer // completed out-of-turn buffers
	stopped bool
	err     error
	onError func(error) // invoked once on destination write failure
}

// NewSync creates a Sync writing to dest. onError, if non-nil, is called at
// most once when a destination write fails; callers use it to trigger
// global cancellation.
func NewSync(mode Mode, dest io.Writer, onError func(error)) *Sync {
	s := &Sync{
		mode:    mode,
		dest:    dest,
		parked:  make(map[uint64]*Buffer),
		onError: onError,
	}
	s.turn = sync.NewCond(&s.mu)
	return s
}

// Mode returns the configured output discipline.
func (s *Sync) Mode() Mode {
	return s.mode
}

// End submits the completed output for slot. buf may be nil or empty for a
// job that produced no output; in ordered mode the slot still advances the
// turn. End never blocks: an out-of-turn buffer is parked and flushed later
// by whichever worker completes the missing predecessor.
func (s *Sync) End(slot uint64, buf *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if s.mode == Unordered {
		s.writeLocked(buf)
		return
	}

	if slot != s.current {
		if buf == nil {
			buf = NewBuffer()
		}
		s.parked[slot] = buf
		return
	}

	s.writeLocked(buf)
	s.advanceLocked()
}

// advanceLocked moves current past the just-flushed slot and drains every
// consecutive parked successor. Caller holds s.mu.
func (s *Sync) advanceLocked() {
	s.current++
	for {
		next, ok := s.parked[s.current]
		if !ok {
			break
		}
		delete(s.parked, s.current)
		s.writeLocked(next)
		if s.stopped {
			return
		}
		s.current++
	}
	s.turn.Broadcast()
}

// AcquireTurn blocks until slot is current (ordered mode) or the sync has
// been canceled. It returns true with the sync lock held when the caller
// may stream directly to Writer; pair with ReleaseTurn. A false return
// means the sync was canceled and the lock is not held.
//
// In unordered mode AcquireTurn degenerates to locking the shared mutex,
// so any worker may stream as soon as it holds the lock.
func (s *Sync) AcquireTurn(slot uint64) bool {
	s.mu.Lock()
	if s.mode == Ordered {
		for !s.stopped && s.current != slot {
			s.turn.Wait()
		}
	}
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	return true
}

// ReleaseTurn ends a direct-streaming section started by AcquireTurn,
// advancing the turn in ordered mode and releasing the lock.
func (s *Sync) ReleaseTurn(slot uint64) {
	if s.mode == Ordered && !s.stopped && s.current == slot {
		s.advanceLocked()
	}
	s.mu.Unlock()
}

// Writer returns the destination for use inside an AcquireTurn section.
func (s *Sync) Writer() io.Writer {
	return &syncWriter{s: s}
}

type syncWriter struct {
	s *Sync
}

// Write forwards to the destination, recording any failure. Caller must
// hold the sync lock via AcquireTurn.
func (w *syncWriter) Write(p []byte) (int, error) {
	n, err := w.s.dest.Write(p)
	if err != nil {
		w.s.failLocked(err)
	}
	return n, err
}

// Cancel marks the turn counter as stopped and wakes every waiter, so that
// a worker blocked on a turn that will never come unwinds promptly. Parked
// buffers are discarded.
func (s *Sync) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.parked = make(map[uint64]*Buffer)
	s.turn.Broadcast()
}

// Flush writes any parked buffers in ascending slot order. Called once
// after every worker has been joined, when slot gaps can no longer fill.
func (s *Sync) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]uint64, 0, len(s.parked))
	for slot := range s.parked {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	for _, slot := range slots {
		s.writeLocked(s.parked[slot])
		delete(s.parked, slot)
	}
	return s.err
}

// Err returns the first destination write error, if any.
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// writeLocked flushes buf contiguously to the destination. Caller holds
// s.mu, so no other job's bytes can interleave. A write failure stops the
// sync and reports through onError exactly once.
func (s *Sync) writeLocked(buf *Buffer) {
	if buf == nil || buf.Len() == 0 {
		return
	}
	if _, err := buf.WriteTo(s.dest); err != nil {
		s.failLocked(err)
	}
}

func (s *Sync) failLocked(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.stopped = true
	s.parked = make(map[uint64]*Buffer)
	s.turn.Broadcast()
	if s.onError != nil {
		// Run outside the lock: the handler typically triggers global
		// cancellation, which may call back into Cancel.
		handler := s.onError
		s.onError = nil
		go handler(err)
	}
}
