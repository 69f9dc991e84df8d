// Package scheduler distributes per-file search jobs across a bounded worker
// pool. The master assigns each submitted pathname a monotonically
// increasing slot and hands it round-robin to a worker; idle workers steal
// pending jobs from busier peers. Slots drive the ordered-output discipline,
// so a stolen job is re-inserted preserving ascending slot order and the
// stop sentinel is never stolen.
package scheduler

import (
	"runtime"
	"sync"
	"time"
)

const (
	// MaxWorkers is the hard cap on pool size regardless of CPU count.
	MaxWorkers = 64

	// minStealQueue is the minimum queue length a peer must hold before a
	// thief takes its front job. Stealing from near-empty queues just
	// bounces work around.
	minStealQueue = 3
)

// sentinelSlot marks a stop request. Sentinels are pushed once per worker
// at shutdown and drain behind all real work.
const sentinelSlot = ^uint64(0)

// Job is one file's search task carrying its output-ordering slot.
type Job struct {
	Path string
	Slot uint64
}

func (j Job) sentinel() bool { return j.Slot == sentinelSlot }

// Executor runs the search loop for one job. Implementations must be safe
// for concurrent use; each worker invokes Search for the jobs it drains.
type Executor interface {
	Search(job Job)
}

// PanicLogger receives the recovery message when a job's search panics.
// The panic is confined to that job; the worker continues with the next.
type PanicLogger interface {
	Errorf(format string, args ...interface{})
}

// Master owns the worker pool: an ordered list of workers, a round-robin
// dispatch cursor and the slot counter. Submit is called from a single
// traversal goroutine; Shutdown pushes one sentinel per worker and joins
// them all.
type Master struct {
	workers []*Worker
	cursor  int
	next    uint64
	exec    Executor
	log     PanicLogger
	wg      sync.WaitGroup
}

// NewMaster creates a master with n workers, clamped to [1, MaxWorkers] and
// to the machine's CPU count when n <= 0. The pool does not run until
// Start.
func NewMaster(n int, exec Executor, log PanicLogger) *Master {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	m := &Master{exec: exec, log: log}
	for i := 0; i < n; i++ {
		m.workers = append(m.workers, newWorker(i, m))
	}
	return m
}

// Workers returns the effective pool size.
func (m *Master) Workers() int {
	return len(m.workers)
}

// Start launches every worker goroutine.
func (m *Master) Start() {
	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *Worker) {
			defer m.wg.Done()
			w.run()
		}(w)
	}
}

// Submit assigns the next slot to pathname and enqueues the job on the
// worker under the round-robin cursor. Must be called from one goroutine
// only (the traversal master); slots are therefore assigned in submission
// order.
func (m *Master) Submit(path string) uint64 {
	slot := m.next
	m.next++
	m.workers[m.cursor].push(Job{Path: path, Slot: slot})
	m.cursor = (m.cursor + 1) % len(m.workers)
	return slot
}

// Submitted returns the number of jobs submitted so far.
func (m *Master) Submitted() uint64 {
	return m.next
}

// Shutdown pushes one stop sentinel per worker and joins every worker
// goroutine. Sentinels are re-enqueued behind remaining work by the workers
// themselves, so all real jobs drain before any worker exits.
func (m *Master) Shutdown() {
	for _, w := range m.workers {
		w.push(Job{Slot: sentinelSlot})
	}
	m.wg.Wait()
}

// steal moves the front job of a busier peer into thief's queue. The peer
// is picked by scanning the ring from a time-seeded start, skipping the
// thief; only peers holding at least minStealQueue jobs lose one, and the
// sentinel is never taken. Returns true if a job moved.
func (m *Master) steal(thief *Worker) bool {
	n := len(m.workers)
	if n < 2 {
		return false
	}

	start := int(time.Now().UnixNano()) % n
	if start < 0 {
		start = -start
	}
	for i := 0; i < n; i++ {
		peer := m.workers[(start+i)%n]
		if peer == thief {
			continue
		}
		// Cheap pre-check without the peer's lock.
		if peer.pending.Load() < minStealQueue {
			continue
		}

		peer.mu.Lock()
		if len(peer.queue) < minStealQueue || peer.queue[0].sentinel() {
			peer.mu.Unlock()
			continue
		}
		job := peer.queue[0]
		peer.queue = peer.queue[1:]
		peer.pending.Store(int64(len(peer.queue)))
		peer.mu.Unlock()

		thief.insert(job)
		return true
	}
	return false
}
