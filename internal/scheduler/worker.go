package scheduler

import (
	"sync"
	"sync/atomic"
)

// Worker drains a private FIFO job queue. The queue is normally mutated
// only by its owner and the master, but thieves may take its front element
// under the queue mutex, so the mutex guards every queue access. pending
// mirrors the queue length so thieves can scan peers without locking them.
type Worker struct {
	id      int
	master  *Master
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	pending atomic.Int64
}

func newWorker(id int, master *Master) *Worker {
	w := &Worker{id: id, master: master}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// push appends a job at the tail and wakes the worker. Real jobs arrive in
// ascending slot order from the master; the sentinel always sits at the
// tail.
func (w *Worker) push(job Job) {
	w.mu.Lock()
	w.queue = append(w.queue, job)
	w.pending.Store(int64(len(w.queue)))
	w.mu.Unlock()
	w.cond.Signal()
}

// insert adds a stolen job preserving ascending slot order among the real
// jobs, ahead of any sentinel. Keeping slots ascending means a worker
// holding several jobs processes them in submission order, which bounds
// how long ordered-mode successors wait.
func (w *Worker) insert(job Job) {
	w.mu.Lock()
	pos := len(w.queue)
	for pos > 0 {
		prev := w.queue[pos-1]
		if !prev.sentinel() && prev.Slot <= job.Slot {
			break
		}
		pos--
	}
	w.queue = append(w.queue, Job{})
	copy(w.queue[pos+1:], w.queue[pos:])
	w.queue[pos] = job
	w.pending.Store(int64(len(w.queue)))
	w.mu.Unlock()
	w.cond.Signal()
}

// run is the worker loop: block until a job is available, drain real work,
// and exit only when the sentinel is the last job left. A sentinel seen
// while real jobs remain is re-enqueued at the tail so work always drains
// before shutdown. After finishing a job with a near-empty queue the
// worker attempts to steal from a peer.
func (w *Worker) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		job := w.queue[0]
		w.queue = w.queue[1:]

		if job.sentinel() {
			if len(w.queue) > 0 {
				w.queue = append(w.queue, job)
				w.pending.Store(int64(len(w.queue)))
				w.mu.Unlock()
				continue
			}
			w.pending.Store(0)
			w.mu.Unlock()
			return
		}

		remaining := len(w.queue)
		w.pending.Store(int64(remaining))
		w.mu.Unlock()

		w.execute(job)

		if remaining <= 1 {
			w.master.steal(w)
		}
	}
}

// execute runs one job's search, confining any panic to that job so one
// bad file never takes down the pool.
func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			if w.master.log != nil {
				w.master.log.Errorf("worker %d: panic searching %s: %v", w.id, job.Path, r)
			}
		}
	}()
	w.master.exec.Search(job)
}
