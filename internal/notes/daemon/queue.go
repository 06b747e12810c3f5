package daemon

import (
	"sync"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

// JobKind distinguishes the work items processed by the daemon.
type JobKind int

const (
	// JobFlow runs one sync flow.
	JobFlow JobKind = iota + 1
	// JobSyncAll runs every flow.
	JobSyncAll
	// JobDrainDeferred runs every flow with a pending deferred-run request.
	JobDrainDeferred
	// JobRealtime applies one realtime event.
	JobRealtime
)

// String returns a human-readable representation of the job kind.
func (k JobKind) String() string {
	switch k {
	case JobFlow:
		return "flow"
	case JobSyncAll:
		return "sync-all"
	case JobDrainDeferred:
		return "drain-deferred"
	case JobRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// Job is one unit of work on the daemon queue.
type Job struct {
	Kind   JobKind
	Flow   notesync.Flow
	Event  realtime.Event
	Reason string
}

// key identifies jobs that coalesce while queued. Realtime events never do.
func (j Job) key() string {
	switch j.Kind {
	case JobFlow:
		return "flow:" + string(j.Flow)
	case JobSyncAll, JobDrainDeferred:
		return j.Kind.String()
	default:
		return ""
	}
}

// jobQueue is a thread-safe FIFO of jobs feeding the daemon's single worker.
//
// Producers (realtime subscription, ticker, connectivity changes, Notify)
// enqueue from any goroutine; only the worker dequeues, so every mutation of
// the replica made by the daemon happens in queue order.
//
// A flow or sweep job that is already waiting absorbs an identical one.
// Realtime events are kept in arrival order without coalescing.
type jobQueue struct {
	mu      sync.Mutex
	jobs    []Job
	waiting map[string]bool
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:    make([]Job, 0, 64),
		waiting: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed or an identical job is already waiting.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if k := j.key(); k != "" {
		if q.waiting[k] {
			return false
		}
		q.waiting[k] = true
	}

	q.jobs = append(q.jobs, j)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}

	j := q.jobs[0]
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}

	if k := j.key(); k != "" {
		delete(q.waiting, k)
	}
	return j, true
}

// Wait returns a channel that signals when jobs may be available.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes the worker.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
