// Package queue implements Fisher's priority queue and per-script
// serialization lock (spec.md §4.4). Ordering is grounded on Go's
// container/heap (no suitable third-party priority-queue library appears
// anywhere in the retrieval pack; see DESIGN.md), and the per-script
// "currently running" bookkeeping generalizes
// _examples/egv-yolo-runner/internal/scheduler/lock.go's TaskLock from a
// boolean try-lock into the blocking "wait until runnable" operation
// spec.md §4.4 requires.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"net"
	"sync"
)

// ErrDraining is returned by Enqueue once Drain has been called: the queue
// refuses further work while shutting down (spec.md §4.4).
var ErrDraining = errors.New("queue: draining, refusing new jobs")

// ErrDrained is returned by PopRunnable once the queue has been told to
// drain and every queued job has been dispatched.
var ErrDrained = errors.New("queue: drained")

// Provenance records why a job was created: either a webhook delivery
// that a provider accepted, or a status job synthesized from another
// job's outcome (spec.md §3).
type Provenance struct {
	Kind          string // "webhook" or "status"
	ProviderName  string // set when Kind == "webhook"
	ParentOutcome string // set when Kind == "status": "job-completed" or "job-failed"
	ParentRef     string // set when Kind == "status": opaque key for the parent outcome's captured files
}

// Job is a scheduled unit of work, per spec.md §3. Parallel is cached from
// the owning descriptor at enqueue time, same as Priority, so that the
// queue's non-parallel skip rule never needs to consult the registry
// snapshot a job was bound against.
type Job struct {
	ID              int64
	Seq             int64
	ScriptName      string
	ExecPath        string
	Env             map[string]string
	RequestBodyPath string
	SourceIP        net.IP
	Priority        int
	Parallel        bool
	Provenance      Provenance
}

type pqItem struct {
	job   Job
	index int
}

// priorityHeap orders by (priority desc, seq asc): heap.Pop always returns
// the highest-priority, earliest-arrived job.
type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.Seq < h[j].job.Seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is Fisher's thread-safe priority queue with per-script
// serialization. The zero value is not usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   priorityHeap
	running map[string]bool // non-parallel script name -> currently executing
	busy    int
	nextSeq int64
	draining bool
}

func New() *Queue {
	q := &Queue{running: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NextSeq returns the next arrival sequence number, used by callers to
// stamp a Job before Enqueue. Monotonic for the process lifetime.
func (q *Queue) NextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	return q.nextSeq
}

// Enqueue inserts job ordered by (priority desc, seq asc). Fails once the
// queue has started draining.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return ErrDraining
	}
	heap.Push(&q.items, &pqItem{job: job})
	q.cond.Broadcast()
	return nil
}

// PopRunnable blocks until a job exists whose script is either parallel or
// not currently running, and returns the highest-priority, earliest such
// job. If the script is non-parallel, it is marked running until MarkDone
// is called. Returns ErrDrained if the queue has drained with nothing
// left to dispatch, or ctx.Err() if ctx is canceled first.
func (q *Queue) PopRunnable(ctx context.Context) (Job, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if job, ok := q.popRunnableLocked(); ok {
			q.cond.Broadcast()
			return job, nil
		}
		if q.draining && q.items.Len() == 0 {
			return Job{}, ErrDrained
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		q.cond.Wait()
	}
}

// popRunnableLocked scans the heap in priority order, setting aside any
// job whose script is non-parallel and already running, then restores the
// set-aside jobs once a runnable one is found (or none is).
func (q *Queue) popRunnableLocked() (Job, bool) {
	var held []*pqItem
	var found *pqItem

	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*pqItem)
		if !item.job.Parallel && q.running[item.job.ScriptName] {
			held = append(held, item)
			continue
		}
		found = item
		break
	}

	for _, item := range held {
		heap.Push(&q.items, item)
	}

	if found == nil {
		return Job{}, false
	}
	if !found.job.Parallel {
		q.running[found.job.ScriptName] = true
	}
	q.busy++
	return found.job, true
}

// MarkDone clears the running flag for a non-parallel script (a no-op for
// parallel scripts, which are never marked) and signals any worker
// blocked in PopRunnable waiting on that script.
func (q *Queue) MarkDone(job Job) {
	q.mu.Lock()
	q.busy--
	if !job.Parallel {
		delete(q.running, job.ScriptName)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// SnapshotCounts returns (queued_jobs, busy_threads) for /health (spec.md
// §4.2). queued_jobs counts jobs sitting in the heap, including ones
// currently blocked by the non-parallel skip rule.
func (q *Queue) SnapshotCounts() (queued, busy int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), q.busy
}

// Drain refuses further enqueues and wakes every waiter; PopRunnable
// calls in progress will return ErrDrained as soon as the heap empties.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// WaitEmpty blocks until the heap has been fully dispatched (not
// necessarily finished executing — see the worker pool for that), or ctx
// is canceled.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}
