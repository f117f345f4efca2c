// Package worker implements Fisher's bounded worker pool: a fixed (but
// dynamically resizable, for hot reload) set of goroutines that drain
// internal/queue and execute each job's script in a disposable sandbox
// (spec.md §4.5). Grounded on
// _examples/CZERTAINLY-Seeker/internal/service/runner.go's exec.Cmd
// lifecycle (Start/Wait, ProcessState capture) and
// _examples/CZERTAINLY-Seeker/internal/service/supervisor.go's pattern of
// a worker goroutine pool supervised by a wg.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pietroalbini/fisher/internal/queue"
)

// JobOutcome is what a worker hands to the OutcomeHandler after a script
// exits, per spec.md §3's "Job outcome". ExitCode and Signal are mutually
// exclusive; both nil only if the process could not be started at all.
type JobOutcome struct {
	Job        queue.Job
	Success    bool
	ExitCode   *int
	Signal     *int
	StdoutPath string
	StderrPath string
}

// OutcomeHandler is implemented by internal/statusfanout. Handle must not
// block the calling worker for long; if fan-out needs to do I/O it should
// do so asynchronously.
type OutcomeHandler interface {
	Handle(ctx context.Context, outcome JobOutcome)
}

// Pool runs a resizable set of worker goroutines against a shared queue.
type Pool struct {
	q       *queue.Queue
	handler OutcomeHandler
	logger  *slog.Logger
	env     map[string]string

	mu           sync.Mutex
	workers      map[int]context.CancelFunc
	nextWorkerID int
	wg           sync.WaitGroup
}

// New constructs an idle Pool. Call SetSize to start workers. env is the
// operator-configured "[env]" extras merged into every job's environment
// (spec.md §4.5 step 3).
func New(q *queue.Queue, handler OutcomeHandler, logger *slog.Logger, env map[string]string) *Pool {
	return &Pool{
		q:       q,
		handler: handler,
		logger:  logger,
		env:     env,
		workers: make(map[int]context.CancelFunc),
	}
}

// Size returns the current number of live worker goroutines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SetSize grows or shrinks the pool to n workers. Growing spawns new
// goroutines immediately. Shrinking cancels the polling context of
// however many surplus workers are chosen; each finishes its current job
// (if any) before exiting — spec.md §4.7 step 4's "mark surplus workers
// to exit after their current job". ctx is the pool's long-lived base
// context (the daemon's run context, not tied to any one reload cycle);
// an in-flight script's own execution context is independent of it, so
// shrinking the pool never kills a running script.
func (p *Pool) SetSize(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workers) < n {
		id := p.nextWorkerID
		p.nextWorkerID++
		wctx, cancel := context.WithCancel(ctx)
		p.workers[id] = cancel
		p.wg.Add(1)
		go p.runWorker(wctx, id)
	}

	for len(p.workers) > n {
		for id, cancel := range p.workers {
			cancel()
			delete(p.workers, id)
			break
		}
	}
}

// Shutdown cancels every worker's polling context so none picks up new
// work, then waits for in-flight executions to finish. Jobs still sitting
// in the queue are discarded (spec.md §4.7's default shutdown policy:
// complete in-flight, discard queued, exit when workers idle).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for id, cancel := range p.workers {
		cancel()
		delete(p.workers, id)
	}
	p.mu.Unlock()
	p.q.Drain()
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		job, err := p.q.PopRunnable(ctx)
		if err != nil {
			return
		}
		p.execute(job)
	}
}
