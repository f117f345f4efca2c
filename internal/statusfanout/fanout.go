// Package statusfanout derives job-completed / job-failed events from
// worker outcomes, matches them against the registry's status hooks, and
// enqueues the resulting jobs (spec.md §4.6). Matching and dispatch are
// routed through an embedded, in-process NATS broker
// (nats-io/nats-server/v2 + nats-io/nats.go, both declared but never
// imported by any production code in the teacher repo's own go.mod — see
// DESIGN.md) rather than a direct method call, so the fan-out boundary
// is a real pub/sub hop and not just a function call dressed up as one.
// The server never opens a TCP or unix socket (server.Options.DontListen)
// in order to honor spec.md's "no multi-node coordination" non-goal.
package statusfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/pietroalbini/fisher/internal/queue"
	"github.com/pietroalbini/fisher/internal/registry"
	"github.com/pietroalbini/fisher/internal/worker"
)

const subject = "fisher.job.outcome"

// event is the wire payload published for every job outcome, webhook- or
// status-triggered alike: status hooks may themselves subscribe to other
// status hooks' completion, so the same matching logic runs uniformly.
type event struct {
	Kind       string `json:"kind"`
	ScriptName string `json:"script_name"`
	Success    bool   `json:"success"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Signal     *int   `json:"signal,omitempty"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
	RefKey     string `json:"ref_key"`
}

// outcomeFiles tracks the reference count on one outcome's captured
// stdout/stderr files until every derived status job has finished
// (spec.md §4.6).
type outcomeFiles struct {
	stdout, stderr string
	remaining      int
}

// FanOut implements worker.OutcomeHandler.
type FanOut struct {
	snapshots *registry.Handle
	q         *queue.Queue
	logger    *slog.Logger

	srv *server.Server
	nc  *nats.Conn
	sub *nats.Subscription

	mu       sync.Mutex
	refcount map[string]*outcomeFiles
}

// New starts an embedded NATS server and subscribes to the fan-out
// subject. snapshots is consulted fresh on every event, so a reload that
// swaps the registry mid-flight is picked up without any extra wiring.
func New(snapshots *registry.Handle, q *queue.Queue, logger *slog.Logger) (*FanOut, error) {
	srv, err := server.NewServer(&server.Options{
		DontListen: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting embedded NATS server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to embedded NATS server: %w", err)
	}

	f := &FanOut{
		snapshots: snapshots,
		q:         q,
		logger:    logger,
		srv:       srv,
		nc:        nc,
		refcount:  make(map[string]*outcomeFiles),
	}

	sub, err := nc.Subscribe(subject, f.onEvent)
	if err != nil {
		nc.Close()
		srv.Shutdown()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	f.sub = sub

	return f, nil
}

// Close tears down the subscription, connection, and embedded server.
func (f *FanOut) Close() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.nc != nil {
		f.nc.Close()
	}
	if f.srv != nil {
		f.srv.Shutdown()
		f.srv.WaitForShutdown()
	}
}

// Handle implements worker.OutcomeHandler: it derives the event kind,
// publishes it for matching, and — for a status job's own outcome —
// releases its parent's reference count first.
func (f *FanOut) Handle(ctx context.Context, outcome worker.JobOutcome) {
	if outcome.Job.Provenance.Kind == "status" && outcome.Job.Provenance.ParentRef != "" {
		f.release(outcome.Job.Provenance.ParentRef)
	}

	kind := "job-completed"
	if !outcome.Success {
		kind = "job-failed"
	}

	evt := event{
		Kind:       kind,
		ScriptName: outcome.Job.ScriptName,
		Success:    outcome.Success,
		ExitCode:   outcome.ExitCode,
		Signal:     outcome.Signal,
		StdoutPath: outcome.StdoutPath,
		StderrPath: outcome.StderrPath,
		RefKey:     uuid.NewString(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		f.logger.ErrorContext(ctx, "marshaling status fan-out event", "script", evt.ScriptName, "error", err)
		removeOutcomeFiles(evt.StdoutPath, evt.StderrPath)
		return
	}
	if err := f.nc.Publish(subject, payload); err != nil {
		f.logger.ErrorContext(ctx, "publishing status fan-out event", "script", evt.ScriptName, "error", err)
		removeOutcomeFiles(evt.StdoutPath, evt.StderrPath)
	}
}

// onEvent runs on the NATS subscription's delivery goroutine. It looks up
// matching status hooks, registers the outcome's files for reference
// counting (or deletes them immediately if nothing matched), and
// enqueues one derived job per match.
func (f *FanOut) onEvent(msg *nats.Msg) {
	var evt event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		f.logger.Error("decoding status fan-out event", "error", err)
		return
	}

	snap := f.snapshots.Current()
	hooks := snap.StatusHooksFor(evt.Kind, evt.ScriptName)
	f.registerPending(evt.RefKey, evt.StdoutPath, evt.StderrPath, len(hooks))

	for _, hook := range hooks {
		job := queue.Job{
			Seq:        f.q.NextSeq(),
			ScriptName: hook.Name,
			ExecPath:   hook.ExecPath,
			Priority:   hook.Priority,
			Parallel:   hook.Parallel,
			Env:        statusEnv(evt),
			Provenance: queue.Provenance{Kind: "status", ParentOutcome: evt.Kind, ParentRef: evt.RefKey},
		}
		if err := f.q.Enqueue(job); err != nil {
			f.logger.Error("enqueuing status job", "hook", hook.Name, "source", evt.ScriptName, "error", err)
			f.release(evt.RefKey)
		}
	}
}

func (f *FanOut) registerPending(refKey, stdout, stderr string, matches int) {
	if matches <= 0 {
		removeOutcomeFiles(stdout, stderr)
		return
	}
	f.mu.Lock()
	f.refcount[refKey] = &outcomeFiles{stdout: stdout, stderr: stderr, remaining: matches}
	f.mu.Unlock()
}

func (f *FanOut) release(refKey string) {
	f.mu.Lock()
	entry, ok := f.refcount[refKey]
	if !ok {
		f.mu.Unlock()
		return
	}
	entry.remaining--
	done := entry.remaining <= 0
	if done {
		delete(f.refcount, refKey)
	}
	f.mu.Unlock()

	if done {
		removeOutcomeFiles(entry.stdout, entry.stderr)
	}
}

func removeOutcomeFiles(stdout, stderr string) {
	for _, path := range []string{stdout, stderr} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Default().Error("removing captured output file", "path", path, "error", err)
		}
	}
}

// statusEnv builds the FISHER_STATUS_* environment contributed to every
// derived status job, per spec.md §4.6.
func statusEnv(evt event) map[string]string {
	env := map[string]string{
		"FISHER_STATUS_EVENT":       evt.Kind,
		"FISHER_STATUS_SCRIPT_NAME": evt.ScriptName,
		"FISHER_STATUS_STDOUT":      evt.StdoutPath,
		"FISHER_STATUS_STDERR":      evt.StderrPath,
	}
	if evt.Success {
		env["FISHER_STATUS_SUCCESS"] = "1"
	} else {
		env["FISHER_STATUS_SUCCESS"] = "0"
	}
	if evt.ExitCode != nil {
		env["FISHER_STATUS_EXIT_CODE"] = strconv.Itoa(*evt.ExitCode)
	}
	if evt.Signal != nil {
		env["FISHER_STATUS_SIGNAL"] = strconv.Itoa(*evt.Signal)
	}
	return env
}
