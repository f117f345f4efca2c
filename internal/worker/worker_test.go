package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pietroalbini/fisher/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	mu       sync.Mutex
	outcomes []JobOutcome
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) Handle(ctx context.Context, outcome JobOutcome) {
	h.mu.Lock()
	h.outcomes = append(h.outcomes, outcome)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) waitOne(t *testing.T) JobOutcome {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job outcome")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcomes[len(h.outcomes)-1]
}

func writeExecutable(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecuteSuccessfulScript(t *testing.T) {
	path := writeExecutable(t, "#!/bin/sh\necho -n \"$FISHER_REQUEST_ID\" > \"$FISHER_MARK\"\nexit 0\n")
	mark := filepath.Join(t.TempDir(), "mark")

	q := queue.New()
	handler := newRecordingHandler()
	pool := New(q, handler, testLogger(), nil)

	job := queue.Job{ScriptName: "script.sh", ExecPath: path, Parallel: true, Env: map[string]string{"FISHER_MARK": mark}}
	require.NoError(t, q.Enqueue(job))

	pool.SetSize(context.Background(), 1)
	outcome := handler.waitOne(t)
	pool.Shutdown()

	assert.True(t, outcome.Success)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 0, *outcome.ExitCode)
	assert.Nil(t, outcome.Signal)

	content, err := os.ReadFile(mark)
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestExecuteFailingScriptCapturesExitCode(t *testing.T) {
	path := writeExecutable(t, "#!/bin/sh\necho err-output 1>&2\nexit 7\n")

	q := queue.New()
	handler := newRecordingHandler()
	pool := New(q, handler, testLogger(), nil)

	require.NoError(t, q.Enqueue(queue.Job{ScriptName: "script.sh", ExecPath: path, Parallel: true}))
	pool.SetSize(context.Background(), 1)
	outcome := handler.waitOne(t)
	pool.Shutdown()

	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 7, *outcome.ExitCode)

	stderr, err := os.ReadFile(outcome.StderrPath)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "err-output")

	os.Remove(outcome.StdoutPath)
	os.Remove(outcome.StderrPath)
}

func TestExecuteDeletesRequestBodyForWebhookJobs(t *testing.T) {
	path := writeExecutable(t, "#!/bin/sh\nexit 0\n")
	bodyFile, err := os.CreateTemp("", "fisher-body-")
	require.NoError(t, err)
	bodyFile.Close()

	q := queue.New()
	handler := newRecordingHandler()
	pool := New(q, handler, testLogger(), nil)

	require.NoError(t, q.Enqueue(queue.Job{
		ScriptName:      "script.sh",
		ExecPath:        path,
		Parallel:        true,
		RequestBodyPath: bodyFile.Name(),
		Provenance:      queue.Provenance{Kind: "webhook"},
	}))
	pool.SetSize(context.Background(), 1)
	outcome := handler.waitOne(t)
	pool.Shutdown()

	_, err = os.Stat(bodyFile.Name())
	assert.True(t, os.IsNotExist(err))

	os.Remove(outcome.StdoutPath)
	os.Remove(outcome.StderrPath)
}

func TestExecuteSandboxIsIsolatedPerJob(t *testing.T) {
	path := writeExecutable(t, "#!/bin/sh\npwd > \"$OUT_FILE\"\n")
	out1 := filepath.Join(t.TempDir(), "out1")
	out2 := filepath.Join(t.TempDir(), "out2")

	q := queue.New()
	handler := newRecordingHandler()
	pool := New(q, handler, testLogger(), nil)

	require.NoError(t, q.Enqueue(queue.Job{ScriptName: "a", ExecPath: path, Parallel: true, Env: map[string]string{"OUT_FILE": out1}}))
	require.NoError(t, q.Enqueue(queue.Job{ScriptName: "b", ExecPath: path, Parallel: true, Env: map[string]string{"OUT_FILE": out2}}))

	pool.SetSize(context.Background(), 2)
	o1 := handler.waitOne(t)
	o2 := handler.waitOne(t)
	pool.Shutdown()

	dir1, err := os.ReadFile(out1)
	require.NoError(t, err)
	dir2, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.NotEqual(t, string(dir1), string(dir2))

	for _, o := range []JobOutcome{o1, o2} {
		os.Remove(o.StdoutPath)
		os.Remove(o.StderrPath)
	}
}

func TestPoolSetSizeGrowsAndShrinks(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.New()
	handler := newRecordingHandler()
	pool := New(q, handler, testLogger(), nil)

	pool.SetSize(context.Background(), 3)
	assert.Equal(t, 3, pool.Size())

	pool.SetSize(context.Background(), 1)
	assert.Equal(t, 1, pool.Size())

	pool.Shutdown()
	assert.Equal(t, 0, pool.Size())
}
