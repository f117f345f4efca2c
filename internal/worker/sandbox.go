package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"syscall"

	"github.com/google/uuid"

	"github.com/pietroalbini/fisher/internal/logging"
	"github.com/pietroalbini/fisher/internal/queue"
)

// inheritedEnvKeys are the daemon-environment variables carried into every
// sandbox verbatim when present, per spec.md §4.5 step 3.
var inheritedEnvKeys = []string{"PATH", "LC_ALL", "LANG"}

// execute runs one job's script to completion inside a disposable
// sandbox directory, reports the outcome, and cleans up every filesystem
// artifact it created itself (the sandbox dir always; the request body
// file only for non-status jobs — captured stdout/stderr belong to the
// OutcomeHandler's lifecycle, per spec.md §4.6, and are never removed
// here).
func (p *Pool) execute(job queue.Job) {
	outcome := JobOutcome{Job: job}
	requestID := uuid.NewString()
	ctx := logging.With(context.Background(),
		slog.String("script", job.ScriptName),
		slog.String("request_id", requestID),
	)

	sandboxDir, err := os.MkdirTemp("", "fisher-sandbox-")
	if err != nil {
		p.logger.ErrorContext(ctx, "creating sandbox directory", "error", err)
		p.finish(ctx, job, outcome)
		return
	}
	defer os.RemoveAll(sandboxDir)

	stdoutFile, stdoutPath, err := createCaptureFile("fisher-stdout-")
	if err != nil {
		p.logger.ErrorContext(ctx, "creating stdout capture file", "error", err)
		p.finish(ctx, job, outcome)
		return
	}
	defer stdoutFile.Close()
	outcome.StdoutPath = stdoutPath

	stderrFile, stderrPath, err := createCaptureFile("fisher-stderr-")
	if err != nil {
		p.logger.ErrorContext(ctx, "creating stderr capture file", "error", err)
		p.finish(ctx, job, outcome)
		return
	}
	defer stderrFile.Close()
	outcome.StderrPath = stderrPath

	cmd := exec.Command(job.ExecPath)
	cmd.Dir = sandboxDir
	cmd.Env = buildEnv(sandboxDir, p.env, job.Env, requestID)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	runErr := cmd.Run()
	outcome.Success, outcome.ExitCode, outcome.Signal = classify(runErr, cmd)

	p.logger.InfoContext(ctx, "script finished", "success", outcome.Success, "exit_code", outcome.ExitCode, "signal", outcome.Signal)
	p.finish(ctx, job, outcome)
}

// finish hands the outcome to the status fan-out handler and cleans up
// the request body file for non-status jobs (spec.md §4.5 step 5), then
// releases the queue's per-script serialization slot.
func (p *Pool) finish(ctx context.Context, job queue.Job, outcome JobOutcome) {
	if p.handler != nil {
		p.handler.Handle(ctx, outcome)
	}
	if job.Provenance.Kind != "status" && job.RequestBodyPath != "" {
		if err := os.Remove(job.RequestBodyPath); err != nil && !os.IsNotExist(err) {
			p.logger.ErrorContext(ctx, "removing request body", "path", job.RequestBodyPath, "error", err)
		}
	}
	p.q.MarkDone(job)
}

func createCaptureFile(prefix string) (*os.File, string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

// buildEnv assembles a script's environment per spec.md §4.5 step 3:
// start empty, inherit a fixed allowlist from the daemon's own
// environment, set HOME/USER to the sandbox identity, then layer operator
// extras and finally the job's own per-request contributions (provider
// env vars plus FISHER_REQUEST_IP / FISHER_REQUEST_BODY) so job-specific
// values always win.
func buildEnv(sandboxDir string, operatorExtras, jobEnv map[string]string, requestID string) []string {
	merged := make(map[string]string)

	for _, key := range inheritedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}

	merged["HOME"] = sandboxDir
	merged["USER"] = currentUsername()
	merged["FISHER_REQUEST_ID"] = requestID

	for k, v := range operatorExtras {
		merged[k] = v
	}
	for k, v := range jobEnv {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// classify turns an exec.Cmd's Run error into the outcome fields spec.md
// §3 describes: ExitCode and Signal are mutually exclusive, and a failed
// Start (runErr not an *exec.ExitError) counts as a failed run with
// neither set.
func classify(runErr error, cmd *exec.Cmd) (success bool, exitCode, signal *int) {
	if runErr == nil {
		code := 0
		return true, &code, nil
	}

	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return false, nil, nil
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := int(status.Signal())
		return false, nil, &sig
	}

	code := exitErr.ExitCode()
	return code == 0, &code, nil
}
