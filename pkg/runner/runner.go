// Package runner starts and observes the external annotation pipeline.
//
// The pipeline runs as a detached child process so a scheduler tick never
// blocks on job completion. The runner only ever probes liveness, inspects
// the structured output left behind by the tool, and performs best-effort
// termination with stale-lock cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrProcessCrash indicates the pipeline vanished or exited without leaving
// a diagnosable result.
var ErrProcessCrash = errors.New("pipeline process crashed")

// Handle is an opaque reference to a started pipeline process. It is
// reconstructable from persisted job state (pid + resource), so liveness
// checks survive scheduler restarts.
type Handle struct {
	ResourceID string
	PID        int
	WorkDir    string
}

// StartSpec describes one pipeline invocation.
type StartSpec struct {
	ResourceID string

	// Args is the fully resolved pipeline argument list for the job type.
	Args []string
}

// Config configures the local process runner.
type Config struct {
	// Command is the pipeline executable.
	Command string

	// WorkRoot is the processing-side directory holding one work dir per
	// resource.
	WorkRoot string

	// OutputFile is the per-job structured output log, relative to the
	// work dir.
	OutputFile string

	// LockFile is the pipeline's own exclusion artifact, relative to the
	// work dir. It does not distinguish a requested kill from a crash, so
	// every non-success exit path must remove it.
	LockFile string

	// TerminateWait bounds how long Terminate waits after SIGTERM before
	// escalating to SIGKILL.
	TerminateWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutputFile == "" {
		c.OutputFile = "pipeline.out"
	}
	if c.LockFile == "" {
		c.LockFile = ".pipeline.lock"
	}
	if c.TerminateWait <= 0 {
		c.TerminateWait = 10 * time.Second
	}
	return c
}

// Local runs the pipeline on the same host as the scheduler.
type Local struct {
	cfg Config
	log *zap.Logger
}

func NewLocal(cfg Config, log *zap.Logger) (*Local, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("pipeline command is required")
	}
	if strings.TrimSpace(cfg.WorkRoot) == "" {
		return nil, fmt.Errorf("pipeline work root is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{cfg: cfg.withDefaults(), log: log}, nil
}

// WorkDir returns the processing-side directory for a resource.
func (l *Local) WorkDir(resourceID string) string {
	return filepath.Join(l.cfg.WorkRoot, resourceID)
}

// OutputPath returns the structured output log path for a resource.
func (l *Local) OutputPath(resourceID string) string {
	return filepath.Join(l.WorkDir(resourceID), l.cfg.OutputFile)
}

// LockPath returns the pipeline lock path for a resource.
func (l *Local) LockPath(resourceID string) string {
	return filepath.Join(l.WorkDir(resourceID), l.cfg.LockFile)
}

// Handle rebuilds a process handle from persisted job state.
func (l *Local) Handle(resourceID string, pid int) Handle {
	return Handle{ResourceID: resourceID, PID: pid, WorkDir: l.WorkDir(resourceID)}
}

// Start launches the pipeline for a job and returns once the child is running.
//
// Stdout and stderr are captured into the per-job output file; a previous
// run's output is truncated first so diagnostics never mix attempts.
func (l *Local) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if strings.TrimSpace(spec.ResourceID) == "" {
		return Handle{}, fmt.Errorf("resource_id is required")
	}

	workDir := l.WorkDir(spec.ResourceID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create work dir: %w", err)
	}

	outFile, err := os.Create(l.OutputPath(spec.ResourceID))
	if err != nil {
		return Handle{}, fmt.Errorf("create output log: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	cmd := exec.Command(l.cfg.Command, spec.Args...)
	cmd.Dir = workDir
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start pipeline: %w", err)
	}

	pid := cmd.Process.Pid

	// Reap the child when it exits so liveness probes see it disappear
	// instead of finding a zombie.
	go func() { _ = cmd.Wait() }()

	l.log.Info("pipeline started",
		zap.String("resource_id", spec.ResourceID),
		zap.Int("pid", pid),
		zap.Strings("args", spec.Args))

	return Handle{ResourceID: spec.ResourceID, PID: pid, WorkDir: workDir}, nil
}

// IsAlive is a non-blocking liveness probe.
func (l *Local) IsAlive(h Handle) bool {
	return isProcessAlive(h.PID)
}

// ExitStatus interprets a finished job's output log.
//
// It distinguishes success, tool-reported failure (with captured
// diagnostics), and abnormal termination (ErrProcessCrash, no diagnostics
// beyond whatever made it into the log).
func (l *Local) ExitStatus(ctx context.Context, h Handle) (*ExitStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := ParseOutput(filepath.Join(h.WorkDir, l.cfg.OutputFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no output for %s", ErrProcessCrash, h.ResourceID)
		}
		return nil, fmt.Errorf("read pipeline output: %w", err)
	}

	status := &ExitStatus{Warnings: out.Warnings, Errors: out.Errors, Progress: out.Progress}
	switch {
	case out.Completed():
		status.Success = true
	case len(out.Errors) > 0:
		// Tool-level failure with structured diagnostics.
	default:
		status.Crashed = true
	}
	return status, nil
}

// ExitStatus is the interpreted result of a terminated pipeline process.
type ExitStatus struct {
	Success  bool
	Crashed  bool
	Progress int
	Warnings []string
	Errors   []string
}

// Progress returns the last progress percentage logged by a run that is
// still in flight, capped at 99 so only a finished job reports 100. An
// unreadable or missing log reads as 0.
func (l *Local) Progress(h Handle) int {
	out, err := ParseOutput(filepath.Join(h.WorkDir, l.cfg.OutputFile))
	if err != nil {
		return 0
	}
	if out.Progress > 99 {
		return 99
	}
	return out.Progress
}

// Terminate sends SIGTERM, waits briefly, then SIGKILLs. It is idempotent
// against a process that has already exited, and always removes the
// pipeline's lock since the tool cannot tell a requested kill from a crash.
func (l *Local) Terminate(ctx context.Context, h Handle) error {
	defer func() {
		if err := l.CleanupLock(h); err != nil {
			l.log.Warn("lock cleanup failed", zap.String("resource_id", h.ResourceID), zap.Error(err))
		}
	}()

	if h.PID <= 0 || !isProcessAlive(h.PID) {
		return nil
	}

	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the probe and the signal.
		return nil
	}

	deadline := time.Now().Add(l.cfg.TerminateWait)
	for time.Now().Before(deadline) {
		if !isProcessAlive(h.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	_ = proc.Signal(syscall.SIGKILL)
	return nil
}

// CleanupLock removes the pipeline's stale lock file. A lock left behind by
// a crash or kill would otherwise block every future run on the resource.
func (l *Local) CleanupLock(h Handle) error {
	lock := filepath.Join(h.WorkDir, l.cfg.LockFile)
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// RemoveWorkDir deletes a resource's processing-side directory, including
// partial output from failed attempts.
func (l *Local) RemoveWorkDir(resourceID string) error {
	return os.RemoveAll(l.WorkDir(resourceID))
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
