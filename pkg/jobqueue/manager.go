package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/annolab/corpusd/pkg/registry"
	"github.com/annolab/corpusd/pkg/runner"
	"github.com/annolab/corpusd/pkg/stager"
)

// ProcessRunner is the manager's view of the pipeline process adapter.
type ProcessRunner interface {
	Start(ctx context.Context, spec runner.StartSpec) (runner.Handle, error)
	IsAlive(h runner.Handle) bool
	ExitStatus(ctx context.Context, h runner.Handle) (*runner.ExitStatus, error)
	Terminate(ctx context.Context, h runner.Handle) error
	CleanupLock(h runner.Handle) error
	Progress(h runner.Handle) int
	Handle(resourceID string, pid int) runner.Handle
	WorkDir(resourceID string) string
}

// SyncCoordinator is the manager's view of the storage sync layer.
type SyncCoordinator interface {
	Stage(ctx context.Context, resourceID, workDir string) (*stager.StageResult, error)
	Unstage(ctx context.Context, resourceID, workDir string) error
}

// ManagerConfig tunes the queue manager.
type ManagerConfig struct {
	// MaxConcurrent caps how many jobs may hold a worker at once. A job
	// holds a worker from syncing-in through syncing-out.
	MaxConcurrent int

	// JobArgs maps each job type to the pipeline argument list that runs
	// it. The pipeline executes inside the resource's work directory, so
	// no resource argument is needed.
	JobArgs map[registry.JobType][]string
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	return c
}

// TickSummary reports what one Advance pass did.
type TickSummary struct {
	// Checked is the number of running jobs whose liveness was probed.
	Checked int `json:"checked"`

	// Promoted is the number of queued jobs moved into a worker.
	Promoted int `json:"promoted"`

	// Completed is the number of jobs that reached done this tick,
	// including short-circuited runs whose inputs were unchanged.
	Completed int `json:"completed"`

	// Errored is the number of jobs that reached error this tick.
	Errored int `json:"errored"`

	// Aborted is the number of jobs that reached aborted this tick.
	Aborted int `json:"aborted"`
}

// Manager drives job lifecycles. Advance is the single periodic tick;
// Abort is the only other state-changing entry point, and both serialize
// on the same mutex so job transitions never interleave.
type Manager struct {
	store  *registry.Store
	cache  *StatusCache
	runner ProcessRunner
	syncer SyncCoordinator
	cfg    ManagerConfig
	log    *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

func NewManager(store *registry.Store, cache *StatusCache, run ProcessRunner, syncer SyncCoordinator, cfg ManagerConfig, log *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	if run == nil {
		return nil, fmt.Errorf("process runner is required")
	}
	if syncer == nil {
		return nil, fmt.Errorf("sync coordinator is required")
	}
	if cache == nil {
		cache = NewStatusCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cache:  cache,
		runner: run,
		syncer: syncer,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}, nil
}

// Advance performs one scheduling tick:
//
//  1. Reconcile running jobs: finish those whose process has exited, sync
//     exports out on success, record diagnostics on failure.
//  2. Promote queued jobs in FIFO order while worker capacity remains.
//
// A failure in one job never blocks the rest of the tick; the job is moved
// to error and the tick continues. Advance is safe to call concurrently
// and is idempotent between state changes.
func (m *Manager) Advance(ctx context.Context) (*TickSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	summary := &TickSummary{}
	workers := 0
	for i := range active {
		if active[i].Status.OccupiesWorker() {
			workers++
		}
	}

	// Phase 1: reconcile jobs that hold a worker.
	for i := range active {
		job := &active[i]
		if job.Status != registry.StatusRunning {
			continue
		}
		summary.Checked++
		released, err := m.reconcileRunning(ctx, job, summary)
		if err != nil {
			m.failJob(ctx, job, summary, err)
			released = true
		}
		if released {
			workers--
		}
	}

	// Stale sync states can only come from a daemon crash mid-transition;
	// the work directory is in an unknown state, so the job fails.
	for i := range active {
		job := &active[i]
		if job.Status != registry.StatusSyncingIn && job.Status != registry.StatusSyncingOut {
			continue
		}
		m.failJob(ctx, job, summary, fmt.Errorf("scheduler restarted during %s", job.Status))
		workers--
	}

	// Phase 2: promote waiting jobs in enqueue order.
	for i := range active {
		job := &active[i]
		if job.Status != registry.StatusQueued {
			continue
		}
		if job.AbortRequested {
			m.finishJob(ctx, job, registry.StatusAborted, summary)
			continue
		}
		if workers >= m.cfg.MaxConcurrent {
			break
		}
		tookWorker, err := m.promote(ctx, job, summary)
		if err != nil {
			m.failJob(ctx, job, summary, err)
			continue
		}
		if tookWorker {
			workers++
			summary.Promoted++
		}
	}

	m.log.Debug("queue tick",
		zap.Int("checked", summary.Checked),
		zap.Int("promoted", summary.Promoted),
		zap.Int("completed", summary.Completed),
		zap.Int("errored", summary.Errored),
		zap.Int("aborted", summary.Aborted),
		zap.Int("workers", workers))
	return summary, nil
}

// reconcileRunning handles one running job. It reports whether the job
// released its worker this tick.
func (m *Manager) reconcileRunning(ctx context.Context, job *registry.JobRecord, summary *TickSummary) (bool, error) {
	h := m.runner.Handle(job.ResourceID, job.PID)

	if m.runner.IsAlive(h) {
		if job.AbortRequested {
			if err := m.runner.Terminate(ctx, h); err != nil {
				return false, fmt.Errorf("terminate pid %d: %w", job.PID, err)
			}
			m.finishJob(ctx, job, registry.StatusAborted, summary)
			return true, nil
		}
		return false, nil
	}

	// Process exited. Interpret its output; a completed run wins even if
	// an abort arrived after the exit.
	status, err := m.runner.ExitStatus(ctx, h)
	if err != nil {
		_ = m.runner.CleanupLock(h)
		return false, fmt.Errorf("pipeline crashed: %w", err)
	}

	job.Warnings = status.Warnings
	job.Errors = status.Errors

	if !status.Success {
		_ = m.runner.CleanupLock(h)
		if job.AbortRequested {
			m.finishJob(ctx, job, registry.StatusAborted, summary)
			return true, nil
		}
		if status.Crashed {
			job.Errors = append(job.Errors, "pipeline exited without a result")
		}
		m.finishJob(ctx, job, registry.StatusError, summary)
		return true, nil
	}

	return true, m.completeSuccessful(ctx, job, summary)
}

// completeSuccessful finishes a job whose pipeline run succeeded: exports
// are synced back for annotation runs, install flags are flipped for
// install and uninstall runs.
func (m *Manager) completeSuccessful(ctx context.Context, job *registry.JobRecord, summary *TickSummary) error {
	switch {
	case job.JobType.IsInstall(), job.JobType.IsUninstall():
		m.applyInstallResult(job)
	default:
		job.Status = registry.StatusSyncingOut
		if err := m.store.PutJob(ctx, job); err != nil {
			return err
		}
		m.cache.Put(job)

		if err := m.syncer.Unstage(ctx, job.ResourceID, m.runner.WorkDir(job.ResourceID)); err != nil {
			return fmt.Errorf("sync exports: %w", err)
		}
		if err := m.markResourceExported(ctx, job.ResourceID); err != nil {
			return err
		}
	}

	m.finishJob(ctx, job, registry.StatusDone, summary)
	return nil
}

func (m *Manager) applyInstallResult(job *registry.JobRecord) {
	switch job.JobType {
	case registry.JobInstallSearch:
		job.InstalledSearch = true
	case registry.JobInstallExplore:
		job.InstalledExplore = true
	case registry.JobUninstallSearch:
		job.InstalledSearch = false
	case registry.JobUninstallExplore:
		job.InstalledExplore = false
	}
}

// promote moves one queued job into a worker. It reports whether the job
// actually took a worker; unchanged-input short circuits finish the job
// without consuming capacity.
func (m *Manager) promote(ctx context.Context, job *registry.JobRecord, summary *TickSummary) (bool, error) {
	job.Status = registry.StatusSyncingIn
	if err := m.store.PutJob(ctx, job); err != nil {
		return false, err
	}
	m.cache.Put(job)

	res, err := m.syncer.Stage(ctx, job.ResourceID, m.runner.WorkDir(job.ResourceID))
	if err != nil {
		return false, err
	}
	job.StagedFingerprint = res.Fingerprint

	// Nothing changed since the last successful run and its exports are
	// still in storage: the run would be a no-op, finish immediately.
	if job.JobType == registry.JobAnnotate &&
		job.InputFingerprint != "" &&
		job.InputFingerprint == res.Fingerprint &&
		res.PriorExports {
		m.finishJob(ctx, job, registry.StatusDone, summary)
		return false, nil
	}

	h, err := m.runner.Start(ctx, runner.StartSpec{
		ResourceID: job.ResourceID,
		Args:       m.cfg.JobArgs[job.JobType],
	})
	if err != nil {
		return false, fmt.Errorf("start pipeline: %w", err)
	}

	started := m.now().UTC()
	job.Status = registry.StatusRunning
	job.PID = h.PID
	job.StartedAt = &started
	if err := m.store.PutJob(ctx, job); err != nil {
		return true, err
	}
	m.cache.Put(job)

	m.log.Info("job started",
		zap.String("resource_id", job.ResourceID),
		zap.String("job_type", string(job.JobType)),
		zap.Int("pid", h.PID))
	return true, nil
}

// Abort requests termination of a resource's active job.
//
// Queued jobs abort immediately. Running jobs are terminated; if the
// process already exited successfully before the abort arrived, the
// completed result wins and the job finishes as done on the next tick.
func (m *Manager) Abort(ctx context.Context, resourceID string) (*registry.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, resourceID, job.Status)
	}

	switch job.Status {
	case registry.StatusQueued, registry.StatusSyncingIn, registry.StatusSyncingOut:
		m.finishJob(ctx, job, registry.StatusAborted, nil)
		return job, nil
	}

	h := m.runner.Handle(job.ResourceID, job.PID)
	if m.runner.IsAlive(h) {
		if err := m.runner.Terminate(ctx, h); err != nil {
			return nil, fmt.Errorf("terminate pid %d: %w", job.PID, err)
		}
		m.finishJob(ctx, job, registry.StatusAborted, nil)
		return job, nil
	}

	// The process already exited. A successful exit beats the abort: mark
	// the request and let the next tick finish the job as done.
	status, statusErr := m.runner.ExitStatus(ctx, h)
	if statusErr == nil && status.Success {
		job.AbortRequested = true
		if err := m.store.PutJob(ctx, job); err != nil {
			return nil, err
		}
		m.cache.Put(job)
		return job, nil
	}

	_ = m.runner.CleanupLock(h)
	m.finishJob(ctx, job, registry.StatusAborted, nil)
	return job, nil
}

// Progress reports a job's pipeline completion percentage: the output
// log's last reported value while the process works (never above 99),
// 100 once the job is done.
func (m *Manager) Progress(job *registry.JobRecord) int {
	switch job.Status {
	case registry.StatusDone:
		return 100
	case registry.StatusRunning, registry.StatusSyncingOut:
		p := m.runner.Progress(m.runner.Handle(job.ResourceID, job.PID))
		if p > 99 {
			p = 99
		}
		return p
	}
	return 0
}

// finishJob moves a job to a terminal status and persists it. Persistence
// failures are logged, not returned; the next tick retries from stored
// state.
func (m *Manager) finishJob(ctx context.Context, job *registry.JobRecord, status registry.JobStatus, summary *TickSummary) {
	ended := m.now().UTC()
	job.Status = status
	job.EndedAt = &ended

	// InputFingerprint describes the last successfully processed inputs;
	// the staged signature replaces it only when this run completed.
	if status == registry.StatusDone && job.JobType == registry.JobAnnotate && job.StagedFingerprint != "" {
		job.InputFingerprint = job.StagedFingerprint
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		m.log.Error("persist job state",
			zap.String("resource_id", job.ResourceID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	m.cache.Put(job)

	if summary != nil {
		switch status {
		case registry.StatusDone:
			summary.Completed++
		case registry.StatusError:
			summary.Errored++
		case registry.StatusAborted:
			summary.Aborted++
		}
	}
}

// failJob records an internal scheduling failure on the job itself so one
// broken job cannot wedge the queue.
func (m *Manager) failJob(ctx context.Context, job *registry.JobRecord, summary *TickSummary, cause error) {
	m.log.Warn("job failed",
		zap.String("resource_id", job.ResourceID),
		zap.String("job_type", string(job.JobType)),
		zap.Error(cause))
	job.Errors = append(job.Errors, cause.Error())
	m.finishJob(ctx, job, registry.StatusError, summary)
}

// markResourceExported flips the resource's export flag after a successful
// export sync.
func (m *Manager) markResourceExported(ctx context.Context, resourceID string) error {
	res, err := m.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, registry.ErrResourceNotFound) {
			return nil
		}
		return err
	}
	if res.HasExports {
		return nil
	}
	return m.store.UpdateFileState(ctx, resourceID, res.HasConfig, res.SourceCount, true)
}
