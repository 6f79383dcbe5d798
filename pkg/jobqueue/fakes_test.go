package jobqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annolab/corpusd/pkg/runner"
	"github.com/annolab/corpusd/pkg/stager"
)

// fakeRunner simulates the pipeline process adapter without real processes.
type fakeRunner struct {
	mu sync.Mutex

	nextPID  int
	alive    map[string]bool
	exits    map[string]*runner.ExitStatus
	progress map[string]int
	startErr map[string]error

	started      []string
	terminated   []string
	locksCleaned []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		nextPID:  1000,
		alive:    make(map[string]bool),
		exits:    make(map[string]*runner.ExitStatus),
		progress: make(map[string]int),
		startErr: make(map[string]error),
	}
}

func (f *fakeRunner) Start(_ context.Context, spec runner.StartSpec) (runner.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[spec.ResourceID]; err != nil {
		return runner.Handle{}, err
	}
	f.nextPID++
	f.alive[spec.ResourceID] = true
	f.started = append(f.started, spec.ResourceID)
	return runner.Handle{ResourceID: spec.ResourceID, PID: f.nextPID, WorkDir: f.WorkDir(spec.ResourceID)}, nil
}

func (f *fakeRunner) IsAlive(h runner.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h.ResourceID]
}

func (f *fakeRunner) ExitStatus(_ context.Context, h runner.Handle) (*runner.ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.exits[h.ResourceID]
	if !ok {
		return nil, fmt.Errorf("%w: no output for %s", runner.ErrProcessCrash, h.ResourceID)
	}
	return status, nil
}

func (f *fakeRunner) Terminate(_ context.Context, h runner.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[h.ResourceID] = false
	f.terminated = append(f.terminated, h.ResourceID)
	return nil
}

func (f *fakeRunner) Progress(h runner.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[h.ResourceID]
}

func (f *fakeRunner) CleanupLock(h runner.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locksCleaned = append(f.locksCleaned, h.ResourceID)
	return nil
}

func (f *fakeRunner) Handle(resourceID string, pid int) runner.Handle {
	return runner.Handle{ResourceID: resourceID, PID: pid, WorkDir: f.WorkDir(resourceID)}
}

func (f *fakeRunner) WorkDir(resourceID string) string {
	return filepath.Join("work", resourceID)
}

// exit marks a resource's process as exited with the given result.
func (f *fakeRunner) exit(resourceID string, status *runner.ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[resourceID] = false
	if status != nil {
		f.exits[resourceID] = status
	}
}

// fakeSyncer simulates the storage sync layer.
type fakeSyncer struct {
	mu sync.Mutex

	fingerprints map[string]string
	priorExports map[string]bool
	stageErr     map[string]error
	unstageErr   map[string]error

	staged   []string
	unstaged []string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		fingerprints: make(map[string]string),
		priorExports: make(map[string]bool),
		stageErr:     make(map[string]error),
		unstageErr:   make(map[string]error),
	}
}

func (f *fakeSyncer) Stage(_ context.Context, resourceID, _ string) (*stager.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stageErr[resourceID]; err != nil {
		return nil, err
	}
	f.staged = append(f.staged, resourceID)
	fp := f.fingerprints[resourceID]
	if fp == "" {
		fp = "fp-" + resourceID
	}
	return &stager.StageResult{
		Fingerprint:  fp,
		SourceCount:  1,
		PriorExports: f.priorExports[resourceID],
	}, nil
}

func (f *fakeSyncer) Unstage(_ context.Context, resourceID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unstageErr[resourceID]; err != nil {
		return err
	}
	f.unstaged = append(f.unstaged, resourceID)
	return nil
}
