// Package jobqueue implements corpus job scheduling: a per-resource FIFO
// queue, a read-through status cache, and the periodic tick that moves jobs
// through their lifecycle.
//
// All state lives in the registry so scheduling survives restarts. The
// queue enforces one active job per resource; ordering among waiting jobs
// is strictly by enqueue time.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/annolab/corpusd/pkg/registry"
)

// Queue accepts jobs and answers status queries. Promotion of queued jobs
// into workers is the Manager's responsibility.
type Queue struct {
	store *registry.Store
	cache *StatusCache
	log   *zap.Logger

	now func() time.Time
}

func NewQueue(store *registry.Store, cache *StatusCache, log *zap.Logger) *Queue {
	if cache == nil {
		cache = NewStatusCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, cache: cache, log: log, now: time.Now}
}

// Cache exposes the shared status cache.
func (q *Queue) Cache() *StatusCache { return q.cache }

// Enqueue places a new job for a resource at the back of the queue.
//
// The resource must exist and must not already hold an active job. The
// previous attempt's fingerprint and install flags carry over so the
// scheduler can skip unchanged work and track install state across runs;
// its diagnostics do not.
func (q *Queue) Enqueue(ctx context.Context, resourceID string, jobType registry.JobType) (*registry.JobRecord, error) {
	if _, err := q.store.GetResource(ctx, resourceID); err != nil {
		return nil, err
	}

	prev, err := q.store.GetJob(ctx, resourceID)
	if err != nil && !errors.Is(err, registry.ErrJobNotFound) {
		return nil, err
	}
	if prev != nil && prev.Status.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyQueued, resourceID, prev.Status)
	}

	job := &registry.JobRecord{
		ResourceID: resourceID,
		JobType:    jobType,
		Status:     registry.StatusQueued,
		RunID:      uuid.NewString(),
		QueuedAt:   q.now().UTC(),
	}
	if prev != nil {
		job.InputFingerprint = prev.InputFingerprint
		job.InstalledSearch = prev.InstalledSearch
		job.InstalledExplore = prev.InstalledExplore
	}

	if err := q.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	q.cache.Put(job)

	q.log.Info("job enqueued",
		zap.String("resource_id", resourceID),
		zap.String("job_type", string(jobType)),
		zap.String("run_id", job.RunID))
	return job, nil
}

// Status returns the resource's current job record, serving from the cache
// when possible.
func (q *Queue) Status(ctx context.Context, resourceID string) (*registry.JobRecord, error) {
	if job := q.cache.Get(resourceID); job != nil {
		return job, nil
	}
	job, err := q.store.GetJob(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	q.cache.Put(job)
	return job, nil
}

// Position returns the 1-based place of a queued job among all waiting
// jobs, or 0 when the job is not waiting.
func (q *Queue) Position(ctx context.Context, resourceID string) (int, error) {
	active, err := q.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	pos := 0
	for _, job := range active {
		if job.Status != registry.StatusQueued {
			continue
		}
		pos++
		if job.ResourceID == resourceID {
			return pos, nil
		}
	}
	return 0, nil
}
