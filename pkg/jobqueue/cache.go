package jobqueue

import (
	"sync"

	"github.com/annolab/corpusd/pkg/registry"
)

// StatusCache is an in-memory read-through cache over persisted job
// records. Status polling is by far the hottest path, so reads should not
// hit the registry on every request.
//
// Every write to a job record must go through Put (or Invalidate) so the
// cache never serves a stale status transition.
type StatusCache struct {
	mu   sync.RWMutex
	jobs map[string]*registry.JobRecord
}

func NewStatusCache() *StatusCache {
	return &StatusCache{jobs: make(map[string]*registry.JobRecord)}
}

// Get returns the cached record for a resource, or nil if not cached.
// The returned record is a copy; callers may mutate it freely.
func (c *StatusCache) Get(resourceID string) *registry.JobRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[resourceID]
	if !ok {
		return nil
	}
	clone := *job
	return &clone
}

// Put stores a copy of the record.
func (c *StatusCache) Put(job *registry.JobRecord) {
	if job == nil {
		return
	}
	clone := *job
	c.mu.Lock()
	c.jobs[job.ResourceID] = &clone
	c.mu.Unlock()
}

// Invalidate drops a resource's cached record.
func (c *StatusCache) Invalidate(resourceID string) {
	c.mu.Lock()
	delete(c.jobs, resourceID)
	c.mu.Unlock()
}

// Len returns the number of cached records.
func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jobs)
}
