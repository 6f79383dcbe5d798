package jobqueue

import "errors"

var (
	// ErrAlreadyQueued indicates the resource already has an active job.
	// A resource holds at most one job at a time.
	ErrAlreadyQueued = errors.New("resource already has an active job")

	// ErrNotActive indicates an operation that requires an active job found
	// none (for example aborting a job that already finished).
	ErrNotActive = errors.New("resource has no active job")
)
