package stager

import (
	"errors"
	"fmt"
)

// Sentinel errors for sync preconditions.
var (
	// ErrNoSources indicates a run was attempted on a resource with no
	// uploaded source documents.
	ErrNoSources = errors.New("resource has no source documents")

	// ErrNoConfig indicates a run was attempted on a resource with no
	// pipeline configuration.
	ErrNoConfig = errors.New("resource has no configuration")

	// ErrNoExports indicates export sync found nothing to deliver. A
	// successful pipeline run always produces at least one export.
	ErrNoExports = errors.New("pipeline produced no exports")
)

// SyncError wraps a failure in one direction of the storage/processing sync.
type SyncError struct {
	Op         string // "stage", "unstage", "fingerprint"
	ResourceID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.ResourceID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
