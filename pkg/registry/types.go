package registry

import "time"

// ResourceKind distinguishes the two resource classes the scheduler manages.
type ResourceKind string

const (
	KindCorpus   ResourceKind = "corpus"
	KindMetadata ResourceKind = "metadata-document"
)

// Resource is the persistent record of one user-owned corpus-like resource.
//
// File-state flags are owned by the upload/download collaborator; the sync
// coordinator only reads them to decide staging.
type Resource struct {
	ResourceID string       `json:"resource_id"`
	Owner      string       `json:"owner"`
	Kind       ResourceKind `json:"kind"`
	CreatedAt  time.Time    `json:"created_at"`

	HasConfig   bool `json:"has_config"`
	SourceCount int  `json:"source_count"`
	HasExports  bool `json:"has_exports"`
}

// JobType identifies what the external pipeline is asked to do for a run.
//
// NOTE: These values are persisted and are part of the stable on-disk contract.
type JobType string

const (
	JobAnnotate         JobType = "annotate"
	JobInstallSearch    JobType = "install-search"
	JobInstallExplore   JobType = "install-explore"
	JobUninstallSearch  JobType = "uninstall-search"
	JobUninstallExplore JobType = "uninstall-explore"
)

// IsInstall reports whether the job type installs into a target system.
func (t JobType) IsInstall() bool {
	return t == JobInstallSearch || t == JobInstallExplore
}

// IsUninstall reports whether the job type removes a prior installation.
func (t JobType) IsUninstall() bool {
	return t == JobUninstallSearch || t == JobUninstallExplore
}

// JobStatus is the lifecycle state of a job.
//
// NOTE: These values are persisted and exposed to clients; they are part of
// the stable contract.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusSyncingIn  JobStatus = "syncing-in"
	StatusRunning    JobStatus = "running"
	StatusSyncingOut JobStatus = "syncing-out"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
	StatusAborted    JobStatus = "aborted"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusAborted:
		return true
	}
	return false
}

// IsActive reports whether the job occupies a slot in the queue's active set.
func (s JobStatus) IsActive() bool {
	return !s.IsTerminal()
}

// OccupiesWorker reports whether the job counts against the concurrency cap
// during promotion. Queued jobs wait; everything else active holds a worker.
func (s JobStatus) OccupiesWorker() bool {
	switch s {
	case StatusSyncingIn, StatusRunning, StatusSyncingOut:
		return true
	}
	return false
}

// JobRecord is the persistent record of a resource's current or most recent
// processing attempt. Exactly one record exists per resource; a new run
// overwrites the previous attempt's record.
type JobRecord struct {
	ResourceID string    `json:"resource_id"`
	JobType    JobType   `json:"job_type"`
	Status     JobStatus `json:"status"`
	RunID      string    `json:"run_id,omitempty"`
	PID        int       `json:"pid,omitempty"`

	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	// InputFingerprint is the signature of the last successfully processed
	// source+config set, written only on completed annotate runs.
	InputFingerprint string `json:"input_fingerprint,omitempty"`

	// StagedFingerprint is the signature computed when this attempt staged
	// its inputs. It replaces InputFingerprint only if the run completes;
	// a failed run leaves InputFingerprint on the last successful set.
	StagedFingerprint string `json:"-"`

	InstalledSearch  bool `json:"installed_search,omitempty"`
	InstalledExplore bool `json:"installed_explore,omitempty"`

	// AbortRequested marks a termination request that has not yet been
	// reconciled. The outcome favors a completed result over the abort.
	AbortRequested bool `json:"abort_requested,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns the elapsed processing time: ended-started for finished
// jobs, now-started while running.
func (j *JobRecord) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.EndedAt != nil {
		return j.EndedAt.Sub(*j.StartedAt)
	}
	if j.Status == StatusRunning || j.Status == StatusSyncingOut {
		return now.Sub(*j.StartedAt)
	}
	return 0
}
