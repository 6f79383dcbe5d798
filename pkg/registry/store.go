// Package registry persists resources and their job records.
//
// The registry is the system of record: every status read and every queue
// decision starts from here. A SQLite database keeps single-host deployments
// dependency-free while the libsql driver covers remote databases on
// cgo-enabled builds.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors for registry lookups.
var (
	// ErrResourceNotFound indicates the resource does not exist.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrJobNotFound indicates no job record exists for the resource.
	ErrJobNotFound = errors.New("job not found")

	// ErrResourceExists indicates a resource ID collision on create.
	ErrResourceExists = errors.New("resource already exists")
)

type Config struct {
	// Path is a local filesystem path to the registry database.
	// If set, it is converted into a libsql-compatible DSN (file:<path>).
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not already present.
	AuthToken string
}

// Store wraps the registry database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database. Callers normally use Open.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database connection, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("registry is not open")
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("registry path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		if strings.HasPrefix(path, "file:") {
			localPath, err := extractFilePath(path)
			if err != nil {
				return "", err
			}
			if err := ensureStoreDir(localPath); err != nil {
				return "", err
			}
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}

	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid registry url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid registry path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	return nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("registry connection is nil")
	}
	if dsn == ":memory:" {
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

// --- resources ---

// CreateResource inserts a new resource row.
func (s *Store) CreateResource(ctx context.Context, res *Resource) error {
	if res == nil || strings.TrimSpace(res.ResourceID) == "" {
		return errors.New("resource_id is required")
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (resource_id, owner, kind, created_at, has_config, source_count, has_exports)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ResourceID, res.Owner, string(res.Kind), formatTime(res.CreatedAt),
		boolToInt(res.HasConfig), res.SourceCount, boolToInt(res.HasExports),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrResourceExists, res.ResourceID)
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// GetResource loads one resource by identity.
func (s *Store) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, owner, kind, created_at, has_config, source_count, has_exports
			FROM resources WHERE resource_id = ?`, resourceID)

	var res Resource
	var kind, createdAt string
	var hasConfig, hasExports int
	err := row.Scan(&res.ResourceID, &res.Owner, &kind, &createdAt, &hasConfig, &res.SourceCount, &hasExports)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	res.Kind = ResourceKind(kind)
	res.CreatedAt = parseTime(createdAt)
	res.HasConfig = hasConfig != 0
	res.HasExports = hasExports != 0
	return &res, nil
}

// UpdateFileState writes the derived file-state flags for a resource.
// Owned by the upload collaborator; the scheduler only reads these.
func (s *Store) UpdateFileState(ctx context.Context, resourceID string, hasConfig bool, sourceCount int, hasExports bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE resources SET has_config = ?, source_count = ?, has_exports = ? WHERE resource_id = ?`,
		boolToInt(hasConfig), sourceCount, boolToInt(hasExports), resourceID)
	if err != nil {
		return fmt.Errorf("update file state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	return nil
}

// DeleteResource removes a resource and its job record. Callers must abort
// any running job first; this is bookkeeping only.
func (s *Store) DeleteResource(ctx context.Context, resourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	return nil
}

// ListResources returns all resources for an owner, or all when owner is empty.
func (s *Store) ListResources(ctx context.Context, owner string) ([]Resource, error) {
	query := `SELECT resource_id, owner, kind, created_at, has_config, source_count, has_exports FROM resources`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Resource
	for rows.Next() {
		var res Resource
		var kind, createdAt string
		var hasConfig, hasExports int
		if err := rows.Scan(&res.ResourceID, &res.Owner, &kind, &createdAt, &hasConfig, &res.SourceCount, &hasExports); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		res.Kind = ResourceKind(kind)
		res.CreatedAt = parseTime(createdAt)
		res.HasConfig = hasConfig != 0
		res.HasExports = hasExports != 0
		out = append(out, res)
	}
	return out, rows.Err()
}

// --- jobs ---

// PutJob upserts the job record for a resource.
func (s *Store) PutJob(ctx context.Context, job *JobRecord) error {
	if job == nil || strings.TrimSpace(job.ResourceID) == "" {
		return errors.New("resource_id is required")
	}
	job.UpdatedAt = time.Now().UTC()

	warnings, err := encodeStrings(job.Warnings)
	if err != nil {
		return err
	}
	errs, err := encodeStrings(job.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (resource_id, job_type, status, run_id, pid, queued_at, started_at, ended_at,
				warnings, errors, input_fingerprint, staged_fingerprint, installed_search, installed_explore, abort_requested, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(resource_id) DO UPDATE SET
				job_type = excluded.job_type,
				status = excluded.status,
				run_id = excluded.run_id,
				pid = excluded.pid,
				queued_at = excluded.queued_at,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				warnings = excluded.warnings,
				errors = excluded.errors,
				input_fingerprint = excluded.input_fingerprint,
				staged_fingerprint = excluded.staged_fingerprint,
				installed_search = excluded.installed_search,
				installed_explore = excluded.installed_explore,
				abort_requested = excluded.abort_requested,
				updated_at = excluded.updated_at`,
		job.ResourceID, string(job.JobType), string(job.Status), job.RunID, job.PID,
		formatTime(job.QueuedAt), formatOptionalTime(job.StartedAt), formatOptionalTime(job.EndedAt),
		warnings, errs, job.InputFingerprint, job.StagedFingerprint,
		boolToInt(job.InstalledSearch), boolToInt(job.InstalledExplore), boolToInt(job.AbortRequested),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob loads the job record for a resource.
func (s *Store) GetJob(ctx context.Context, resourceID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_id, job_type, status, run_id, pid, queued_at, started_at, ended_at,
				warnings, errors, input_fingerprint, staged_fingerprint, installed_search, installed_explore, abort_requested, updated_at
			FROM jobs WHERE resource_id = ?`, resourceID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, resourceID)
	}
	return job, err
}

// ListActiveJobs returns all non-terminal jobs ordered by enqueue time.
// This is the queue's authoritative order after a restart.
func (s *Store) ListActiveJobs(ctx context.Context) ([]JobRecord, error) {
	return s.listJobs(ctx,
		`WHERE status IN (?, ?, ?, ?) ORDER BY queued_at`,
		string(StatusQueued), string(StatusSyncingIn), string(StatusRunning), string(StatusSyncingOut))
}

// ListJobs returns every job record ordered by enqueue time.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	return s.listJobs(ctx, `ORDER BY queued_at`)
}

func (s *Store) listJobs(ctx context.Context, clause string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, job_type, status, run_id, pid, queued_at, started_at, ended_at,
				warnings, errors, input_fingerprint, staged_fingerprint, installed_search, installed_explore, abort_requested, updated_at
			FROM jobs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// DeleteJob removes the job record for a resource.
func (s *Store) DeleteJob(ctx context.Context, resourceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, resourceID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var job JobRecord
	var jobType, status, queuedAt, updatedAt string
	var runID, startedAt, endedAt, warnings, errs, fingerprint, staged sql.NullString
	var installedSearch, installedExplore, abortRequested int

	err := row.Scan(&job.ResourceID, &jobType, &status, &runID, &job.PID,
		&queuedAt, &startedAt, &endedAt, &warnings, &errs, &fingerprint, &staged,
		&installedSearch, &installedExplore, &abortRequested, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.JobType = JobType(jobType)
	job.Status = JobStatus(status)
	job.RunID = runID.String
	job.QueuedAt = parseTime(queuedAt)
	job.StartedAt = parseOptionalTime(startedAt)
	job.EndedAt = parseOptionalTime(endedAt)
	job.InputFingerprint = fingerprint.String
	job.StagedFingerprint = staged.String
	job.InstalledSearch = installedSearch != 0
	job.InstalledExplore = installedExplore != 0
	job.AbortRequested = abortRequested != 0
	job.UpdatedAt = parseTime(updatedAt)

	if job.Warnings, err = decodeStrings(warnings.String); err != nil {
		return nil, err
	}
	if job.Errors, err = decodeStrings(errs.String); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode diagnostics: %w", err)
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseOptionalTime(s sql.NullString) *time.Time {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
