package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/annolab/corpusd/internal/errors"
	"github.com/annolab/corpusd/pkg/jobqueue"
	"github.com/annolab/corpusd/pkg/registry"
	"github.com/annolab/corpusd/pkg/runner"
	"github.com/annolab/corpusd/pkg/stager"
)

// stubRunner satisfies jobqueue.ProcessRunner without real processes. Jobs
// started through it stay alive until the test says otherwise.
type stubRunner struct {
	alive    map[string]bool
	progress int
}

func (s *stubRunner) Start(_ context.Context, spec runner.StartSpec) (runner.Handle, error) {
	s.alive[spec.ResourceID] = true
	return runner.Handle{ResourceID: spec.ResourceID, PID: 4242}, nil
}
func (s *stubRunner) IsAlive(h runner.Handle) bool { return s.alive[h.ResourceID] }
func (s *stubRunner) ExitStatus(context.Context, runner.Handle) (*runner.ExitStatus, error) {
	return &runner.ExitStatus{Success: true, Progress: 100}, nil
}
func (s *stubRunner) Terminate(_ context.Context, h runner.Handle) error {
	s.alive[h.ResourceID] = false
	return nil
}
func (s *stubRunner) CleanupLock(runner.Handle) error { return nil }
func (s *stubRunner) Progress(runner.Handle) int      { return s.progress }
func (s *stubRunner) Handle(resourceID string, pid int) runner.Handle {
	return runner.Handle{ResourceID: resourceID, PID: pid}
}
func (s *stubRunner) WorkDir(resourceID string) string { return filepath.Join("work", resourceID) }

type stubSyncer struct{}

func (stubSyncer) Stage(_ context.Context, resourceID, _ string) (*stager.StageResult, error) {
	return &stager.StageResult{Fingerprint: "fp-" + resourceID, SourceCount: 1}, nil
}
func (stubSyncer) Unstage(context.Context, string, string) error { return nil }

type stubCleaner struct {
	removed      []string
	fingerprints map[string]string
}

func (c *stubCleaner) RemoveResourceObjects(_ context.Context, resourceID string) error {
	c.removed = append(c.removed, resourceID)
	return nil
}

func (c *stubCleaner) Fingerprint(_ context.Context, resourceID string) (string, error) {
	if fp, ok := c.fingerprints[resourceID]; ok {
		return fp, nil
	}
	return "", errors.New("no sources staged")
}

type apiEnv struct {
	api     *API
	router  chi.Router
	store   *registry.Store
	runner  *stubRunner
	cleaner *stubCleaner
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	store, err := registry.Open(ctx, registry.Config{Path: filepath.Join(t.TempDir(), "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, registry.Migrate(ctx, store.DB()))

	cache := jobqueue.NewStatusCache()
	queue := jobqueue.NewQueue(store, cache, zap.NewNop())
	run := &stubRunner{alive: map[string]bool{}}
	mgr, err := jobqueue.NewManager(store, cache, run, stubSyncer{},
		jobqueue.ManagerConfig{MaxConcurrent: 2}, zap.NewNop())
	require.NoError(t, err)

	cleaner := &stubCleaner{fingerprints: map[string]string{}}
	api := NewAPI(store, queue, mgr, cleaner, APIConfig{AdminSecret: "tick-secret"}, zap.NewNop())

	router := chi.NewRouter()
	router.NotFound(apperrors.NotFoundHandler)
	router.MethodNotAllowed(apperrors.MethodNotAllowedHandler)
	api.Routes(router)

	return &apiEnv{api: api, router: router, store: store, runner: run, cleaner: cleaner}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) advance(t *testing.T) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/queue/advance", nil)
	req.Header.Set(AdminSecretHeader, "tick-secret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func (e *apiEnv) createResource(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/resources", map[string]string{"owner": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res registry.Resource
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.NotEmpty(t, res.ResourceID)
	return res.ResourceID
}

func TestAPI_CreateAndGetResource(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	rec := env.do(t, http.MethodGet, "/resources/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var res registry.Resource
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "alice", res.Owner)
	assert.Equal(t, registry.KindCorpus, res.Kind)
}

func TestAPI_CreateResourceValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/resources", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/resources", map[string]string{"owner": "alice", "kind": "spreadsheet"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetMissingResource(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/resources/corpus-absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
}

func TestAPI_RunAndStatus(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	// Creation queued the first annotation run.
	rec := env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.JobAnnotate, job.JobType)
	assert.Equal(t, registry.StatusQueued, job.Status)
	assert.Equal(t, 1, job.QueuePosition)

	// A run request while one is active conflicts.
	rec = env.do(t, http.MethodPut, "/resources/"+id+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// After the active job ends, a new run can be requested.
	env.do(t, http.MethodPost, "/resources/"+id+"/abort", nil)
	rec = env.do(t, http.MethodPut, "/resources/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.StatusQueued, job.Status)
}

func TestAPI_StatusReportsInputChanged(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	// Without a computable fingerprint the field is omitted.
	rec := env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Nil(t, job.InputChanged)

	// A fingerprint that differs from the stored one reports a change.
	env.cleaner.fingerprints[id] = "fp-current"
	rec = env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.NotNil(t, job.InputChanged)
	assert.True(t, *job.InputChanged)
}

func TestAPI_StatusReportsProgress(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	// Queued jobs have not started, so progress is zero.
	rec := env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	var job jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, 0, job.Progress)

	env.advance(t)
	env.runner.progress = 42

	rec = env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.StatusRunning, job.Status)
	assert.Equal(t, 42, job.Progress)

	// A log already at 100 still reads 99 until the job is done.
	env.runner.progress = 100
	rec = env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, 99, job.Progress)

	env.runner.alive[id] = false
	env.advance(t)
	rec = env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.StatusDone, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestAPI_InstallTargets(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)
	env.do(t, http.MethodPost, "/resources/"+id+"/abort", nil)

	rec := env.do(t, http.MethodPut, "/resources/"+id+"/install/search", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.JobInstallSearch, job.JobType)

	rec = env.do(t, http.MethodPut, "/resources/"+id+"/install/nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AbortJob(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	rec := env.do(t, http.MethodPost, "/resources/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, registry.StatusAborted, job.Status)

	// No active job anymore.
	rec = env.do(t, http.MethodPost, "/resources/"+id+"/abort", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_AdvanceQueue(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	// Wrong secret is rejected.
	req := httptest.NewRequest(http.MethodPost, "/queue/advance", nil)
	req.Header.Set(AdminSecretHeader, "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/queue/advance", nil)
	req.Header.Set(AdminSecretHeader, "tick-secret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary jobqueue.TickSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 1, summary.Promoted)

	// The job is now running.
	recStatus := env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	var job jobResponse
	require.NoError(t, json.NewDecoder(recStatus.Body).Decode(&job))
	assert.Equal(t, registry.StatusRunning, job.Status)
}

func TestAPI_AdvanceDisabledWithoutSecret(t *testing.T) {
	env := newAPIEnv(t)

	// Rebuild routes without an admin secret.
	api := NewAPI(env.api.store, env.api.queue, env.api.manager, env.cleaner, APIConfig{}, zap.NewNop())
	router := chi.NewRouter()
	router.NotFound(apperrors.NotFoundHandler)
	api.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/queue/advance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_DeleteResource(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createResource(t)

	// Deletion aborts the still-queued initial job on the way out.
	rec := env.do(t, http.MethodDelete, "/resources/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{id}, env.cleaner.removed)

	rec = env.do(t, http.MethodGet, "/resources/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/resources/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListResourcesByOwner(t *testing.T) {
	env := newAPIEnv(t)
	env.createResource(t)
	env.createResource(t)

	rec := env.do(t, http.MethodGet, "/resources?owner=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Resources []registry.Resource `json:"resources"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Resources, 2)

	rec = env.do(t, http.MethodGet, "/resources?owner=nobody", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Resources, 0)
}
