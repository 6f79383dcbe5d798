package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/annolab/corpusd/internal/errors"
	"github.com/annolab/corpusd/pkg/jobqueue"
	"github.com/annolab/corpusd/pkg/registry"
)

// AdminSecretHeader authenticates queue administration requests.
const AdminSecretHeader = "X-Admin-Secret"

// ResourceCleaner removes a deleted resource's objects from storage.
type ResourceCleaner interface {
	RemoveResourceObjects(ctx context.Context, resourceID string) error
}

// InputChecker computes the current input fingerprint of a resource's
// sources and config without mutating any state.
type InputChecker interface {
	Fingerprint(ctx context.Context, resourceID string) (string, error)
}

// APIConfig tunes the API surface.
type APIConfig struct {
	// ResourcePrefix is prepended to generated resource IDs, e.g. "corpus-".
	ResourcePrefix string

	// AdminSecret guards POST /queue/advance. Empty disables the endpoint.
	AdminSecret string

	// AdvancePerMinute rate-limits external tick requests. Zero means 60.
	AdvancePerMinute int
}

// API implements the resource and job endpoints.
type API struct {
	store   *registry.Store
	queue   *jobqueue.Queue
	manager *jobqueue.Manager
	cleaner ResourceCleaner
	cfg     APIConfig
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewAPI(store *registry.Store, queue *jobqueue.Queue, manager *jobqueue.Manager, cleaner ResourceCleaner, cfg APIConfig, log *zap.Logger) *API {
	if cfg.ResourcePrefix == "" {
		cfg.ResourcePrefix = "corpus-"
	}
	if cfg.AdvancePerMinute <= 0 {
		cfg.AdvancePerMinute = 60
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		store:   store,
		queue:   queue,
		manager: manager,
		cleaner: cleaner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.AdvancePerMinute)/60.0), cfg.AdvancePerMinute),
		log:     log,
	}
}

// Routes mounts the API onto a router.
func (a *API) Routes(r chi.Router) {
	r.Route("/resources", func(r chi.Router) {
		r.Get("/", a.ListResources)
		r.Post("/", a.CreateResource)
		r.Route("/{resourceID}", func(r chi.Router) {
			r.Get("/", a.GetResource)
			r.Delete("/", a.DeleteResource)
			r.Get("/status", a.JobStatus)
			r.Put("/run", a.RunAnnotation)
			r.Put("/install/{target}", a.Install)
			r.Put("/uninstall/{target}", a.Uninstall)
			r.Post("/abort", a.AbortJob)
		})
	})
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", a.ListActiveJobs)
		if a.cfg.AdminSecret != "" {
			r.Post("/advance", a.AdvanceQueue)
		}
	})
}

type createResourceRequest struct {
	Owner string `json:"owner"`
	Kind  string `json:"kind,omitempty"`
}

// CreateResource registers a new resource and mints its identity.
func (a *API) CreateResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "owner is required")
		return
	}

	kind := registry.KindCorpus
	switch req.Kind {
	case "", string(registry.KindCorpus):
	case string(registry.KindMetadata):
		kind = registry.KindMetadata
	default:
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "unknown resource kind")
		return
	}

	id, err := registry.NewResourceID(a.cfg.ResourcePrefix)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	res := &registry.Resource{
		ResourceID: id,
		Owner:      req.Owner,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.CreateResource(r.Context(), res); err != nil {
		respondWithError(w, r, err)
		return
	}

	// A new resource immediately enters the queue for its first annotation
	// run; subsequent runs need an explicit request.
	if _, err := a.queue.Enqueue(r.Context(), id, registry.JobAnnotate); err != nil {
		respondWithError(w, r, err)
		return
	}

	a.log.Info("resource created", zap.String("resource_id", id), zap.String("owner", req.Owner))
	writeJSON(w, http.StatusCreated, res)
}

// ListResources returns resources, optionally filtered by owner.
func (a *API) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := a.store.ListResources(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

// GetResource returns one resource record.
func (a *API) GetResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.store.GetResource(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteResource removes a resource, its job record, and its storage
// objects. An active job is aborted first, terminating any running
// pipeline process.
func (a *API) DeleteResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceID := chi.URLParam(r, "resourceID")

	job, err := a.store.GetJob(ctx, resourceID)
	if err != nil && !errors.Is(err, registry.ErrJobNotFound) {
		respondWithError(w, r, err)
		return
	}
	if job != nil && job.Status.IsActive() {
		if _, err := a.manager.Abort(ctx, resourceID); err != nil && !errors.Is(err, jobqueue.ErrNotActive) {
			respondWithError(w, r, err)
			return
		}
	}

	if err := a.store.DeleteResource(ctx, resourceID); err != nil {
		respondWithError(w, r, err)
		return
	}
	a.queue.Cache().Invalidate(resourceID)

	if a.cleaner != nil {
		if err := a.cleaner.RemoveResourceObjects(ctx, resourceID); err != nil {
			// The record is gone; storage cleanup failure is logged, not
			// surfaced, and can be retried out of band.
			a.log.Warn("storage cleanup failed", zap.String("resource_id", resourceID), zap.Error(err))
		}
	}

	a.log.Info("resource deleted", zap.String("resource_id", resourceID))
	w.WriteHeader(http.StatusNoContent)
}

// jobResponse is the wire shape of a job, with derived fields attached.
type jobResponse struct {
	*registry.JobRecord

	// QueuePosition is the 1-based place among waiting jobs, 0 otherwise.
	QueuePosition int `json:"queue_position,omitempty"`

	// DurationSeconds is recomputed on every read so running jobs report
	// live elapsed time.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Progress is the pipeline's completion percentage: the output log's
	// last reported value while the job works (at most 99), 100 once done.
	Progress int `json:"progress"`

	// InputChanged reports whether the stored sources and config differ
	// from the last successfully processed set. Omitted when the current
	// fingerprint cannot be computed (no sources staged yet).
	InputChanged *bool `json:"input_changed,omitempty"`
}

func (a *API) jobResponse(ctx context.Context, job *registry.JobRecord) jobResponse {
	resp := jobResponse{
		JobRecord:       job,
		DurationSeconds: job.Duration(time.Now().UTC()).Seconds(),
		Progress:        a.manager.Progress(job),
	}
	if job.Status == registry.StatusQueued {
		if pos, err := a.queue.Position(ctx, job.ResourceID); err == nil {
			resp.QueuePosition = pos
		}
	}
	return resp
}

// JobStatus returns the resource's current job state.
func (a *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.Status(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	resp := a.jobResponse(r.Context(), job)
	if checker, ok := a.cleaner.(InputChecker); ok {
		if fp, err := checker.Fingerprint(r.Context(), job.ResourceID); err == nil {
			changed := fp != job.InputFingerprint
			resp.InputChanged = &changed
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunAnnotation queues an annotation run for the resource.
func (a *API) RunAnnotation(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, registry.JobAnnotate)
}

// Install queues installation of finished annotations into a target system.
func (a *API) Install(w http.ResponseWriter, r *http.Request) {
	jobType, ok := installJobType(chi.URLParam(r, "target"), false)
	if !ok {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "unknown install target")
		return
	}
	a.enqueue(w, r, jobType)
}

// Uninstall queues removal of a prior installation from a target system.
func (a *API) Uninstall(w http.ResponseWriter, r *http.Request) {
	jobType, ok := installJobType(chi.URLParam(r, "target"), true)
	if !ok {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "unknown uninstall target")
		return
	}
	a.enqueue(w, r, jobType)
}

func installJobType(target string, uninstall bool) (registry.JobType, bool) {
	switch target {
	case "search":
		if uninstall {
			return registry.JobUninstallSearch, true
		}
		return registry.JobInstallSearch, true
	case "explore":
		if uninstall {
			return registry.JobUninstallExplore, true
		}
		return registry.JobInstallExplore, true
	}
	return "", false
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, jobType registry.JobType) {
	resourceID := chi.URLParam(r, "resourceID")
	job, err := a.queue.Enqueue(r.Context(), resourceID, jobType)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.jobResponse(r.Context(), job))
}

// AbortJob requests termination of the resource's active job.
func (a *API) AbortJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.manager.Abort(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.jobResponse(r.Context(), job))
}

// ListActiveJobs returns every non-terminal job in enqueue order.
func (a *API) ListActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.store.ListActiveJobs(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// AdvanceQueue triggers one scheduling tick. The endpoint exists for
// cron-style external tickers and is guarded by a shared secret plus a
// rate limit; the daemon also ticks on its own.
func (a *API) AdvanceQueue(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(AdminSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.cfg.AdminSecret)) != 1 {
		apperrors.WriteError(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "invalid admin secret")
		return
	}
	if !a.limiter.Allow() {
		apperrors.WriteError(w, http.StatusTooManyRequests, apperrors.CodeTooManyRequests, "tick rate exceeded")
		return
	}

	summary, err := a.manager.Advance(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
