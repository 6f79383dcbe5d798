// Package handlers contains the HTTP handlers for the corpusd API surface:
// health probes, resource lifecycle, job control, and the queue tick.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/annolab/corpusd/internal/errors"
)

// Checker is a single health probe (registry reachability, storage access).
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// checkTimeout bounds each individual probe.
const checkTimeout = 2 * time.Second

// HealthResponse is the JSON body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered probes into overall service health.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]Checker)}
}

// RegisterChecker adds a named probe. Re-registering a name replaces it.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds per-check results into one status. A timed
// out probe degrades the service but does not fail it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves the full health report.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == "unhealthy" {
		checkDetails := make(map[string]interface{}, len(checks))
		for name, s := range checks {
			checkDetails[name] = s
		}
		apperrors.WriteErrorDetails(w, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "service unhealthy",
			map[string]interface{}{"checks": checkDetails, "status": overall})
		return
	}

	writeHealthJSON(w, HealthResponse{
		Status:    overall,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler reports only that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, HealthResponse{Status: "alive", Version: m.version, Timestamp: time.Now().UTC()})
}

// ReadinessHandler reports whether dependencies are reachable.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports whether initial startup completed. Registration
// of the manager itself is the startup signal.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, HealthResponse{Status: "started", Version: m.version, Timestamp: time.Now().UTC()})
}

func writeHealthJSON(w http.ResponseWriter, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Global manager wiring. The server registers probes at startup; the bare
// handler funcs below serve 503 until that happens.
var globalHealthManager *HealthManager

// InitHealthManager creates and installs the global health manager.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the global manager, or nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func serveUninitialized(w http.ResponseWriter) {
	apperrors.WriteError(w, http.StatusServiceUnavailable,
		apperrors.CodeServiceUnavailable, "health manager not initialized")
}

// HealthHandler serves /health via the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		serveUninitialized(w)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler serves /health/live via the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		serveUninitialized(w)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready via the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		serveUninitialized(w)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup via the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		serveUninitialized(w)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}
