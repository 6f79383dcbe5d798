// Package apperrors maps domain errors onto the HTTP error envelope used by
// every endpoint.
//
// The envelope shape is stable: {"error": {"code", "message", ...}}. Codes
// are SCREAMING_SNAKE identifiers that clients can switch on.
package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/annolab/corpusd/pkg/jobqueue"
	"github.com/annolab/corpusd/pkg/registry"
	"github.com/annolab/corpusd/pkg/stager"
)

// Stable error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the inner error object of the envelope.
type HTTPError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope returned by all endpoints.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// WriteError writes an error envelope with the given status and code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorDetails(w, status, code, message, nil)
}

// WriteErrorDetails writes an error envelope including structured details.
func WriteErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{Code: code, Message: message, Details: details},
	})
}

// RespondWithError maps a domain error to its HTTP representation.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrResourceNotFound),
		errors.Is(err, registry.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, registry.ErrResourceExists),
		errors.Is(err, jobqueue.ErrAlreadyQueued),
		errors.Is(err, jobqueue.ErrNotActive):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, stager.ErrNoSources),
		errors.Is(err, stager.ErrNoConfig),
		errors.Is(err, stager.ErrConfigInvalid):
		WriteError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		// Do not leak internals to clients; the handler logs the cause.
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}

// NotFoundHandler is the router's fallback for unmatched paths.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, CodeNotFound, "resource not found")
}

// MethodNotAllowedHandler is the router's fallback for wrong methods.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}
