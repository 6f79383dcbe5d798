// Package middleware provides the HTTP middleware chain: request IDs and
// panic recovery with a stable JSON error envelope.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON envelope written for middleware-level failures.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code, human message, and correlation data.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

var panicLogger = zap.NewNop()

// SetLogger installs the logger used for recovered panics.
func SetLogger(log *zap.Logger) {
	if log != nil {
		panicLogger = log
	}
}

// Recovery converts panics into 500 responses so a single bad request can
// never take the daemon down.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			panicLogger.Error("panic in handler",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
			if id := GetRequestID(r.Context()); id != "" {
				envelope = envelope.WithCorrelationID(id)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for callers that read better
// with this name.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse serializes a gofulmen error envelope into the JSON
// error shape clients expect.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	body := ErrorResponse{
		Error: ErrorBody{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
			Details:   envelope.Context,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
