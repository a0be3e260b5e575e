// Package middleware holds the HTTP middleware chain the API surface
// wraps every route in: request ID propagation and panic recovery rendered
// as the same error envelope the domain handlers use.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
)

// ErrorResponse is the wire shape of every error body this server emits.
type ErrorResponse struct {
	Error struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		RequestID string                 `json:"request_id,omitempty"`
		Details   map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

type contextKey int

const requestIDKey contextKey = iota

// RequestID reads X-Request-ID off the incoming request, generating one if
// absent, and makes it available to downstream handlers and to Recovery via
// the request context and the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request ID stashed by RequestID, or "" if
// none was set (RequestID was not chained ahead of the caller).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// writeErrorResponse renders envelope as JSON with statusCode, carrying its
// correlation ID and context through to the wire ErrorResponse.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	resp := ErrorResponse{}
	resp.Error.Code = envelope.Code
	resp.Error.Message = envelope.Message
	resp.Error.RequestID = envelope.CorrelationID
	resp.Error.Details = envelope.Context

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// Recovery catches a panic anywhere downstream and renders it as a 500
// INTERNAL_ERROR envelope instead of letting net/http close the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				var msg string
				if err, ok := rec.(error); ok {
					msg = fmt.Sprintf("panic: %v", err)
				} else {
					msg = fmt.Sprintf("panic: %v", rec)
				}
				envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", msg)
				if reqID := RequestIDFromContext(r.Context()); reqID != "" {
					envelope = envelope.WithCorrelationID(reqID)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for route-table readability
// where "the error-handling middleware" reads better than "Recovery".
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
