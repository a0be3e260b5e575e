package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/whirr/internal/errors"
)

// ErrorResponder renders err as an HTTP response. The default delegates to
// apperrors.RespondWithError; tests substitute their own to observe calls
// without constructing a real *apperrors.AppError chain.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

var httpErrorResponder ErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder overrides the responder used by respondWithError.
// Passing nil resets to the default.
func SetHTTPErrorResponder(fn ErrorResponder) {
	if fn == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

// respondWithError reports a failure through the current responder, so
// tests can intercept it via SetHTTPErrorResponder.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
