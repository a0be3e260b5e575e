package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/whirr/internal/errors"
)

func TestDefaultResponderRendersSchedulerErrors(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()
	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodPost, "/jobs/7/heartbeat", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, apperrors.Conflict("job 7 is not owned by worker-b"))

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "CONFLICT", body.Error.Code)
	assert.Equal(t, "job 7 is not owned by worker-b", body.Error.Message)
	assert.Equal(t, body.Error.Message, body.Detail)
}

func TestCustomResponderObservesFailures(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	var seen error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		seen = err
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/runs/job-7", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, apperrors.NotFound(`run "job-7" not found`))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	appErr, ok := apperrors.As(seen)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotFound, appErr.Code)
}

func TestNilResponderFallsBackToDefault(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, apperrors.NotFound("job 999 not found"))

	// The default responder maps NOT_FOUND to 404; the teapot responder
	// must be gone.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetRestoresDefaultResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	intercepted := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		intercepted = true
	})
	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, apperrors.Validation("argv must contain at least one token"))

	assert.False(t, intercepted)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
