package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// claimHandler stands in for a domain route: it serves a claim response
// normally and panics when the decoded job row is poisoned, which is
// exactly the situation Recovery exists for.
func claimHandler(poisoned bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if poisoned {
			panic("claim: job row has nil argv")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"job_id":7}`))
	})
}

func TestRecoveryPassesHealthyClaimThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs/claim", nil)
	rec := httptest.NewRecorder()

	Recovery(claimHandler(false)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_id":7}`, rec.Body.String())
}

func TestRecoveryRendersPanicAsInternalError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs/claim", nil)
	rec := httptest.NewRecorder()

	wrapped := Recovery(claimHandler(true))
	assert.NotPanics(t, func() { wrapped.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
	assert.Contains(t, response.Error.Message, "job row has nil argv")
}

func TestRecoveryHandlesErrorTypedPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(assert.AnError)
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	Recovery(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
}

func TestRecoveryCarriesRequestIDFromHeartbeat(t *testing.T) {
	// A worker heartbeat arrives with its own correlation id; when the
	// handler blows up, the envelope must echo that id back so the worker's
	// log line and the host's can be joined.
	chain := RequestID(Recovery(claimHandler(true)))

	req := httptest.NewRequest(http.MethodPost, "/jobs/7/heartbeat", nil)
	req.Header.Set("X-Request-ID", "worker-a1-hb-0042")
	rec := httptest.NewRecorder()

	chain.ServeHTTP(rec, req)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "worker-a1-hb-0042", response.Error.RequestID)
	assert.Equal(t, "worker-a1-hb-0042", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/workers/register", nil)
	rec := httptest.NewRecorder()
	RequestID(handler).ServeHTTP(rec, req)

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestErrorHandlerAliasMatchesRecovery(t *testing.T) {
	runThrough := func(mw func(http.Handler) http.Handler) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mw(claimHandler(true)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/claim", nil))
		return rec
	}

	viaRecovery := runThrough(Recovery)
	viaAlias := runThrough(ErrorHandler)

	assert.Equal(t, viaRecovery.Code, viaAlias.Code)
	assert.Equal(t, viaRecovery.Header().Get("Content-Type"), viaAlias.Header().Get("Content-Type"))
}

func TestWriteErrorResponseEnvelopes(t *testing.T) {
	tests := []struct {
		name       string
		envelope   *errors.ErrorEnvelope
		statusCode int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "validation failure from the scheduler",
			envelope:   errors.NewErrorEnvelope("VALIDATION_ERROR", "lease seconds 5 out of bounds [10, 600]"),
			statusCode: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
			wantMsg:    "lease seconds 5 out of bounds [10, 600]",
		},
		{
			name:       "unknown job",
			envelope:   errors.NewErrorEnvelope("NOT_FOUND", "job 999 not found").WithCorrelationID("req-7"),
			statusCode: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "job 999 not found",
		},
		{
			name:       "storage failure",
			envelope:   errors.NewErrorEnvelope("INTERNAL_ERROR", "complete job: database is locked"),
			statusCode: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "complete job: database is locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.envelope, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
		})
	}
}

func TestWriteErrorResponseCarriesOwnershipContext(t *testing.T) {
	envelope := errors.NewErrorEnvelope("CONFLICT", "job 7 is not owned by worker-b")
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"job_id": 7,
		"owner":  "worker-a",
	})

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, envelope, http.StatusConflict)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.NotNil(t, response.Error.Details)
	assert.Equal(t, float64(7), response.Error.Details["job_id"])
	assert.Equal(t, "worker-a", response.Error.Details["owner"])
}
