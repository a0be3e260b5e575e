package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/whirr/internal/scheduler"
	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, whirrstore.Store) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	store := sqlite.New(db, 120*time.Second)
	t.Cleanup(func() { _ = store.Close() })

	r := chi.NewRouter()
	Register(r, &Deps{Store: store, Scheduler: scheduler.New(store), Logger: zap.NewNop()})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", whirrstore.CreateJobParams{
		Argv: []string{"echo", "hi"}, WorkDir: "/tmp",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID    int64  `json:"ID"`
		RunID string `json:"reserved_run_id"`
	}
	decode(t, resp, &created)
	assert.Equal(t, fmt.Sprintf("job-%d", created.ID), created.RunID)

	resp = postJSON(t, srv.URL+"/jobs/claim", map[string]any{
		"worker_id": "w1", "lease_seconds": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed whirrstore.Job
	decode(t, resp, &claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, whirrstore.JobRunning, claimed.Status)

	resp = postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/process", created.ID), map[string]any{
		"worker_id": "w1", "pid": 1234, "pgid": 1234,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/heartbeat", created.ID), map[string]any{
		"worker_id": "w1", "lease_seconds": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb struct {
		CancelRequested bool `json:"cancel_requested"`
	}
	decode(t, resp, &hb)
	assert.False(t, hb.CancelRequested)

	resp = postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/cancel", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/heartbeat", created.ID), map[string]any{
		"worker_id": "w1", "lease_seconds": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &hb)
	assert.True(t, hb.CancelRequested)

	resp = postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/complete", created.ID), map[string]any{
		"worker_id": "w1", "exit_code": 1, "error_message": "cancelled",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	getResp, err := http.Get(srv.URL + fmt.Sprintf("/jobs/%d", created.ID))
	require.NoError(t, err)
	var final whirrstore.Job
	decode(t, getResp, &final)
	assert.Equal(t, whirrstore.JobFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "cancelled", *final.ErrorMessage)
}

func TestHeartbeatFromWrongWorkerRejected(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "5"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	claimed, err := store.ClaimJob(ctx, "w1", 60)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+fmt.Sprintf("/jobs/%d/heartbeat", claimed.ID), map[string]any{
		"worker_id": "w2", "lease_seconds": 60,
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestArtifactPathContainment(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	runDir := t.TempDir()
	artifactsDir := filepath.Join(runDir, "artifacts", "nested")
	require.NoError(t, os.MkdirAll(artifactsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifactsDir, "weights.bin"), []byte("tensor"), 0o644))

	secret := filepath.Join(runDir, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("do not serve"), 0o644))

	_, err := store.CreateRun(ctx, whirrstore.CreateRunParams{ID: "job-1", RunDir: runDir})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/runs/job-1/artifacts/nested/weights.bin")
	require.NoError(t, err)
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tensor", body.String())

	resp, err = http.Get(srv.URL + "/runs/job-1/artifacts/%2e%2e/secret.txt")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/runs/job-1/artifacts")
	require.NoError(t, err)
	var paths []string
	decode(t, resp, &paths)
	assert.Equal(t, []string{filepath.Join("nested", "weights.bin")}, paths)
}

func TestRegisterWorkerFansOutPerGPU(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/workers/register", map[string]any{
		"ID": "node-3", "PID": 999, "Hostname": "node-3",
		"Status": "idle", "gpu_indices": []int{0, 1, 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var registered []whirrstore.Worker
	decode(t, resp, &registered)
	require.Len(t, registered, 3)
	assert.Equal(t, "node-3-gpu0", registered[0].ID)
	assert.Equal(t, "node-3-gpu3", registered[2].ID)
	require.NotNil(t, registered[1].GPUIndex)
	assert.Equal(t, 1, *registered[1].GPUIndex)

	workers, err := store.GetWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	for _, w := range workers {
		assert.Equal(t, "node-3", w.Hostname)
		require.NotNil(t, w.GPUIndex)
	}

	// Re-registering the same fan-out is an upsert, not a duplicate.
	resp = postJSON(t, srv.URL+"/workers/register", map[string]any{
		"ID": "node-3", "PID": 1000, "Hostname": "node-3",
		"Status": "idle", "gpu_indices": []int{0, 1, 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	workers, err = store.GetWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 3)
}

func TestStatusAggregates(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, store.RegisterWorker(ctx, &whirrstore.Worker{
		ID: "w1", PID: 1, Status: whirrstore.WorkerIdle,
		StartedAt: time.Now(), LastHeartbeat: time.Now(),
	}))

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, float64(1), status["jobs_queued"])
	assert.Equal(t, float64(1), status["workers_online"])
}
