// Package client is the worker's HTTP client to the API host in
// multi-host mode, used instead of an in-process Store when the database
// lives behind the API rather than being opened directly. Built on
// hashicorp/go-retryablehttp so transient network errors and 5xx
// responses are retried automatically.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	whirrerrors "github.com/3leaps/whirr/internal/errors"
	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Client talks to a whirr API host over HTTP.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return &Client{baseURL: baseURL, http: rc}
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp whirrerrors.HTTPErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return whirrerrors.New(whirrerrors.Code(errResp.Error.Code), errResp.Error.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterWorker registers this worker with the API host.
func (c *Client) RegisterWorker(ctx context.Context, w *whirrstore.Worker) error {
	return c.request(ctx, http.MethodPost, "/workers/register", w, nil)
}

// RegisterWorkerPerGPU registers one worker per GPU index, each under the
// id <base.ID>-gpu<i>, and returns the registered rows. Used by hosts that
// pre-register a fleet of GPU-pinned workers in one call.
func (c *Client) RegisterWorkerPerGPU(ctx context.Context, base *whirrstore.Worker, gpuIndices []int) ([]whirrstore.Worker, error) {
	body := struct {
		whirrstore.Worker
		GPUIndices []int `json:"gpu_indices"`
	}{Worker: *base, GPUIndices: gpuIndices}

	var workers []whirrstore.Worker
	if err := c.request(ctx, http.MethodPost, "/workers/register", body, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// UnregisterWorker marks this worker offline on the API host.
func (c *Client) UnregisterWorker(ctx context.Context, workerID string) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/unregister", workerID), nil, nil)
}

// ClaimJob requests the oldest queued job from the API host.
func (c *Client) ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, error) {
	var job whirrstore.Job
	err := c.request(ctx, http.MethodPost, "/jobs/claim", map[string]any{
		"worker_id": workerID, "lease_seconds": leaseSeconds,
	}, &job)
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// Heartbeat refreshes the lease for jobID and reports whether cancellation
// has been requested.
func (c *Client) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (bool, error) {
	var resp struct {
		CancelRequested bool `json:"cancel_requested"`
	}
	err := c.request(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/heartbeat", jobID), map[string]any{
		"worker_id": workerID, "lease_seconds": leaseSeconds,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

// SetJobProcess records the spawned child's pid/pgid on the job row.
func (c *Client) SetJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/process", jobID), map[string]any{
		"worker_id": workerID, "pid": pid, "pgid": pgid,
	}, nil)
}

// CompleteJob reports a job's final exit code and run id to the API host.
func (c *Client) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errMsg *string) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/complete", jobID), map[string]any{
		"worker_id": workerID, "exit_code": exitCode, "run_id": runID, "error_message": errMsg,
	}, nil)
}

// UpdateWorkerStatus reports this worker's idle/busy state to the API host.
func (c *Client) UpdateWorkerStatus(ctx context.Context, workerID string, status whirrstore.WorkerStatus, currentJobID *int64) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/status", workerID), map[string]any{
		"status": status, "current_job_id": currentJobID,
	}, nil)
}

// RequeueExpired asks the API host to run the lease-monitor sweep
// immediately. The API host's own background monitor makes this mostly
// redundant, but the sweep is idempotent so an extra call is harmless.
func (c *Client) RequeueExpired(ctx context.Context) ([]*whirrstore.Job, error) {
	var jobs []*whirrstore.Job
	if err := c.request(ctx, http.MethodPost, "/internal/requeue-expired", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CreateJob submits a new job to the API host, used by `whirr job submit`
// when talking to a remote API instead of an embedded store.
func (c *Client) CreateJob(ctx context.Context, params whirrstore.CreateJobParams) (*whirrstore.Job, error) {
	var job whirrstore.Job
	if err := c.request(ctx, http.MethodPost, "/jobs", params, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	var job whirrstore.Job
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d", jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActiveJobs fetches the currently queued/running jobs.
func (c *Client) ListActiveJobs(ctx context.Context) ([]*whirrstore.Job, error) {
	var jobs []*whirrstore.Job
	if err := c.request(ctx, http.MethodGet, "/jobs?status=active", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob requests cancellation of jobID.
func (c *Client) CancelJob(ctx context.Context, jobID int64) (whirrstore.JobStatus, error) {
	var resp struct {
		PreviousStatus whirrstore.JobStatus `json:"previous_status"`
	}
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/cancel", jobID), nil, &resp); err != nil {
		return "", err
	}
	return resp.PreviousStatus, nil
}

// CancelAllQueued cancels every queued job, returning how many it hit.
func (c *Client) CancelAllQueued(ctx context.Context) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.request(ctx, http.MethodPost, "/jobs/cancel-queued", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

// RetryJob resubmits a failed or cancelled job as a fresh queued job.
func (c *Client) RetryJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	var job whirrstore.Job
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/retry", jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetRun fetches a run's storage row by id.
func (c *Client) GetRun(ctx context.Context, runID string) (*whirrstore.Run, error) {
	var run whirrstore.Run
	if err := c.request(ctx, http.MethodGet, "/runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunMetrics fetches the parsed contents of a run's metrics.jsonl.
func (c *Client) GetRunMetrics(ctx context.Context, runID string) ([]map[string]any, error) {
	var records []map[string]any
	if err := c.request(ctx, http.MethodGet, "/runs/"+runID+"/metrics", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ListRunArtifacts fetches the relative paths of a run's saved artifacts.
func (c *Client) ListRunArtifacts(ctx context.Context, runID string) ([]string, error) {
	var paths []string
	if err := c.request(ctx, http.MethodGet, "/runs/"+runID+"/artifacts", nil, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// GetRunArtifact fetches one artifact file's raw bytes from a run's
// artifacts directory by relative path.
func (c *Client) GetRunArtifact(ctx context.Context, runID, relPath string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+runID+"/artifacts/"+relPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request artifact %s/%s: %w", runID, relPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		var errResp whirrerrors.HTTPErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, whirrerrors.New(whirrerrors.Code(errResp.Error.Code), errResp.Error.Message)
	}
	return io.ReadAll(resp.Body)
}

// Status fetches the API host's aggregate queue/worker status (GET /status).
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.request(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}
