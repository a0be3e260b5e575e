// Package domain implements the scheduler-facing HTTP endpoints: worker
// registration, job lifecycle, run lookup, and aggregate status. It is the
// server-side mirror of internal/client.Client; every Client method has a
// route here, and GET /workers, GET /runs and /ws/status have no Client
// method.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/whirr/internal/errors"
	"github.com/3leaps/whirr/internal/recorder"
	"github.com/3leaps/whirr/internal/scheduler"
	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Deps are the backends the domain handlers dispatch against.
type Deps struct {
	Store     whirrstore.Store
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger

	// ClaimRateLimit bounds how many /jobs/claim requests per second the
	// API host accepts in aggregate, protecting the storage backend from a
	// thundering herd of workers polling in lockstep. Zero disables limiting.
	ClaimRateLimit float64

	// RunsRoot is the shared filesystem root workers place run directories
	// under (<RunsRoot>/job-<id>/). Empty disables the run_dir/run_id
	// preview fields on POST /jobs's response.
	RunsRoot string
}

// Register mounts every domain route onto r.
func Register(r chi.Router, d *Deps) {
	h := &handler{d: d}

	r.Post("/workers/register", h.registerWorker)
	r.Post("/workers/{id}/unregister", h.unregisterWorker)
	r.Post("/workers/{id}/status", h.updateWorkerStatus)
	r.Get("/workers", h.listWorkers)

	r.Post("/jobs", h.createJob)
	if d.ClaimRateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(d.ClaimRateLimit), int(d.ClaimRateLimit)+1)
		r.With(rateLimitMiddleware(limiter)).Post("/jobs/claim", h.claimJob)
	} else {
		r.Post("/jobs/claim", h.claimJob)
	}
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{id}", h.getJob)
	r.Post("/jobs/{id}/heartbeat", h.heartbeat)
	r.Post("/jobs/{id}/process", h.setJobProcess)
	r.Post("/jobs/{id}/complete", h.completeJob)
	r.Post("/jobs/{id}/cancel", h.cancelJob)
	r.Post("/jobs/cancel-queued", h.cancelAllQueued)
	r.Post("/jobs/{id}/retry", h.retryJob)
	r.Post("/internal/requeue-expired", h.requeueExpired)

	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/runs/{id}/metrics", h.getRunMetrics)
	r.Get("/runs/{id}/artifacts", h.listRunArtifacts)
	r.Get("/runs/{id}/artifacts/*", h.getRunArtifact)

	r.Get("/status", h.status)
	r.Get("/ws/status", h.wsStatus)
}

type handler struct{ d *Deps }

// rateLimitMiddleware rejects requests with 429 once limiter's budget is
// exhausted, rather than blocking and backing up worker poll loops.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				apperrors.RespondWithError(w, r, apperrors.RateLimited("claim rate limit exceeded, retry shortly"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jobIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Validation("invalid job id")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return apperrors.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// registerWorkerRequest is a worker row plus an optional GPU fan-out: when
// gpu_indices is non-empty, one worker per GPU is registered under
// <base id>-gpu<i> instead of a single worker under the base id.
type registerWorkerRequest struct {
	whirrstore.Worker
	GPUIndices []int `json:"gpu_indices,omitempty"`
}

func (h *handler) registerWorker(w http.ResponseWriter, r *http.Request) {
	var body registerWorkerRequest
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	if len(body.GPUIndices) == 0 {
		if err := h.d.Store.RegisterWorker(r.Context(), &body.Worker); err != nil {
			apperrors.RespondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, []whirrstore.Worker{body.Worker})
		return
	}

	base := body.Worker
	workers := make([]whirrstore.Worker, 0, len(body.GPUIndices))
	for _, idx := range body.GPUIndices {
		gpu := idx
		worker := base
		worker.ID = fmt.Sprintf("%s-gpu%d", base.ID, gpu)
		worker.GPUIndex = &gpu
		if err := h.d.Store.RegisterWorker(r.Context(), &worker); err != nil {
			apperrors.RespondWithError(w, r, err)
			return
		}
		workers = append(workers, worker)
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *handler) unregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.d.Store.UnregisterWorker(r.Context(), id); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) updateWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status       whirrstore.WorkerStatus `json:"status"`
		CurrentJobID *int64                  `json:"current_job_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if err := h.d.Store.UpdateWorkerStatus(r.Context(), id, body.Status, body.CurrentJobID); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.d.Store.GetWorkers(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// createJobResponse wraps the created job with the reserved run_id/run_dir
// preview: the worker hasn't claimed the job yet, but both are fully
// determined by the job id and the shared runs root, so the submitter can
// start watching the run directory immediately.
type createJobResponse struct {
	*whirrstore.Job
	RunID  string `json:"reserved_run_id"`
	RunDir string `json:"run_dir,omitempty"`
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var params whirrstore.CreateJobParams
	if err := decodeBody(r, &params); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	job, err := h.d.Scheduler.CreateJob(r.Context(), params)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	resp := createJobResponse{Job: job, RunID: fmt.Sprintf("job-%d", job.ID)}
	if h.d.RunsRoot != "" {
		resp.RunDir = filepath.Join(h.d.RunsRoot, resp.RunID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) claimJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	job, err := h.d.Scheduler.ClaimJob(r.Context(), body.WorkerID, body.LeaseSeconds)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if job == nil {
		// internal/client.Client.ClaimJob treats a zero-value Job as "no job
		// available" rather than erroring, so respond 200 with a zero-value job.
		writeJSON(w, http.StatusOK, whirrstore.Job{})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*whirrstore.Job
	var err error
	if r.URL.Query().Get("status") == "active" {
		jobs, err = h.d.Scheduler.GetActiveJobs(r.Context())
	} else {
		jobs, err = h.d.Scheduler.ListJobs(r.Context())
	}
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	job, err := h.d.Scheduler.GetJob(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	var body struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	cancelRequested, err := h.d.Scheduler.Heartbeat(r.Context(), id, body.WorkerID, body.LeaseSeconds)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success         bool `json:"success"`
		CancelRequested bool `json:"cancel_requested"`
	}{Success: true, CancelRequested: cancelRequested})
}

func (h *handler) setJobProcess(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	var body struct {
		WorkerID string `json:"worker_id"`
		PID      int    `json:"pid"`
		PGID     int    `json:"pgid"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if err := h.d.Store.SetJobProcess(r.Context(), id, body.WorkerID, body.PID, body.PGID); err != nil {
		apperrors.RespondWithError(w, r, apperrors.Wrap(apperrors.CodeConflict, "process update rejected", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) completeJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	var body struct {
		WorkerID     string  `json:"worker_id"`
		ExitCode     int     `json:"exit_code"`
		RunID        *string `json:"run_id"`
		ErrorMessage *string `json:"error_message"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if err := h.d.Scheduler.CompleteJob(r.Context(), id, body.WorkerID, body.ExitCode, body.RunID, body.ErrorMessage); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	prev, err := h.d.Scheduler.CancelJob(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PreviousStatus whirrstore.JobStatus `json:"previous_status"`
	}{PreviousStatus: prev})
}

func (h *handler) cancelAllQueued(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Scheduler.CancelAllQueued(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Cancelled int `json:"cancelled"`
	}{Cancelled: n})
}

func (h *handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	job, err := h.d.Scheduler.RetryJob(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) requeueExpired(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.d.Scheduler.RequeueExpired(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.d.Store.GetRuns(r.Context(), limit)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, _ := h.lookupRun(w, r, id)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// lookupRun fetches a run row, rendering the error response itself when the
// run is missing or the store fails; callers bail out on a nil run.
func (h *handler) lookupRun(w http.ResponseWriter, r *http.Request, id string) (*whirrstore.Run, error) {
	run, err := h.d.Store.GetRun(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return nil, err
	}
	if run == nil {
		err := apperrors.NotFound(fmt.Sprintf("run %q not found", id))
		apperrors.RespondWithError(w, r, err)
		return nil, err
	}
	return run, nil
}

func (h *handler) getRunMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, _ := h.lookupRun(w, r, id)
	if run == nil {
		return
	}
	records, err := recorder.ReadMetrics(run.RunDir + "/metrics.jsonl")
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal("read metrics", err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) listRunArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, _ := h.lookupRun(w, r, id)
	if run == nil {
		return
	}
	artifactsDir := filepath.Join(run.RunDir, "artifacts")
	paths := []string{}
	_ = filepath.WalkDir(artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(artifactsDir, path); relErr == nil {
			paths = append(paths, rel)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, paths)
}

// getRunArtifact serves one file from a run's artifacts directory. The
// requested path is resolved and checked against the artifacts directory's
// absolute prefix before opening, the same guard recorder.SaveArtifact uses
// on write, so a request can never escape via "..".
func (h *handler) getRunArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, _ := h.lookupRun(w, r, id)
	if run == nil {
		return
	}

	rel := chi.URLParam(r, "*")
	// The wildcard arrives raw; a percent-encoded "%2e%2e" must be judged
	// as the ".." it decodes to, not as a literal directory name.
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	artifactsDir, err := filepath.Abs(filepath.Join(run.RunDir, "artifacts"))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal("resolve artifacts dir", err))
		return
	}
	target, err := filepath.Abs(filepath.Join(artifactsDir, rel))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal("resolve artifact path", err))
		return
	}
	if target != artifactsDir && !strings.HasPrefix(target, artifactsDir+string(filepath.Separator)) {
		apperrors.RespondWithError(w, r, apperrors.Forbidden("artifact path escapes artifacts directory"))
		return
	}

	http.ServeFile(w, r, target)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.computeStatus(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// recentWindow bounds what counts as "recent" in the /status aggregate's
// completed/failed counts.
const recentWindow = time.Hour

// computeStatus is shared by the polled /status handler and the /ws/status
// push loop, so the two never drift in what they consider "the" status.
func (h *handler) computeStatus(ctx context.Context) (map[string]any, error) {
	active, err := h.d.Scheduler.GetActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := h.d.Store.ListJobs(ctx, whirrstore.JobCompleted)
	if err != nil {
		return nil, err
	}
	failed, err := h.d.Store.ListJobs(ctx, whirrstore.JobFailed)
	if err != nil {
		return nil, err
	}
	workers, err := h.d.Store.GetWorkers(ctx)
	if err != nil {
		return nil, err
	}

	queued, running := 0, 0
	for _, j := range active {
		if j.Status == whirrstore.JobQueued {
			queued++
		} else if j.Status == whirrstore.JobRunning {
			running++
		}
	}
	cutoff := time.Now().Add(-recentWindow)
	recentCompleted := countRecent(completed, cutoff)
	recentFailed := countRecent(failed, cutoff)

	idle, busy, online := 0, 0, 0
	for _, wk := range workers {
		switch wk.Status {
		case whirrstore.WorkerBusy:
			busy++
			online++
		case whirrstore.WorkerIdle:
			idle++
			online++
		}
	}

	return map[string]any{
		"jobs_queued":    queued,
		"jobs_running":   running,
		"jobs_completed": recentCompleted,
		"jobs_failed":    recentFailed,
		"workers_idle":   idle,
		"workers_busy":   busy,
		"workers_online": online,
		"workers_total":  len(workers),
	}, nil
}

func countRecent(jobs []*whirrstore.Job, cutoff time.Time) int {
	n := 0
	for _, j := range jobs {
		if j.FinishedAt != nil && j.FinishedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// statusUpgrader upgrades /ws/status connections. Origin checking is left
// to whatever reverse proxy terminates TLS in front of the API host, same
// as every other route in this package.
var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statusPushInterval is how often a /ws/status connection is sent a fresh
// snapshot.
const statusPushInterval = 2 * time.Second

// wsStatus upgrades the connection and pushes a status snapshot every
// statusPushInterval until the client disconnects, so a dashboard doesn't
// need to poll GET /status itself.
func (h *handler) wsStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.d.Logger.Warn("ws/status upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		snapshot, err := h.computeStatus(ctx)
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			return
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
