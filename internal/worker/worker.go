// Package worker is the worker loop: register, claim-and-run jobs one at
// a time, heartbeat while a child runs, and react to shutdown or
// cancellation by killing the child.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	whirrstore "github.com/3leaps/whirr/internal/store"

	"github.com/3leaps/whirr/internal/runner"
)

// Config parameterizes a worker loop. Zero values fall back to the
// documented defaults.
type Config struct {
	WorkerID          string
	RunsRoot          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseSeconds      int
	KillGracePeriod   time.Duration
	GPUIndex          *int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
	if c.KillGracePeriod <= 0 {
		c.KillGracePeriod = 10 * time.Second
	}
	if c.RunsRoot == "" {
		c.RunsRoot = ".whirr/runs"
	}
}

// SchedulerClient is the subset of whirrstore.Store the worker loop needs.
// Both storage backends satisfy it directly, and so does internal/client's
// HTTP client in multi-host mode; the worker never knows which kind of
// handle it was given.
type SchedulerClient interface {
	RegisterWorker(ctx context.Context, w *whirrstore.Worker) error
	UnregisterWorker(ctx context.Context, workerID string) error
	UpdateWorkerStatus(ctx context.Context, workerID string, status whirrstore.WorkerStatus, currentJobID *int64) error
	ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, error)
	Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (bool, error)
	SetJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error
	CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID *string, errMsg *string) error
	RequeueExpired(ctx context.Context) ([]*whirrstore.Job, error)
}

// Worker runs jobs claimed from store until Shutdown is called.
type Worker struct {
	store  SchedulerClient
	cfg    Config
	logger *zap.Logger

	shutdownOnce sync.Once
	shutdownC    chan struct{}
	doneC        chan struct{}
}

// New builds a Worker. When no explicit id is configured, hostname and
// the optional GPU index combine into one.
func New(store SchedulerClient, cfg Config, logger *zap.Logger) *Worker {
	cfg.applyDefaults()
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if cfg.GPUIndex != nil {
			cfg.WorkerID = fmt.Sprintf("%s-gpu%d", host, *cfg.GPUIndex)
		} else {
			cfg.WorkerID = host
		}
	}
	return &Worker{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		shutdownC: make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Run registers the worker and loops claiming jobs until Shutdown is
// called or ctx is cancelled. requeueOnStart recovers orphaned jobs once
// before the first claim, for single-host deployments where no separate
// lease-monitor process exists yet.
func (w *Worker) Run(ctx context.Context, requeueOnStart bool) error {
	defer close(w.doneC)

	now := time.Now()
	if err := w.store.RegisterWorker(ctx, &whirrstore.Worker{
		ID: w.cfg.WorkerID, PID: os.Getpid(), Status: whirrstore.WorkerIdle,
		GPUIndex: w.cfg.GPUIndex, StartedAt: now, LastHeartbeat: now,
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer func() {
		if err := w.store.UnregisterWorker(context.Background(), w.cfg.WorkerID); err != nil {
			w.logger.Error("unregister worker failed", zap.Error(err))
		}
	}()

	if requeueOnStart {
		reclaimed, err := w.store.RequeueExpired(ctx)
		if err != nil {
			w.logger.Error("startup requeue_expired failed", zap.Error(err))
		} else if len(reclaimed) > 0 {
			w.logger.Info("recovered orphaned jobs at startup", zap.Int("count", len(reclaimed)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.shutdownC:
			return nil
		default:
		}

		job, err := w.store.ClaimJob(ctx, w.cfg.WorkerID, w.cfg.LeaseSeconds)
		if err != nil {
			w.logger.Error("claim_job failed", zap.Error(err))
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		w.runJob(ctx, job)
	}
}

// Shutdown requests the loop stop, killing the current job's child if one
// is running, then blocks until Run returns.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdownC) })
	<-w.doneC
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.shutdownC:
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) runJob(ctx context.Context, job *whirrstore.Job) {
	logger := w.logger.With(zap.Int64("job_id", job.ID))

	if err := w.store.UpdateWorkerStatus(ctx, w.cfg.WorkerID, whirrstore.WorkerBusy, &job.ID); err != nil {
		logger.Error("update worker status to busy failed", zap.Error(err))
	}
	defer func() {
		if err := w.store.UpdateWorkerStatus(context.Background(), w.cfg.WorkerID, whirrstore.WorkerIdle, nil); err != nil {
			logger.Error("update worker status to idle failed", zap.Error(err))
		}
	}()

	runID := fmt.Sprintf("job-%d", job.ID)
	runDir := filepath.Join(w.cfg.RunsRoot, runID)
	if abs, err := filepath.Abs(runDir); err == nil {
		runDir = abs
	}
	// Ensure artifacts/ exists even if the job's command never opens a
	// recorder, so run introspection never 404s on it.
	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755); err != nil {
		logger.Error("create artifacts dir failed", zap.Error(err))
	}

	env := map[string]string{
		"WHIRR_JOB_ID":  fmt.Sprintf("%d", job.ID),
		"WHIRR_RUN_DIR": runDir,
		"WHIRR_RUN_ID":  runID,
	}

	proc := runner.New(job.Argv, job.WorkDir, runDir, env)
	if err := proc.Start(); err != nil {
		errMsg := err.Error()
		if cErr := w.store.CompleteJob(ctx, job.ID, w.cfg.WorkerID, 1, &runID, &errMsg); cErr != nil {
			logger.Error("complete_job after start failure failed", zap.Error(cErr))
		}
		return
	}
	if err := w.store.SetJobProcess(ctx, job.ID, w.cfg.WorkerID, proc.PID(), proc.PGID()); err != nil {
		logger.Error("record job pid/pgid failed", zap.Error(err))
	}

	hbDone := make(chan struct{})
	cancelRequested := make(chan struct{})
	var cancelOnce sync.Once
	go w.heartbeatLoop(job.ID, proc, hbDone, cancelRequested, &cancelOnce, logger)

	var errMsg *string
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if !proc.IsRunning() {
				break loop
			}
			select {
			case <-w.shutdownC:
				msg := "shutdown"
				errMsg = &msg
				proc.Kill(w.cfg.KillGracePeriod)
				break loop
			case <-cancelRequested:
				msg := "cancelled"
				errMsg = &msg
				proc.Kill(w.cfg.KillGracePeriod)
				break loop
			default:
			}
		case <-ctx.Done():
			proc.Kill(w.cfg.KillGracePeriod)
			break loop
		}
	}

	close(hbDone)
	exitCode := proc.Wait()
	if err := w.store.CompleteJob(ctx, job.ID, w.cfg.WorkerID, exitCode, &runID, errMsg); err != nil {
		logger.Error("complete_job failed", zap.Error(err))
	}
}

func (w *Worker) heartbeatLoop(jobID int64, proc *runner.Runner, done <-chan struct{}, cancelRequested chan<- struct{}, cancelOnce *sync.Once, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cancelled, err := w.store.Heartbeat(context.Background(), jobID, w.cfg.WorkerID, w.cfg.LeaseSeconds)
			if err != nil {
				logger.Error("heartbeat failed", zap.Error(err))
				continue
			}
			if cancelled {
				cancelOnce.Do(func() { close(cancelRequested) })
			}
		}
	}
}
