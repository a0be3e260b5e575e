package store

import "context"

// Store is the durable backend for Jobs, Runs, and Workers. Two
// implementations share this interface: an embedded single-file SQLite
// store (package store/sqlite) and a networked relational store (package
// store/postgres). The scheduler core depends only on this interface;
// no backend-specific type crosses the boundary.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, params CreateJobParams) (*Job, error)
	ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*Job, error)
	Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (cancelRequested bool, err error)
	SetJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error
	CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID *string, errMsg *string) error
	CancelJob(ctx context.Context, jobID int64) (previousStatus JobStatus, err error)
	RetryJob(ctx context.Context, jobID int64) (*Job, error)
	RequeueExpired(ctx context.Context) ([]*Job, error)
	CancelAllQueued(ctx context.Context) (int, error)
	GetJob(ctx context.Context, jobID int64) (*Job, error)
	GetActiveJobs(ctx context.Context) ([]*Job, error)
	GetJobByRunID(ctx context.Context, runID string) (*Job, error)
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error)

	// Runs (the persisted half; the on-disk half lives in internal/recorder)
	CreateRun(ctx context.Context, params CreateRunParams) (*Run, error)
	CompleteRun(ctx context.Context, runID string, status RunStatus, summary []byte) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetRuns(ctx context.Context, limit int) ([]*Run, error)
	GetRunByJobID(ctx context.Context, jobID int64) (*Run, error)

	// Workers
	RegisterWorker(ctx context.Context, w *Worker) error
	UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, currentJobID *int64) error
	UnregisterWorker(ctx context.Context, workerID string) error
	GetWorkers(ctx context.Context) ([]*Worker, error)

	Close() error
}
