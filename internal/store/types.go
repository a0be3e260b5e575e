// Package store defines the durable storage contract shared by the
// embedded (SQLite) and networked (Postgres-style) backends, plus the
// domain types those backends persist: Job, Run, and Worker.
package store

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the scheduling unit: an argv to run, where to run it, and the
// durable state machine tracking that execution.
type Job struct {
	ID       int64
	Argv     []string
	WorkDir  string
	Name     string
	Tags     []string
	Config   json.RawMessage
	ParentID *int64
	Attempt  int

	Status   JobStatus
	WorkerID *string

	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	HeartbeatAt       *time.Time
	LeaseExpiresAt    *time.Time
	CancelRequestedAt *time.Time

	PID  *int
	PGID *int

	ExitCode     *int
	ErrorMessage *string
	RunID        *string
}

// IsRunning reports whether the job currently owns a running process.
func (j *Job) IsRunning() bool { return j.Status == JobRunning }

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the scientific record of one execution attempt.
type Run struct {
	ID              string
	JobID           *int64
	Name            string
	Config          json.RawMessage
	Tags            []string
	Status          RunStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	DurationSeconds *float64
	Summary         json.RawMessage
	Git             json.RawMessage
	Hostname        string
	RunDir          string
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered execution agent.
type Worker struct {
	ID            string
	PID           int
	Hostname      string
	GPUIndex      *int
	Status        WorkerStatus
	CurrentJobID  *int64
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// CreateJobParams are the caller-supplied fields for CreateJob.
type CreateJobParams struct {
	Argv     []string
	WorkDir  string
	Name     string
	Tags     []string
	Config   json.RawMessage
	ParentID *int64
}

// CreateRunParams are the caller-supplied fields for CreateRun.
type CreateRunParams struct {
	ID       string
	JobID    *int64
	Name     string
	Config   json.RawMessage
	Tags     []string
	Hostname string
	RunDir   string
}
