// Package scheduler is the validation and policy layer in front of the
// storage interface: argv non-empty, absolute workdir, bounded lease
// seconds, and optional config-schema checks, enforced before delegating
// to whichever backend Store is in use.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	whirrerrors "github.com/3leaps/whirr/internal/errors"
	"github.com/3leaps/whirr/internal/metrics"
	whirrstore "github.com/3leaps/whirr/internal/store"
)

const (
	MinLeaseSeconds = 10
	MaxLeaseSeconds = 600
)

// Scheduler wraps a whirrstore.Store with request validation.
type Scheduler struct {
	store        whirrstore.Store
	configSchema *jsonschema.Schema
	metrics      *metrics.Registry
}

func New(store whirrstore.Store) *Scheduler {
	return &Scheduler{store: store}
}

// SetConfigSchema installs a compiled JSON Schema that every job's Config
// payload must satisfy. A nil schema disables validation (the default).
func (s *Scheduler) SetConfigSchema(schema *jsonschema.Schema) {
	s.configSchema = schema
}

// SetMetrics installs the Prometheus registry ClaimJob/CompleteJob/
// RequeueExpired instrument. A nil registry (the default) disables it.
func (s *Scheduler) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

func (s *Scheduler) CreateJob(ctx context.Context, params whirrstore.CreateJobParams) (*whirrstore.Job, error) {
	if len(params.Argv) == 0 {
		return nil, whirrerrors.Validation("argv must contain at least one token")
	}
	if !filepath.IsAbs(params.WorkDir) {
		return nil, whirrerrors.Validation(fmt.Sprintf("workdir %q must be an absolute path", params.WorkDir))
	}
	if s.configSchema != nil && len(params.Config) > 0 {
		var doc interface{}
		if err := json.Unmarshal(params.Config, &doc); err != nil {
			return nil, whirrerrors.Validation(fmt.Sprintf("config is not valid JSON: %v", err))
		}
		if err := s.configSchema.Validate(doc); err != nil {
			return nil, whirrerrors.Validation(fmt.Sprintf("config failed schema validation: %v", err))
		}
	}
	return s.store.CreateJob(ctx, params)
}

func (s *Scheduler) ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, error) {
	if workerID == "" {
		return nil, whirrerrors.Validation("worker id is required")
	}
	if err := validateLease(leaseSeconds); err != nil {
		return nil, err
	}
	start := time.Now()
	job, err := s.store.ClaimJob(ctx, workerID, leaseSeconds)
	if s.metrics != nil {
		s.metrics.ClaimDuration.Observe(time.Since(start).Seconds())
		if err == nil && job != nil {
			s.metrics.JobsClaimed.Inc()
		}
	}
	return job, err
}

func (s *Scheduler) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (bool, error) {
	if err := validateLease(leaseSeconds); err != nil {
		return false, err
	}
	cancelled, err := s.store.Heartbeat(ctx, jobID, workerID, leaseSeconds)
	if err != nil {
		return false, whirrerrors.Wrap(whirrerrors.CodeConflict, "heartbeat rejected", err)
	}
	return cancelled, nil
}

func (s *Scheduler) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errMsg *string) error {
	if err := s.store.CompleteJob(ctx, jobID, workerID, exitCode, runID, errMsg); err != nil {
		return whirrerrors.Wrap(whirrerrors.CodeConflict, "complete rejected", err)
	}
	if s.metrics != nil {
		status := "succeeded"
		if exitCode != 0 {
			status = "failed"
		}
		s.metrics.JobsCompleted.WithLabelValues(status).Inc()
	}
	return nil
}

func (s *Scheduler) CancelJob(ctx context.Context, jobID int64) (whirrstore.JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", whirrerrors.NotFound(fmt.Sprintf("job %d not found", jobID))
	}
	return s.store.CancelJob(ctx, jobID)
}

func (s *Scheduler) RetryJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, whirrerrors.NotFound(fmt.Sprintf("job %d not found", jobID))
	}
	if job.Status != whirrstore.JobFailed && job.Status != whirrstore.JobCancelled {
		return nil, whirrerrors.Conflict(fmt.Sprintf("job %d is not failed or cancelled", jobID))
	}
	return s.store.RetryJob(ctx, jobID)
}

func (s *Scheduler) RequeueExpired(ctx context.Context) ([]*whirrstore.Job, error) {
	jobs, err := s.store.RequeueExpired(ctx)
	if s.metrics != nil && err == nil && len(jobs) > 0 {
		s.metrics.JobsRequeued.Add(float64(len(jobs)))
	}
	return jobs, err
}

func (s *Scheduler) CancelAllQueued(ctx context.Context) (int, error) {
	return s.store.CancelAllQueued(ctx)
}

func (s *Scheduler) GetJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, whirrerrors.NotFound(fmt.Sprintf("job %d not found", jobID))
	}
	return job, nil
}

func (s *Scheduler) GetActiveJobs(ctx context.Context) ([]*whirrstore.Job, error) {
	return s.store.GetActiveJobs(ctx)
}

func (s *Scheduler) GetJobByRunID(ctx context.Context, runID string) (*whirrstore.Job, error) {
	job, err := s.store.GetJobByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, whirrerrors.NotFound(fmt.Sprintf("job for run %q not found", runID))
	}
	return job, nil
}

func (s *Scheduler) ListJobs(ctx context.Context, statuses ...whirrstore.JobStatus) ([]*whirrstore.Job, error) {
	return s.store.ListJobs(ctx, statuses...)
}

func validateLease(leaseSeconds int) error {
	if leaseSeconds < MinLeaseSeconds || leaseSeconds > MaxLeaseSeconds {
		return whirrerrors.Validation(fmt.Sprintf("lease seconds %d out of bounds [%d, %d]", leaseSeconds, MinLeaseSeconds, MaxLeaseSeconds))
	}
	return nil
}
