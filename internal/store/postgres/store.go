package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Store is the networked (Postgres-backed) implementation of
// whirrstore.Store. Orphan detection uses lease_expires_at, the only
// staleness signal that doesn't depend on worker clocks agreeing with
// each other; ClaimJob uses FOR UPDATE SKIP LOCKED so concurrent
// claimants never block on each other.
type Store struct {
	db            *sqlx.DB
	defaultLeaseS int
}

// New wraps an already-open, already-migrated *sqlx.DB.
func New(db *sqlx.DB, defaultLeaseSeconds int) *Store {
	if defaultLeaseSeconds <= 0 {
		defaultLeaseSeconds = 60
	}
	return &Store{db: db, defaultLeaseS: defaultLeaseSeconds}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, params whirrstore.CreateJobParams) (*whirrstore.Job, error) {
	if len(params.Argv) == 0 {
		return nil, fmt.Errorf("argv must not be empty")
	}
	argvJSON, err := json.Marshal(params.Argv)
	if err != nil {
		return nil, fmt.Errorf("marshal argv: %w", err)
	}
	tagsJSON, err := json.Marshal(params.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (argv, workdir, name, tags, config, parent_job_id, attempt, status)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		RETURNING id`,
		string(argvJSON), params.WorkDir, nullString(params.Name), string(tagsJSON),
		nullableRaw(params.Config), params.ParentID, string(whirrstore.JobQueued)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// ClaimJob atomically assigns the oldest queued job to workerID using
// SELECT ... FOR UPDATE SKIP LOCKED: concurrent claimants each lock a
// different candidate row instead of queueing behind one another, unlike
// the embedded backend's single-writer retry loop.
func (s *Store) ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = s.defaultLeaseS
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, string(whirrstore.JobQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	now := time.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = $3, heartbeat_at = $3, lease_expires_at = $4
		WHERE id = $5`,
		string(whirrstore.JobRunning), workerID, now, lease, id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = s.defaultLeaseS
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var owner sql.NullString
	var cancelRequestedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT status, worker_id, cancel_requested_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &owner, &cancelRequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("unknown job %d", jobID)
	}
	if err != nil {
		return false, fmt.Errorf("read job for heartbeat: %w", err)
	}
	if status != string(whirrstore.JobRunning) || !owner.Valid || owner.String != workerID {
		return false, fmt.Errorf("job %d is not owned by %s", jobID, workerID)
	}

	now := time.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = $1, lease_expires_at = $2 WHERE id = $3`,
		now, lease, jobID,
	); err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return cancelRequestedAt.Valid, nil
}

// SetJobProcess records the spawned child's pid/pgid on a running job the
// caller owns.
func (s *Store) SetJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pid = $1, pgid = $2 WHERE id = $3 AND worker_id = $4 AND status = $5`,
		pid, pgid, jobID, workerID, string(whirrstore.JobRunning))
	if err != nil {
		return fmt.Errorf("set job process: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not owned by %s or is not running", jobID, workerID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID *string, errMsg *string) error {
	status := whirrstore.JobCompleted
	if exitCode != 0 {
		status = whirrstore.JobFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, exit_code = $2, run_id = COALESCE($3, run_id), error_message = $4,
		    finished_at = now(), worker_id = NULL, pid = NULL, pgid = NULL,
		    heartbeat_at = NULL, lease_expires_at = NULL
		WHERE id = $5 AND worker_id = $6 AND status = $7`,
		string(status), exitCode, runID, errMsg, jobID, workerID, string(whirrstore.JobRunning))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not owned by %s or is not running", jobID, workerID)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, jobID int64) (whirrstore.JobStatus, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("unknown job %d", jobID)
	}

	previous := job.Status
	switch job.Status {
	case whirrstore.JobQueued:
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = $1, finished_at = now() WHERE id = $2 AND status = $3`,
			string(whirrstore.JobCancelled), jobID, string(whirrstore.JobQueued))
		if err != nil {
			return "", fmt.Errorf("cancel queued job: %w", err)
		}
	case whirrstore.JobRunning:
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested_at = now() WHERE id = $1 AND status = $2`,
			jobID, string(whirrstore.JobRunning))
		if err != nil {
			return "", fmt.Errorf("request cancel: %w", err)
		}
	default:
		// Terminal already; cancelling is a no-op.
	}
	return previous, nil
}

func (s *Store) RetryJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	old, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("unknown job %d", jobID)
	}
	if !old.IsTerminal() {
		return nil, fmt.Errorf("job %d is not in a terminal state", jobID)
	}

	argvJSON, _ := json.Marshal(old.Argv)
	tagsJSON, _ := json.Marshal(old.Tags)
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (argv, workdir, name, tags, config, parent_job_id, attempt, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(argvJSON), old.WorkDir, nullString(old.Name), string(tagsJSON), nullableRaw(old.Config),
		old.ID, old.Attempt+1, string(whirrstore.JobQueued)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert retry job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// RequeueExpired reclaims jobs whose lease_expires_at has passed.
// FOR UPDATE SKIP LOCKED lets this sweep run concurrently with live
// claims and heartbeats without blocking them.
func (s *Store) RequeueExpired(ctx context.Context) ([]*whirrstore.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED`, string(whirrstore.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	var reclaimed []*whirrstore.Job
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, worker_id = NULL, pid = NULL, pgid = NULL,
			    started_at = NULL, heartbeat_at = NULL, lease_expires_at = NULL,
			    cancel_requested_at = NULL, attempt = attempt + 1
			WHERE id = $2`,
			string(whirrstore.JobQueued), id); err != nil {
			return nil, fmt.Errorf("requeue job %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, job)
	}
	return reclaimed, nil
}

func (s *Store) CancelAllQueued(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, finished_at = now() WHERE status = $2`,
		string(whirrstore.JobCancelled), string(whirrstore.JobQueued))
	if err != nil {
		return 0, fmt.Errorf("cancel all queued: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) GetJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	row := s.db.QueryRowxContext(ctx, jobSelectColumns+` WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *Store) GetActiveJobs(ctx context.Context) ([]*whirrstore.Job, error) {
	return s.queryJobs(ctx, jobSelectColumns+` WHERE status IN ($1, $2) ORDER BY created_at ASC, id ASC`,
		string(whirrstore.JobQueued), string(whirrstore.JobRunning))
}

func (s *Store) GetJobByRunID(ctx context.Context, runID string) (*whirrstore.Job, error) {
	row := s.db.QueryRowxContext(ctx, jobSelectColumns+` WHERE run_id = $1`, runID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context, statuses ...whirrstore.JobStatus) ([]*whirrstore.Job, error) {
	if len(statuses) == 0 {
		return s.queryJobs(ctx, jobSelectColumns+` ORDER BY created_at ASC, id ASC`)
	}
	args := make([]any, len(statuses))
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	return s.queryJobs(ctx, jobSelectColumns+` WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
}

const jobSelectColumns = `
	SELECT id, argv, workdir, name, tags, config, parent_job_id, attempt, status, worker_id,
	       created_at, started_at, finished_at, heartbeat_at, lease_expires_at, cancel_requested_at,
	       pid, pgid, exit_code, error_message, run_id
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*whirrstore.Job, error) {
	var (
		j                          whirrstore.Job
		argvJSON, tagsJSON         []byte
		config                     sql.NullString
		name, workerID, runID     sql.NullString
		errMsg                     sql.NullString
		createdAt                  time.Time
		startedAt, finishedAt      sql.NullTime
		heartbeatAt, leaseExpires  sql.NullTime
		cancelRequestedAt          sql.NullTime
		parentID, pid, pgid       sql.NullInt64
		exitCode                   sql.NullInt64
	)
	if err := row.Scan(&j.ID, &argvJSON, &j.WorkDir, &name, &tagsJSON, &config, &parentID, &j.Attempt,
		&j.Status, &workerID, &createdAt, &startedAt, &finishedAt, &heartbeatAt, &leaseExpires,
		&cancelRequestedAt, &pid, &pgid, &exitCode, &errMsg, &runID); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(argvJSON, &j.Argv); err != nil {
		return nil, fmt.Errorf("decode argv: %w", err)
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &j.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if config.Valid {
		j.Config = json.RawMessage(config.String)
	}
	if name.Valid {
		j.Name = name.String
	}
	if workerID.Valid {
		v := workerID.String
		j.WorkerID = &v
	}
	if runID.Valid {
		v := runID.String
		j.RunID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.ErrorMessage = &v
	}
	if parentID.Valid {
		v := parentID.Int64
		j.ParentID = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if pgid.Valid {
		v := int(pgid.Int64)
		j.PGID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}

	j.CreatedAt = createdAt
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		j.HeartbeatAt = &t
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		j.LeaseExpiresAt = &t
	}
	if cancelRequestedAt.Valid {
		t := cancelRequestedAt.Time
		j.CancelRequestedAt = &t
	}
	return &j, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*whirrstore.Job, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*whirrstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
