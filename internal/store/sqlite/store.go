package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// timeLayout is RFC3339Nano in UTC; every timestamp column in this schema
// uses it so lexicographic ordering matches chronological ordering.
const timeLayout = time.RFC3339Nano

// Store is the embedded (single-file SQLite) implementation of
// whirrstore.Store. Orphan detection uses heartbeat_at against the
// configured heartbeat timeout; lease_expires_at is maintained but never
// consulted here, since a single host has one clock to trust.
type Store struct {
	db               *sql.DB
	heartbeatTimeout time.Duration
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB, heartbeatTimeout time.Duration) *Store {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 120 * time.Second
	}
	return &Store{db: db, heartbeatTimeout: heartbeatTimeout}
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Jobs -------------------------------------------------------------

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

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (argv, workdir, name, tags, config, parent_job_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		string(argvJSON), params.WorkDir, params.Name, string(tagsJSON),
		nullableRaw(params.Config), params.ParentID, string(whirrstore.JobQueued), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted job id: %w", err)
	}
	return s.GetJob(ctx, id)
}

// claimRetries bounds how many times ClaimJob re-runs its select-then-update
// step after losing a race to a concurrent claimant.
const claimRetries = 5

// ClaimJob atomically assigns the oldest queued job to workerID. The
// single writer connection plus a transaction guarantee no other
// connection can interleave a conflicting claim between the SELECT and
// the UPDATE; the retry loop covers the multi-process case where a second
// whirr process holds its own connection to the same file.
func (s *Store) ClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		job, retry, err := s.tryClaimJob(ctx, workerID, leaseSeconds)
		if err != nil {
			return nil, err
		}
		if !retry {
			return job, nil
		}
	}
	return nil, fmt.Errorf("claim contention persisted after %d attempts", claimRetries)
}

func (s *Store) tryClaimJob(ctx context.Context, workerID string, leaseSeconds int) (*whirrstore.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, string(whirrstore.JobQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select claimable job: %w", err)
	}

	now := time.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, started_at = ?, heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = ?`,
		string(whirrstore.JobRunning), workerID, formatTime(now), formatTime(now), formatTime(lease),
		id, string(whirrstore.JobQueued))
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("read claim result: %w", err)
	}
	if affected == 0 {
		// Lost the race to another connection between SELECT and UPDATE.
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim tx: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	return job, false, err
}

func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseSeconds int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var owner, cancelRequestedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, worker_id, cancel_requested_at FROM jobs WHERE id = ?`, jobID,
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
		`UPDATE jobs SET heartbeat_at = ?, lease_expires_at = ? WHERE id = ?`,
		formatTime(now), formatTime(lease), jobID,
	); err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return cancelRequestedAt.Valid && cancelRequestedAt.String != "", nil
}

// SetJobProcess records the spawned child's pid/pgid on a running job the
// caller owns, so operators can see (and, after a crash, clean up) the
// process behind each running row.
func (s *Store) SetJobProcess(ctx context.Context, jobID int64, workerID string, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pid = ?, pgid = ? WHERE id = ? AND worker_id = ? AND status = ?`,
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
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, exit_code = ?, run_id = COALESCE(?, run_id), error_message = ?,
		    finished_at = ?, worker_id = NULL, pid = NULL, pgid = NULL,
		    heartbeat_at = NULL, lease_expires_at = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		string(status), exitCode, runID, errMsg, formatTime(now),
		jobID, workerID, string(whirrstore.JobRunning))
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
		now := time.Now()
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(whirrstore.JobCancelled), formatTime(now), jobID, string(whirrstore.JobQueued))
		if err != nil {
			return "", fmt.Errorf("cancel queued job: %w", err)
		}
	case whirrstore.JobRunning:
		now := time.Now()
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested_at = ? WHERE id = ? AND status = ?`,
			formatTime(now), jobID, string(whirrstore.JobRunning))
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
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (argv, workdir, name, tags, config, parent_job_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(argvJSON), old.WorkDir, old.Name, string(tagsJSON), nullableRaw(old.Config),
		old.ID, old.Attempt+1, string(whirrstore.JobQueued), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert retry job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// RequeueExpired reclaims jobs whose heartbeat_at is older than
// heartbeatTimeout, clearing ownership and incrementing attempt.
func (s *Store) RequeueExpired(ctx context.Context) ([]*whirrstore.Job, error) {
	threshold := time.Now().Add(-s.heartbeatTimeout)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		string(whirrstore.JobRunning), formatTime(threshold))
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
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, worker_id = NULL, pid = NULL, pgid = NULL,
			    started_at = NULL, heartbeat_at = NULL, lease_expires_at = NULL,
			    cancel_requested_at = NULL, attempt = attempt + 1
			WHERE id = ? AND status = ?`,
			string(whirrstore.JobQueued), id, string(whirrstore.JobRunning))
		if err != nil {
			return nil, fmt.Errorf("requeue job %d: %w", id, err)
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, job)
	}
	return reclaimed, nil
}

func (s *Store) CancelAllQueued(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ? WHERE status = ?`,
		string(whirrstore.JobCancelled), formatTime(now), string(whirrstore.JobQueued))
	if err != nil {
		return 0, fmt.Errorf("cancel all queued: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) GetJob(ctx context.Context, jobID int64) (*whirrstore.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *Store) GetActiveJobs(ctx context.Context) ([]*whirrstore.Job, error) {
	return s.queryJobs(ctx, jobSelectColumns+` WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(whirrstore.JobQueued), string(whirrstore.JobRunning))
}

func (s *Store) GetJobByRunID(ctx context.Context, runID string) (*whirrstore.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` WHERE run_id = ?`, runID)
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
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
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
		j                                                                       whirrstore.Job
		argvJSON, tagsJSON                                                      string
		config                                                                  sql.NullString
		name, workerID, runID, errMsg                                           sql.NullString
		createdAt                                                               string
		startedAt, finishedAt, heartbeatAt, leaseExpiresAt, cancelRequestedAt   sql.NullString
		parentID, pid, pgid, exitCode                                          sql.NullInt64
	)
	if err := row.Scan(&j.ID, &argvJSON, &j.WorkDir, &name, &tagsJSON, &config, &parentID, &j.Attempt,
		&j.Status, &workerID, &createdAt, &startedAt, &finishedAt, &heartbeatAt, &leaseExpiresAt,
		&cancelRequestedAt, &pid, &pgid, &exitCode, &errMsg, &runID); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argvJSON), &j.Argv); err != nil {
		return nil, fmt.Errorf("decode argv: %w", err)
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &j.Tags); err != nil {
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

	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	j.CreatedAt = ts

	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if j.HeartbeatAt, err = parseTimePtr(heartbeatAt); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = parseTimePtr(leaseExpiresAt); err != nil {
		return nil, err
	}
	if j.CancelRequestedAt, err = parseTimePtr(cancelRequestedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*whirrstore.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
