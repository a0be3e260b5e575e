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

func (s *Store) CreateRun(ctx context.Context, params whirrstore.CreateRunParams) (*whirrstore.Run, error) {
	tagsJSON, err := json.Marshal(params.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, name, config, tags, status, started_at, run_dir, hostname)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.ID, params.JobID, params.Name, nullableRaw(params.Config), string(tagsJSON),
		string(whirrstore.RunRunning), formatTime(now), params.RunDir, params.Hostname)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, params.ID)
}

func (s *Store) CompleteRun(ctx context.Context, runID string, status whirrstore.RunStatus, summary []byte) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("unknown run %s", runID)
	}
	now := time.Now()
	duration := now.Sub(run.StartedAt).Seconds()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, duration_seconds = ?, summary = COALESCE(?, summary)
		WHERE id = ?`,
		string(status), formatTime(now), duration, nullableRaw(summary), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

const runSelectColumns = `
	SELECT id, job_id, name, config, tags, status, started_at, finished_at, duration_seconds,
	       summary, git, hostname, run_dir
	FROM runs`

func scanRun(row rowScanner) (*whirrstore.Run, error) {
	var (
		r                                  whirrstore.Run
		jobID                              sql.NullInt64
		name, config, tags, summary, git   sql.NullString
		startedAt                          string
		finishedAt                         sql.NullString
		duration                           sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &jobID, &name, &config, &tags, &r.Status, &startedAt, &finishedAt,
		&duration, &summary, &git, &r.Hostname, &r.RunDir); err != nil {
		return nil, err
	}
	if jobID.Valid {
		v := jobID.Int64
		r.JobID = &v
	}
	if name.Valid {
		r.Name = name.String
	}
	if config.Valid {
		r.Config = json.RawMessage(config.String)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("decode run tags: %w", err)
		}
	}
	if summary.Valid {
		r.Summary = json.RawMessage(summary.String)
	}
	if git.Valid {
		r.Git = json.RawMessage(git.String)
	}
	ts, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("decode run started_at: %w", err)
	}
	r.StartedAt = ts
	if r.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if duration.Valid {
		v := duration.Float64
		r.DurationSeconds = &v
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*whirrstore.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *Store) GetRuns(ctx context.Context, limit int) ([]*whirrstore.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, runSelectColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*whirrstore.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) GetRunByJobID(ctx context.Context, jobID int64) (*whirrstore.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` WHERE job_id = ?`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}
