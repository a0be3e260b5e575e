package postgres

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, name, config, tags, status, started_at, run_dir, hostname)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7, $8)`,
		params.ID, params.JobID, nullString(params.Name), nullableRaw(params.Config), string(tagsJSON),
		string(whirrstore.RunRunning), params.RunDir, params.Hostname)
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
	duration := time.Since(run.StartedAt).Seconds()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, finished_at = now(), duration_seconds = $2,
		       summary = COALESCE($3, summary)
		WHERE id = $4`,
		string(status), duration, nullableRaw(summary), runID)
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
		r                                whirrstore.Run
		jobID                            sql.NullInt64
		name, config, summary, git       sql.NullString
		tagsJSON                         []byte
		startedAt                        time.Time
		finishedAt                       sql.NullTime
		duration                         sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &jobID, &name, &config, &tagsJSON, &r.Status, &startedAt, &finishedAt,
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
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode run tags: %w", err)
		}
	}
	if summary.Valid {
		r.Summary = json.RawMessage(summary.String)
	}
	if git.Valid {
		r.Git = json.RawMessage(git.String)
	}
	r.StartedAt = startedAt
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if duration.Valid {
		v := duration.Float64
		r.DurationSeconds = &v
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*whirrstore.Run, error) {
	row := s.db.QueryRowxContext(ctx, runSelectColumns+` WHERE id = $1`, runID)
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
	rows, err := s.db.QueryxContext(ctx, runSelectColumns+` ORDER BY started_at DESC LIMIT $1`, limit)
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
	row := s.db.QueryRowxContext(ctx, runSelectColumns+` WHERE job_id = $1`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}
