package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// RegisterWorker is an idempotent upsert: re-registering the same id
// refreshes pid/status/heartbeat instead of erroring.
func (s *Store) RegisterWorker(ctx context.Context, w *whirrstore.Worker) error {
	now := time.Now()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, pid, hostname, gpu_index, status, current_job_id, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			hostname = excluded.hostname,
			gpu_index = excluded.gpu_index,
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.PID, w.Hostname, w.GPUIndex, string(w.Status), w.CurrentJobID, w.StartedAt, w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status whirrstore.WorkerStatus, currentJobID *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = $1, current_job_id = $2, last_heartbeat = now() WHERE id = $3`,
		string(status), currentJobID, workerID)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = $1, current_job_id = NULL WHERE id = $2`,
		string(whirrstore.WorkerOffline), workerID)
	if err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorkers(ctx context.Context) ([]*whirrstore.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pid, hostname, gpu_index, status, current_job_id, started_at, last_heartbeat
		FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workers []*whirrstore.Worker
	for rows.Next() {
		var (
			w            whirrstore.Worker
			gpuIndex     sql.NullInt64
			currentJobID sql.NullInt64
		)
		if err := rows.Scan(&w.ID, &w.PID, &w.Hostname, &gpuIndex, &w.Status, &currentJobID,
			&w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, err
		}
		if gpuIndex.Valid {
			v := int(gpuIndex.Int64)
			w.GPUIndex = &v
		}
		if currentJobID.Valid {
			v := currentJobID.Int64
			w.CurrentJobID = &v
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}
