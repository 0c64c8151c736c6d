package store

import (
	"context"
	"fmt"
	"time"
)

// RegisterWorker upserts a worker's registry row as running.
func (s *Store) RegisterWorker(ctx context.Context, workerID, workerType, hostname string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO nurture_workers
		(id, worker_type, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()`,
		workerID, workerType, hostname)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness and counters.
func (s *Store) Heartbeat(ctx context.Context, workerID string, processed, errors int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nurture_workers
		SET last_heartbeat_at = NOW(), total_processed = $2, total_errors = $3
		WHERE id = $1`, workerID, processed, errors)
	return err
}

// DeregisterWorker marks the registry row stopped.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nurture_workers SET status = 'stopped' WHERE id = $1`, workerID)
	return err
}

// PruneStaleWorkers marks workers dead when their heartbeat lapses.
func (s *Store) PruneStaleWorkers(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE nurture_workers SET status = 'dead'
		WHERE status = 'running' AND last_heartbeat_at < $1`,
		time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("prune stale workers: %w", err)
	}
	return res.RowsAffected()
}

// WorkerInfo is one registry row served by the observability endpoint.
type WorkerInfo struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Hostname        string    `json:"hostname"`
	Status          string    `json:"status"`
	TotalProcessed  int64     `json:"total_processed"`
	TotalErrors     int64     `json:"total_errors"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ListWorkers returns the registry, most recent heartbeat first.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, worker_type, hostname, status,
		COALESCE(total_processed, 0), COALESCE(total_errors, 0), started_at, last_heartbeat_at
		FROM nurture_workers ORDER BY last_heartbeat_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.ID, &w.Type, &w.Hostname, &w.Status,
			&w.TotalProcessed, &w.TotalErrors, &w.StartedAt, &w.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
