package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/domain"
)

// RecordHistory writes an entry to the per-lead engagement timeline unless
// the job already carries an event of the same or higher rank. Unlike the
// audit store this table powers lead detail views and is deliberately
// collapsed: a second "opened" on the same job adds nothing.
func (s *Store) RecordHistory(ctx context.Context, leadID, jobID uuid.UUID, event domain.EventType, occurredAt time.Time) (bool, error) {
	newRank, inHierarchy := domain.StatusRank(domain.JobStatusForEvent(event))

	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM event_history WHERE lead_id = $1 AND email_job_id = $2`, leadID, jobID)
	if err != nil {
		return false, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existing domain.EventType
		if err := rows.Scan(&existing); err != nil {
			return false, err
		}
		if existing == event {
			return false, nil
		}
		rank, ok := domain.StatusRank(domain.JobStatusForEvent(existing))
		if inHierarchy && ok && rank >= newRank {
			return false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO event_history
		(id, lead_id, email_job_id, event, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (lead_id, email_job_id, event) DO NOTHING`,
		uuid.New(), leadID, jobID, event, occurredAt)
	if err != nil {
		return false, fmt.Errorf("insert history: %w", err)
	}
	return true, nil
}

// HistoryByLead returns the engagement timeline for a lead, newest first.
func (s *Store) HistoryByLead(ctx context.Context, leadID uuid.UUID) ([]domain.EventType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM event_history WHERE lead_id = $1 ORDER BY occurred_at DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query lead history: %w", err)
	}
	defer rows.Close()

	var events []domain.EventType
	for rows.Next() {
		var ev domain.EventType
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
