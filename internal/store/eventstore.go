package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/domain"
)

// AppendEvent writes an applied event to the append-only audit store.
// Rows are never updated or deleted once written.
func (s *Store) AppendEvent(ctx context.Context, ev *domain.AppliedEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.AppliedAt.IsZero() {
		ev.AppliedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO event_store
		(id, lead_id, email_job_id, email_type, event, message_id, occurred_at, applied_at, reason, new_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.LeadID, ev.EmailJobID, ev.EmailType, ev.Event, ev.MessageID,
		ev.OccurredAt, ev.AppliedAt, ev.Reason, ev.NewStatus)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventsByLead returns the audit trail for a lead, newest first.
func (s *Store) EventsByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]*domain.AppliedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, lead_id, email_job_id, email_type,
			event, message_id, occurred_at, applied_at, reason, new_status
		FROM event_store WHERE lead_id = $1
		ORDER BY applied_at DESC LIMIT $2`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AppliedEvent
	for rows.Next() {
		ev := &domain.AppliedEvent{}
		if err := rows.Scan(&ev.ID, &ev.LeadID, &ev.EmailJobID, &ev.EmailType,
			&ev.Event, &ev.MessageID, &ev.OccurredAt, &ev.AppliedAt, &ev.Reason, &ev.NewStatus); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
