package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/domain"
)

// CreateNotification appends an operator notification.
func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications
		(id, lead_id, job_id, kind, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`,
		n.ID, n.LeadID, n.JobID, n.Kind, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotificationsByLead returns the newest notifications for a lead.
func (s *Store) NotificationsByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, lead_id, job_id, kind, message, read, created_at
		FROM notifications WHERE lead_id = $1
		ORDER BY created_at DESC LIMIT $2`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.LeadID, &n.JobID, &n.Kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flips the read flag. Returns false when absent.
func (s *Store) MarkNotificationRead(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = true WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
