package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/domain"
)

// CreateManualMail records an operator-initiated send alongside its job.
func (s *Store) CreateManualMail(ctx context.Context, mm *domain.ManualMail) error {
	if mm.ID == uuid.Nil {
		mm.ID = uuid.New()
	}
	mm.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO manual_mails
		(id, lead_id, email_job_id, template_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		mm.ID, mm.LeadID, mm.EmailJobID, mm.TemplateID, mm.Status, mm.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert manual mail: %w", err)
	}
	return nil
}

// UpdateManualMailStatus keeps the projection in step with its job.
func (s *Store) UpdateManualMailStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, sentAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE manual_mails SET status = $2, sent_at = COALESCE(sent_at, $3) WHERE email_job_id = $1`,
		jobID, status, sentAt)
	if err != nil {
		return fmt.Errorf("update manual mail: %w", err)
	}
	return nil
}

// ManualMailsByLead lists a lead's manual sends, newest first.
func (s *Store) ManualMailsByLead(ctx context.Context, leadID uuid.UUID) ([]*domain.ManualMail, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, lead_id, email_job_id, template_id, status, sent_at, created_at
		FROM manual_mails WHERE lead_id = $1 ORDER BY created_at DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query manual mails: %w", err)
	}
	defer rows.Close()

	var mails []*domain.ManualMail
	for rows.Next() {
		mm := &domain.ManualMail{}
		if err := rows.Scan(&mm.ID, &mm.LeadID, &mm.EmailJobID, &mm.TemplateID,
			&mm.Status, &mm.SentAt, &mm.CreatedAt); err != nil {
			return nil, err
		}
		mails = append(mails, mm)
	}
	return mails, rows.Err()
}
