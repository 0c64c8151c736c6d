package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/nurture/internal/domain"
)

// EnabledConditionals returns active trigger rules matching the event,
// highest priority first. Rules with a trigger_step only match when the
// event arrived on a job of that step.
func (s *Store) EnabledConditionals(ctx context.Context, event domain.EventType, step string) ([]*domain.ConditionalEmail, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, trigger_event, trigger_step,
			delay_hours, template_id, cancel_pending, priority, enabled
		FROM conditional_emails
		WHERE enabled = TRUE
		  AND trigger_event = $1
		  AND (trigger_step IS NULL OR trigger_step = $2)
		ORDER BY priority DESC, name ASC`, event, step)
	if err != nil {
		return nil, fmt.Errorf("query conditionals: %w", err)
	}
	defer rows.Close()

	var rules []*domain.ConditionalEmail
	for rows.Next() {
		rule := &domain.ConditionalEmail{}
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.TriggerEvent, &rule.TriggerStep,
			&rule.DelayHours, &rule.TemplateID, &rule.CancelPending, &rule.Priority, &rule.Enabled); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetConditional fetches one rule by id, or (nil, nil).
func (s *Store) GetConditional(ctx context.Context, id uuid.UUID) (*domain.ConditionalEmail, error) {
	rule := &domain.ConditionalEmail{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, trigger_event, trigger_step,
			delay_hours, template_id, cancel_pending, priority, enabled
		FROM conditional_emails WHERE id = $1`, id).
		Scan(&rule.ID, &rule.Name, &rule.TriggerEvent, &rule.TriggerStep,
			&rule.DelayHours, &rule.TemplateID, &rule.CancelPending, &rule.Priority, &rule.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateConditionalJob records that a rule fired for a lead. The unique
// (conditional_email_id, lead_id) constraint makes each rule at-most-once
// per lead; callers treat ErrDuplicate as "already fired".
func (s *Store) CreateConditionalJob(ctx context.Context, cj *domain.ConditionalEmailJob) error {
	if cj.ID == uuid.Nil {
		cj.ID = uuid.New()
	}
	cj.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO conditional_email_jobs
		(id, conditional_email_id, lead_id, email_job_id, cancelled_followups, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cj.ID, cj.ConditionalEmailID, cj.LeadID, cj.EmailJobID,
		pq.Array(cj.CancelledFollowups), cj.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert conditional job: %w", err)
	}
	return nil
}

// ConditionalJobExists reports whether a rule already fired for a lead.
func (s *Store) ConditionalJobExists(ctx context.Context, ruleID, leadID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conditional_email_jobs WHERE conditional_email_id = $1 AND lead_id = $2)`,
		ruleID, leadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check conditional job: %w", err)
	}
	return exists, nil
}
