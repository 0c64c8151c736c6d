package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/domain"
)

// GetSchedule returns the journey projection for a lead, or (nil, nil).
func (s *Store) GetSchedule(ctx context.Context, leadID uuid.UUID) (*domain.EmailSchedule, error) {
	var (
		sched    domain.EmailSchedule
		rawSteps []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lead_id, initial_status, followups, updated_at FROM email_schedules WHERE lead_id = $1`,
		leadID).Scan(&sched.LeadID, &sched.InitialStatus, &rawSteps, &sched.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if len(rawSteps) > 0 {
		if err := json.Unmarshal(rawSteps, &sched.Followups); err != nil {
			return nil, fmt.Errorf("decode followups: %w", err)
		}
	}
	return &sched, nil
}

// UpsertSchedule writes the projection row, replacing followups wholesale.
func (s *Store) UpsertSchedule(ctx context.Context, sched *domain.EmailSchedule) error {
	rawSteps, err := json.Marshal(sched.Followups)
	if err != nil {
		return fmt.Errorf("encode followups: %w", err)
	}
	sched.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `INSERT INTO email_schedules (lead_id, initial_status, followups, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lead_id) DO UPDATE SET
			initial_status = EXCLUDED.initial_status,
			followups = EXCLUDED.followups,
			updated_at = EXCLUDED.updated_at`,
		sched.LeadID, sched.InitialStatus, rawSteps, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// UpdateScheduleStep patches a single step's status in the projection.
// The initial step is stored in its own column; followups live in the
// JSON snapshot and are matched by name. A missing row or step is
// seeded rather than skipped so the projection stays consistent with
// jobs that predate it.
func (s *Store) UpdateScheduleStep(ctx context.Context, leadID uuid.UUID, stepName string, status domain.JobStatus) error {
	sched, err := s.GetSchedule(ctx, leadID)
	if err != nil {
		return err
	}
	if sched == nil {
		sched = &domain.EmailSchedule{LeadID: leadID}
	}
	if stepName == domain.TypeInitial {
		sched.InitialStatus = status
		return s.UpsertSchedule(ctx, sched)
	}
	for i := range sched.Followups {
		if sched.Followups[i].Name == stepName {
			sched.Followups[i].Status = status
			return s.UpsertSchedule(ctx, sched)
		}
	}
	sched.Followups = append(sched.Followups, domain.FollowupSnapshot{Name: stepName, Status: status})
	return s.UpsertSchedule(ctx, sched)
}
