// Package scheduler decides when and whether the next email for a lead is
// materialised. All job creation funnels through the journey guard; the
// conditional trigger engine and retry policy live here too because they
// are the only other paths that create jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/store"
)

// Rejection sentinels surfaced by ScheduleJob. Callers that only want the
// "no job" outcome can check scheduler.IsRejection.
var (
	ErrConcurrent     = errors.New("scheduler: concurrent scheduling in progress")
	ErrAlreadySent    = errors.New("scheduler: journey step already sent")
	ErrAlreadyPending = errors.New("scheduler: journey step already pending")
)

// IsRejection reports whether err is a guard rejection rather than a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrConcurrent) || errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrAlreadyPending)
}

// Scheduler materialises EmailJobs and hands them to the send queue.
type Scheduler struct {
	store    *store.Store
	settings *store.SettingsCache
	queue    *queue.Client
	guard    *Guard
	bus      *bus.Bus
	log      *logger.Logger
}

func New(st *store.Store, settings *store.SettingsCache, q *queue.Client, guard *Guard, b *bus.Bus) *Scheduler {
	return &Scheduler{
		store:    st,
		settings: settings,
		queue:    q,
		guard:    guard,
		bus:      b,
		log:      logger.Component("Scheduler"),
	}
}

// JobParams is the low-level scheduling input.
type JobParams struct {
	LeadID       uuid.UUID
	Type         string
	ScheduledFor time.Time
	TemplateID   *string
	Metadata     domain.JobMetadata
}

// ScheduleNextEmail finds the lead's first unrepresented followup step and
// materialises it. Returns (nil, nil) when there is nothing to schedule:
// unknown or frozen lead, an active non-conditional job, or a completed
// sequence.
func (s *Scheduler) ScheduleNextEmail(ctx context.Context, leadID uuid.UUID) (*domain.EmailJob, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		s.log.Warn("schedule next for unknown lead", "lead_id", leadID.String())
		return nil, nil
	}
	now := time.Now().UTC()
	if lead.Frozen(now) {
		s.log.Debug("lead frozen, skipping", "lead_id", leadID.String())
		return nil, nil
	}

	// Conditional jobs run beside the sequence and do not block it.
	active, err := s.store.ActiveJobs(ctx, leadID, true)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, nil
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	steps := settings.EnabledSteps()
	var (
		next domain.FollowupStep
		prev *domain.EmailJob
	)
	found := false
	for _, step := range steps {
		exists, err := s.store.JobExistsForStep(ctx, leadID, step.Name)
		if err != nil {
			return nil, err
		}
		if !exists {
			next = step
			found = true
			break
		}
		latest, err := s.store.LatestJob(ctx, leadID, step.Name)
		if err != nil {
			return nil, err
		}
		prev = latest
	}
	if !found {
		return nil, nil
	}

	base := now
	if prev != nil {
		base = prev.ScheduledFor.Add(time.Duration(next.DelayDays) * 24 * time.Hour)
	}
	if base.Before(now) {
		base = now
	}
	scheduledFor := NextBusinessHourSlot(base, lead.Timezone, settings)

	job, err := s.ScheduleJob(ctx, JobParams{
		LeadID:       leadID,
		Type:         next.Name,
		ScheduledFor: scheduledFor,
		TemplateID:   next.TemplateID,
	})
	if IsRejection(err) {
		s.log.Debug("next step rejected by guard", "lead_id", leadID.String(), "type", next.Name, "reason", err.Error())
		return nil, nil
	}
	return job, err
}

// ScheduleJob is the low-level primitive: guard, persist, enqueue. The guard
// lock is held across persistence so replicas cannot double-create.
func (s *Scheduler) ScheduleJob(ctx context.Context, params JobParams) (*domain.EmailJob, error) {
	lead, err := s.store.GetLead(ctx, params.LeadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, fmt.Errorf("schedule job: lead %s not found", params.LeadID)
	}

	decision, err := s.guard.CanSchedule(ctx, params.LeadID, params.Type)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		switch decision.Reason {
		case ReasonAlreadySent:
			return nil, ErrAlreadySent
		case ReasonAlreadyPending:
			return nil, ErrAlreadyPending
		default:
			return nil, ErrConcurrent
		}
	}
	defer decision.Release()

	job := &domain.EmailJob{
		LeadID:       params.LeadID,
		Email:        lead.Email,
		Type:         params.Type,
		TemplateID:   params.TemplateID,
		ScheduledFor: params.ScheduledFor.UTC(),
		Status:       domain.StatusPending,
		Metadata:     params.Metadata,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyPending
		}
		return nil, err
	}

	// Sequence jobs are mirrored into the journey projection; manual and
	// conditional sends have their own tracking.
	if job.Category == domain.CategoryInitial || job.Category == domain.CategoryFollowup {
		if err := s.store.UpdateScheduleStep(ctx, job.LeadID, job.Type, job.Status); err != nil {
			s.log.Warn("schedule projection update failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}

	if err := s.enqueueSend(ctx, job); err != nil {
		// The job row survives; the maintenance requeue sweep restores
		// pending jobs whose queue entry went missing.
		s.log.Error("enqueue after persist failed", "job_id", job.ID.String(), "error", err.Error())
	}

	s.bus.Publish(ctx, bus.Event{
		Name:   bus.JobScheduled,
		LeadID: job.LeadID,
		JobID:  job.ID,
		Payload: map[string]interface{}{
			"type":          job.Type,
			"scheduled_for": job.ScheduledFor,
		},
	})
	s.log.Info("job scheduled", "job_id", job.ID.String(), "lead_id", job.LeadID.String(),
		"type", job.Type, "scheduled_for", job.ScheduledFor.Format(time.RFC3339))
	return job, nil
}

func (s *Scheduler) enqueueSend(ctx context.Context, job *domain.EmailJob) error {
	delay := time.Until(job.ScheduledFor)
	if delay < 0 {
		delay = 0
	}
	return s.queue.Enqueue(ctx, queue.SendQueue, job.IdempotencyKey, queue.SendPayload{
		EmailJobID: job.ID.String(),
		LeadID:     job.LeadID.String(),
		LeadEmail:  job.Email,
		EmailType:  job.Type,
	}, delay)
}

// CancelByLead cancels every active job for a lead and drops their queue
// entries. Returns the cancelled job types.
func (s *Scheduler) CancelByLead(ctx context.Context, leadID uuid.UUID, reason string) ([]string, error) {
	active, err := s.store.ActiveJobs(ctx, leadID, false)
	if err != nil {
		return nil, err
	}

	types, err := s.store.CancelActiveJobs(ctx, leadID, reason)
	if err != nil {
		return nil, err
	}

	for _, job := range active {
		if _, err := s.queue.Remove(ctx, queue.SendQueue, job.IdempotencyKey); err != nil {
			s.log.Warn("queue entry removal failed", "job_id", job.ID.String(), "error", err.Error())
		}
		s.bus.Publish(ctx, bus.Event{
			Name:    bus.JobCancelled,
			LeadID:  leadID,
			JobID:   job.ID,
			Payload: map[string]interface{}{"reason": reason, "type": job.Type},
		})
	}
	if len(types) > 0 {
		s.log.Info("active jobs cancelled", "lead_id", leadID.String(), "count", len(types), "reason", reason)
	}
	return types, nil
}

// FastForward pulls a pending job to the front of the queue (dev tooling).
func (s *Scheduler) FastForward(ctx context.Context, jobID uuid.UUID) (bool, error) {
	moved, err := s.store.FastForward(ctx, jobID)
	if err != nil || !moved {
		return false, err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return false, err
	}
	// Duplicate enqueues are dropped, so the future-dated entry has to go
	// before the immediate one can take its place.
	if _, err := s.queue.Remove(ctx, queue.SendQueue, job.IdempotencyKey); err != nil {
		return false, err
	}
	if err := s.queue.Enqueue(ctx, queue.SendQueue, job.IdempotencyKey, queue.SendPayload{
		EmailJobID: job.ID.String(),
		LeadID:     job.LeadID.String(),
		LeadEmail:  job.Email,
		EmailType:  job.Type,
	}, 0); err != nil {
		return false, err
	}
	return true, nil
}
