package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/store"
)

const maxFailedRetryDelay = 48 * time.Hour

// RetryPolicy reschedules jobs after soft failures. Hard failures never
// reach it; the ingest pipeline filters on domain.Retriable.
type RetryPolicy struct {
	store    *store.Store
	settings *store.SettingsCache
	queue    *queue.Client
	bus      *bus.Bus
	log      *logger.Logger
}

func NewRetryPolicy(st *store.Store, settings *store.SettingsCache, q *queue.Client, b *bus.Bus) *RetryPolicy {
	return &RetryPolicy{
		store:    st,
		settings: settings,
		queue:    q,
		bus:      b,
		log:      logger.Component("RetryPolicy"),
	}
}

// RetryDelay computes the reschedule delay for a soft failure.
func RetryDelay(status domain.JobStatus, retryCount int, cfg domain.RetryConfig) time.Duration {
	softDelay := time.Duration(cfg.SoftBounceDelayHours) * time.Hour
	switch status {
	case domain.StatusSoftBounce:
		return softDelay
	case domain.StatusDeferred:
		return time.Hour
	default: // failed
		delay := softDelay << retryCount
		if delay > maxFailedRetryDelay || delay <= 0 {
			delay = maxFailedRetryDelay
		}
		return delay
	}
}

// Reschedule creates the successor job for a soft-failed original and
// retires the original as rescheduled. Returns (nil, nil) when the retry
// budget is exhausted; the original is then marked dead.
func (p *RetryPolicy) Reschedule(ctx context.Context, job *domain.EmailJob, failureStatus domain.JobStatus) (*domain.EmailJob, error) {
	settings, err := p.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	cfg := settings.Retry

	if job.RetryCount >= cfg.MaxAttempts {
		if err := p.store.MarkDead(ctx, job.ID); err != nil {
			return nil, err
		}
		p.bus.Publish(ctx, bus.Event{
			Name:    bus.JobDead,
			LeadID:  job.LeadID,
			JobID:   job.ID,
			Payload: map[string]interface{}{"type": job.Type, "retry_count": job.RetryCount},
		})
		p.log.Warn("retry budget exhausted", "job_id", job.ID.String(),
			"type", job.Type, "retry_count", job.RetryCount)
		return nil, nil
	}

	delay := RetryDelay(failureStatus, job.RetryCount, cfg)
	successor := &domain.EmailJob{
		LeadID:       job.LeadID,
		Email:        job.Email,
		Type:         job.Type,
		Category:     job.Category,
		TemplateID:   job.TemplateID,
		ScheduledFor: time.Now().UTC().Add(delay),
		Status:       domain.StatusPending,
		RetryCount:   job.RetryCount + 1,
		Metadata: domain.JobMetadata{
			Rescheduled: true,
			RetryReason: string(failureStatus),
			SourceJobID: job.ID.String(),
		},
	}
	if err := p.store.CreateJob(ctx, successor); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another replica already rescheduled this attempt.
			return nil, nil
		}
		return nil, err
	}

	if err := p.store.MarkRescheduled(ctx, job.ID, "Rescheduled after "+string(failureStatus)); err != nil {
		return nil, err
	}

	if err := p.queue.Enqueue(ctx, queue.SendQueue, successor.IdempotencyKey, queue.SendPayload{
		EmailJobID: successor.ID.String(),
		LeadID:     successor.LeadID.String(),
		LeadEmail:  successor.Email,
		EmailType:  successor.Type,
	}, delay); err != nil {
		p.log.Error("successor enqueue failed", "job_id", successor.ID.String(), "error", err.Error())
	}

	p.bus.Publish(ctx, bus.Event{
		Name:   bus.JobRescheduled,
		LeadID: job.LeadID,
		JobID:  successor.ID,
		Payload: map[string]interface{}{
			"type":        job.Type,
			"retry_count": successor.RetryCount,
			"reason":      string(failureStatus),
			"delay":       delay.String(),
		},
	})
	p.log.Info("job rescheduled", "original", job.ID.String(), "successor", successor.ID.String(),
		"retry_count", successor.RetryCount, "delay", delay.String())
	return successor, nil
}
