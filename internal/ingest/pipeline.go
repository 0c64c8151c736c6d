// Package ingest applies raw gateway webhook events to the engine: dedup,
// normalisation, status transitions, projections, and the downstream
// reactions (followup chaining, conditional triggers, retries).
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

// Result is the batch outcome reported to the webhook caller.
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// Pipeline is the webhook ingestor.
type Pipeline struct {
	store     *store.Store
	queue     *queue.Client
	triggers  *scheduler.TriggerEngine
	retry     *scheduler.RetryPolicy
	analytics *store.AnalyticsCache
	bus       *bus.Bus
	log       *logger.Logger
}

func NewPipeline(st *store.Store, q *queue.Client, triggers *scheduler.TriggerEngine,
	retry *scheduler.RetryPolicy, analytics *store.AnalyticsCache, b *bus.Bus) *Pipeline {
	return &Pipeline{
		store:     st,
		queue:     q,
		triggers:  triggers,
		retry:     retry,
		analytics: analytics,
		bus:       b,
		log:       logger.Component("Ingest"),
	}
}

// ProcessBatch applies each event independently. A failing event is logged
// and counted as skipped; it never poisons the rest of the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, events []domain.WebhookEvent) Result {
	var res Result
	for _, ev := range events {
		applied, err := p.processOne(ctx, ev)
		if err != nil {
			p.log.Error("event failed", "event", ev.Event, "message_id", ev.MessageID, "error", err.Error())
			res.Skipped++
			continue
		}
		if applied {
			res.Processed++
		} else {
			res.Skipped++
		}
	}
	return res
}

func (p *Pipeline) processOne(ctx context.Context, raw domain.WebhookEvent) (bool, error) {
	event, known := domain.NormalizeEvent(raw.Event)
	if !known {
		p.log.Warn("unknown event type dropped", "event", raw.Event, "message_id", raw.MessageID)
		return false, nil
	}
	if raw.MessageID == "" {
		return false, fmt.Errorf("event %s without message id", event)
	}

	// Dedup ledger first: a redelivered webhook must be a no-op.
	fresh, err := p.store.MarkProcessed(ctx, raw.MessageID, event)
	if err != nil {
		return false, err
	}
	if !fresh {
		p.log.Debug("duplicate event dropped", "event", string(event), "message_id", raw.MessageID)
		return false, nil
	}

	applied, err := p.applyEvent(ctx, raw, event)
	if err != nil {
		// Roll the ledger back so the gateway's redelivery can recover.
		if unmarkErr := p.store.UnmarkProcessed(ctx, raw.MessageID, event); unmarkErr != nil {
			p.log.Error("ledger rollback failed", "message_id", raw.MessageID, "error", unmarkErr.Error())
		}
		return false, err
	}
	return applied, nil
}

func (p *Pipeline) applyEvent(ctx context.Context, raw domain.WebhookEvent, event domain.EventType) (bool, error) {
	job, err := p.locateJob(ctx, raw)
	if err != nil {
		return false, err
	}
	if job == nil {
		p.log.Warn("no job for event", "event", string(event), "message_id", raw.MessageID, "email", raw.Email)
		return false, nil
	}

	newStatus := domain.JobStatusForEvent(event)
	if !domain.CanTransition(job.Status, newStatus) {
		p.log.Debug("transition rejected", "job_id", job.ID.String(),
			"current", string(job.Status), "event", string(event))
		return false, nil
	}

	occurredAt := raw.OccurredAt()
	if err := p.store.ApplyEventStatus(ctx, job.ID, newStatus, event, occurredAt, raw.Reason); err != nil {
		return false, err
	}

	if err := p.updateProjections(ctx, job, newStatus, occurredAt); err != nil {
		p.log.Warn("projection update failed", "job_id", job.ID.String(), "error", err.Error())
	}
	p.bumpCounters(ctx, job.LeadID, event)

	if _, err := p.store.RecordHistory(ctx, job.LeadID, job.ID, event, occurredAt); err != nil {
		p.log.Warn("history record failed", "job_id", job.ID.String(), "error", err.Error())
	}

	// Delivery chains the next step asynchronously so ingestion never
	// blocks on scheduling.
	if event == domain.EventDelivered {
		if err := p.queue.Enqueue(ctx, queue.FollowupQueue, "followup:"+job.LeadID.String(),
			queue.FollowupPayload{
				LeadID:             job.LeadID.String(),
				OriginalEmailJobID: job.ID.String(),
			}, 0); err != nil {
			p.log.Error("followup enqueue failed", "lead_id", job.LeadID.String(), "error", err.Error())
		}
	}

	// Conditionals run before the aggregate recompute so freshly
	// materialised jobs participate in it.
	switch event {
	case domain.EventDelivered, domain.EventOpened, domain.EventUniqueOpened, domain.EventClicked:
		if _, err := p.triggers.ProcessEvent(ctx, job.LeadID, event, job.Type, job.ID); err != nil {
			p.log.Error("conditional evaluation failed", "lead_id", job.LeadID.String(), "error", err.Error())
		}
	}

	if domain.Retriable(newStatus) {
		if _, err := p.retry.Reschedule(ctx, job, newStatus); err != nil {
			p.log.Error("reschedule failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}

	if err := p.recomputeLeadStatus(ctx, job, newStatus); err != nil {
		p.log.Warn("lead status recompute failed", "lead_id", job.LeadID.String(), "error", err.Error())
	}

	if err := p.store.AppendEvent(ctx, &domain.AppliedEvent{
		LeadID:     job.LeadID,
		EmailJobID: job.ID,
		EmailType:  job.Type,
		Event:      event,
		MessageID:  raw.MessageID,
		OccurredAt: occurredAt,
		Reason:     raw.Reason,
		NewStatus:  newStatus,
	}); err != nil {
		return false, err
	}

	p.analytics.Invalidate(ctx)
	p.bus.Publish(ctx, bus.Event{
		Name:   bus.WebhookApplied,
		LeadID: job.LeadID,
		JobID:  job.ID,
		Payload: map[string]interface{}{
			"event":      string(event),
			"new_status": string(newStatus),
			"message_id": raw.MessageID,
		},
	})
	return true, nil
}

// locateJob resolves the owning job: by gateway message id first, then by
// recipient address against jobs already due.
func (p *Pipeline) locateJob(ctx context.Context, raw domain.WebhookEvent) (*domain.EmailJob, error) {
	job, err := p.store.GetJobByMessageID(ctx, raw.MessageID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		return job, nil
	}
	if raw.Email == "" {
		return nil, nil
	}
	return p.store.FindLatestJobByEmail(ctx, raw.Email, time.Now().UTC())
}

func (p *Pipeline) updateProjections(ctx context.Context, job *domain.EmailJob, status domain.JobStatus, occurredAt time.Time) error {
	switch job.Category {
	case domain.CategoryManual:
		return p.store.UpdateManualMailStatus(ctx, job.ID, status, &occurredAt)
	case domain.CategoryConditional:
		// Conditional sends are tracked on the job alone.
		return nil
	default:
		return p.store.UpdateScheduleStep(ctx, job.LeadID, job.Type, status)
	}
}

func (p *Pipeline) bumpCounters(ctx context.Context, leadID uuid.UUID, event domain.EventType) {
	var field string
	switch event {
	case domain.EventOpened, domain.EventUniqueOpened:
		field = "emails_opened"
	case domain.EventClicked:
		field = "emails_clicked"
	case domain.EventSoftBounce, domain.EventHardBounce, domain.EventBlocked, domain.EventSpam:
		field = "emails_bounced"
	default:
		return
	}
	if err := p.store.IncrementLeadCounter(ctx, leadID, field); err != nil {
		p.log.Warn("counter update failed", "lead_id", leadID.String(), "field", field, "error", err.Error())
	}
}

// recomputeLeadStatus derives the aggregate label from the lead's most
// significant current step. Active conditionals created by this very event
// are already visible because triggers ran first.
func (p *Pipeline) recomputeLeadStatus(ctx context.Context, job *domain.EmailJob, status domain.JobStatus) error {
	step := domain.LeadStep{Step: job.Type, State: status}

	active, err := p.store.ActiveJobs(ctx, job.LeadID, false)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		// A pending step outranks a finished one in the label: it is
		// what happens next for the lead.
		next := active[0]
		step = domain.LeadStep{Step: next.Type, State: next.Status}
	}

	if err := p.store.UpdateLeadStatus(ctx, job.LeadID, step.Format()); err != nil {
		return err
	}
	p.bus.Publish(ctx, bus.Event{
		Name:    bus.LeadStatusChanged,
		LeadID:  job.LeadID,
		JobID:   job.ID,
		Payload: map[string]interface{}{"status": step.Format()},
	})
	return nil
}
