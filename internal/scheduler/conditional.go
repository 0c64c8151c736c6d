package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/store"
)

// TriggerEngine evaluates conditional email rules against applied events.
// It is the only code path allowed to cancel pending followups.
type TriggerEngine struct {
	store     *store.Store
	settings  *store.SettingsCache
	scheduler *Scheduler
	bus       *bus.Bus
	log       *logger.Logger
}

func NewTriggerEngine(st *store.Store, settings *store.SettingsCache, sched *Scheduler, b *bus.Bus) *TriggerEngine {
	return &TriggerEngine{
		store:     st,
		settings:  settings,
		scheduler: sched,
		bus:       b,
		log:       logger.Component("TriggerEngine"),
	}
}

// ProcessEvent runs every enabled rule matching (event, source step) for the
// lead and returns how many conditional jobs were materialised. Each rule
// fires at most once per lead.
func (e *TriggerEngine) ProcessEvent(ctx context.Context, leadID uuid.UUID, event domain.EventType, sourceType string, sourceJobID uuid.UUID) (int, error) {
	rules, err := e.store.EnabledConditionals(ctx, event, sourceType)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return 0, err
	}
	if lead == nil {
		return 0, nil
	}

	settings, err := e.settings.Get(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, rule := range rules {
		ok, err := e.fireRule(ctx, rule, lead, settings, event, sourceJobID)
		if err != nil {
			e.log.Error("conditional rule failed", "rule", rule.Name, "lead_id", leadID.String(), "error", err.Error())
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (e *TriggerEngine) fireRule(ctx context.Context, rule *domain.ConditionalEmail, lead *domain.Lead, settings *domain.Settings, event domain.EventType, sourceJobID uuid.UUID) (bool, error) {
	exists, err := e.store.ConditionalJobExists(ctx, rule.ID, lead.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	var cancelled []string
	if rule.CancelPending {
		cancelled, err = e.scheduler.CancelByLead(ctx, lead.ID, "Cancelled by conditional email: "+rule.Name)
		if err != nil {
			return false, err
		}
	}

	scheduledFor := NextBusinessHourSlot(
		time.Now().UTC().Add(time.Duration(rule.DelayHours)*time.Hour),
		lead.Timezone, settings)

	job, err := e.scheduler.ScheduleJob(ctx, JobParams{
		LeadID:       lead.ID,
		Type:         domain.ConditionalType(rule.Name),
		ScheduledFor: scheduledFor,
		TemplateID:   rule.TemplateID,
		Metadata: domain.JobMetadata{
			TriggerEvent:     string(event),
			SourceJobID:      sourceJobID.String(),
			ConditionalJobID: rule.ID.String(),
		},
	})
	if IsRejection(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cj := &domain.ConditionalEmailJob{
		ConditionalEmailID: rule.ID,
		LeadID:             lead.ID,
		EmailJobID:         job.ID,
		CancelledFollowups: cancelled,
	}
	if err := e.store.CreateConditionalJob(ctx, cj); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent replica fired first; retire our job.
			if err := e.store.MarkCancelled(ctx, job.ID, "Conditional already materialised elsewhere"); err != nil {
				e.log.Error("losing conditional job not cancelled", "job_id", job.ID.String(), "error", err.Error())
			}
			return false, nil
		}
		return false, err
	}

	e.bus.Publish(ctx, bus.Event{
		Name:   bus.ConditionalFired,
		LeadID: lead.ID,
		JobID:  job.ID,
		Payload: map[string]interface{}{
			"rule":                rule.Name,
			"trigger_event":       string(event),
			"cancelled_followups": cancelled,
		},
	})
	e.log.Info("conditional fired", "rule", rule.Name, "lead_id", lead.ID.String(),
		"job_id", job.ID.String(), "cancelled", len(cancelled))
	return true, nil
}
