package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/ingest"
	"github.com/ignite/nurture/internal/pkg/httputil"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

// Handlers carries the dependencies of every HTTP handler.
type Handlers struct {
	store     *store.Store
	pipeline  *ingest.Pipeline
	scheduler *scheduler.Scheduler
	queue     *queue.Client
	settings  *store.SettingsCache
	analytics *store.AnalyticsCache
	log       *logger.Logger
}

func NewHandlers(st *store.Store, p *ingest.Pipeline, sched *scheduler.Scheduler,
	q *queue.Client, settings *store.SettingsCache, analytics *store.AnalyticsCache) *Handlers {
	return &Handlers{
		store:     st,
		pipeline:  p,
		scheduler: sched,
		queue:     q,
		settings:  settings,
		analytics: analytics,
		log:       logger.Component("api"),
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// BrevoWebhook ingests gateway delivery events. The gateway posts either a
// single event object or an array; both are accepted. The response is always
// 200 so the gateway never retries a batch we already looked at, even when
// every event in it was skipped.
func (h *Handlers) BrevoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	var events []domain.WebhookEvent
	if err := json.Unmarshal(body, &events); err != nil {
		var single domain.WebhookEvent
		if err := json.Unmarshal(body, &single); err != nil {
			httputil.BadRequest(w, "invalid webhook payload")
			return
		}
		events = []domain.WebhookEvent{single}
	}

	result := h.pipeline.ProcessBatch(r.Context(), events)
	httputil.OK(w, map[string]int{
		"processed": result.Processed,
		"skipped":   result.Skipped,
	})
}

// ScheduleNext asks the scheduler for the lead's next journey step.
func (h *Handlers) ScheduleNext(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	job, err := h.scheduler.ScheduleNextEmail(r.Context(), leadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"scheduled": job != nil,
		"job":       job,
	})
}

type scheduleJobRequest struct {
	LeadID       uuid.UUID          `json:"lead_id"`
	Type         string             `json:"type"`
	ScheduledFor *time.Time         `json:"scheduled_for,omitempty"`
	TemplateID   *string            `json:"template_id,omitempty"`
	Metadata     domain.JobMetadata `json:"metadata"`
}

// ScheduleJob materialises one job directly, bypassing journey step
// selection. Manual sends come through here and get a ManualMail projection
// alongside the job.
func (h *Handlers) ScheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleJobRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.LeadID == uuid.Nil || req.Type == "" {
		httputil.BadRequest(w, "lead_id and type are required")
		return
	}

	manual := domain.CategoryForType(req.Type) == domain.CategoryManual
	if manual {
		if req.TemplateID == nil || *req.TemplateID == "" {
			httputil.BadRequest(w, "manual sends require template_id")
			return
		}
		req.Metadata.Manual = true
	}

	scheduledFor := time.Now().UTC()
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}

	job, err := h.scheduler.ScheduleJob(r.Context(), scheduler.JobParams{
		LeadID:       req.LeadID,
		Type:         req.Type,
		ScheduledFor: scheduledFor,
		TemplateID:   req.TemplateID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		if scheduler.IsRejection(err) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}

	if manual {
		mm := &domain.ManualMail{
			LeadID:     req.LeadID,
			EmailJobID: job.ID,
			TemplateID: req.TemplateID,
			Status:     job.Status,
		}
		if err := h.store.CreateManualMail(r.Context(), mm); err != nil {
			h.log.Error("manual mail projection failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}

	httputil.Created(w, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelByLead cancels every active job for a lead.
func (h *Handlers) CancelByLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "Cancelled via API"
	}

	cancelled, err := h.scheduler.CancelByLead(r.Context(), leadID, req.Reason)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"cancelled": cancelled})
}

// FastForward pulls a pending job's send time to now.
func (h *Handlers) FastForward(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}

	forwarded, err := h.scheduler.FastForward(r.Context(), jobID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !forwarded {
		httputil.NotFound(w, "no pending job to fast-forward")
		return
	}
	httputil.OK(w, map[string]bool{"forwarded": true})
}

// CreateLead registers a lead.
func (h *Handlers) CreateLead(w http.ResponseWriter, r *http.Request) {
	var lead domain.Lead
	if !httputil.Decode(w, r, &lead) {
		return
	}
	if lead.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}

	if err := h.store.CreateLead(r.Context(), &lead); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httputil.Conflict(w, "lead already exists")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, lead)
}

// GetLead returns the lead with its engagement history and manual sends.
func (h *Handlers) GetLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	lead, err := h.store.GetLead(r.Context(), leadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if lead == nil {
		httputil.NotFound(w, "lead not found")
		return
	}

	history, err := h.store.HistoryByLead(r.Context(), leadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	manual, err := h.store.ManualMailsByLead(r.Context(), leadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"lead":         lead,
		"history":      history,
		"manual_mails": manual,
	})
}

// GetLeadJobs lists every job for a lead, newest first.
func (h *Handlers) GetLeadJobs(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	jobs, err := h.store.JobsByLead(r.Context(), leadID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"jobs": jobs})
}

// GetLeadEvents returns the applied-event audit trail for a lead.
func (h *Handlers) GetLeadEvents(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	events, err := h.store.EventsByLead(r.Context(), leadID, 100)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": events})
}

// GetQueues exposes counters for all three delayed queues plus the worker
// registry.
func (h *Handlers) GetQueues(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]queue.Counts, 3)
	for _, name := range []string{queue.SendQueue, queue.FollowupQueue, queue.AnalyticsQueue} {
		counts, err := h.queue.GetCounts(r.Context(), name)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		queues[name] = counts
	}

	workers, err := h.store.ListWorkers(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"queues":  queues,
		"workers": workers,
	})
}

// GetLeadNotifications returns the lead's notification feed.
func (h *Handlers) GetLeadNotifications(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadID")
	if !ok {
		return
	}

	notifications, err := h.store.NotificationsByLead(r.Context(), leadID, 50)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"notifications": notifications})
}

// GetAnalytics returns the cached funnel snapshot.
func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.analytics.Get(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, snapshot)
}

// GetSettings returns the effective engine settings.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, settings)
}

// SaveSettings replaces the engine settings and invalidates the cache.
func (h *Handlers) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.Settings
	if !httputil.Decode(w, r, &settings) {
		return
	}
	if settings.RatePerSecond <= 0 {
		httputil.BadRequest(w, "rate_per_second must be positive")
		return
	}

	if err := h.settings.Save(r.Context(), &settings); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, settings)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httputil.BadRequest(w, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}
