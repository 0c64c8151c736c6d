package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is a normalized gateway event name.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventUniqueOpened EventType = "unique_opened"
	EventClicked      EventType = "clicked"
	EventSoftBounce   EventType = "soft_bounce"
	EventHardBounce   EventType = "hard_bounce"
	EventDeferred     EventType = "deferred"
	EventBlocked      EventType = "blocked"
	EventSpam         EventType = "spam"
	EventInvalid      EventType = "invalid"
	EventError        EventType = "error"
	EventUnsubscribed EventType = "unsubscribed"
	EventComplaint    EventType = "complaint"
)

// eventAliases maps raw Brevo webhook event names onto normalized types.
// The spam-vs-complaint choice is made exactly once, here: the webhook
// "spam" event becomes EventSpam; EventComplaint is reserved for an
// explicit complaint notification.
var eventAliases = map[string]EventType{
	"requests":      EventSent,
	"request":       EventSent,
	"sent":          EventSent,
	"delivered":     EventDelivered,
	"opened":        EventOpened,
	"open":          EventOpened,
	"unique_opened": EventUniqueOpened,
	"uniqueOpened":  EventUniqueOpened,
	"click":         EventClicked,
	"clicked":       EventClicked,
	"softbounce":    EventSoftBounce,
	"soft_bounce":   EventSoftBounce,
	"hardbounce":    EventHardBounce,
	"hard_bounce":   EventHardBounce,
	"deferred":      EventDeferred,
	"blocked":       EventBlocked,
	"spam":          EventSpam,
	"complaint":     EventComplaint,
	"invalid_email": EventInvalid,
	"invalid":       EventInvalid,
	"error":         EventError,
	"unsubscribed":  EventUnsubscribed,
	"unsubscribe":   EventUnsubscribed,
}

// NormalizeEvent maps a raw webhook event name to its normalized type.
// Unknown names are returned as-is with ok=false so callers can log and skip.
func NormalizeEvent(raw string) (EventType, bool) {
	if t, ok := eventAliases[raw]; ok {
		return t, true
	}
	return EventType(raw), false
}

// JobStatusForEvent maps a normalized event to the job status it implies.
// unique_opened collapses onto opened at the job level.
func JobStatusForEvent(e EventType) JobStatus {
	switch e {
	case EventSent:
		return StatusSent
	case EventDelivered:
		return StatusDelivered
	case EventOpened, EventUniqueOpened:
		return StatusOpened
	case EventClicked:
		return StatusClicked
	case EventSoftBounce:
		return StatusSoftBounce
	case EventHardBounce:
		return StatusHardBounce
	case EventDeferred:
		return StatusDeferred
	case EventBlocked:
		return StatusBlocked
	case EventSpam:
		return StatusSpam
	case EventInvalid:
		return StatusInvalid
	case EventError:
		return StatusError
	case EventUnsubscribed:
		return StatusUnsubscribed
	case EventComplaint:
		return StatusComplaint
	}
	return StatusError
}

// WebhookEvent is a single raw event from the Brevo webhook payload.
type WebhookEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message-id"`
	Date      string `json:"date"`
	TsEvent   int64  `json:"ts_event"`
	Reason    string `json:"reason,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// OccurredAt resolves the event timestamp, preferring the epoch field.
func (e WebhookEvent) OccurredAt() time.Time {
	if e.TsEvent > 0 {
		return time.Unix(e.TsEvent, 0).UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05", e.Date); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, e.Date); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// AppliedEvent is a domain event recorded after the ingest pipeline applies
// a webhook event to a job. It feeds the audit store and the in-process bus.
type AppliedEvent struct {
	ID         uuid.UUID `json:"id"`
	LeadID     uuid.UUID `json:"lead_id"`
	EmailJobID uuid.UUID `json:"email_job_id"`
	EmailType  string    `json:"email_type"`
	Event      EventType `json:"event"`
	MessageID  string    `json:"message_id"`
	OccurredAt time.Time `json:"occurred_at"`
	AppliedAt  time.Time `json:"applied_at"`
	Reason     string    `json:"reason,omitempty"`
	NewStatus  JobStatus `json:"new_status"`
}
