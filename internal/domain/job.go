package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status of an EmailJob.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusQueued       JobStatus = "queued"
	StatusScheduled    JobStatus = "scheduled"
	StatusSending      JobStatus = "sending"
	StatusSent         JobStatus = "sent"
	StatusDelivered    JobStatus = "delivered"
	StatusOpened       JobStatus = "opened"
	StatusClicked      JobStatus = "clicked"
	StatusSoftBounce   JobStatus = "soft_bounce"
	StatusHardBounce   JobStatus = "hard_bounce"
	StatusDeferred     JobStatus = "deferred"
	StatusBlocked      JobStatus = "blocked"
	StatusSpam         JobStatus = "spam"
	StatusError        JobStatus = "error"
	StatusInvalid      JobStatus = "invalid"
	StatusFailed       JobStatus = "failed"
	StatusUnsubscribed JobStatus = "unsubscribed"
	StatusComplaint    JobStatus = "complaint"
	StatusDead         JobStatus = "dead"
	StatusRescheduled  JobStatus = "rescheduled"
	StatusCancelled    JobStatus = "cancelled"
	StatusSkipped      JobStatus = "skipped"
)

// JobCategory is the coarse classification of an EmailJob.
type JobCategory string

const (
	CategoryInitial     JobCategory = "initial"
	CategoryFollowup    JobCategory = "followup"
	CategoryManual      JobCategory = "manual"
	CategoryConditional JobCategory = "conditional"
)

// TypeInitial is the email type of the first message in every journey.
const TypeInitial = "Initial Email"

// TypeManual is the email type used for ad-hoc operator sends.
const TypeManual = "manual"

// ConditionalTypePrefix prefixes the email type of trigger-materialised jobs.
const ConditionalTypePrefix = "conditional:"

// ConditionalType builds the job type for a conditional rule name.
func ConditionalType(name string) string {
	return ConditionalTypePrefix + name
}

// IsConditionalType reports whether an email type belongs to a conditional rule.
func IsConditionalType(emailType string) bool {
	return strings.HasPrefix(emailType, ConditionalTypePrefix)
}

// ActiveSet contains the statuses of jobs that are scheduled but not yet
// dispatched. At most one job per (lead, type) may be in this set.
var ActiveSet = []JobStatus{StatusPending, StatusQueued, StatusScheduled, StatusSending}

// SentSet contains the statuses that count as "successfully sent" for
// journey-uniqueness checks. Once a (lead, type) job is in this set, no new
// job with the same pair may ever be created.
var SentSet = []JobStatus{StatusSending, StatusSent, StatusDelivered, StatusOpened, StatusClicked}

// ProcessedSet contains the statuses from which a worker must not dispatch.
var ProcessedSet = []JobStatus{
	StatusSending, StatusSent, StatusDelivered, StatusOpened, StatusClicked,
	StatusHardBounce, StatusBlocked, StatusSpam, StatusCancelled, StatusDead,
	StatusUnsubscribed, StatusComplaint, StatusFailed,
}

// InActiveSet reports whether s is in the active set.
func InActiveSet(s JobStatus) bool { return statusIn(s, ActiveSet) }

// InSentSet reports whether s counts as successfully sent.
func InSentSet(s JobStatus) bool { return statusIn(s, SentSet) }

// InProcessedSet reports whether a worker must skip a job in status s.
func InProcessedSet(s JobStatus) bool { return statusIn(s, ProcessedSet) }

func statusIn(s JobStatus, set []JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// StatusStrings converts a status set to plain strings for SQL IN clauses.
func StatusStrings(set []JobStatus) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

// JobMetadata is the known-schema portion of a job's metadata bag.
// Extra carries anything callers attach that the engine doesn't interpret.
type JobMetadata struct {
	Manual           bool                   `json:"manual,omitempty"`
	Rescheduled      bool                   `json:"rescheduled,omitempty"`
	RetryReason      string                 `json:"retryReason,omitempty"`
	TriggerEvent     string                 `json:"triggerEvent,omitempty"`
	SourceJobID      string                 `json:"sourceJobId,omitempty"`
	ConditionalJobID string                 `json:"conditionalJobId,omitempty"`
	SendAttemptedAt  *time.Time             `json:"sendAttemptedAt,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}

// EmailJob is the central scheduling entity: one planned or attempted send
// for a (lead, email type) journey step.
type EmailJob struct {
	ID             uuid.UUID   `json:"id"`
	LeadID         uuid.UUID   `json:"lead_id"`
	Email          string      `json:"email"`
	Type           string      `json:"type"`
	Category       JobCategory `json:"category"`
	TemplateID     *string     `json:"template_id,omitempty"`
	ScheduledFor   time.Time   `json:"scheduled_for"`
	Status         JobStatus   `json:"status"`
	RetryCount     int         `json:"retry_count"`
	IdempotencyKey string      `json:"idempotency_key"`
	BrevoMessageID *string     `json:"brevo_message_id,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	BouncedAt   *time.Time `json:"bounced_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	DeferredAt  *time.Time `json:"deferred_at,omitempty"`

	LastError *string     `json:"last_error,omitempty"`
	Metadata  JobMetadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewIdempotencyKey builds the stable dedup key for a journey step attempt.
// The retry count participates so a rescheduled successor gets its own key
// while a double-enqueue of the same attempt collapses.
func NewIdempotencyKey(leadID uuid.UUID, emailType string, retryCount int) string {
	return fmt.Sprintf("%s:%s:%d", leadID, emailType, retryCount)
}

// CategoryForType derives the job category from an email type string.
func CategoryForType(emailType string) JobCategory {
	switch {
	case emailType == TypeInitial:
		return CategoryInitial
	case emailType == TypeManual:
		return CategoryManual
	case IsConditionalType(emailType):
		return CategoryConditional
	default:
		return CategoryFollowup
	}
}
