package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lead is a nurture target. Leads are created externally; the engine only
// mutates counters, score, tags, and the aggregate status.
type Lead struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Company  string    `json:"company"`
	City     string    `json:"city"`
	Country  string    `json:"country"`
	Timezone string    `json:"timezone"`

	EmailsSent    int `json:"emails_sent"`
	EmailsOpened  int `json:"emails_opened"`
	EmailsClicked int `json:"emails_clicked"`
	EmailsBounced int `json:"emails_bounced"`

	Score       int        `json:"score"`
	Tags        []string   `json:"tags"`
	Status      string     `json:"status"`
	FrozenUntil *time.Time `json:"frozen_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeEmail case-folds and trims an address. Lead identity is keyed on
// the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Frozen reports whether the lead is paused from scheduling at t.
func (l *Lead) Frozen(t time.Time) bool {
	return l.FrozenUntil != nil && l.FrozenUntil.After(t)
}

// EmailSchedule mirrors a lead's journey for UI consumption: the initial
// step status plus an ordered snapshot of followups. It is derived from
// jobs and kept in sync by the ingest pipeline.
type EmailSchedule struct {
	LeadID        uuid.UUID          `json:"lead_id"`
	InitialStatus JobStatus          `json:"initial_status"`
	Followups     []FollowupSnapshot `json:"followups"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// FollowupSnapshot is one followup entry in the schedule projection.
type FollowupSnapshot struct {
	Name       string    `json:"name"`
	Status     JobStatus `json:"status"`
	TemplateID *string   `json:"template_id,omitempty"`
}

// ManualMail is the projection row for an operator-initiated send.
type ManualMail struct {
	ID         uuid.UUID  `json:"id"`
	LeadID     uuid.UUID  `json:"lead_id"`
	EmailJobID uuid.UUID  `json:"email_job_id"`
	TemplateID *string    `json:"template_id,omitempty"`
	Status     JobStatus  `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
