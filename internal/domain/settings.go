package domain

import (
	"time"

	"github.com/google/uuid"
)

// FollowupStep is one entry of the ordered followup sequence definition.
type FollowupStep struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Order      int     `json:"order"`
	DelayDays  int     `json:"delay_days"`
	TemplateID *string `json:"template_id,omitempty"`
	Enabled    bool    `json:"enabled"`
	Skip       bool    `json:"skip,omitempty"`
}

// BusinessHours bounds the local-time window in which emails may go out.
type BusinessHours struct {
	StartHour     int   `json:"start_hour"`
	EndHour       int   `json:"end_hour"`
	WeekendDays   []int `json:"weekend_days"`
	WindowMinutes int   `json:"window_minutes"`
}

// RetryConfig governs the soft-failure reschedule policy.
type RetryConfig struct {
	MaxAttempts          int `json:"max_attempts"`
	SoftBounceDelayHours int `json:"soft_bounce_delay_hours"`
}

// GatewayCredentials holds the Brevo sender identity and API key.
// Stored in settings so operators can rotate keys without a deploy.
type GatewayCredentials struct {
	APIKey      string `json:"api_key"`
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`
}

// Settings is the runtime-editable configuration singleton (row id="global").
type Settings struct {
	RatePerSecond int                `json:"rate_per_second"`
	BusinessHours BusinessHours      `json:"business_hours"`
	Followups     []FollowupStep     `json:"followups"`
	PausedDates   []string           `json:"paused_dates"` // "2006-01-02"
	Retry         RetryConfig        `json:"retry"`
	Gateway       GatewayCredentials `json:"gateway"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DefaultSettings returns the settings applied when the singleton row is missing.
func DefaultSettings() *Settings {
	return &Settings{
		RatePerSecond: 10,
		BusinessHours: BusinessHours{
			StartHour:     9,
			EndHour:       17,
			WeekendDays:   []int{int(time.Saturday), int(time.Sunday)},
			WindowMinutes: 15,
		},
		Followups: []FollowupStep{
			{ID: 1, Name: TypeInitial, Order: 0, DelayDays: 0, Enabled: true},
			{ID: 2, Name: "First Followup", Order: 1, DelayDays: 3, Enabled: true},
			{ID: 3, Name: "Second Followup", Order: 2, DelayDays: 5, Enabled: true},
			{ID: 4, Name: "Third Followup", Order: 3, DelayDays: 7, Enabled: true},
		},
		Retry: RetryConfig{MaxAttempts: 5, SoftBounceDelayHours: 2},
	}
}

// EnabledSteps returns the sequence filtered to schedulable steps, sorted by
// order; ties break on lower id.
func (s *Settings) EnabledSteps() []FollowupStep {
	steps := make([]FollowupStep, 0, len(s.Followups))
	for _, st := range s.Followups {
		if st.Enabled && !st.Skip {
			steps = append(steps, st)
		}
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0; j-- {
			a, b := steps[j-1], steps[j]
			if b.Order < a.Order || (b.Order == a.Order && b.ID < a.ID) {
				steps[j-1], steps[j] = b, a
			} else {
				break
			}
		}
	}
	return steps
}

// StepByName finds a followup step by its name.
func (s *Settings) StepByName(name string) (FollowupStep, bool) {
	for _, st := range s.Followups {
		if st.Name == name {
			return st, true
		}
	}
	return FollowupStep{}, false
}

// IsPausedDate reports whether the given day (in the lead's zone) is paused.
func (s *Settings) IsPausedDate(t time.Time) bool {
	day := t.Format("2006-01-02")
	for _, d := range s.PausedDates {
		if d == day {
			return true
		}
	}
	return false
}

// IsWeekend reports whether t falls on a configured weekend day.
func (bh BusinessHours) IsWeekend(t time.Time) bool {
	for _, d := range bh.WeekendDays {
		if int(t.Weekday()) == d {
			return true
		}
	}
	return false
}

// ConditionalEmail is a configured event-triggered send rule.
type ConditionalEmail struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	TriggerEvent  EventType `json:"trigger_event"`
	TriggerStep   *string   `json:"trigger_step,omitempty"`
	DelayHours    int       `json:"delay_hours"`
	TemplateID    *string   `json:"template_id,omitempty"`
	CancelPending bool      `json:"cancel_pending"`
	Priority      int       `json:"priority"`
	Enabled       bool      `json:"enabled"`
}

// ConditionalEmailJob links a conditional rule to its materialised job for a
// lead. The (conditional_email_id, lead_id) pair is unique: a rule fires at
// most once per lead.
type ConditionalEmailJob struct {
	ID                 uuid.UUID `json:"id"`
	ConditionalEmailID uuid.UUID `json:"conditional_email_id"`
	LeadID             uuid.UUID `json:"lead_id"`
	EmailJobID         uuid.UUID `json:"email_job_id"`
	CancelledFollowups []string  `json:"cancelled_followups,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
