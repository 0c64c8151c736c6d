package domain

import "fmt"

// statusRanks orders the delivery lifecycle. A transition is accepted only
// when the new rank is >= the current rank, or when either side is outside
// the hierarchy (errors and terminal states bypass the ordering).
//
//	scheduled(1) → queued(2) → sent(3) → delivered(4) → opened(5) → clicked(6)
//	soft_bounce(7)   hard_bounce/failed/blocked/spam(8)
var statusRanks = map[JobStatus]int{
	StatusScheduled:  1,
	StatusQueued:     2,
	StatusSent:       3,
	StatusDelivered:  4,
	StatusOpened:     5,
	StatusClicked:    6,
	StatusSoftBounce: 7,
	StatusHardBounce: 8,
	StatusFailed:     8,
	StatusBlocked:    8,
	StatusSpam:       8,
}

// StatusRank returns the hierarchy rank of a status and whether the status
// participates in the hierarchy at all.
func StatusRank(s JobStatus) (int, bool) {
	r, ok := statusRanks[s]
	return r, ok
}

// CanTransition reports whether a job may move from current to next.
// Downgrades within the hierarchy are rejected; statuses outside the
// hierarchy (error, terminal, administrative) are always accepted.
func CanTransition(current, next JobStatus) bool {
	curRank, curOK := statusRanks[current]
	nextRank, nextOK := statusRanks[next]
	if !curOK || !nextOK {
		return true
	}
	return nextRank >= curRank
}

// TerminalLeadStatuses are lead-level states from which no further sends occur.
var TerminalLeadStatuses = []JobStatus{StatusUnsubscribed, StatusComplaint, StatusDead}

// Retriable reports whether a failure status is eligible for the
// reschedule policy. Hard failures propagate to the lead instead.
func Retriable(s JobStatus) bool {
	switch s {
	case StatusSoftBounce, StatusDeferred, StatusFailed:
		return true
	}
	return false
}

// LeadStep is the structured aggregate status of a lead: which journey step
// the lead is on and what state that step is in. The free-form string the
// dashboards expect ("First Followup:delivered") exists only at the API
// boundary via Format.
type LeadStep struct {
	Step  string    `json:"step"`
	State JobStatus `json:"state"`
}

// Format renders the API-boundary string form.
func (ls LeadStep) Format() string {
	if ls.Step == "" {
		return string(ls.State)
	}
	return fmt.Sprintf("%s:%s", ls.Step, ls.State)
}

// ParseLeadStep parses the string form back into the structured pair.
func ParseLeadStep(s string) LeadStep {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return LeadStep{Step: s[:i], State: JobStatus(s[i+1:])}
		}
	}
	return LeadStep{State: JobStatus(s)}
}
