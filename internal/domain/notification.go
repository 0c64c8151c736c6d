package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is an operator-facing record of a noteworthy lifecycle event.
// Delivery to devices is out of scope; rows are served through the API.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	LeadID    uuid.UUID `json:"lead_id"`
	JobID     uuid.UUID `json:"job_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
