package domain

import "time"

// EmailTemplate is fetched by id at dispatch time. Content authoring lives
// outside the engine.
type EmailTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	UpdatedAt   time.Time `json:"updated_at"`
}
