package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/nurture/internal/domain"
)

const leadColumns = `id, email, name, company, city, country, timezone,
	emails_sent, emails_opened, emails_clicked, emails_bounced,
	score, tags, status, frozen_until, created_at, updated_at`

// CreateLead inserts a lead. Identity is the case-folded email address.
func (s *Store) CreateLead(ctx context.Context, lead *domain.Lead) error {
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	lead.Email = domain.NormalizeEmail(lead.Email)
	if lead.Timezone == "" {
		lead.Timezone = "UTC"
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO leads
		(id, email, name, company, city, country, timezone, score, tags, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		lead.ID, lead.Email, lead.Name, lead.Company, lead.City, lead.Country,
		lead.Timezone, lead.Score, pq.Array(lead.Tags), lead.Status, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// GetLead fetches a lead by id. Returns (nil, nil) when absent.
func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	return scanLead(row)
}

// GetLeadByEmail fetches a lead by its normalized address.
func (s *Store) GetLeadByEmail(ctx context.Context, email string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE email = $1`, domain.NormalizeEmail(email))
	return scanLead(row)
}

// IncrementLeadCounter bumps one engagement counter.
// Allowed fields are whitelisted; anything else is a programmer error.
func (s *Store) IncrementLeadCounter(ctx context.Context, leadID uuid.UUID, field string) error {
	switch field {
	case "emails_sent", "emails_opened", "emails_clicked", "emails_bounced":
	default:
		return fmt.Errorf("unknown lead counter %q", field)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET `+field+` = `+field+` + 1, updated_at = NOW() WHERE id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	return nil
}

// UpdateLeadStatus writes the recomputed aggregate status string.
func (s *Store) UpdateLeadStatus(ctx context.Context, leadID uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = $2, updated_at = NOW() WHERE id = $1`, leadID, status)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	return nil
}

// FreezeLead pauses scheduling for a lead until the given time.
func (s *Store) FreezeLead(ctx context.Context, leadID uuid.UUID, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET frozen_until = $2, updated_at = NOW() WHERE id = $1`, leadID, until.UTC())
	return err
}

func scanLead(row *sql.Row) (*domain.Lead, error) {
	lead := &domain.Lead{}
	err := row.Scan(
		&lead.ID, &lead.Email, &lead.Name, &lead.Company, &lead.City, &lead.Country,
		&lead.Timezone, &lead.EmailsSent, &lead.EmailsOpened, &lead.EmailsClicked,
		&lead.EmailsBounced, &lead.Score, pq.Array(&lead.Tags), &lead.Status,
		&lead.FrozenUntil, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}
