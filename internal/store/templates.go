package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/nurture/internal/domain"
)

// GetTemplate fetches a template by id, or (nil, nil).
func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.EmailTemplate, error) {
	tpl := &domain.EmailTemplate{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subject, html_content, updated_at FROM email_templates WHERE id = $1`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.HTMLContent, &tpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}
