package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/nurture/internal/domain"
)

// MarkProcessed records a (message_id, event_type) pair in the dedup ledger.
// Returns true when the pair was new, false when a previous delivery of the
// same webhook already claimed it.
func (s *Store) MarkProcessed(ctx context.Context, messageID string, event domain.EventType) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO processed_events (message_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (message_id, event_type) DO NOTHING`,
		messageID, event)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UnmarkProcessed rolls a ledger entry back after a hard per-event failure,
// so the gateway's redelivery can recover.
func (s *Store) UnmarkProcessed(ctx context.Context, messageID string, event domain.EventType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE message_id = $1 AND event_type = $2`,
		messageID, event)
	if err != nil {
		return fmt.Errorf("unmark processed: %w", err)
	}
	return nil
}

// PruneProcessed drops ledger entries older than the retention window.
// Gateways stop redelivering long before this, so the table stays small.
func (s *Store) PruneProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return res.RowsAffected()
}
