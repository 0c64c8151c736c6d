package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/pkg/logger"
)

const (
	analyticsKey = "nurture:analytics:summary"
	analyticsTTL = 5 * time.Minute
)

// AnalyticsSnapshot is the engine-level delivery funnel. Sent counts are
// unique per (lead, type) journey step: rescheduled jobs are excluded so a
// soft-bounced-then-retried step counts once.
type AnalyticsSnapshot struct {
	TotalLeads int64     `json:"total_leads"`
	UniqueSent int64     `json:"unique_sent"`
	Delivered  int64     `json:"delivered"`
	Opened     int64     `json:"opened"`
	Clicked    int64     `json:"clicked"`
	Bounced    int64     `json:"bounced"`
	Failed     int64     `json:"failed"`
	Pending    int64     `json:"pending"`
	ComputedAt time.Time `json:"computed_at"`
}

// ComputeAnalytics runs the funnel queries against Postgres.
func (s *Store) ComputeAnalytics(ctx context.Context) (*AnalyticsSnapshot, error) {
	snap := &AnalyticsSnapshot{ComputedAt: time.Now().UTC()}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&snap.TotalLeads); err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'opened', 'clicked')),
			COUNT(*) FILTER (WHERE status IN ('delivered', 'opened', 'clicked')),
			COUNT(*) FILTER (WHERE status IN ('opened', 'clicked')),
			COUNT(*) FILTER (WHERE status = 'clicked'),
			COUNT(*) FILTER (WHERE status IN ('soft_bounce', 'hard_bounce', 'blocked', 'spam')),
			COUNT(*) FILTER (WHERE status IN ('failed', 'error', 'dead')),
			COUNT(*) FILTER (WHERE status IN ('pending', 'queued', 'scheduled'))
		FROM email_jobs
		WHERE status != 'rescheduled'`).
		Scan(&snap.UniqueSent, &snap.Delivered, &snap.Opened, &snap.Clicked,
			&snap.Bounced, &snap.Failed, &snap.Pending)
	if err != nil {
		return nil, fmt.Errorf("compute funnel: %w", err)
	}
	return snap, nil
}

// AnalyticsCache fronts ComputeAnalytics with a short-TTL Redis entry.
// The ingest pipeline invalidates it on every applied event.
type AnalyticsCache struct {
	store *Store
	redis *redis.Client
	log   *logger.Logger
}

func NewAnalyticsCache(store *Store, rdb *redis.Client) *AnalyticsCache {
	return &AnalyticsCache{store: store, redis: rdb, log: logger.Component("AnalyticsCache")}
}

// Get returns the cached snapshot, recomputing on miss.
func (c *AnalyticsCache) Get(ctx context.Context) (*AnalyticsSnapshot, error) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, analyticsKey).Bytes()
		if err == nil {
			snap := &AnalyticsSnapshot{}
			if jsonErr := json.Unmarshal(raw, snap); jsonErr == nil {
				return snap, nil
			}
		} else if err != redis.Nil {
			c.log.Warn("analytics cache read failed", "error", err.Error())
		}
	}

	snap, err := c.store.ComputeAnalytics(ctx)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		if raw, err := json.Marshal(snap); err == nil {
			if err := c.redis.Set(ctx, analyticsKey, raw, analyticsTTL).Err(); err != nil {
				c.log.Warn("analytics cache write failed", "error", err.Error())
			}
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (c *AnalyticsCache) Invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, analyticsKey).Err(); err != nil && err != redis.Nil {
		c.log.Warn("analytics cache invalidation failed", "error", err.Error())
	}
}
