package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
)

const (
	settingsKey = "nurture:settings"
	settingsTTL = time.Hour
)

// GetSettings loads the configuration singleton (row id = 'global').
// Missing row falls back to defaults so a fresh database is usable.
func (s *Store) GetSettings(ctx context.Context) (*domain.Settings, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM settings WHERE id = 'global'`).Scan(&raw, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	settings := domain.DefaultSettings()
	if err := json.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	settings.UpdatedAt = updatedAt
	return settings, nil
}

// SaveSettings writes the singleton row.
func (s *Store) SaveSettings(ctx context.Context, settings *domain.Settings) error {
	settings.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (id, data, updated_at)
		VALUES ('global', $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		raw, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// SettingsCache fronts GetSettings with a shared Redis entry so the hot
// paths (workers, ingest) do not hammer the singleton row. Invalidate is
// called on save; the TTL bounds staleness if an invalidation is lost.
type SettingsCache struct {
	store *Store
	redis *redis.Client
	log   *logger.Logger
}

func NewSettingsCache(store *Store, rdb *redis.Client) *SettingsCache {
	return &SettingsCache{store: store, redis: rdb, log: logger.Component("SettingsCache")}
}

// Get returns cached settings, filling the cache on miss.
func (c *SettingsCache) Get(ctx context.Context) (*domain.Settings, error) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, settingsKey).Bytes()
		if err == nil {
			settings := &domain.Settings{}
			if jsonErr := json.Unmarshal(raw, settings); jsonErr == nil {
				return settings, nil
			}
		} else if err != redis.Nil {
			c.log.Warn("settings cache read failed", "error", err.Error())
		}
	}

	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		if raw, err := json.Marshal(settings); err == nil {
			if err := c.redis.Set(ctx, settingsKey, raw, settingsTTL).Err(); err != nil {
				c.log.Warn("settings cache write failed", "error", err.Error())
			}
		}
	}
	return settings, nil
}

// Save persists settings and drops the cache entry.
func (c *SettingsCache) Save(ctx context.Context, settings *domain.Settings) error {
	if err := c.store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Invalidate drops the cached entry; the next Get refills from Postgres.
func (c *SettingsCache) Invalidate(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, settingsKey).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("invalidate settings cache: %w", err)
	}
	return nil
}
