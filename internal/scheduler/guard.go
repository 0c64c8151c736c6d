package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/pkg/distlock"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/store"
)

// Rejection reasons returned by CanSchedule.
const (
	ReasonConcurrent     = "concurrent"
	ReasonAlreadySent    = "already-sent"
	ReasonAlreadyPending = "already-pending"
)

// ScheduleKey is the distributed lock key serialising scheduling decisions
// for one (lead, email type) journey step across replicas.
func ScheduleKey(leadID uuid.UUID, emailType string) string {
	return fmt.Sprintf("schedule:%s:%s", leadID, emailType)
}

// Decision is the guard's verdict. When Allowed, the scheduling lock is
// still held and the caller must call Release after persisting or aborting.
type Decision struct {
	Allowed bool
	Reason  string
	release func()
}

// Release frees the held scheduling lock. Safe to call on any Decision.
func (d *Decision) Release() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// Guard composes the three duplicate-prevention predicates: cross-replica
// lock, has-been-sent, and already-pending. It is the single gate every job
// creation goes through.
type Guard struct {
	store *store.Store
	redis *redis.Client
	log   *logger.Logger
}

func NewGuard(st *store.Store, rdb *redis.Client) *Guard {
	return &Guard{store: st, redis: rdb, log: logger.Component("JourneyGuard")}
}

// CanSchedule decides whether a new job for (lead, type) may be created.
// On Allowed the lock is retained; the caller MUST Release it.
func (g *Guard) CanSchedule(ctx context.Context, leadID uuid.UUID, emailType string) (*Decision, error) {
	lock := distlock.NewLock(g.redis, g.store.DB(), ScheduleKey(leadID, emailType), distlock.DefaultTTL)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire schedule lock: %w", err)
	}
	if !acquired {
		return &Decision{Allowed: false, Reason: ReasonConcurrent}, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			g.log.Warn("lock release failed", "lead_id", leadID.String(), "type", emailType, "error", err.Error())
		}
	}

	sent, err := g.store.HasBeenSent(ctx, leadID, emailType)
	if err != nil {
		release()
		return nil, err
	}
	if sent {
		release()
		return &Decision{Allowed: false, Reason: ReasonAlreadySent}, nil
	}

	active, err := g.store.ActiveJob(ctx, leadID, emailType)
	if err != nil {
		release()
		return nil, err
	}
	if active != nil {
		release()
		return &Decision{Allowed: false, Reason: ReasonAlreadyPending}, nil
	}

	return &Decision{Allowed: true, release: release}, nil
}
