package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ignite/nurture/internal/pkg/distlock"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/store"
)

const (
	processedEventRetention = 7 * 24 * time.Hour

	// Jobs due longer than this without being popped have lost their
	// queue entry; anything younger is normal dispatch latency.
	requeueGrace = time.Minute
	requeueBatch = 500
)

// Maintenance runs the periodic housekeeping jobs: pruning the webhook
// dedup ledger, refreshing the settings cache, sweeping stale worker
// registry rows, and re-enqueueing pending jobs whose queue entry was lost.
// Cluster-wide jobs take a distributed lock so one replica runs them.
type Maintenance struct {
	store    *store.Store
	settings *store.SettingsCache
	queue    *queue.Client
	redis    *redis.Client
	db       *sql.DB
	cron     *cron.Cron
	log      *logger.Logger
}

func NewMaintenance(st *store.Store, settings *store.SettingsCache, q *queue.Client,
	rdb *redis.Client, db *sql.DB) *Maintenance {
	return &Maintenance{
		store:    st,
		settings: settings,
		queue:    q,
		redis:    rdb,
		db:       db,
		cron:     cron.New(),
		log:      logger.Component("Maintenance"),
	}
}

// Start registers the schedules and begins the cron loop.
func (m *Maintenance) Start() error {
	jobs := []struct {
		spec string
		name string
		fn   func(ctx context.Context)
	}{
		{"0 3 * * *", "prune-processed-events", m.leaderOnly("prune-processed-events", m.pruneProcessedEvents)},
		{"@hourly", "refresh-settings-cache", m.refreshSettings},
		{"*/10 * * * *", "sweep-stale-workers", m.leaderOnly("sweep-stale-workers", m.sweepStaleWorkers)},
		{"*/5 * * * *", "requeue-due-jobs", m.leaderOnly("requeue-due-jobs", m.requeueDueJobs)},
	}
	for _, j := range jobs {
		job := j
		if _, err := m.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			job.fn(ctx)
		}); err != nil {
			return err
		}
	}
	m.cron.Start()
	m.log.Info("started", "jobs", len(jobs))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info("stopped")
}

// leaderOnly wraps a cluster-wide job in a distributed lock so that when
// several worker replicas fire the same cron tick, only one does the work.
// The settings refresh stays per-replica because it warms a local cache.
func (m *Maintenance) leaderOnly(name string, fn func(ctx context.Context)) func(ctx context.Context) {
	return func(ctx context.Context) {
		err := distlock.WithLock(ctx, m.redis, m.db, "maintenance:"+name,
			distlock.Options{MaxRetries: 1}, func(ctx context.Context) error {
				fn(ctx)
				return nil
			})
		if errors.Is(err, distlock.ErrNotAcquired) {
			m.log.Debug("job running on another replica", "job", name)
			return
		}
		if err != nil {
			m.log.Error("maintenance lock failed", "job", name, "error", err.Error())
		}
	}
}

func (m *Maintenance) pruneProcessedEvents(ctx context.Context) {
	n, err := m.store.PruneProcessed(ctx, processedEventRetention)
	if err != nil {
		m.log.Error("ledger prune failed", "error", err.Error())
		return
	}
	m.log.Info("ledger pruned", "removed", n)
}

func (m *Maintenance) refreshSettings(ctx context.Context) {
	if err := m.settings.Invalidate(ctx); err != nil {
		m.log.Warn("settings cache invalidation failed", "error", err.Error())
		return
	}
	if _, err := m.settings.Get(ctx); err != nil {
		m.log.Warn("settings refresh failed", "error", err.Error())
	}
}

func (m *Maintenance) sweepStaleWorkers(ctx context.Context) {
	n, err := m.store.PruneStaleWorkers(ctx, time.Minute)
	if err != nil {
		m.log.Error("stale worker sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		m.log.Warn("stale workers marked dead", "count", n)
	}
}

// requeueDueJobs restores pending jobs whose post-persist enqueue failed or
// whose queue entry otherwise went missing. Duplicate enqueues are dropped,
// so jobs still sitting in the queue are untouched.
func (m *Maintenance) requeueDueJobs(ctx context.Context) {
	jobs, err := m.store.DuePendingJobs(ctx, time.Now().UTC().Add(-requeueGrace), requeueBatch)
	if err != nil {
		m.log.Error("due pending job lookup failed", "error", err.Error())
		return
	}
	requeued := 0
	for _, job := range jobs {
		err := m.queue.Enqueue(ctx, queue.SendQueue, job.IdempotencyKey, queue.SendPayload{
			EmailJobID: job.ID.String(),
			LeadID:     job.LeadID.String(),
			LeadEmail:  job.Email,
			EmailType:  job.Type,
		}, 0)
		if err != nil {
			m.log.Error("requeue failed", "job_id", job.ID.String(), "error", err.Error())
			continue
		}
		requeued++
	}
	if requeued > 0 {
		m.log.Info("due pending jobs requeued", "count", requeued)
	}
}
