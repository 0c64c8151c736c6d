package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/store"
)

const (
	DefaultAnalyticsWorkers = 2
	DefaultAnalyticsRate    = 10
)

// AnalyticsWorkerPool consumes applied-event envelopes and keeps the cached
// funnel snapshot warm. Envelopes are produced by the ingest process, which
// enqueues one per applied webhook so recomputes happen off the ingest path.
type AnalyticsWorkerPool struct {
	store     *store.Store
	queue     *queue.Client
	analytics *store.AnalyticsCache
	limiter   *RateLimiter
	log       *logger.Logger

	workerID     string
	numWorkers   int
	pollInterval time.Duration

	totalProcessed int64
	totalErrors    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewAnalyticsWorkerPool(st *store.Store, q *queue.Client, analytics *store.AnalyticsCache,
	rdb *redis.Client, numWorkers, ratePerSecond int) *AnalyticsWorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultAnalyticsWorkers
	}
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultAnalyticsRate
	}
	return &AnalyticsWorkerPool{
		store:        st,
		queue:        q,
		analytics:    analytics,
		limiter:      NewRateLimiter(rdb, "analytics", ratePerSecond),
		log:          logger.Component("AnalyticsWorker"),
		workerID:     fmt.Sprintf("analytics-%s", uuid.New().String()[:8]),
		numWorkers:   numWorkers,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the idle poll delay. Call before Start.
func (p *AnalyticsWorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

func (p *AnalyticsWorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("starting", "workers", p.numWorkers, "worker_id", p.workerID)
	hostname, _ := os.Hostname()
	p.store.RegisterWorker(p.ctx, p.workerID, "analytics", hostname)

	p.wg.Add(1)
	go p.heartbeatLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

func (p *AnalyticsWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.store.DeregisterWorker(ctx, p.workerID)
	p.log.Info("stopped", "processed", atomic.LoadInt64(&p.totalProcessed))
}

func (p *AnalyticsWorkerPool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.store.Heartbeat(p.ctx, p.workerID,
				atomic.LoadInt64(&p.totalProcessed), atomic.LoadInt64(&p.totalErrors))
		}
	}
}

func (p *AnalyticsWorkerPool) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.PopDue(p.ctx, queue.AnalyticsQueue, 5)
			if err != nil {
				p.log.Error("pop failed", "error", err.Error())
				p.sleep(time.Second)
				continue
			}
			if len(jobs) == 0 {
				p.sleep(p.pollInterval)
				continue
			}
			for _, item := range jobs {
				p.process(p.ctx, item)
			}
		}
	}
}

func (p *AnalyticsWorkerPool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

func (p *AnalyticsWorkerPool) process(ctx context.Context, item queue.Job) {
	var payload queue.AnalyticsPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		p.log.Error("bad payload", "job_id", item.ID, "error", err.Error())
		atomic.AddInt64(&p.totalErrors, 1)
		p.queue.Fail(ctx, queue.AnalyticsQueue)
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	// Recompute-and-cache: the ingest path already invalidated, so Get
	// runs the fresh funnel queries and warms the cache for readers.
	if _, err := p.analytics.Get(ctx); err != nil {
		p.log.Error("funnel recompute failed", "error", err.Error())
		atomic.AddInt64(&p.totalErrors, 1)
		p.queue.Fail(ctx, queue.AnalyticsQueue)
		return
	}
	atomic.AddInt64(&p.totalProcessed, 1)
	p.queue.Complete(ctx, queue.AnalyticsQueue)
}
