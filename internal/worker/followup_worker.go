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
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

const (
	DefaultFollowupWorkers = 3
	DefaultFollowupRate    = 5
)

// FollowupWorkerPool consumes the followup queue and asks the scheduler for
// each lead's next step. Keeping this off the ingestion path means webhook
// processing never blocks on scheduling.
type FollowupWorkerPool struct {
	store     *store.Store
	queue     *queue.Client
	scheduler *scheduler.Scheduler
	limiter   *RateLimiter
	log       *logger.Logger

	workerID     string
	numWorkers   int
	pollInterval time.Duration

	totalScheduled int64
	totalNoop      int64
	totalErrors    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewFollowupWorkerPool(st *store.Store, q *queue.Client, sched *scheduler.Scheduler,
	rdb *redis.Client, numWorkers, ratePerSecond int) *FollowupWorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultFollowupWorkers
	}
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultFollowupRate
	}
	return &FollowupWorkerPool{
		store:        st,
		queue:        q,
		scheduler:    sched,
		limiter:      NewRateLimiter(rdb, "followup", ratePerSecond),
		log:          logger.Component("FollowupWorker"),
		workerID:     fmt.Sprintf("followup-%s", uuid.New().String()[:8]),
		numWorkers:   numWorkers,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the idle poll delay. Call before Start.
func (p *FollowupWorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

func (p *FollowupWorkerPool) Start() {
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
	p.store.RegisterWorker(p.ctx, p.workerID, "followup", hostname)

	p.wg.Add(1)
	go p.heartbeatLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

func (p *FollowupWorkerPool) Stop() {
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
	p.log.Info("stopped",
		"scheduled", atomic.LoadInt64(&p.totalScheduled),
		"noop", atomic.LoadInt64(&p.totalNoop))
}

func (p *FollowupWorkerPool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.store.Heartbeat(p.ctx, p.workerID,
				atomic.LoadInt64(&p.totalScheduled), atomic.LoadInt64(&p.totalErrors))
		}
	}
}

func (p *FollowupWorkerPool) workerLoop(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.PopDue(p.ctx, queue.FollowupQueue, 1)
			if err != nil {
				p.log.Error("pop failed", "worker", n, "error", err.Error())
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

func (p *FollowupWorkerPool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

func (p *FollowupWorkerPool) process(ctx context.Context, item queue.Job) {
	var payload queue.FollowupPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		p.log.Error("bad payload", "job_id", item.ID, "error", err.Error())
		atomic.AddInt64(&p.totalErrors, 1)
		p.queue.Fail(ctx, queue.FollowupQueue)
		return
	}
	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		p.log.Error("bad lead id", "lead_id", payload.LeadID)
		atomic.AddInt64(&p.totalErrors, 1)
		p.queue.Fail(ctx, queue.FollowupQueue)
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	job, err := p.scheduler.ScheduleNextEmail(ctx, leadID)
	if err != nil {
		p.log.Error("schedule next failed", "lead_id", payload.LeadID, "error", err.Error())
		atomic.AddInt64(&p.totalErrors, 1)
		p.queue.Fail(ctx, queue.FollowupQueue)
		return
	}
	if job == nil {
		atomic.AddInt64(&p.totalNoop, 1)
	} else {
		atomic.AddInt64(&p.totalScheduled, 1)
	}
	p.queue.Complete(ctx, queue.FollowupQueue)
}
