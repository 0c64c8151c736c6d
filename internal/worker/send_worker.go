// Package worker hosts the queue consumer pools: send, followup, analytics,
// and the maintenance cron. Pools follow the same shape: Start spins up N
// goroutines polling their queue, Stop cancels and drains, a registry row
// with heartbeats tracks liveness.
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

	"github.com/ignite/nurture/internal/brevo"
	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

const (
	DefaultSendWorkers  = 5
	DefaultSendRate     = 10
	defaultPollInterval = 500 * time.Millisecond
	heartbeatInterval   = 10 * time.Second
)

// SendWorkerPool drains the send queue and dispatches through the gateway.
type SendWorkerPool struct {
	store    *store.Store
	settings *store.SettingsCache
	queue    *queue.Client
	gateway  *brevo.Client
	retry    *scheduler.RetryPolicy
	bus      *bus.Bus
	limiter  *RateLimiter
	log      *logger.Logger

	workerID     string
	numWorkers   int
	pollInterval time.Duration

	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewSendWorkerPool(st *store.Store, settings *store.SettingsCache, q *queue.Client,
	gateway *brevo.Client, retry *scheduler.RetryPolicy, b *bus.Bus, rdb *redis.Client,
	numWorkers, ratePerSecond int) *SendWorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultSendWorkers
	}
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultSendRate
	}
	return &SendWorkerPool{
		store:        st,
		settings:     settings,
		queue:        q,
		gateway:      gateway,
		retry:        retry,
		bus:          b,
		limiter:      NewRateLimiter(rdb, "send", ratePerSecond),
		log:          logger.Component("SendWorker"),
		workerID:     fmt.Sprintf("send-%s", uuid.New().String()[:8]),
		numWorkers:   numWorkers,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the idle poll delay. Call before Start.
func (p *SendWorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// Start spins up the pool. Safe to call once; repeat calls are no-ops.
func (p *SendWorkerPool) Start() {
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
	p.store.RegisterWorker(p.ctx, p.workerID, "send", hostname)

	p.wg.Add(1)
	go p.heartbeatLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Stop cancels the pool and waits for in-flight jobs.
func (p *SendWorkerPool) Stop() {
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
		"sent", atomic.LoadInt64(&p.totalSent),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"skipped", atomic.LoadInt64(&p.totalSkipped))
}

// Stats returns pool counters.
func (p *SendWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&p.totalSent),
		"total_failed":  atomic.LoadInt64(&p.totalFailed),
		"total_skipped": atomic.LoadInt64(&p.totalSkipped),
	}
}

func (p *SendWorkerPool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.store.Heartbeat(p.ctx, p.workerID,
				atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed))
		}
	}
}

func (p *SendWorkerPool) workerLoop(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.PopDue(p.ctx, queue.SendQueue, 1)
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
				if err := p.process(p.ctx, item); err != nil {
					p.log.Error("send failed", "worker", n, "job_id", item.ID, "error", err.Error())
				}
			}
		}
	}
}

func (p *SendWorkerPool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

// process runs one queue item through the dispatch checklist. Every early
// exit is deliberate: the queue may double-deliver and replicas race, so
// correctness rests on the checks, not the queue.
func (p *SendWorkerPool) process(ctx context.Context, item queue.Job) error {
	var payload queue.SendPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return fmt.Errorf("bad payload: %w", err)
	}
	jobID, err := uuid.Parse(payload.EmailJobID)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return fmt.Errorf("bad job id %q: %w", payload.EmailJobID, err)
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if job == nil {
		// Dropped rows are recorded, never retried.
		p.log.Warn("job vanished", "job_id", payload.EmailJobID)
		atomic.AddInt64(&p.totalSkipped, 1)
		p.queue.Complete(ctx, queue.SendQueue)
		return nil
	}
	if domain.InProcessedSet(job.Status) {
		atomic.AddInt64(&p.totalSkipped, 1)
		p.queue.Complete(ctx, queue.SendQueue)
		return nil
	}

	lead, err := p.store.GetLead(ctx, job.LeadID)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if lead == nil {
		p.store.MarkFailed(ctx, job.ID, "Lead not found")
		atomic.AddInt64(&p.totalFailed, 1)
		p.queue.Fail(ctx, queue.SendQueue)
		return nil
	}

	sent, err := p.store.HasBeenSent(ctx, job.LeadID, job.Type)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if sent {
		p.store.MarkCancelled(ctx, job.ID, "Duplicate: journey step already sent")
		atomic.AddInt64(&p.totalSkipped, 1)
		p.queue.Complete(ctx, queue.SendQueue)
		return nil
	}

	// Rate-limit before claiming. A limiter error here leaves the job
	// pending, so the requeue sweep can restore it; after the claim it
	// would strand the job in the sending state.
	if err := p.limiter.Wait(ctx); err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}

	// Race recheck: a conditional trigger may have cancelled the job
	// between the first fetch and here.
	job, err = p.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		p.queue.Complete(ctx, queue.SendQueue)
		return err
	}
	if domain.InProcessedSet(job.Status) || job.Status == domain.StatusCancelled {
		atomic.AddInt64(&p.totalSkipped, 1)
		p.queue.Complete(ctx, queue.SendQueue)
		return nil
	}

	claimed, err := p.store.MarkSendAttempt(ctx, job.ID)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if !claimed {
		p.log.Debug("already claimed", "job_id", job.ID.String())
		atomic.AddInt64(&p.totalSkipped, 1)
		p.queue.Complete(ctx, queue.SendQueue)
		return nil
	}

	templateID, err := p.resolveTemplate(ctx, job)
	if err != nil {
		p.store.MarkFailed(ctx, job.ID, err.Error())
		atomic.AddInt64(&p.totalFailed, 1)
		p.queue.Fail(ctx, queue.SendQueue)
		return nil
	}
	tpl, err := p.store.GetTemplate(ctx, templateID)
	if err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if tpl == nil {
		p.store.MarkFailed(ctx, job.ID, fmt.Sprintf("Template %s not found", templateID))
		atomic.AddInt64(&p.totalFailed, 1)
		p.queue.Fail(ctx, queue.SendQueue)
		return nil
	}

	result, err := p.gateway.Send(ctx, brevo.SendRequest{
		To:             job.Email,
		ToName:         lead.Name,
		Subject:        tpl.Subject,
		HTMLContent:    tpl.HTMLContent,
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		return p.handleSendError(ctx, job, err)
	}
	return p.handleSendSuccess(ctx, job, result.MessageID)
}

// resolveTemplate applies late binding: non-manual jobs re-read the current
// followup definition so template edits reach already-scheduled jobs.
// Manual and conditional jobs keep their stored template.
func (p *SendWorkerPool) resolveTemplate(ctx context.Context, job *domain.EmailJob) (string, error) {
	stored := ""
	if job.TemplateID != nil {
		stored = *job.TemplateID
	}
	if job.Category == domain.CategoryManual || job.Category == domain.CategoryConditional {
		if stored == "" {
			return "", fmt.Errorf("no template bound for %s job", job.Category)
		}
		return stored, nil
	}

	settings, err := p.settings.Get(ctx)
	if err != nil {
		return "", err
	}
	step, ok := settings.StepByName(job.Type)
	if !ok || step.TemplateID == nil {
		if stored == "" {
			return "", fmt.Errorf("no template for step %q", job.Type)
		}
		return stored, nil
	}
	current := *step.TemplateID
	if current != stored {
		if err := p.store.UpdateTemplateID(ctx, job.ID, step.TemplateID); err != nil {
			p.log.Warn("template rebind failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}
	return current, nil
}

func (p *SendWorkerPool) handleSendSuccess(ctx context.Context, job *domain.EmailJob, messageID string) error {
	if err := p.store.MarkSent(ctx, job.ID, messageID); err != nil {
		p.queue.Fail(ctx, queue.SendQueue)
		return err
	}
	if job.Category == domain.CategoryManual {
		now := time.Now().UTC()
		p.store.UpdateManualMailStatus(ctx, job.ID, domain.StatusSent, &now)
	}
	p.store.IncrementLeadCounter(ctx, job.LeadID, "emails_sent")
	p.store.UpdateLeadStatus(ctx, job.LeadID,
		domain.LeadStep{Step: job.Type, State: domain.StatusSent}.Format())
	p.store.RecordHistory(ctx, job.LeadID, job.ID, domain.EventSent, time.Now().UTC())

	atomic.AddInt64(&p.totalSent, 1)
	p.queue.Complete(ctx, queue.SendQueue)
	p.bus.Publish(ctx, bus.Event{
		Name:    bus.JobSent,
		LeadID:  job.LeadID,
		JobID:   job.ID,
		Payload: map[string]interface{}{"type": job.Type, "message_id": messageID},
	})
	p.log.Info("sent", "job_id", job.ID.String(), "type", job.Type, "email", job.Email)
	return nil
}

func (p *SendWorkerPool) handleSendError(ctx context.Context, job *domain.EmailJob, sendErr error) error {
	if err := p.store.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
		p.log.Error("mark failed errored", "job_id", job.ID.String(), "error", err.Error())
	}
	atomic.AddInt64(&p.totalFailed, 1)
	p.queue.Fail(ctx, queue.SendQueue)
	p.bus.Publish(ctx, bus.Event{
		Name:    bus.JobFailed,
		LeadID:  job.LeadID,
		JobID:   job.ID,
		Payload: map[string]interface{}{"type": job.Type, "error": sendErr.Error()},
	})

	// Gateway errors feed the reschedule policy: exponential backoff up to
	// the retry budget, then dead.
	if _, err := p.retry.Reschedule(ctx, job, domain.StatusFailed); err != nil {
		p.log.Error("reschedule after failure errored", "job_id", job.ID.String(), "error", err.Error())
	}
	return sendErr
}
