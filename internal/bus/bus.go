// Package bus is the in-process domain event hub. The ingest pipeline and
// scheduler publish; analytics, notifications, and dev tooling subscribe.
// Consumers never reference each other directly.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/pkg/logger"
)

// Event names published by the engine.
const (
	JobScheduled      = "job.scheduled"
	JobSent           = "job.sent"
	JobFailed         = "job.failed"
	JobCancelled      = "job.cancelled"
	JobRescheduled    = "job.rescheduled"
	JobDead           = "job.dead"
	WebhookApplied    = "webhook.applied"
	ConditionalFired  = "conditional.fired"
	LeadStatusChanged = "lead.status_changed"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Event is one domain occurrence flowing through the hub.
type Event struct {
	Name    string
	LeadID  uuid.UUID
	JobID   uuid.UUID
	Payload map[string]interface{}
	At      time.Time
}

// Handler consumes an event. Handlers run synchronously on the publisher's
// goroutine; slow consumers should hand off internally.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logger.Logger
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      logger.Component("Bus"),
	}
}

// Subscribe registers a handler for one event name, or Wildcard for all.
// Subscriptions are expected at startup; there is no unsubscribe.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers the event to matching handlers in subscription order.
// A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Name])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[ev.Name]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, ev, h)
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ctx, ev)
}
