// Package notify persists operator notifications for noteworthy lifecycle
// events. It consumes the bus; nothing publishes to it directly.
package notify

import (
	"context"
	"fmt"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/store"
)

type Notifier struct {
	store *store.Store
	log   *logger.Logger
}

func New(st *store.Store) *Notifier {
	return &Notifier{store: st, log: logger.Component("Notifier")}
}

// Subscribe wires the notifier to the lifecycle events worth surfacing.
// Scheduling and webhook chatter stay off the notification feed.
func (n *Notifier) Subscribe(b *bus.Bus) {
	b.Subscribe(bus.JobSent, n.record)
	b.Subscribe(bus.JobFailed, n.record)
	b.Subscribe(bus.JobDead, n.record)
	b.Subscribe(bus.JobCancelled, n.record)
	b.Subscribe(bus.ConditionalFired, n.record)
}

func (n *Notifier) record(ctx context.Context, ev bus.Event) {
	notification := &domain.Notification{
		LeadID:  ev.LeadID,
		JobID:   ev.JobID,
		Kind:    ev.Name,
		Message: messageFor(ev),
	}
	if err := n.store.CreateNotification(ctx, notification); err != nil {
		n.log.Error("notification write failed", "kind", ev.Name, "lead_id", ev.LeadID.String(), "error", err.Error())
	}
}

func messageFor(ev bus.Event) string {
	emailType, _ := ev.Payload["type"].(string)
	switch ev.Name {
	case bus.JobSent:
		return fmt.Sprintf("Email %q sent", emailType)
	case bus.JobFailed:
		reason, _ := ev.Payload["error"].(string)
		return fmt.Sprintf("Email %q failed: %s", emailType, reason)
	case bus.JobDead:
		return fmt.Sprintf("Email %q exhausted retries", emailType)
	case bus.JobCancelled:
		reason, _ := ev.Payload["reason"].(string)
		return fmt.Sprintf("Email %q cancelled: %s", emailType, reason)
	case bus.ConditionalFired:
		rule, _ := ev.Payload["rule"].(string)
		return fmt.Sprintf("Conditional email %q triggered", rule)
	default:
		return ev.Name
	}
}
