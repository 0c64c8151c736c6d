package ingest

import (
	"context"
	"fmt"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
)

// SubscribeAnalyticsFeed turns every applied webhook event into an analytics
// envelope. The bus is in-process, so this runs in the ingesting binary; the
// analytics worker pool consumes the queue from wherever it is deployed.
func SubscribeAnalyticsFeed(b *bus.Bus, q *queue.Client) {
	log := logger.Component("AnalyticsFeed")
	b.Subscribe(bus.WebhookApplied, func(ctx context.Context, ev bus.Event) {
		payload := queue.AnalyticsPayload{
			EventType: fmt.Sprintf("%v", ev.Payload["event"]),
			EventData: ev.Payload,
		}
		// One envelope per applied event; the event's job id keeps it stable.
		jobKey := fmt.Sprintf("analytics:%s:%v", ev.JobID, ev.Payload["event"])
		if err := q.Enqueue(ctx, queue.AnalyticsQueue, jobKey, payload, 0); err != nil {
			log.Warn("analytics enqueue failed", "error", err.Error())
		}
	})
}
