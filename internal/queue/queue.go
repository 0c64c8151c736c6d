// Package queue implements the Redis-backed delayed job queues.
//
// Each queue is a sorted set of job ids scored by ready-at time, with the
// JSON payloads in a companion hash. Enqueueing a job id that is already
// queued is dropped, which makes enqueue idempotent for retried webhook
// deliveries and scheduler races without pushing back an entry's ready time.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/pkg/logger"
)

// Queue names. One sorted set plus payload hash per queue.
const (
	SendQueue      = "send"
	FollowupQueue  = "followup"
	AnalyticsQueue = "analytics"
)

const keyPrefix = "nurture:queue:"

// popDueScript atomically claims up to ARGV[2] job ids whose score is
// <= ARGV[1], returning (id, payload) pairs. Claim and payload removal
// happen in one round trip so two workers never pop the same job.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #due == 0 then
    return {}
end
redis.call("ZREM", KEYS[1], unpack(due))
local out = {}
for i, id in ipairs(due) do
    out[2*i-1] = id
    out[2*i] = redis.call("HGET", KEYS[2], id) or ""
    redis.call("HDEL", KEYS[2], id)
end
return out
`)

// SendPayload is the send queue message.
type SendPayload struct {
	EmailJobID string `json:"emailJobId"`
	LeadID     string `json:"leadId"`
	LeadEmail  string `json:"leadEmail"`
	EmailType  string `json:"emailType"`
}

// FollowupPayload asks the followup worker to schedule a lead's next step.
type FollowupPayload struct {
	LeadID             string `json:"leadId"`
	OriginalEmailJobID string `json:"originalEmailJobId"`
}

// AnalyticsPayload carries an event for asynchronous aggregate recomputes.
type AnalyticsPayload struct {
	EventType string                 `json:"eventType"`
	EventData map[string]interface{} `json:"eventData"`
}

// Counts is the per-queue state snapshot served by the queues endpoint.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Client wraps the Redis connection with queue operations.
type Client struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{redis: rdb, log: logger.Component("Queue")}
}

func delayedKey(queue string) string  { return keyPrefix + queue + ":delayed" }
func payloadsKey(queue string) string { return keyPrefix + queue + ":payloads" }
func counterKey(queue, counter string) string {
	return keyPrefix + queue + ":" + counter
}

// enqueueScript adds the entry only when the id is not already queued, so
// a duplicate enqueue cannot push back the existing ready time.
var enqueueScript = redis.NewScript(`
local added = redis.call("ZADD", KEYS[1], "NX", ARGV[1], ARGV[2])
if added == 1 then
    redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
end
return added
`)

// Enqueue adds a job to the queue, ready after the given delay. jobID must
// be stable for the logical job so repeat enqueues collapse onto one entry;
// the first enqueue wins and later duplicates are dropped.
func (c *Client) Enqueue(ctx context.Context, queue, jobID string, payload interface{}, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	readyAt := time.Now().Add(delay)

	added, err := enqueueScript.Run(ctx, c.redis,
		[]string{delayedKey(queue), payloadsKey(queue)},
		readyAt.UnixMilli(), jobID, body).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if added == 0 {
		c.log.Debug("duplicate enqueue dropped", "queue", queue, "job_id", jobID)
		return nil
	}
	c.log.Debug("enqueued", "queue", queue, "job_id", jobID, "delay", delay.String())
	return nil
}

// Job is a popped queue entry.
type Job struct {
	ID      string
	Payload []byte
}

// PopDue removes and returns up to max jobs whose ready time has passed.
func (c *Client) PopDue(ctx context.Context, queue string, max int) ([]Job, error) {
	if max <= 0 {
		max = 10
	}
	raw, err := popDueScript.Run(ctx, c.redis,
		[]string{delayedKey(queue), payloadsKey(queue)},
		time.Now().UnixMilli(), max).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pop %s: %w", queue, err)
	}

	jobs := make([]Job, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i+1] == "" {
			c.log.Warn("queue entry without payload dropped", "queue", queue, "job_id", raw[i])
			continue
		}
		jobs = append(jobs, Job{ID: raw[i], Payload: []byte(raw[i+1])})
	}
	if len(jobs) > 0 {
		c.redis.IncrBy(ctx, counterKey(queue, "active"), int64(len(jobs)))
	}
	return jobs, nil
}

// Complete records a job finishing successfully.
func (c *Client) Complete(ctx context.Context, queue string) {
	pipe := c.redis.Pipeline()
	pipe.Decr(ctx, counterKey(queue, "active"))
	pipe.Incr(ctx, counterKey(queue, "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("counter update failed", "queue", queue, "error", err.Error())
	}
}

// Fail records a job finishing with an error.
func (c *Client) Fail(ctx context.Context, queue string) {
	pipe := c.redis.Pipeline()
	pipe.Decr(ctx, counterKey(queue, "active"))
	pipe.Incr(ctx, counterKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("counter update failed", "queue", queue, "error", err.Error())
	}
}

// GetCounts returns the queue state snapshot.
func (c *Client) GetCounts(ctx context.Context, queue string) (Counts, error) {
	var counts Counts

	waiting, err := c.redis.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil && err != redis.Nil {
		return counts, fmt.Errorf("count %s waiting: %w", queue, err)
	}
	counts.Waiting = waiting

	for _, pair := range []struct {
		name string
		dst  *int64
	}{
		{"active", &counts.Active},
		{"completed", &counts.Completed},
		{"failed", &counts.Failed},
	} {
		v, err := c.redis.Get(ctx, counterKey(queue, pair.name)).Int64()
		if err != nil && err != redis.Nil {
			return counts, fmt.Errorf("count %s %s: %w", queue, pair.name, err)
		}
		*pair.dst = v
	}
	return counts, nil
}

// Remove deletes a queued entry by job id. Returns true when one was removed.
func (c *Client) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	pipe := c.redis.TxPipeline()
	removed := pipe.ZRem(ctx, delayedKey(queue), jobID)
	pipe.HDel(ctx, payloadsKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove %s entry: %w", queue, err)
	}
	n, err := removed.Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
