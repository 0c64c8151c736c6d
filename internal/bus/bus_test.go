package bus

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe(JobSent, func(ctx context.Context, ev Event) {
		got = append(got, "sent:"+ev.JobID.String())
	})
	b.Subscribe(Wildcard, func(ctx context.Context, ev Event) {
		got = append(got, "any:"+ev.Name)
	})

	jobID := uuid.New()
	b.Publish(context.Background(), Event{Name: JobSent, JobID: jobID})
	b.Publish(context.Background(), Event{Name: JobCancelled})

	want := []string{"sent:" + jobID.String(), "any:" + JobSent, "any:" + JobCancelled}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()
	delivered := false

	b.Subscribe(JobFailed, func(ctx context.Context, ev Event) {
		panic("boom")
	})
	b.Subscribe(JobFailed, func(ctx context.Context, ev Event) {
		delivered = true
	})

	b.Publish(context.Background(), Event{Name: JobFailed})
	if !delivered {
		t.Error("second handler should run after first panics")
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := New()
	b.Subscribe(JobScheduled, func(ctx context.Context, ev Event) {
		if ev.At.IsZero() {
			t.Error("event time should be stamped on publish")
		}
	})
	b.Publish(context.Background(), Event{Name: JobScheduled})
}
