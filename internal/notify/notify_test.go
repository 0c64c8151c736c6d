package notify

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/store"
)

func setupNotifier(t *testing.T) (*bus.Bus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	New(store.New(db)).Subscribe(b)
	return b, mock
}

func TestRecordOnJobSent(t *testing.T) {
	b, mock := setupNotifier(t)
	leadID, jobID := uuid.New(), uuid.New()

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(sqlmock.AnyArg(), leadID, jobID, bus.JobSent, `Email "Initial Email" sent`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b.Publish(context.Background(), bus.Event{
		Name:    bus.JobSent,
		LeadID:  leadID,
		JobID:   jobID,
		Payload: map[string]interface{}{"type": "Initial Email", "message_id": "m1"},
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestScheduledEventsStayOffTheFeed(t *testing.T) {
	b, mock := setupNotifier(t)

	b.Publish(context.Background(), bus.Event{
		Name:    bus.JobScheduled,
		LeadID:  uuid.New(),
		Payload: map[string]interface{}{"type": "Initial Email"},
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("scheduled events must not write notifications: %v", err)
	}
}

func TestRecordOnConditionalFired(t *testing.T) {
	b, mock := setupNotifier(t)
	leadID := uuid.New()

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(sqlmock.AnyArg(), leadID, sqlmock.AnyArg(), bus.ConditionalFired,
			`Conditional email "hot-lead" triggered`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b.Publish(context.Background(), bus.Event{
		Name:    bus.ConditionalFired,
		LeadID:  leadID,
		Payload: map[string]interface{}{"rule": "hot-lead"},
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
