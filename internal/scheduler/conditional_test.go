package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/store"
)

func setupTriggerEngine(t *testing.T) (*TriggerEngine, sqlmock.Sqlmock, *queue.Client) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(db)
	settings := store.NewSettingsCache(st, rdb)
	q := queue.NewClient(rdb)
	b := bus.New()
	guard := NewGuard(st, rdb)
	sched := New(st, settings, q, guard, b)
	return NewTriggerEngine(st, settings, sched, b), mock, q
}

func ruleRows(rules ...*domain.ConditionalEmail) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "name", "trigger_event", "trigger_step",
		"delay_hours", "template_id", "cancel_pending", "priority", "enabled",
	})
	for _, r := range rules {
		rows.AddRow(r.ID, r.Name, string(r.TriggerEvent), r.TriggerStep,
			r.DelayHours, r.TemplateID, r.CancelPending, r.Priority, r.Enabled)
	}
	return rows
}

func activeJobRows(leadID uuid.UUID, emailType, key string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "lead_id", "email", "type", "category", "template_id", "scheduled_for", "status",
		"retry_count", "idempotency_key", "brevo_message_id",
		"sent_at", "delivered_at", "opened_at", "clicked_at", "bounced_at", "failed_at", "deferred_at",
		"last_error", "metadata", "created_at", "updated_at",
	}).AddRow(
		uuid.New(), leadID, "ada@x.com", emailType, "followup", nil, now.Add(time.Hour), "pending",
		0, key, nil,
		nil, nil, nil, nil, nil, nil, nil,
		nil, []byte(`{}`), now, now,
	)
}

func TestProcessEvent_FiresAndCancelsPending(t *testing.T) {
	e, mock, q := setupTriggerEngine(t)
	ctx := context.Background()
	leadID, sourceJobID := uuid.New(), uuid.New()
	tpl := "tpl-hot"
	rule := &domain.ConditionalEmail{
		ID: uuid.New(), Name: "hot-lead", TriggerEvent: domain.EventClicked,
		TemplateID: &tpl, CancelPending: true, Priority: 10, Enabled: true,
	}
	pendingKey := leadID.String() + ":First Followup:0"

	// The pending followup is sitting in the send queue when the rule fires.
	if err := q.Enqueue(ctx, queue.SendQueue, pendingKey, queue.SendPayload{LeadEmail: "ada@x.com"}, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM conditional_emails (.+) ORDER BY priority DESC").
		WillReturnRows(ruleRows(rule))
	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(schedulerLeadRows(t, leadID, nil))
	mock.ExpectQuery("SELECT (.+) FROM settings").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	// Rule has never fired for this lead.
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// cancel_pending drains the lead's active followup.
	mock.ExpectQuery("SELECT (.+) FROM email_jobs").
		WillReturnRows(activeJobRows(leadID, "First Followup", pendingKey))
	mock.ExpectQuery("UPDATE email_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("First Followup"))
	// ScheduleJob: lead refetch, guard predicates, insert.
	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(schedulerLeadRows(t, leadID, nil))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM email_jobs").
		WillReturnRows(emptyJobRows())
	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO conditional_email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	fired, err := e.ProcessEvent(ctx, leadID, domain.EventClicked, "First Followup", sourceJobID)
	if err != nil {
		t.Fatalf("ProcessEvent() error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	// The cancelled followup's entry is gone; only the conditional remains.
	if removed, _ := q.Remove(ctx, queue.SendQueue, pendingKey); removed {
		t.Error("cancelled followup entry still queued")
	}
	counts, err := q.GetCounts(ctx, queue.SendQueue)
	if err != nil {
		t.Fatalf("GetCounts() error: %v", err)
	}
	if counts.Waiting != 1 {
		t.Errorf("send queue waiting = %d, want 1 conditional entry", counts.Waiting)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessEvent_RuleFiresOncePerLead(t *testing.T) {
	e, mock, _ := setupTriggerEngine(t)
	leadID := uuid.New()
	rule := &domain.ConditionalEmail{
		ID: uuid.New(), Name: "hot-lead", TriggerEvent: domain.EventOpened,
		Priority: 5, Enabled: true,
	}

	mock.ExpectQuery("SELECT (.+) FROM conditional_emails").
		WillReturnRows(ruleRows(rule))
	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(schedulerLeadRows(t, leadID, nil))
	mock.ExpectQuery("SELECT (.+) FROM settings").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	fired, err := e.ProcessEvent(context.Background(), leadID, domain.EventOpened, "Initial Email", uuid.New())
	if err != nil {
		t.Fatalf("ProcessEvent() error: %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d, want 0 for an already-fired rule", fired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no job may be created once the rule has fired: %v", err)
	}
}

func TestProcessEvent_LosingReplicaRetiresJob(t *testing.T) {
	e, mock, _ := setupTriggerEngine(t)
	leadID := uuid.New()
	rule := &domain.ConditionalEmail{
		ID: uuid.New(), Name: "hot-lead", TriggerEvent: domain.EventClicked,
		Priority: 5, Enabled: true,
	}

	mock.ExpectQuery("SELECT (.+) FROM conditional_emails").
		WillReturnRows(ruleRows(rule))
	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(schedulerLeadRows(t, leadID, nil))
	mock.ExpectQuery("SELECT (.+) FROM settings").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(schedulerLeadRows(t, leadID, nil))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM email_jobs").
		WillReturnRows(emptyJobRows())
	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// A concurrent replica recorded the firing first; our job is retired.
	mock.ExpectExec("INSERT INTO conditional_email_jobs").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	fired, err := e.ProcessEvent(context.Background(), leadID, domain.EventClicked, "Initial Email", uuid.New())
	if err != nil {
		t.Fatalf("ProcessEvent() error: %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d, want 0 for the losing replica", fired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
