package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/brevo"
	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/config"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

type sendFixture struct {
	pool *SendWorkerPool
	mock sqlmock.Sqlmock
	rdb  *redis.Client
	mr   *miniredis.Miniredis
}

func setupSendPool(t *testing.T, gatewayURL string) *sendFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

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
	retry := scheduler.NewRetryPolicy(st, settings, q, b)
	gateway := brevo.New(settings, config.BrevoConfig{APIKey: "test-key", BaseURL: gatewayURL, TimeoutSeconds: 5})

	pool := NewSendWorkerPool(st, settings, q, gateway, retry, b, rdb, 1, 100)
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	t.Cleanup(pool.cancel)
	return &sendFixture{pool: pool, mock: mock, rdb: rdb, mr: mr}
}

func sendItem(t *testing.T, jobID, leadID uuid.UUID) queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.SendPayload{
		EmailJobID: jobID.String(),
		LeadID:     leadID.String(),
		LeadEmail:  "jo@example.com",
		EmailType:  domain.TypeInitial,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: "k", Payload: payload}
}

func jobRows(jobID, leadID uuid.UUID, status domain.JobStatus, templateID *string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "lead_id", "email", "type", "category", "template_id", "scheduled_for", "status",
		"retry_count", "idempotency_key", "brevo_message_id",
		"sent_at", "delivered_at", "opened_at", "clicked_at", "bounced_at", "failed_at", "deferred_at",
		"last_error", "metadata", "created_at", "updated_at",
	}).AddRow(
		jobID, leadID, "jo@example.com", domain.TypeInitial, "initial", templateID, now, string(status),
		0, leadID.String()+":Initial Email:0", nil,
		nil, nil, nil, nil, nil, nil, nil,
		nil, []byte(`{}`), now, now,
	)
}

func leadRows(leadID uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "email", "name", "company", "city", "country", "timezone",
		"emails_sent", "emails_opened", "emails_clicked", "emails_bounced",
		"score", "tags", "status", "frozen_until", "created_at", "updated_at",
	}).AddRow(
		leadID, "jo@example.com", "Jo", "", "", "", "UTC",
		0, 0, 0, 0,
		0, "{}", "", nil, now, now,
	)
}

func TestProcess_VanishedJobDropped(t *testing.T) {
	f := setupSendPool(t, "http://unused")
	jobID, leadID := uuid.New(), uuid.New()

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnError(sql.ErrNoRows)

	if err := f.pool.process(context.Background(), sendItem(t, jobID, leadID)); err != nil {
		t.Fatalf("process() error: %v", err)
	}
	if got := f.pool.Stats()["total_skipped"]; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
}

func TestProcess_ProcessedStatusSkipped(t *testing.T) {
	f := setupSendPool(t, "http://unused")
	jobID, leadID := uuid.New(), uuid.New()

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusSent, nil))

	if err := f.pool.process(context.Background(), sendItem(t, jobID, leadID)); err != nil {
		t.Fatalf("process() error: %v", err)
	}
	if got := f.pool.Stats()["total_skipped"]; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if got := f.pool.Stats()["total_sent"]; got != 0 {
		t.Errorf("sent = %d, want 0", got)
	}
}

func TestProcess_DuplicateJourneyCancelled(t *testing.T) {
	f := setupSendPool(t, "http://unused")
	jobID, leadID := uuid.New(), uuid.New()

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, nil))
	f.mock.ExpectQuery("SELECT (.+) FROM leads WHERE id").
		WillReturnRows(leadRows(leadID))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1)) // cancelled

	if err := f.pool.process(context.Background(), sendItem(t, jobID, leadID)); err != nil {
		t.Fatalf("process() error: %v", err)
	}
	if got := f.pool.Stats()["total_skipped"]; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcess_ClaimLostSkips(t *testing.T) {
	f := setupSendPool(t, "http://unused")
	jobID, leadID := uuid.New(), uuid.New()
	tpl := "tpl-1"

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, &tpl))
	f.mock.ExpectQuery("SELECT (.+) FROM leads WHERE id").
		WillReturnRows(leadRows(leadID))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, &tpl))
	// Another worker wins the conditional update.
	f.mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := f.pool.process(context.Background(), sendItem(t, jobID, leadID)); err != nil {
		t.Fatalf("process() error: %v", err)
	}
	if got := f.pool.Stats()["total_skipped"]; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
}

func TestProcess_LimiterErrorLeavesJobUnclaimed(t *testing.T) {
	f := setupSendPool(t, "http://unused")
	jobID, leadID := uuid.New(), uuid.New()
	tpl := "tpl-1"

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, &tpl))
	f.mock.ExpectQuery("SELECT (.+) FROM leads WHERE id").
		WillReturnRows(leadRows(leadID))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	// Redis dies before the rate limiter runs. The job must stay pending:
	// no claim UPDATE is expected, so the requeue sweep can recover it.
	f.mr.Close()

	err := f.pool.process(context.Background(), sendItem(t, jobID, leadID))
	if err == nil || !strings.Contains(err.Error(), "rate limit check") {
		t.Fatalf("process() error = %v, want rate limit error", err)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcess_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messageId":"<m1@relay>"}`))
	}))
	defer srv.Close()

	f := setupSendPool(t, srv.URL)
	jobID, leadID := uuid.New(), uuid.New()
	tpl := "tpl-1"

	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, &tpl))
	f.mock.ExpectQuery("SELECT (.+) FROM leads WHERE id").
		WillReturnRows(leadRows(leadID))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnRows(jobRows(jobID, leadID, domain.StatusPending, &tpl))
	f.mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1)) // claim
	// Settings singleton is absent: defaults apply, stored template wins.
	f.mock.ExpectQuery("SELECT data, updated_at FROM settings").
		WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery("SELECT (.+) FROM email_templates").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "html_content", "updated_at"}).
			AddRow("tpl-1", "Welcome", "Hello", "<p>Hi</p>", time.Now()))
	f.mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1)) // mark sent
	f.mock.ExpectExec("UPDATE leads SET emails_sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE leads SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("SELECT event FROM event_history").
		WillReturnRows(sqlmock.NewRows([]string{"event"}))
	f.mock.ExpectExec("INSERT INTO event_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.pool.process(context.Background(), sendItem(t, jobID, leadID)); err != nil {
		t.Fatalf("process() error: %v", err)
	}
	if got := f.pool.Stats()["total_sent"]; got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
