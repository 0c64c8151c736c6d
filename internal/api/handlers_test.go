package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/ingest"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
)

func setupAPI(t *testing.T) (http.Handler, sqlmock.Sqlmock, *queue.Client) {
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
	guard := scheduler.NewGuard(st, rdb)
	sched := scheduler.New(st, settings, q, guard, b)
	triggers := scheduler.NewTriggerEngine(st, settings, sched, b)
	retry := scheduler.NewRetryPolicy(st, settings, q, b)
	analytics := store.NewAnalyticsCache(st, rdb)
	pipeline := ingest.NewPipeline(st, q, triggers, retry, analytics, b)

	h := NewHandlers(st, pipeline, sched, q, settings, analytics)
	return SetupRoutes(h), mock, q
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T) {
	handler, _, _ := setupAPI(t)

	rr := doJSON(t, handler, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestBrevoWebhook_SingleObjectAndArray(t *testing.T) {
	handler, _, _ := setupAPI(t)

	// Unknown events short-circuit before the database, so no sqlmock
	// expectations are needed to exercise the envelope handling.
	single := map[string]any{"event": "mystery", "email": "a@x.com", "message-id": "m1"}
	rr := doJSON(t, handler, http.MethodPost, "/webhooks/brevo", single)
	if rr.Code != http.StatusOK {
		t.Fatalf("single object: status = %d, want 200", rr.Code)
	}

	var res map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["processed"] != 0 || res["skipped"] != 1 {
		t.Errorf("single object: result = %v, want 0 processed / 1 skipped", res)
	}

	batch := []map[string]any{
		{"event": "mystery", "email": "a@x.com", "message-id": "m1"},
		{"event": "mystery", "email": "b@x.com", "message-id": "m2"},
	}
	rr = doJSON(t, handler, http.MethodPost, "/webhooks/brevo", batch)
	if rr.Code != http.StatusOK {
		t.Fatalf("array: status = %d, want 200", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["skipped"] != 2 {
		t.Errorf("array: result = %v, want 2 skipped", res)
	}
}

func TestBrevoWebhook_MalformedPayload(t *testing.T) {
	handler, _, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/brevo", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestScheduleJob_GuardRejectionIs409(t *testing.T) {
	handler, mock, _ := setupAPI(t)
	leadID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(leadRows(t, leadID, now))
	// Journey already completed this step.
	mock.ExpectQuery("SELECT EXISTS(.+)email_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rr := doJSON(t, handler, http.MethodPost, "/api/scheduler/jobs", map[string]any{
		"lead_id": leadID,
		"type":    "First Followup",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestScheduleJob_BadInput(t *testing.T) {
	handler, _, _ := setupAPI(t)

	rr := doJSON(t, handler, http.MethodPost, "/api/scheduler/jobs", map[string]any{
		"type": "First Followup",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing lead_id: status = %d, want 400", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/scheduler/jobs", map[string]any{
		"lead_id": uuid.New(),
		"type":    "manual",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("manual without template: status = %d, want 400", rr.Code)
	}
}

func TestGetLead_NotFound(t *testing.T) {
	handler, mock, _ := setupAPI(t)

	mock.ExpectQuery("SELECT (.+) FROM leads").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rr := doJSON(t, handler, http.MethodGet, "/api/leads/"+uuid.NewString(), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetLead_InvalidID(t *testing.T) {
	handler, _, _ := setupAPI(t)

	rr := doJSON(t, handler, http.MethodGet, "/api/leads/not-a-uuid", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestGetQueues(t *testing.T) {
	handler, mock, q := setupAPI(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queue.SendQueue, "job-1", queue.SendPayload{LeadEmail: "a@x.com"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, queue.SendQueue, "job-2", queue.SendPayload{LeadEmail: "b@x.com"}, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM nurture_workers").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "worker_type", "hostname", "status",
			"total_processed", "total_errors", "started_at", "last_heartbeat_at",
		}).AddRow("send-abc12345", "send", "box-1", "running", 42, 1, now, now))

	rr := doJSON(t, handler, http.MethodGet, "/api/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body struct {
		Queues  map[string]queue.Counts `json:"queues"`
		Workers []store.WorkerInfo      `json:"workers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Queues[queue.SendQueue].Waiting != 2 {
		t.Errorf("send queue waiting = %d, want 2", body.Queues[queue.SendQueue].Waiting)
	}
	if _, ok := body.Queues[queue.FollowupQueue]; !ok {
		t.Error("followup queue missing from response")
	}
	if len(body.Workers) != 1 || body.Workers[0].Type != "send" {
		t.Errorf("workers = %+v, want one send worker", body.Workers)
	}
}

func TestGetSettings_DefaultsWhenUnset(t *testing.T) {
	handler, mock, _ := setupAPI(t)

	mock.ExpectQuery("SELECT (.+) FROM settings").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	rr := doJSON(t, handler, http.MethodGet, "/api/settings", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["rate_per_second"] != float64(10) {
		t.Errorf("rate_per_second = %v, want 10", body["rate_per_second"])
	}
}

func TestSaveSettings_RejectsBadRate(t *testing.T) {
	handler, _, _ := setupAPI(t)

	rr := doJSON(t, handler, http.MethodPut, "/api/settings", map[string]any{
		"rate_per_second": 0,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func leadRows(t *testing.T, leadID uuid.UUID, now time.Time) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "email", "name", "company", "city", "country", "timezone",
		"emails_sent", "emails_opened", "emails_clicked", "emails_bounced",
		"score", "tags", "status", "frozen_until", "created_at", "updated_at",
	}).AddRow(
		leadID, "a@x.com", "Ada", "", "", "", "UTC",
		0, 0, 0, 0,
		0, "{}", "new", nil, now, now,
	)
}
