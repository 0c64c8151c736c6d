package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/nurture/internal/domain"
)

func setupTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestCreateJob_Defaults(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	leadID := uuid.New()
	job := &domain.EmailJob{
		LeadID:       leadID,
		Email:        "  Jo@Example.COM ",
		Type:         "First Followup",
		ScheduledFor: time.Now().Add(time.Hour),
	}

	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if job.ID == uuid.Nil {
		t.Error("CreateJob() should assign an id")
	}
	if job.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.Category != domain.CategoryFollowup {
		t.Errorf("category = %s, want followup", job.Category)
	}
	want := domain.NewIdempotencyKey(leadID, "First Followup", 0)
	if job.IdempotencyKey != want {
		t.Errorf("idempotency key = %s, want %s", job.IdempotencyKey, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateJob_DuplicateKey(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnError(&pq.Error{Code: "23505"})

	job := &domain.EmailJob{
		LeadID:       uuid.New(),
		Email:        "jo@example.com",
		Type:         domain.TypeInitial,
		ScheduledFor: time.Now(),
	}
	err := s.CreateJob(context.Background(), job)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("CreateJob() error = %v, want ErrDuplicate", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM email_jobs WHERE id").
		WillReturnError(sql.ErrNoRows)

	job, err := s.GetJob(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if job != nil {
		t.Error("GetJob() on missing row should return nil, nil")
	}
}

func TestMarkSendAttempt(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	jobID := uuid.New()

	// First claim wins.
	mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	claimed, err := s.MarkSendAttempt(context.Background(), jobID)
	if err != nil {
		t.Fatalf("MarkSendAttempt() error: %v", err)
	}
	if !claimed {
		t.Error("first MarkSendAttempt() should claim the job")
	}

	// Second claim loses: job no longer in the active set.
	mock.ExpectExec("UPDATE email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err = s.MarkSendAttempt(context.Background(), jobID)
	if err != nil {
		t.Fatalf("MarkSendAttempt() error: %v", err)
	}
	if claimed {
		t.Error("second MarkSendAttempt() should not claim the job")
	}
}

func TestHasBeenSent(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	sent, err := s.HasBeenSent(context.Background(), uuid.New(), domain.TypeInitial)
	if err != nil {
		t.Fatalf("HasBeenSent() error: %v", err)
	}
	if !sent {
		t.Error("HasBeenSent() = false, want true")
	}
}

func TestCancelActiveJobs_ReturnsTypes(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE email_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).
			AddRow("First Followup").
			AddRow("Second Followup"))

	types, err := s.CancelActiveJobs(context.Background(), uuid.New(), "Cancelled by conditional email: Demo Booked")
	if err != nil {
		t.Fatalf("CancelActiveJobs() error: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("cancelled %d jobs, want 2", len(types))
	}
	if types[0] != "First Followup" || types[1] != "Second Followup" {
		t.Errorf("cancelled types = %v", types)
	}
}

func TestMarkProcessed_Dedup(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	// New pair inserts one row.
	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	first, err := s.MarkProcessed(context.Background(), "msg-1", domain.EventDelivered)
	if err != nil {
		t.Fatalf("MarkProcessed() error: %v", err)
	}
	if !first {
		t.Error("first MarkProcessed() should report new")
	}

	// Redelivery conflicts and inserts nothing.
	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	second, err := s.MarkProcessed(context.Background(), "msg-1", domain.EventDelivered)
	if err != nil {
		t.Fatalf("MarkProcessed() error: %v", err)
	}
	if second {
		t.Error("redelivered MarkProcessed() should report duplicate")
	}
}

func TestGetSettings_MissingRowFallsBack(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT data, updated_at FROM settings").
		WillReturnError(sql.ErrNoRows)

	settings, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings() error: %v", err)
	}
	if settings.RatePerSecond != 10 {
		t.Errorf("default rate = %d, want 10", settings.RatePerSecond)
	}
	if len(settings.Followups) != 4 {
		t.Errorf("default followups = %d, want 4", len(settings.Followups))
	}
}

func TestIncrementLeadCounter_RejectsUnknownField(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	err := s.IncrementLeadCounter(context.Background(), uuid.New(), "score; DROP TABLE leads")
	if err == nil {
		t.Error("IncrementLeadCounter() should reject unknown fields")
	}
}

func TestRecordHistory_SkipsLowerRank(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	leadID, jobID := uuid.New(), uuid.New()

	// Job already has "clicked"; an "opened" arriving late adds nothing.
	mock.ExpectQuery("SELECT event FROM event_history").
		WillReturnRows(sqlmock.NewRows([]string{"event"}).AddRow("clicked"))

	recorded, err := s.RecordHistory(context.Background(), leadID, jobID, domain.EventOpened, time.Now())
	if err != nil {
		t.Fatalf("RecordHistory() error: %v", err)
	}
	if recorded {
		t.Error("opened after clicked should not be recorded")
	}

	// A "clicked" on a job that only saw "delivered" is recorded.
	mock.ExpectQuery("SELECT event FROM event_history").
		WillReturnRows(sqlmock.NewRows([]string{"event"}).AddRow("delivered"))
	mock.ExpectExec("INSERT INTO event_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorded, err = s.RecordHistory(context.Background(), leadID, jobID, domain.EventClicked, time.Now())
	if err != nil {
		t.Fatalf("RecordHistory() error: %v", err)
	}
	if !recorded {
		t.Error("clicked after delivered should be recorded")
	}
}
