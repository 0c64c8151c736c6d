package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/nurture/internal/domain"
)

const jobColumns = `id, lead_id, email, type, category, template_id, scheduled_for, status,
	retry_count, idempotency_key, brevo_message_id,
	sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at, deferred_at,
	last_error, metadata, created_at, updated_at`

// CreateJob inserts a new EmailJob. Returns ErrDuplicate when the
// idempotency key or the one-active-job-per-(lead,type) partial index
// rejects the row.
func (s *Store) CreateJob(ctx context.Context, job *domain.EmailJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	if job.Category == "" {
		job.Category = domain.CategoryForType(job.Type)
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = domain.NewIdempotencyKey(job.LeadID, job.Type, job.RetryCount)
	}

	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	query := `INSERT INTO email_jobs (id, lead_id, email, type, category, template_id,
		scheduled_for, status, retry_count, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = s.db.ExecContext(ctx, query, job.ID, job.LeadID, domain.NormalizeEmail(job.Email),
		job.Type, job.Category, job.TemplateID, job.ScheduledFor.UTC(), job.Status,
		job.RetryCount, job.IdempotencyKey, metaJSON, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert email job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByMessageID fetches a job by the gateway message id.
func (s *Store) GetJobByMessageID(ctx context.Context, messageID string) (*domain.EmailJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE brevo_message_id = $1`, messageID)
	return scanJob(row)
}

// FindLatestJobByEmail is the webhook fallback lookup: when the gateway
// message id is unknown, match the recipient address against jobs already
// due, preferring the most recently scheduled.
func (s *Store) FindLatestJobByEmail(ctx context.Context, email string, before time.Time) (*domain.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM email_jobs
		WHERE email = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for DESC LIMIT 1`,
		domain.NormalizeEmail(email), before.UTC())
	return scanJob(row)
}

// DuePendingJobs returns pending jobs whose scheduled time passed before
// the cutoff. The maintenance sweep re-enqueues them in case their queue
// entry was lost.
func (s *Store) DuePendingJobs(ctx context.Context, before time.Time, limit int) ([]*domain.EmailJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM email_jobs
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for LIMIT $3`,
		domain.StatusPending, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due pending jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ActiveJobs returns the lead's jobs currently in the active set.
// Conditional-type jobs can be excluded so followup scheduling ignores them.
func (s *Store) ActiveJobs(ctx context.Context, leadID uuid.UUID, excludeConditional bool) ([]*domain.EmailJob, error) {
	query := `SELECT ` + jobColumns + ` FROM email_jobs
		WHERE lead_id = $1 AND status = ANY($2)`
	if excludeConditional {
		query += ` AND category != 'conditional'`
	}
	query += ` ORDER BY scheduled_for`

	rows, err := s.db.QueryContext(ctx, query, leadID, pq.Array(domain.StatusStrings(domain.ActiveSet)))
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ActiveJob returns the lead's active-set job for one email type, if any.
func (s *Store) ActiveJob(ctx context.Context, leadID uuid.UUID, emailType string) (*domain.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM email_jobs
		WHERE lead_id = $1 AND type = $2 AND status = ANY($3)
		LIMIT 1`, leadID, emailType, pq.Array(domain.StatusStrings(domain.ActiveSet)))
	return scanJob(row)
}

// HasBeenSent reports whether any (lead, type) job has ever reached the
// successfully-sent set. Once true, no new job for the pair may be created.
func (s *Store) HasBeenSent(ctx context.Context, leadID uuid.UUID, emailType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM email_jobs
		WHERE lead_id = $1 AND type = $2 AND status = ANY($3)
	)`, leadID, emailType, pq.Array(domain.StatusStrings(domain.SentSet))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check has been sent: %w", err)
	}
	return exists, nil
}

// JobsByLead returns every job for a lead, newest first.
func (s *Store) JobsByLead(ctx context.Context, leadID uuid.UUID) ([]*domain.EmailJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM email_jobs
		WHERE lead_id = $1 ORDER BY created_at DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query jobs by lead: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// LatestJob returns the most recently scheduled job for (lead, type),
// regardless of status, or (nil, nil).
func (s *Store) LatestJob(ctx context.Context, leadID uuid.UUID, emailType string) (*domain.EmailJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM email_jobs
		WHERE lead_id = $1 AND type = $2
		ORDER BY scheduled_for DESC LIMIT 1`, leadID, emailType)
	return scanJob(row)
}

// JobExistsForStep reports whether any job (any status) exists for the pair.
// The scheduler uses this to find the first unrepresented followup step.
func (s *Store) JobExistsForStep(ctx context.Context, leadID uuid.UUID, emailType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM email_jobs WHERE lead_id = $1 AND type = $2
	)`, leadID, emailType).Scan(&exists)
	return exists, err
}

// MarkSendAttempt is the worker's atomic claim step: move the job into
// 'sending' and stamp the attempt time, but only while it is still in the
// active set. Returns false when another worker won the race.
func (s *Store) MarkSendAttempt(ctx context.Context, jobID uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'sending',
		    sent_at = COALESCE(sent_at, $2),
		    metadata = jsonb_set(COALESCE(metadata, '{}'), '{sendAttemptedAt}', to_jsonb($3::text)),
		    updated_at = $2
		WHERE id = $1 AND status = ANY($4)`,
		jobID, now, now.Format(time.RFC3339Nano), pq.Array(domain.StatusStrings(domain.ActiveSet)))
	if err != nil {
		return false, fmt.Errorf("mark send attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkSent records a successful gateway dispatch.
func (s *Store) MarkSent(ctx context.Context, jobID uuid.UUID, messageID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'sent', brevo_message_id = $2,
		    sent_at = COALESCE(sent_at, $3), updated_at = $3
		WHERE id = $1`, jobID, messageID, now)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a gateway error on the job.
func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'failed', failed_at = COALESCE(failed_at, $3),
		    sent_at = COALESCE(sent_at, $3),
		    last_error = $2, updated_at = $3
		WHERE id = $1`, jobID, errMsg, now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkCancelled moves a single job to cancelled with a reason.
func (s *Store) MarkCancelled(ctx context.Context, jobID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE id = $1`, jobID, reason)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

// MarkRescheduled retires the original job after the retry policy created
// its successor. Rescheduled jobs are excluded from unique-journey analytics.
func (s *Store) MarkRescheduled(ctx context.Context, jobID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'rescheduled',
		    metadata = jsonb_set(COALESCE(metadata, '{}'), '{rescheduled}', 'true'),
		    last_error = $2, updated_at = NOW()
		WHERE id = $1`, jobID, reason)
	if err != nil {
		return fmt.Errorf("mark rescheduled: %w", err)
	}
	return nil
}

// MarkDead terminates a job that exhausted its retry budget.
func (s *Store) MarkDead(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET status = 'dead', last_error = 'Max retries exceeded', updated_at = NOW()
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	return nil
}

// CancelActiveJobs cancels every active-set job for a lead and returns the
// cancelled job types. Only the conditional trigger engine and the
// cancel-by-lead operator path call this.
func (s *Store) CancelActiveJobs(ctx context.Context, leadID uuid.UUID, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE email_jobs
		SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE lead_id = $1 AND status = ANY($3)
		RETURNING type`, leadID, reason, pq.Array(domain.StatusStrings(domain.ActiveSet)))
	if err != nil {
		return nil, fmt.Errorf("cancel active jobs: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// ApplyEventStatus writes the status transition the ingest pipeline decided
// on: new status, the event timestamp into its column only if currently
// null, sent_at back-filled for failure events, and the rescheduled tag for
// soft bounces and deferrals.
func (s *Store) ApplyEventStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, event domain.EventType, occurredAt time.Time, reason string) error {
	tsColumn := map[domain.EventType]string{
		domain.EventSent:         "sent_at",
		domain.EventDelivered:    "delivered_at",
		domain.EventOpened:       "opened_at",
		domain.EventUniqueOpened: "opened_at",
		domain.EventClicked:      "clicked_at",
		domain.EventSoftBounce:   "bounced_at",
		domain.EventHardBounce:   "bounced_at",
		domain.EventBlocked:      "bounced_at",
		domain.EventSpam:         "bounced_at",
		domain.EventDeferred:     "deferred_at",
		domain.EventError:        "failed_at",
		domain.EventInvalid:      "failed_at",
	}[event]

	query := `UPDATE email_jobs SET status = $2, updated_at = NOW()`
	args := []interface{}{jobID, string(status)}
	idx := 3

	if tsColumn != "" {
		query += fmt.Sprintf(", %s = COALESCE(%s, $%d)", tsColumn, tsColumn, idx)
		args = append(args, occurredAt.UTC())
		idx++
	}

	// Failure events imply the gateway accepted the message first.
	switch event {
	case domain.EventSoftBounce, domain.EventHardBounce, domain.EventBlocked,
		domain.EventSpam, domain.EventDeferred, domain.EventError, domain.EventInvalid:
		query += fmt.Sprintf(", sent_at = COALESCE(sent_at, $%d)", idx)
		args = append(args, occurredAt.UTC())
		idx++
	}

	if event == domain.EventSoftBounce || event == domain.EventDeferred {
		query += `, metadata = jsonb_set(COALESCE(metadata, '{}'), '{rescheduled}', 'true')`
	}

	if reason != "" {
		query += fmt.Sprintf(", last_error = $%d", idx)
		args = append(args, reason)
		idx++
	}

	query += ` WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply event status: %w", err)
	}
	return nil
}

// UpdateTemplateID rewrites the stored template for late binding at dispatch.
func (s *Store) UpdateTemplateID(ctx context.Context, jobID uuid.UUID, templateID *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_jobs SET template_id = $2, updated_at = NOW() WHERE id = $1`,
		jobID, templateID)
	return err
}

// FastForward pulls a pending job's scheduled time to now (dev tooling).
func (s *Store) FastForward(ctx context.Context, jobID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE email_jobs
		SET scheduled_for = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)`,
		jobID, pq.Array(domain.StatusStrings(domain.ActiveSet)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func scanJob(row *sql.Row) (*domain.EmailJob, error) {
	job, err := scanJobFrom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func scanJobs(rows *sql.Rows) ([]*domain.EmailJob, error) {
	var jobs []*domain.EmailJob
	for rows.Next() {
		job, err := scanJobFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJobFrom(scan func(dest ...interface{}) error) (*domain.EmailJob, error) {
	job := &domain.EmailJob{}
	var metaJSON []byte
	err := scan(
		&job.ID, &job.LeadID, &job.Email, &job.Type, &job.Category, &job.TemplateID,
		&job.ScheduledFor, &job.Status, &job.RetryCount, &job.IdempotencyKey,
		&job.BrevoMessageID,
		&job.SentAt, &job.DeliveredAt, &job.OpenedAt, &job.ClickedAt,
		&job.BouncedAt, &job.FailedAt, &job.DeferredAt,
		&job.LastError, &metaJSON, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return job, nil
}
