package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/email-relay/internal/mail"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func validJob() *mail.Job {
	return &mail.Job{
		Message: mail.Message{
			To:        []string{"user@example.com"},
			FromEmail: "noreply@example.com",
			Subject:   "test",
			Text:      "body",
		},
		Priority: mail.PriorityNormal,
	}
}

func TestEnqueueValidationFailsFast(t *testing.T) {
	store, mock := newMockStore(t)

	// No INSERT expectation: malformed jobs must never reach the database.
	job := validJob()
	job.Message.To = nil
	if _, err := store.Enqueue(context.Background(), job); err == nil {
		t.Fatal("expected validation error")
	}

	job = validJob()
	job.Priority = mail.Priority("asap")
	if _, err := store.Enqueue(context.Background(), job); err == nil {
		t.Fatal("expected validation error for bad priority")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := validJob()
	id, err := store.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" || id != job.ID {
		t.Errorf("id = %q, job.ID = %q", id, job.ID)
	}
	if job.MaxRetries != mail.DefaultMaxRetries {
		t.Errorf("max retries = %d, want default %d", job.MaxRetries, mail.DefaultMaxRetries)
	}
	if job.Backoff.Type != mail.BackoffExponential {
		t.Errorf("backoff type = %q, want exponential", job.Backoff.Type)
	}
	if job.Backoff.BaseDelay != mail.DefaultBackoffBase {
		t.Errorf("backoff base = %s, want %s", job.Backoff.BaseDelay, mail.DefaultBackoffBase)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueKeepsCallerSettings(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO email_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := validJob()
	job.ID = "caller-chosen-id"
	job.MaxRetries = 2
	job.Backoff = mail.Backoff{Type: mail.BackoffFixed, BaseDelay: 10 * time.Second}

	id, err := store.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "caller-chosen-id" {
		t.Errorf("id = %q", id)
	}
	if job.MaxRetries != 2 || job.Backoff.Type != mail.BackoffFixed {
		t.Error("caller settings were overwritten")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// timeNear matches a time.Time argument within a small tolerance.
type timeNear struct{ want time.Time }

func (m timeNear) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	if !ok {
		return false
	}
	d := ts.Sub(m.want)
	if d < 0 {
		d = -d
	}
	return d < 2*time.Second
}

func TestEnqueueSchedulesVisibility(t *testing.T) {
	store, mock := newMockStore(t)

	// A future ScheduleAt becomes the row's visible_at, so the claim query's
	// visible_at <= NOW() guard hides the job from every worker until then.
	future := time.Now().Add(45 * time.Minute)
	mock.ExpectExec("INSERT INTO email_jobs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			timeNear{future}, timeNear{future}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := validJob()
	job.ScheduleAt = &future
	if _, err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}

	// Without ScheduleAt the job is visible immediately.
	mock.ExpectExec("INSERT INTO email_jobs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), timeNear{time.Now()}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := store.Enqueue(context.Background(), validJob()); err != nil {
		t.Fatalf("enqueue immediate: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueBatchIndependentOutcomes(t *testing.T) {
	store, mock := newMockStore(t)

	// Two valid jobs insert; the malformed one never reaches the database.
	mock.ExpectExec("INSERT INTO email_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	bad := validJob()
	bad.Message.To = nil
	jobs := []*mail.Job{validJob(), bad, validJob()}

	results := store.EnqueueBatch(context.Background(), jobs)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].JobID == "" {
		t.Errorf("first job should be admitted, got %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("malformed job should be rejected")
	}
	if results[2].Err != nil || results[2].JobID == "" {
		t.Errorf("third job should be admitted, got %+v", results[2])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkCompletedRequiresClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkCompleted(context.Background(), "job-1", "worker-a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for an unclaimed job", err)
	}
}

func TestMarkCompletedScopedToWorker(t *testing.T) {
	store, mock := newMockStore(t)

	// The terminal update must carry the worker_id guard: after the stale
	// sweep hands a claim to worker-b, worker-a's late bookkeeping matches
	// no row instead of terminating worker-b's send.
	mock.ExpectExec(`UPDATE email_jobs(?s).*WHERE id = \$1 AND status = 'sending' AND worker_id = \$2`).
		WithArgs("job-1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkCompleted(context.Background(), "job-1", "worker-a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for a reclaimed job", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRenewClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RenewClaim(context.Background(), "job-1", "worker-a"); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// Sweep already requeued the job: the lease is gone and the caller
	// must drop the job rather than process it.
	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-2", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.RenewClaim(context.Background(), "job-2", "worker-a")
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
}

func markFailedColumns() []string {
	return []string{"lane", "attempts", "max_retries", "backoff_type", "backoff_base_ms",
		"message", "template_name"}
}

func TestMarkFailedRequeuesUnderLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lane, attempts, max_retries").
		WithArgs("job-1", "worker-a").
		WillReturnRows(sqlmock.NewRows(markFailedColumns()).
			AddRow("high", 1, 5, "exponential", 30000,
				[]byte(`{"to":["user@example.com"],"from_email":"noreply@example.com","subject":"hi"}`), ""))
	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-1", 2, "smtp timeout", mail.Backoff{Type: mail.BackoffExponential, BaseDelay: 30 * time.Second}.Delay(2).Milliseconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.MarkFailed(context.Background(), "job-1", "worker-a", "smtp timeout")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec != nil {
		t.Fatal("job under the retry limit must not dead-letter")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailedDeadLettersAtLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lane, attempts, max_retries").
		WithArgs("job-1", "worker-a").
		WillReturnRows(sqlmock.NewRows(markFailedColumns()).
			AddRow("critical", 4, 5, "exponential", 30000,
				[]byte(`{"to":["user@example.com"],"from_email":"noreply@example.com","subject":"password reset"}`), "reset"))
	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-1", 5, "all providers failed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.MarkFailed(context.Background(), "job-1", "worker-a", "all providers failed")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec == nil {
		t.Fatal("final attempt must produce a dead-letter record")
	}
	if rec.OriginLane != mail.PriorityCritical {
		t.Errorf("origin lane = %q, want critical", rec.OriginLane)
	}
	if rec.AttemptsMade != 5 {
		t.Errorf("attempts made = %d, want 5", rec.AttemptsMade)
	}
	if rec.FinalError != "all providers failed" {
		t.Errorf("final error = %q", rec.FinalError)
	}
	// The record carries the original job so notifications and the
	// dead-letter listing show what was being sent.
	if got := rec.Job.Message.Subject; got != "password reset" {
		t.Errorf("record subject = %q, want the original message", got)
	}
	if len(rec.Job.Message.To) != 1 || rec.Job.Message.To[0] != "user@example.com" {
		t.Errorf("record recipients = %v", rec.Job.Message.To)
	}
	if rec.Job.TemplateName != "reset" {
		t.Errorf("record template = %q", rec.Job.TemplateName)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailedUnclaimedJob(t *testing.T) {
	store, mock := newMockStore(t)

	// The status='sending' AND worker_id guard: a job not currently claimed
	// by this worker matches no row, so a late or duplicate failure report
	// cannot dead-letter it again.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lane, attempts, max_retries").
		WithArgs("job-1", "worker-a").
		WillReturnRows(sqlmock.NewRows(markFailedColumns()))
	mock.ExpectRollback()

	_, err := store.MarkFailed(context.Background(), "job-1", "worker-a", "late failure")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryJobOnlyDeadLetter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RetryJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// A live job matches no row; the follow-up load distinguishes "wrong
	// state" from "missing".
	mock.ExpectExec("UPDATE email_jobs").
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, lane, status").
		WithArgs("job-2").
		WillReturnRows(jobRow("job-2", "normal", "queued"))

	err := store.RetryJob(context.Background(), "job-2")
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
}

func TestCancelScheduled(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM email_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.CancelScheduled(context.Background(), "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Already-visible job: delete matches nothing, job still exists
	mock.ExpectExec("DELETE FROM email_jobs").
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, lane, status").
		WithArgs("job-2").
		WillReturnRows(jobRow("job-2", "normal", "sending"))

	err := store.CancelScheduled(context.Background(), "job-2")
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}

	// Unknown job
	mock.ExpectExec("DELETE FROM email_jobs").
		WithArgs("job-3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, lane, status").
		WithArgs("job-3").
		WillReturnError(sql.ErrNoRows)

	err = store.CancelScheduled(context.Background(), "job-3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJobNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, lane, status").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Job(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimScansJobs(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "lane", "message", "template_name", "template_data",
		"preferred_provider", "tracking_enabled", "consent",
		"max_retries", "backoff_type", "backoff_base_ms",
		"attempts", "last_error", "visible_at", "created_at", "claimed_at",
	}).AddRow(
		"job-1", "high", []byte(`{"to":["user@example.com"],"from_email":"noreply@example.com","subject":"hi"}`),
		"receipt", `{"total":42}`,
		"ses", true, `{"marketing_emails":true}`,
		5, "exponential", 30000,
		1, "previous timeout", now, now, now,
	)
	mock.ExpectQuery("WITH claimed AS").
		WithArgs("worker-abc", "high", 10).
		WillReturnRows(rows)

	jobs, err := store.Claim(context.Background(), mail.PriorityHigh, 10, "worker-abc")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}

	job := jobs[0]
	if job.ID != "job-1" || job.Priority != mail.PriorityHigh {
		t.Errorf("job = %+v", job)
	}
	if job.Status != mail.StatusSending {
		t.Errorf("status = %q, want sending", job.Status)
	}
	if job.Message.To[0] != "user@example.com" {
		t.Errorf("message not unmarshalled: %+v", job.Message)
	}
	if job.TemplateData["total"] != float64(42) {
		t.Errorf("template data = %+v", job.TemplateData)
	}
	if job.Consent == nil || job.Consent.MarketingEmails == nil || !*job.Consent.MarketingEmails {
		t.Errorf("consent = %+v", job.Consent)
	}
	if job.PreferESP != "ses" {
		t.Errorf("preferred provider = %q", job.PreferESP)
	}
	if job.Backoff.BaseDelay != 30*time.Second {
		t.Errorf("backoff base = %s", job.Backoff.BaseDelay)
	}
	if job.ClaimedAt == nil {
		t.Error("claimed_at not set")
	}
}

func TestDeadLettersCarryOriginalJob(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "origin_lane", "last_error", "dead_lettered_at", "attempts",
		"message", "template_name",
	}).AddRow(
		"job-1", "high", "all providers failed", now, 5,
		[]byte(`{"to":["user@example.com"],"from_email":"noreply@example.com","subject":"invoice"}`),
		"invoice",
	)
	mock.ExpectQuery("SELECT id, origin_lane").
		WithArgs(50).
		WillReturnRows(rows)

	recs, err := store.DeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}

	rec := recs[0]
	if rec.Job.ID != "job-1" || rec.OriginLane != mail.PriorityHigh {
		t.Errorf("record = %+v", rec)
	}
	if rec.Job.Message.Subject != "invoice" {
		t.Errorf("subject = %q, want the original message", rec.Job.Message.Subject)
	}
	if len(rec.Job.Message.To) != 1 || rec.Job.Message.To[0] != "user@example.com" {
		t.Errorf("recipients = %v", rec.Job.Message.To)
	}
	if rec.Job.TemplateName != "invoice" {
		t.Errorf("template = %q", rec.Job.TemplateName)
	}
	if rec.Job.Status != mail.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter", rec.Job.Status)
	}
}

func jobRow(id, lane, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "lane", "status", "message", "template_name", "template_data",
		"preferred_provider", "tracking_enabled", "consent",
		"max_retries", "backoff_type", "backoff_base_ms",
		"attempts", "last_error", "skip_reason", "visible_at", "created_at",
	}).AddRow(
		id, lane, status, []byte(`{"to":["user@example.com"],"from_email":"noreply@example.com"}`),
		"", nil, "", false, nil, 5, "exponential", 30000, 0, nil, nil, now, now,
	)
}
