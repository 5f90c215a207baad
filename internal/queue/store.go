// Package queue implements the durable priority queue: four send lanes plus
// a dead-letter lane, delayed visibility, retry backoff, and atomic
// claim-with-lease semantics over PostgreSQL.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/mail"
)

var (
	// ErrNotFound is returned when no job exists with the given id.
	ErrNotFound = errors.New("job not found")

	// ErrNotRetryable is returned by RetryJob for jobs that are not in a
	// terminal dead-letter state.
	ErrNotRetryable = errors.New("job is not dead-lettered")

	// ErrNotCancellable is returned by CancelScheduled when the job has
	// already become visible or been claimed.
	ErrNotCancellable = errors.New("job is not a pending scheduled job")

	// ErrClaimLost is returned when a worker's claim no longer exists,
	// typically because the recovery sweep reclaimed a stale lease.
	ErrClaimLost = errors.New("claim no longer held by this worker")
)

// Store is the queue backed by PostgreSQL, with Redis carrying the
// cumulative outcome counters and pause flags. Redis is optional; without
// it, pause state is process-local and attempt counters are unavailable.
type Store struct {
	db  *sql.DB
	rdb *redis.Client

	mu         sync.Mutex
	pauseLocal map[string]bool // fallback pause flags when rdb == nil
}

// New creates a Store over the given connections. rdb may be nil.
func New(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{
		db:         db,
		rdb:        rdb,
		pauseLocal: make(map[string]bool),
	}
}

// DB exposes the underlying handle for schema setup and advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RedisConnected reports whether the Redis side of the store is reachable.
func (s *Store) RedisConnected(ctx context.Context) bool {
	if s.rdb == nil {
		return false
	}
	return s.rdb.Ping(ctx).Err() == nil
}

// applyDefaults fills in id, retry and backoff defaults before admission.
func applyDefaults(job *mail.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = mail.DefaultMaxRetries
	}
	if job.Backoff.Type == "" {
		job.Backoff.Type = mail.BackoffExponential
	}
	if job.Backoff.BaseDelay <= 0 {
		job.Backoff.BaseDelay = mail.DefaultBackoffBase
	}
}

// Enqueue admits one job. If ScheduleAt is in the future the job stays
// invisible until that instant. Fails fast only on malformed input; no
// network I/O beyond the single insert.
func (s *Store) Enqueue(ctx context.Context, job *mail.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	applyDefaults(job)

	visibleAt := time.Now()
	if job.ScheduleAt != nil && job.ScheduleAt.After(visibleAt) {
		visibleAt = *job.ScheduleAt
	}

	msgJSON, err := json.Marshal(job.Message)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	var tmplJSON []byte
	if job.TemplateData != nil {
		tmplJSON, err = json.Marshal(job.TemplateData)
		if err != nil {
			return "", fmt.Errorf("marshal template data: %w", err)
		}
	}
	var consentJSON []byte
	if job.Consent != nil {
		consentJSON, err = json.Marshal(job.Consent)
		if err != nil {
			return "", fmt.Errorf("marshal consent: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_jobs (
			id, lane, priority_weight, status, message,
			template_name, template_data, preferred_provider,
			tracking_enabled, consent, max_retries,
			backoff_type, backoff_base_ms, scheduled_at, visible_at
		) VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		job.ID, string(job.Priority), job.Priority.Weight(), msgJSON,
		job.TemplateName, nullableJSON(tmplJSON), job.PreferESP,
		job.TrackingEnabled, nullableJSON(consentJSON), job.MaxRetries,
		string(job.Backoff.Type), job.Backoff.BaseDelay.Milliseconds(),
		job.ScheduleAt, visibleAt,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// BatchResult is the per-job outcome of a bulk admission.
type BatchResult struct {
	JobID string `json:"job_id,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// EnqueueBatch admits jobs grouped by lane. Each job's outcome is
// independent; one malformed job never aborts the rest.
func (s *Store) EnqueueBatch(ctx context.Context, jobs []*mail.Job) []BatchResult {
	// Group by lane for admission locality; results keep input order.
	results := make([]BatchResult, len(jobs))
	byLane := make(map[mail.Priority][]int)
	var laneOrder []mail.Priority
	for i, job := range jobs {
		if _, seen := byLane[job.Priority]; !seen {
			laneOrder = append(laneOrder, job.Priority)
		}
		byLane[job.Priority] = append(byLane[job.Priority], i)
	}

	for _, lane := range laneOrder {
		for _, i := range byLane[lane] {
			id, err := s.Enqueue(ctx, jobs[i])
			if err != nil {
				results[i] = BatchResult{Err: err, Error: err.Error()}
				continue
			}
			results[i] = BatchResult{JobID: id}
		}
	}
	return results
}

// Claim atomically claims up to limit due jobs from one lane. A claimed row
// is exclusively owned by workerID until completion, failure, or the stale
// sweep reclaims it. SKIP LOCKED keeps concurrent claimants from colliding.
func (s *Store) Claim(ctx context.Context, lane mail.Priority, limit int, workerID string) ([]*mail.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_jobs
			SET status = 'sending',
			    worker_id = $1,
			    claimed_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM email_jobs
				WHERE lane = $2
				  AND status = 'queued'
				  AND visible_at <= NOW()
				ORDER BY priority_weight DESC, visible_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, lane, message, template_name, template_data,
			          preferred_provider, tracking_enabled, consent,
			          max_retries, backoff_type, backoff_base_ms,
			          attempts, last_error, visible_at, created_at, claimed_at
		)
		SELECT * FROM claimed
	`, workerID, string(lane), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []*mail.Job
	for rows.Next() {
		job, err := scanClaimedJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanClaimedJob(rows *sql.Rows) (*mail.Job, error) {
	var (
		job         mail.Job
		lane        string
		msgJSON     []byte
		tmplJSON    sql.NullString
		consentJSON sql.NullString
		backoffType string
		backoffMS   int64
		lastError   sql.NullString
		claimedAt   sql.NullTime
	)
	err := rows.Scan(
		&job.ID, &lane, &msgJSON, &job.TemplateName, &tmplJSON,
		&job.PreferESP, &job.TrackingEnabled, &consentJSON,
		&job.MaxRetries, &backoffType, &backoffMS,
		&job.Attempts, &lastError, &job.VisibleAt, &job.CreatedAt, &claimedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan claimed job: %w", err)
	}

	job.Priority = mail.Priority(lane)
	job.Status = mail.StatusSending
	job.Backoff = mail.Backoff{
		Type:      mail.BackoffType(backoffType),
		BaseDelay: time.Duration(backoffMS) * time.Millisecond,
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if err := json.Unmarshal(msgJSON, &job.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message for job %s: %w", job.ID, err)
	}
	if tmplJSON.Valid && tmplJSON.String != "" {
		if err := json.Unmarshal([]byte(tmplJSON.String), &job.TemplateData); err != nil {
			return nil, fmt.Errorf("unmarshal template data for job %s: %w", job.ID, err)
		}
	}
	if consentJSON.Valid && consentJSON.String != "" {
		var c mail.Consent
		if err := json.Unmarshal([]byte(consentJSON.String), &c); err != nil {
			return nil, fmt.Errorf("unmarshal consent for job %s: %w", job.ID, err)
		}
		job.Consent = &c
	}
	return &job, nil
}

// RenewClaim refreshes the lease on a claimed job. Workers call this before
// each job in a batch so a long-running batch never lets earlier claims age
// past the stale sweep threshold. ErrClaimLost means the sweep (or another
// terminal path) took the row; the caller must drop the job.
func (s *Store) RenewClaim(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_jobs
		SET claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sending' AND worker_id = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkCompleted transitions a claimed job to its terminal completed state.
// Scoped to the claiming worker so late bookkeeping from a worker whose
// claim was swept cannot touch a reclaimed row.
func (s *Store) MarkCompleted(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_jobs
		SET status = 'completed', completed_at = NOW(), worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending' AND worker_id = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSkipped records a deliberate non-send (consent gate). Terminal,
// distinct from completed so metrics never conflate skips with sends.
func (s *Store) MarkSkipped(ctx context.Context, jobID, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_jobs
		SET status = 'skipped', skip_reason = $3, completed_at = NOW(),
		    worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending' AND worker_id = $2
	`, jobID, workerID, reason)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt. Under the retry limit the job is
// requeued with backoff-delayed visibility; on the final attempt it moves
// atomically to the dead-letter lane. The status='sending' guard makes this
// the single authoritative dead-letter path for claimed jobs: a row can
// transition to dead_letter at most once.
//
// Returns the dead-letter record when the job was exhausted, nil otherwise.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID, errMsg string) (*mail.DeadLetterRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failure tx: %w", err)
	}
	defer tx.Rollback()

	var (
		lane         string
		attempts     int
		maxRetries   int
		backoffType  string
		backoffMS    int64
		msgJSON      []byte
		templateName string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT lane, attempts, max_retries, backoff_type, backoff_base_ms,
		       message, template_name
		FROM email_jobs
		WHERE id = $1 AND status = 'sending' AND worker_id = $2
		FOR UPDATE
	`, jobID, workerID).Scan(&lane, &attempts, &maxRetries, &backoffType, &backoffMS,
		&msgJSON, &templateName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job for failure: %w", err)
	}

	attempts++
	if attempts >= maxRetries {
		_, err = tx.ExecContext(ctx, `
			UPDATE email_jobs
			SET status = 'dead_letter', attempts = $2, last_error = $3,
			    origin_lane = lane, dead_lettered_at = NOW(),
			    worker_id = NULL, updated_at = NOW()
			WHERE id = $1
		`, jobID, attempts, errMsg)
		if err != nil {
			return nil, fmt.Errorf("dead-letter job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit dead-letter: %w", err)
		}
		job := mail.Job{
			ID:           jobID,
			Priority:     mail.Priority(lane),
			Status:       mail.StatusDeadLetter,
			TemplateName: templateName,
			Attempts:     attempts,
			MaxRetries:   maxRetries,
			LastError:    errMsg,
		}
		if err := json.Unmarshal(msgJSON, &job.Message); err != nil {
			return nil, fmt.Errorf("unmarshal message for dead letter %s: %w", jobID, err)
		}
		return &mail.DeadLetterRecord{
			Job:          job,
			OriginLane:   mail.Priority(lane),
			FinalError:   errMsg,
			FailedAt:     time.Now(),
			AttemptsMade: attempts,
		}, nil
	}

	backoff := mail.Backoff{
		Type:      mail.BackoffType(backoffType),
		BaseDelay: time.Duration(backoffMS) * time.Millisecond,
	}
	delay := backoff.Delay(attempts)

	_, err = tx.ExecContext(ctx, `
		UPDATE email_jobs
		SET status = 'queued', attempts = $2, last_error = $3,
		    visible_at = NOW() + $4 * INTERVAL '1 millisecond',
		    worker_id = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID, attempts, errMsg, delay.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return nil, nil
}

// Job fetches one job by id across all lanes and states.
func (s *Store) Job(ctx context.Context, jobID string) (*mail.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lane, status, message, template_name, template_data,
		       preferred_provider, tracking_enabled, consent,
		       max_retries, backoff_type, backoff_base_ms,
		       attempts, last_error, skip_reason, visible_at, created_at
		FROM email_jobs
		WHERE id = $1
	`, jobID)

	var (
		job         mail.Job
		lane        string
		status      string
		msgJSON     []byte
		tmplJSON    sql.NullString
		consentJSON sql.NullString
		backoffType string
		backoffMS   int64
		lastError   sql.NullString
		skipReason  sql.NullString
	)
	err := row.Scan(
		&job.ID, &lane, &status, &msgJSON, &job.TemplateName, &tmplJSON,
		&job.PreferESP, &job.TrackingEnabled, &consentJSON,
		&job.MaxRetries, &backoffType, &backoffMS,
		&job.Attempts, &lastError, &skipReason, &job.VisibleAt, &job.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	job.Priority = mail.Priority(lane)
	job.Status = mail.JobStatus(status)
	job.Backoff = mail.Backoff{
		Type:      mail.BackoffType(backoffType),
		BaseDelay: time.Duration(backoffMS) * time.Millisecond,
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if skipReason.Valid {
		job.SkipReason = skipReason.String
	}
	if err := json.Unmarshal(msgJSON, &job.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if tmplJSON.Valid && tmplJSON.String != "" {
		json.Unmarshal([]byte(tmplJSON.String), &job.TemplateData)
	}
	if consentJSON.Valid && consentJSON.String != "" {
		var c mail.Consent
		if json.Unmarshal([]byte(consentJSON.String), &c) == nil {
			job.Consent = &c
		}
	}
	return &job, nil
}

// RetryJob re-admits a dead-lettered job with a reset attempt count. This is
// the only path by which a dead-letter record leaves the lane.
func (s *Store) RetryJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_jobs
		SET status = 'queued', attempts = 0, last_error = '',
		    visible_at = NOW(), worker_id = NULL, claimed_at = NULL,
		    dead_lettered_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'dead_letter'
	`, jobID)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, jerr := s.Job(ctx, jobID); jerr != nil {
			return jerr
		}
		return ErrNotRetryable
	}
	return nil
}

// CancelScheduled removes a delayed job that no worker has claimed yet.
// In-flight sends are not cancellable.
func (s *Store) CancelScheduled(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM email_jobs
		WHERE id = $1 AND status = 'queued' AND visible_at > NOW() AND claimed_at IS NULL
	`, jobID)
	if err != nil {
		return fmt.Errorf("cancel scheduled job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, jerr := s.Job(ctx, jobID); jerr != nil {
			return jerr
		}
		return ErrNotCancellable
	}
	return nil
}

// DeadLetters returns the most recent dead-letter records for operator
// review, newest first. Each record carries the original job so operators
// see what was being sent, not just an id.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]mail.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin_lane, last_error, dead_lettered_at, attempts,
		       message, template_name
		FROM email_jobs
		WHERE status = 'dead_letter'
		ORDER BY dead_lettered_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

// DeadLettersSince returns dead-letter records created after the given
// instant, oldest first. The dead-letter watcher uses this as its cursor.
func (s *Store) DeadLettersSince(ctx context.Context, since time.Time) ([]mail.DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin_lane, last_error, dead_lettered_at, attempts,
		       message, template_name
		FROM email_jobs
		WHERE status = 'dead_letter' AND dead_lettered_at > $1
		ORDER BY dead_lettered_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list dead letters since: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

func scanDeadLetters(rows *sql.Rows) ([]mail.DeadLetterRecord, error) {
	var records []mail.DeadLetterRecord
	for rows.Next() {
		var rec mail.DeadLetterRecord
		var lane string
		var failedAt sql.NullTime
		var msgJSON []byte
		err := rows.Scan(&rec.Job.ID, &lane, &rec.FinalError, &failedAt,
			&rec.AttemptsMade, &msgJSON, &rec.Job.TemplateName)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.OriginLane = mail.Priority(lane)
		rec.Job.Priority = mail.Priority(lane)
		rec.Job.Status = mail.StatusDeadLetter
		rec.Job.Attempts = rec.AttemptsMade
		rec.Job.LastError = rec.FinalError
		if failedAt.Valid {
			rec.FailedAt = failedAt.Time
		}
		if err := json.Unmarshal(msgJSON, &rec.Job.Message); err != nil {
			return nil, fmt.Errorf("unmarshal message for dead letter %s: %w", rec.Job.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
