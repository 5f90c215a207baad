package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema for the durable job store. Jobs are keyed by id with a secondary
// time-ordered index per lane for due rows; a row's visible_at is the
// "visible from" instant that implements both delayed enqueue and retry
// backoff.
const schema = `
CREATE TABLE IF NOT EXISTS email_jobs (
	id               UUID PRIMARY KEY,
	lane             TEXT NOT NULL,
	priority_weight  INT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	message          JSONB NOT NULL,
	template_name    TEXT NOT NULL DEFAULT '',
	template_data    JSONB,
	preferred_provider TEXT NOT NULL DEFAULT '',
	tracking_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	consent          JSONB,
	max_retries      INT NOT NULL DEFAULT 5,
	backoff_type     TEXT NOT NULL DEFAULT 'exponential',
	backoff_base_ms  BIGINT NOT NULL DEFAULT 30000,
	scheduled_at     TIMESTAMPTZ,
	visible_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	attempts         INT NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	skip_reason      TEXT NOT NULL DEFAULT '',
	worker_id        TEXT,
	claimed_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	dead_lettered_at TIMESTAMPTZ,
	origin_lane      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_email_jobs_claim
	ON email_jobs (lane, status, visible_at)
	WHERE status = 'queued';

CREATE INDEX IF NOT EXISTS idx_email_jobs_stale
	ON email_jobs (status, claimed_at)
	WHERE status = 'sending';

CREATE INDEX IF NOT EXISTS idx_email_jobs_dead_letter
	ON email_jobs (dead_lettered_at)
	WHERE status = 'dead_letter';
`

// EnsureSchema creates the job table and indexes if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}
