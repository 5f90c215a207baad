// Package tracking persists delivery records for jobs that opted in.
// Writes are append-only; rows exist for webhook correlation and audit.
package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS email_deliveries (
	id         BIGSERIAL PRIMARY KEY,
	job_id     UUID NOT NULL,
	provider   TEXT NOT NULL,
	message_id TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
	sent_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_email_deliveries_recipient
	ON email_deliveries (recipient, sent_at DESC);

CREATE INDEX IF NOT EXISTS idx_email_deliveries_job
	ON email_deliveries (job_id);
`

// Record is one delivered message.
type Record struct {
	JobID     string    `json:"job_id"`
	Provider  string    `json:"provider"`
	MessageID string    `json:"message_id"`
	Recipient string    `json:"recipient"`
	Cost      float64   `json:"cost"`
	SentAt    time.Time `json:"sent_at"`
}

// Store appends and reads delivery records.
type Store struct {
	db *sql.DB
}

// New creates a tracking store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the delivery table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure tracking schema: %w", err)
	}
	return nil
}

// Append writes one delivery record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_deliveries (job_id, provider, message_id, recipient, cost, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.JobID, rec.Provider, rec.MessageID, rec.Recipient, rec.Cost, rec.SentAt)
	if err != nil {
		return fmt.Errorf("append delivery record: %w", err)
	}
	return nil
}

// Recent returns the latest records for one recipient, newest first.
func (s *Store) Recent(ctx context.Context, recipient string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, provider, message_id, recipient, cost, sent_at
		FROM email_deliveries
		WHERE recipient = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("load delivery records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.JobID, &rec.Provider, &rec.MessageID, &rec.Recipient, &rec.Cost, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
