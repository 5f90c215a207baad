package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/email-relay/internal/mail"
)

const (
	pauseGlobalKey  = "relay:paused:global"
	pauseLaneKeyFmt = "relay:paused:lane:%s"
	statsKeyFmt     = "relay:stats:%s:%s" // lane, counter
)

// LaneMetrics holds the per-lane counts exposed by the observability API.
type LaneMetrics struct {
	Waiting        int64   `json:"waiting"`
	Delayed        int64   `json:"delayed"`
	Active         int64   `json:"active"`
	Completed      int64   `json:"completed"`
	Skipped        int64   `json:"skipped"`
	Failed         int64   `json:"failed"` // dead-lettered (terminal failures)
	FailedAttempts int64   `json:"failed_attempts,omitempty"`
	FailureRate    float64 `json:"failure_rate"`
}

// Metrics computes per-lane counts from the job table. Waiting and delayed
// are both status=queued, split on visibility; failed means dead-lettered.
// Failure rate = failed / (failed + completed).
func (s *Store) Metrics(ctx context.Context) (map[mail.Priority]LaneMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lane,
		       COUNT(*) FILTER (WHERE status = 'queued' AND visible_at <= NOW()),
		       COUNT(*) FILTER (WHERE status = 'queued' AND visible_at > NOW()),
		       COUNT(*) FILTER (WHERE status = 'sending'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'skipped'),
		       COUNT(*) FILTER (WHERE status = 'dead_letter')
		FROM email_jobs
		GROUP BY lane
	`)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	defer rows.Close()

	metrics := make(map[mail.Priority]LaneMetrics)
	for _, lane := range mail.Lanes() {
		metrics[lane] = LaneMetrics{}
	}
	for rows.Next() {
		var lane string
		var m LaneMetrics
		if err := rows.Scan(&lane, &m.Waiting, &m.Delayed, &m.Active, &m.Completed, &m.Skipped, &m.Failed); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		metrics[mail.Priority(lane)] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for lane, m := range metrics {
		if s.rdb != nil {
			if v, err := s.rdb.Get(ctx, fmt.Sprintf(statsKeyFmt, lane, "failed_attempts")).Int64(); err == nil {
				m.FailedAttempts = v
			}
		}
		if total := m.Failed + m.Completed; total > 0 {
			m.FailureRate = float64(m.Failed) / float64(total)
		}
		metrics[lane] = m
	}
	return metrics, nil
}

// RecordOutcome bumps the cumulative per-lane counters in Redis. Best-effort;
// the durable counts live in the job table.
func (s *Store) RecordOutcome(ctx context.Context, lane mail.Priority, counter string) {
	if s.rdb == nil {
		return
	}
	s.rdb.Incr(ctx, fmt.Sprintf(statsKeyFmt, lane, counter))
}

// Pause stops claiming from one lane, or from every lane when lane is empty.
func (s *Store) Pause(ctx context.Context, lane mail.Priority) error {
	return s.setPaused(ctx, lane, true)
}

// Resume reverses Pause.
func (s *Store) Resume(ctx context.Context, lane mail.Priority) error {
	return s.setPaused(ctx, lane, false)
}

func (s *Store) setPaused(ctx context.Context, lane mail.Priority, paused bool) error {
	key := pauseGlobalKey
	if lane != "" {
		key = fmt.Sprintf(pauseLaneKeyFmt, lane)
	}

	if s.rdb == nil {
		s.mu.Lock()
		s.pauseLocal[key] = paused
		s.mu.Unlock()
		return nil
	}

	if paused {
		return s.rdb.Set(ctx, key, "1", 0).Err()
	}
	return s.rdb.Del(ctx, key).Err()
}

// Paused reports whether the lane (or the whole queue) is paused. Redis
// errors fail open: a flaky flag store must not halt delivery.
func (s *Store) Paused(ctx context.Context, lane mail.Priority) bool {
	keys := []string{pauseGlobalKey, fmt.Sprintf(pauseLaneKeyFmt, lane)}

	if s.rdb == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, key := range keys {
			if s.pauseLocal[key] {
				return true
			}
		}
		return false
	}

	n, err := s.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// OldestWaiting returns the age of the oldest due job in a lane, for
// starvation monitoring. Zero when the lane is empty.
func (s *Store) OldestWaiting(ctx context.Context, lane mail.Priority) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(visible_at) FROM email_jobs
		WHERE lane = $1 AND status = 'queued' AND visible_at <= NOW()
	`, string(lane)).Scan(&oldest)
	if err != nil || !oldest.Valid {
		return 0, err
	}
	return time.Since(oldest.Time), nil
}
