package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/notify"
)

// DeadLetterSource lists newly dead-lettered jobs. *queue.Store implements it.
type DeadLetterSource interface {
	DeadLettersSince(ctx context.Context, since time.Time) ([]mail.DeadLetterRecord, error)
}

// DeadLetterWatcher is the single consumer of the dead-letter lane. It runs
// at concurrency 1 — dead letters are terminal, manually-actioned records —
// and fires one best-effort operator notification per new record, whether
// the job was exhausted by a worker or reclaimed by the recovery sweep.
type DeadLetterWatcher struct {
	source   DeadLetterSource
	notifier notify.Notifier
	interval time.Duration
}

// NewDeadLetterWatcher creates a watcher polling at the given interval
// (default 30s).
func NewDeadLetterWatcher(source DeadLetterSource, notifier notify.Notifier, interval time.Duration) *DeadLetterWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DeadLetterWatcher{
		source:   source,
		notifier: notifier,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The cursor starts at launch time so a
// restart does not replay historical alerts.
func (w *DeadLetterWatcher) Run(ctx context.Context) {
	log.Printf("[DeadLetterWatcher] Starting (interval=%s)", w.interval)

	cursor := time.Now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DeadLetterWatcher] Stopping")
			return
		case <-ticker.C:
			records, err := w.source.DeadLettersSince(ctx, cursor)
			if err != nil {
				log.Printf("[DeadLetterWatcher] poll error: %v", err)
				continue
			}
			for _, rec := range records {
				if rec.FailedAt.After(cursor) {
					cursor = rec.FailedAt
				}
				w.notifier.DeadLetter(ctx, rec)
			}
		}
	}
}
