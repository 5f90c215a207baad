package queue

import (
	"context"
	"log"
	"time"

	"github.com/ignite/email-relay/internal/pkg/distlock"
)

const (
	// DefaultRecoveryInterval is how often the sweep scans for stuck jobs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job can stay claimed before the owning
	// worker is presumed crashed.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryWorker reclaims jobs stuck in 'sending' after a worker crash.
// Stuck jobs under the retry limit are requeued; jobs already over it are
// dead-lettered. The sweep runs under a distributed lock so that exactly one
// instance performs it.
type RecoveryWorker struct {
	store    *Store
	lock     distlock.DistLock
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker. Zero durations select the
// defaults.
func NewRecoveryWorker(store *Store, lock distlock.DistLock, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &RecoveryWorker{
		store:    store,
		lock:     lock,
		interval: interval,
		staleAge: staleAge,
	}
}

// Start runs the recovery loop until ctx is cancelled.
func (rw *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", rw.interval, rw.staleAge)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			rw.sweep(ctx)
		}
	}
}

// sweep performs two passes:
//  1. Requeue jobs claimed longer than staleAge that are under the retry limit.
//  2. Dead-letter stale claimed jobs that already exhausted their retries.
//
// Both passes touch only rows whose claim is stale. Workers renew claimed_at
// before starting each job, so a stale claim always means the owning worker
// crashed or stalled mid-job; the sweep never races a live job.
func (rw *RecoveryWorker) sweep(ctx context.Context) {
	if rw.lock != nil {
		acquired, err := rw.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[QueueRecovery] lock error: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer rw.lock.Release(ctx)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := rw.store.db.ExecContext(queryCtx, `
		UPDATE email_jobs
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    attempts = attempts + 1,
		    last_error = 'reclaimed: worker stalled',
		    updated_at = NOW()
		WHERE status = 'sending'
		  AND claimed_at < NOW() - $1 * INTERVAL '1 millisecond'
		  AND attempts + 1 < max_retries
	`, rw.staleAge.Milliseconds())
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] requeued %d stuck jobs", n)
	}

	res, err = rw.store.db.ExecContext(queryCtx, `
		UPDATE email_jobs
		SET status = 'dead_letter',
		    attempts = attempts + 1,
		    last_error = 'reclaimed: worker stalled at final attempt',
		    origin_lane = lane,
		    dead_lettered_at = NOW(),
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE status = 'sending'
		  AND claimed_at < NOW() - $1 * INTERVAL '1 millisecond'
		  AND attempts + 1 >= max_retries
	`, rw.staleAge.Milliseconds())
	if err != nil {
		log.Printf("[QueueRecovery] dead-letter error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] moved %d stuck jobs to dead_letter", n)
	}
}
