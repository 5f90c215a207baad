// Package worker contains the lane worker pool that drains the queue and
// drives each job through consent check, template render, routed send, and
// outcome bookkeeping, plus the dead-letter watcher that feeds operator
// notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-relay/internal/consent"
	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/provider"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/tracking"
)

// Store is the queue surface the pool depends on. *queue.Store implements it.
type Store interface {
	Claim(ctx context.Context, lane mail.Priority, limit int, workerID string) ([]*mail.Job, error)
	RenewClaim(ctx context.Context, jobID, workerID string) error
	MarkCompleted(ctx context.Context, jobID, workerID string) error
	MarkSkipped(ctx context.Context, jobID, workerID, reason string) error
	MarkFailed(ctx context.Context, jobID, workerID, errMsg string) (*mail.DeadLetterRecord, error)
	Paused(ctx context.Context, lane mail.Priority) bool
	RecordOutcome(ctx context.Context, lane mail.Priority, counter string)
}

// Router produces one successful send across the healthy providers.
// *provider.Registry implements it.
type Router interface {
	Route(ctx context.Context, msg *mail.Message, preferred string) (*provider.SendResult, error)
}

// Renderer is the template collaborator. *template.Engine implements it.
type Renderer interface {
	Render(name string, data map[string]interface{}) (htmlBody, textBody string, err error)
}

// Gate is the consent policy gate. *consent.Filter implements it.
type Gate interface {
	Decide(ctx context.Context, job *mail.Job) consent.Decision
}

// Tracker appends delivery records. *tracking.Store implements it.
type Tracker interface {
	Append(ctx context.Context, rec tracking.Record) error
}

const (
	// DefaultLaneConcurrency is the worker count per lane when unset.
	DefaultLaneConcurrency = 5

	defaultBatchSize    = 20
	defaultPollInterval = 250 * time.Millisecond
	jobTimeout          = 2 * time.Minute
)

// Pool drains the four send lanes concurrently. Lane concurrency is
// configurable; the critical lane is typically given the largest share but
// every lane has its own workers so low-priority jobs are never starved
// outright.
type Pool struct {
	store    Store
	router   Router
	renderer Renderer
	gate     Gate
	tracker  Tracker

	workerID     string
	concurrency  map[mail.Priority]int
	batchSize    int
	pollInterval time.Duration

	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  int64 // workers currently processing a job
}

// NewPool creates a worker pool. concurrency maps lanes to worker counts;
// missing lanes get DefaultLaneConcurrency.
func NewPool(store Store, router Router, concurrency map[mail.Priority]int) *Pool {
	conc := make(map[mail.Priority]int, len(mail.Lanes()))
	for _, lane := range mail.Lanes() {
		n := concurrency[lane]
		if n <= 0 {
			n = DefaultLaneConcurrency
		}
		conc[lane] = n
	}
	return &Pool{
		store:        store,
		router:       router,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		concurrency:  conc,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
	}
}

// SetRenderer attaches the template collaborator.
func (p *Pool) SetRenderer(r Renderer) { p.renderer = r }

// SetGate attaches the consent gate.
func (p *Pool) SetGate(g Gate) { p.gate = g }

// SetTracker attaches the delivery-tracking store.
func (p *Pool) SetTracker(t Tracker) { p.tracker = t }

// Start launches the lane workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	total := 0
	for _, lane := range mail.Lanes() {
		n := p.concurrency[lane]
		total += n
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.laneWorker(ctx, lane, i)
		}
	}
	log.Printf("[WorkerPool] Started %d workers (%s)", total, p.workerID)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[WorkerPool] Stopped. sent=%d failed=%d skipped=%d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalSkipped))
}

// Stats returns cumulative counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&p.totalSent),
		"total_failed":  atomic.LoadInt64(&p.totalFailed),
		"total_skipped": atomic.LoadInt64(&p.totalSkipped),
	}
}

// ActiveWorkers reports how many workers are mid-job right now.
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt64(&p.active))
}

func (p *Pool) laneWorker(ctx context.Context, lane mail.Priority, num int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.store.Paused(ctx, lane) {
			sleepCtx(ctx, time.Second)
			continue
		}

		jobs, err := p.store.Claim(ctx, lane, p.batchSize, p.workerID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[WorkerPool] %s/%d claim error: %v", lane, num, err)
			}
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, p.pollInterval)
			continue
		}

		for _, job := range jobs {
			// Re-lease before each job. Jobs deep in a batch can sit claimed
			// longer than the stale sweep threshold while earlier jobs run
			// their timeouts; renewing keeps the lease fresh, and a lost
			// lease means the sweep already requeued the job for someone
			// else, so this worker must not send it.
			if err := p.store.RenewClaim(ctx, job.ID, p.workerID); err != nil {
				if errors.Is(err, queue.ErrClaimLost) {
					log.Printf("[WorkerPool] %s/%d claim lost for job %s, dropping", lane, num, job.ID)
				} else if ctx.Err() == nil {
					log.Printf("[WorkerPool] %s/%d renew claim %s: %v", lane, num, job.ID, err)
				}
				continue
			}
			p.processJob(ctx, job)
		}
	}
}

// processJob owns a claimed job until a terminal or requeued state is
// persisted. Every error is converted into a queue decision; nothing
// escapes to the lane loop.
func (p *Pool) processJob(ctx context.Context, job *mail.Job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	// Consent gate: a block is a deliberate skip, not an error.
	if p.gate != nil {
		if d := p.gate.Decide(jobCtx, job); !d.Allowed {
			atomic.AddInt64(&p.totalSkipped, 1)
			if err := p.store.MarkSkipped(jobCtx, job.ID, p.workerID, d.Reason); err != nil {
				log.Printf("[WorkerPool] mark skipped %s: %v", job.ID, err)
			}
			p.store.RecordOutcome(jobCtx, job.Priority, "skipped")
			logger.Info("job skipped by consent gate",
				"job_id", job.ID, "lane", string(job.Priority), "reason", d.Reason)
			return
		}
	}

	// Render when the caller supplied a template instead of a body.
	msg := job.Message
	if job.TemplateName != "" && msg.HTML == "" && msg.Text == "" {
		if p.renderer == nil {
			p.failJob(jobCtx, job, fmt.Sprintf("template %q requested but no renderer configured", job.TemplateName))
			return
		}
		htmlBody, textBody, err := p.renderer.Render(job.TemplateName, job.TemplateData)
		if err != nil {
			p.failJob(jobCtx, job, fmt.Sprintf("render template %q: %v", job.TemplateName, err))
			return
		}
		msg.HTML = htmlBody
		msg.Text = textBody
	}

	result, err := p.router.Route(jobCtx, &msg, job.PreferESP)
	if err != nil {
		p.failJob(jobCtx, job, err.Error())
		return
	}

	if job.TrackingEnabled && p.tracker != nil {
		rec := tracking.Record{
			JobID:     job.ID,
			Provider:  result.Provider,
			MessageID: result.MessageID,
			Recipient: msg.To[0],
			Cost:      result.Cost,
			SentAt:    result.SentAt,
		}
		if err := p.tracker.Append(jobCtx, rec); err != nil {
			// Tracking is bookkeeping; never fail a delivered job over it
			log.Printf("[WorkerPool] tracking append for %s: %v", job.ID, err)
		}
	}

	if err := p.store.MarkCompleted(jobCtx, job.ID, p.workerID); err != nil {
		log.Printf("[WorkerPool] mark completed %s: %v", job.ID, err)
		return
	}
	atomic.AddInt64(&p.totalSent, 1)
	p.store.RecordOutcome(jobCtx, job.Priority, "completed")
	logger.Info("job delivered",
		"job_id", job.ID, "lane", string(job.Priority),
		"provider", result.Provider, "message_id", result.MessageID)
}

// failJob hands the failed attempt to the queue, which decides between
// backoff requeue and dead-letter.
func (p *Pool) failJob(ctx context.Context, job *mail.Job, errMsg string) {
	atomic.AddInt64(&p.totalFailed, 1)
	p.store.RecordOutcome(ctx, job.Priority, "failed_attempts")

	rec, err := p.store.MarkFailed(ctx, job.ID, p.workerID, errMsg)
	if err != nil {
		log.Printf("[WorkerPool] mark failed %s: %v", job.ID, err)
		return
	}
	if rec != nil {
		logger.Error("job exhausted retries",
			"job_id", job.ID, "lane", string(rec.OriginLane),
			"attempts", rec.AttemptsMade, "error", rec.FinalError)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
