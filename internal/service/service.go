// Package service wires the queue, provider registry, health monitor, and
// worker pool into one explicitly constructed instance with an
// initialize/close lifecycle. Callers receive the instance; there is no
// module-level singleton.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/provider"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/worker"
)

// Service is the transactional email relay facade.
type Service struct {
	store    *queue.Store
	registry *provider.Registry
	monitor  *provider.Monitor
	pool     *worker.Pool

	db  *sql.DB
	rdb *redis.Client

	// background loops started by Start
	loops []func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New assembles a Service from its collaborators.
func New(store *queue.Store, registry *provider.Registry, monitor *provider.Monitor, pool *worker.Pool, db *sql.DB, rdb *redis.Client) *Service {
	return &Service{
		store:    store,
		registry: registry,
		monitor:  monitor,
		pool:     pool,
		db:       db,
		rdb:      rdb,
	}
}

// AddLoop registers an extra background loop (recovery sweep, dead-letter
// watcher) to run for the service lifetime.
func (s *Service) AddLoop(loop func(ctx context.Context)) {
	s.loops = append(s.loops, loop)
}

// Start launches the worker pool, the health monitor, and all registered
// background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("queue store unreachable: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()

	for _, loop := range s.loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop(runCtx)
		}()
	}

	s.pool.Start(runCtx)
	log.Println("[Service] Started")
	return nil
}

// Close drains in-flight work and releases store connections. Safe to call
// once after Start.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.pool.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("[Service] Close timed out waiting for background loops")
	}

	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Println("[Service] Closed")
	return firstErr
}

// Enqueue admits one job and returns its id. Fails fast only on malformed
// input; no network I/O on the caller's path beyond the queue insert.
func (s *Service) Enqueue(ctx context.Context, job *mail.Job) (string, error) {
	return s.store.Enqueue(ctx, job)
}

// EnqueueBatch admits jobs with independent per-job outcomes.
func (s *Service) EnqueueBatch(ctx context.Context, jobs []*mail.Job) []queue.BatchResult {
	return s.store.EnqueueBatch(ctx, jobs)
}

// QueueMetrics returns per-lane counts.
func (s *Service) QueueMetrics(ctx context.Context) (map[mail.Priority]queue.LaneMetrics, error) {
	return s.store.Metrics(ctx)
}

// HealthReport is the service-level health view.
type HealthReport struct {
	IsHealthy      bool                       `json:"is_healthy"`
	StoreConnected bool                       `json:"store_connected"`
	RedisConnected bool                       `json:"redis_connected"`
	WorkersActive  int                        `json:"workers_active"`
	Providers      map[string]provider.Health `json:"providers"`
}

// Health reports store connectivity, worker activity, and per-provider
// health. The service is healthy when the store is reachable and at least
// one provider is usable.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		StoreConnected: s.store.Ping(ctx) == nil,
		RedisConnected: s.store.RedisConnected(ctx),
		WorkersActive:  s.pool.ActiveWorkers(),
		Providers:      s.monitor.Snapshot(),
	}
	anyProvider := false
	for _, h := range report.Providers {
		if h.IsHealthy {
			anyProvider = true
			break
		}
	}
	report.IsHealthy = report.StoreConnected && anyProvider
	return report
}

// ProviderHealth returns one provider's health record.
func (s *Service) ProviderHealth(name string) (provider.Health, bool) {
	return s.monitor.Get(name)
}

// SetProviderHealth is the manual operator override.
func (s *Service) SetProviderHealth(name string, healthy bool) error {
	if _, ok := s.registry.Sender(name); !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	s.monitor.SetHealthy(name, healthy)
	return nil
}

// TestConfiguration probes every registered provider once.
func (s *Service) TestConfiguration(ctx context.Context) map[string]bool {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.monitor.TestConfiguration(probeCtx)
}

// PauseAll stops claiming across every lane.
func (s *Service) PauseAll(ctx context.Context) error {
	return s.store.Pause(ctx, "")
}

// ResumeAll reverses PauseAll.
func (s *Service) ResumeAll(ctx context.Context) error {
	return s.store.Resume(ctx, "")
}

// PauseLane stops claiming from one lane.
func (s *Service) PauseLane(ctx context.Context, lane mail.Priority) error {
	if !lane.Valid() {
		return fmt.Errorf("invalid lane %q", lane)
	}
	return s.store.Pause(ctx, lane)
}

// ResumeLane reverses PauseLane.
func (s *Service) ResumeLane(ctx context.Context, lane mail.Priority) error {
	if !lane.Valid() {
		return fmt.Errorf("invalid lane %q", lane)
	}
	return s.store.Resume(ctx, lane)
}

// Job fetches one job by id across all lanes.
func (s *Service) Job(ctx context.Context, id string) (*mail.Job, error) {
	return s.store.Job(ctx, id)
}

// RetryJob re-admits a dead-lettered job with a reset attempt count.
func (s *Service) RetryJob(ctx context.Context, id string) error {
	return s.store.RetryJob(ctx, id)
}

// CancelScheduled removes a delayed job that has not become visible yet.
func (s *Service) CancelScheduled(ctx context.Context, id string) error {
	return s.store.CancelScheduled(ctx, id)
}

// DeadLetters lists recent dead-letter records for operator review.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]mail.DeadLetterRecord, error) {
	return s.store.DeadLetters(ctx, limit)
}
