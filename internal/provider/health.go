package provider

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval is how often every adapter is probed.
	DefaultSweepInterval = 60 * time.Second

	// DefaultReprobeDelay is the wait before a provider demoted by the
	// router is re-probed out of band.
	DefaultReprobeDelay = 5 * time.Minute

	// FailureThreshold is the consecutive-failure count at which a
	// provider is marked unhealthy.
	FailureThreshold = 3

	// probeTimeout bounds a single health probe.
	probeTimeout = 10 * time.Second
)

// Health is the mutable per-provider record. Only the Monitor mutates it;
// the router feeds send outcomes through RecordSendSuccess/RecordSendFailure.
type Health struct {
	Provider            string         `json:"provider"`
	IsHealthy           bool           `json:"is_healthy"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastChecked         time.Time      `json:"last_checked,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	ResponseTime        time.Duration  `json:"response_time_ms,omitempty"`
	Quota               *QuotaSnapshot `json:"quota,omitempty"`
}

// Monitor keeps per-provider health current without requiring a live send
// for every job. It runs a periodic concurrent sweep and accepts out-of-band
// re-probe requests from the router.
//
// State transitions are exactly:
//
//	healthy --(FailureThreshold consecutive failures)--> unhealthy
//	unhealthy --(successful probe or send)--> healthy
type Monitor struct {
	reg *Registry

	mu     sync.Mutex
	health map[string]*Health
	timers map[string]*time.Timer // pending one-shot re-probes

	sweepInterval time.Duration
	reprobeDelay  time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMonitor creates a Monitor over the registry's adapters. Zero durations
// select the defaults.
func NewMonitor(reg *Registry, sweepInterval, reprobeDelay time.Duration) *Monitor {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if reprobeDelay <= 0 {
		reprobeDelay = DefaultReprobeDelay
	}
	m := &Monitor{
		reg:           reg,
		health:        make(map[string]*Health),
		timers:        make(map[string]*time.Timer),
		sweepInterval: sweepInterval,
		reprobeDelay:  reprobeDelay,
		stopped:       make(chan struct{}),
	}
	// Providers start healthy until proven otherwise
	for _, s := range reg.Senders() {
		m.health[s.Name()] = &Health{Provider: s.Name(), IsHealthy: true}
	}
	return m
}

// Run executes the periodic sweep until ctx is cancelled. An initial sweep
// runs immediately so the snapshot is populated at startup.
func (m *Monitor) Run(ctx context.Context) {
	log.Printf("[HealthMonitor] Starting (interval=%s, reprobe_delay=%s, threshold=%d)",
		m.sweepInterval, m.reprobeDelay, FailureThreshold)

	m.SweepNow(ctx)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.SweepNow(ctx)
		}
	}
}

// Stop cancels any pending one-shot re-probes.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.mu.Lock()
		for name, t := range m.timers {
			t.Stop()
			delete(m.timers, name)
		}
		m.mu.Unlock()
	})
}

// SweepNow probes every registered adapter concurrently and joins.
func (m *Monitor) SweepNow(ctx context.Context) {
	senders := m.reg.Senders()
	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			m.Probe(ctx, s.Name())
		}(s)
	}
	wg.Wait()
}

// Probe runs one health check against the named provider and applies the
// outcome. Returns the probe result (false for unknown providers).
func (m *Monitor) Probe(ctx context.Context, name string) bool {
	s, ok := m.reg.Sender(name)
	if !ok {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	ok = s.CheckHealth(probeCtx)
	elapsed := time.Since(start)

	var quota *QuotaSnapshot
	if ok {
		q := s.Quota(probeCtx)
		if q != (QuotaSnapshot{}) {
			quota = &q
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.record(name)
	h.LastChecked = time.Now()
	h.ResponseTime = elapsed
	if ok {
		wasUnhealthy := !h.IsHealthy
		h.IsHealthy = true
		h.ConsecutiveFailures = 0
		h.LastError = ""
		if quota != nil {
			h.Quota = quota
		}
		if wasUnhealthy {
			log.Printf("[HealthMonitor] Provider %s recovered", name)
		}
	} else {
		h.LastError = "health probe failed"
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= FailureThreshold && h.IsHealthy {
			h.IsHealthy = false
			log.Printf("[HealthMonitor] Provider %s marked unhealthy after %d consecutive failures",
				name, h.ConsecutiveFailures)
		}
	}
	return ok
}

// RecordSendSuccess resets the failure streak after a routed send succeeds.
// A send success restores health the same way a successful probe does.
func (m *Monitor) RecordSendSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.record(name)
	h.ConsecutiveFailures = 0
	h.IsHealthy = true
	h.LastError = ""
}

// RecordSendFailure increments the failure streak. When the streak reaches
// FailureThreshold the provider is demoted and a delayed re-probe is
// scheduled so it can self-heal without waiting for the next sweep.
func (m *Monitor) RecordSendFailure(name string, err error) {
	m.mu.Lock()
	h := m.record(name)
	h.ConsecutiveFailures++
	if err != nil {
		h.LastError = err.Error()
	}
	demoted := false
	if h.ConsecutiveFailures >= FailureThreshold && h.IsHealthy {
		h.IsHealthy = false
		demoted = true
	}
	streak := h.ConsecutiveFailures
	m.mu.Unlock()

	if demoted {
		log.Printf("[HealthMonitor] Provider %s marked unhealthy after %d consecutive send failures", name, streak)
		m.scheduleReprobe(name)
	}
}

// scheduleReprobe arms a one-shot probe reprobeDelay from now. A newer
// request replaces a pending one.
func (m *Monitor) scheduleReprobe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopped:
		return
	default:
	}

	if t, ok := m.timers[name]; ok {
		t.Stop()
	}
	m.timers[name] = time.AfterFunc(m.reprobeDelay, func() {
		m.mu.Lock()
		delete(m.timers, name)
		m.mu.Unlock()
		log.Printf("[HealthMonitor] Re-probing %s after demotion", name)
		m.Probe(context.Background(), name)
	})
}

// IsHealthy reports the current flag. Unregistered providers are unhealthy.
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	return ok && h.IsHealthy
}

// SetHealthy is the manual operator override. Forcing healthy also clears
// the failure streak so the next failure starts a fresh count.
func (m *Monitor) SetHealthy(name string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.record(name)
	h.IsHealthy = healthy
	if healthy {
		h.ConsecutiveFailures = 0
		h.LastError = ""
	}
	log.Printf("[HealthMonitor] Provider %s manually set healthy=%v", name, healthy)
}

// Get returns a copy of one provider's health record.
func (m *Monitor) Get(name string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Snapshot returns a copy of every provider's health record.
func (m *Monitor) Snapshot() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Health, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}

// TestConfiguration probes each adapter once and reports per-provider
// reachability. Used by the operational API at deploy time.
func (m *Monitor) TestConfiguration(ctx context.Context) map[string]bool {
	senders := m.reg.Senders()
	results := make(map[string]bool, len(senders))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			ok := m.Probe(ctx, s.Name())
			mu.Lock()
			results[s.Name()] = ok
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return results
}

// record returns the health entry for name, creating it if the provider was
// registered after the monitor was built. Caller must hold m.mu.
func (m *Monitor) record(name string) *Health {
	h, ok := m.health[name]
	if !ok {
		h = &Health{Provider: name, IsHealthy: true}
		m.health[name] = h
	}
	return h
}
