package provider

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// DefaultSendTimeout bounds one provider Send call. A timeout is treated
// identically to a provider failure and feeds the failure counting.
const DefaultSendTimeout = 30 * time.Second

// Registry holds the registered adapters and routes sends across them in
// healthy-priority order. It makes no side effects beyond health bookkeeping
// and the single successful SendResult.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender

	monitor     *Monitor
	sendTimeout time.Duration
}

// NewRegistry creates an empty registry with the default per-call timeout.
func NewRegistry() *Registry {
	return &Registry{
		senders:     make(map[string]Sender),
		sendTimeout: DefaultSendTimeout,
	}
}

// SetSendTimeout overrides the per-provider call timeout.
func (r *Registry) SetSendTimeout(d time.Duration) {
	if d > 0 {
		r.sendTimeout = d
	}
}

// SetMonitor attaches the health monitor. Routing before a monitor is
// attached treats every adapter as healthy.
func (r *Registry) SetMonitor(m *Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitor = m
}

// Register adds an adapter. Registering the same name twice replaces the
// earlier adapter.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Name()] = s
	log.Printf("[Registry] Registered provider %s (priority=%d)", s.Name(), s.Priority())
}

// Sender returns one adapter by name.
func (r *Registry) Sender(name string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[name]
	return s, ok
}

// Senders returns all adapters sorted ascending by priority.
func (r *Registry) Senders() []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sender, 0, len(r.senders))
	for _, s := range r.senders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// healthyOrdered returns the healthy adapters in try order: ascending
// priority, with the preferred provider (if healthy) moved to the front.
// The preferred hint never bypasses health filtering.
func (r *Registry) healthyOrdered(preferred string) []Sender {
	all := r.Senders()

	r.mu.RLock()
	monitor := r.monitor
	r.mu.RUnlock()

	healthy := make([]Sender, 0, len(all))
	for _, s := range all {
		if monitor == nil || monitor.IsHealthy(s.Name()) {
			healthy = append(healthy, s)
		}
	}

	if preferred == "" {
		return healthy
	}
	for i, s := range healthy {
		if s.Name() == preferred && i > 0 {
			reordered := make([]Sender, 0, len(healthy))
			reordered = append(reordered, s)
			reordered = append(reordered, healthy[:i]...)
			reordered = append(reordered, healthy[i+1:]...)
			return reordered
		}
	}
	return healthy
}

// Route attempts one send across the healthy adapters in order. On the first
// success it returns immediately and resets that adapter's failure streak.
// Each failure is recorded into the failures map and counted against the
// adapter's health. If the healthy set is empty or every adapter fails, an
// *AllProvidersFailedError carrying the accumulated map is returned.
func (r *Registry) Route(ctx context.Context, msg *mail.Message, preferred string) (*SendResult, error) {
	candidates := r.healthyOrdered(preferred)
	failures := make(map[string]error)

	if len(candidates) == 0 {
		return nil, &AllProvidersFailedError{Failures: failures}
	}

	r.mu.RLock()
	monitor := r.monitor
	timeout := r.sendTimeout
	r.mu.RUnlock()

	for _, s := range candidates {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := s.Send(sendCtx, msg)
		cancel()

		if err == nil && result != nil {
			if monitor != nil {
				monitor.RecordSendSuccess(s.Name())
			}
			result.Provider = s.Name()
			result.Cost = s.CostPerMessage()
			if result.SentAt.IsZero() {
				result.SentAt = time.Now()
			}
			return result, nil
		}

		perr := &ProviderError{Provider: s.Name(), Err: err}
		failures[s.Name()] = perr
		if monitor != nil {
			monitor.RecordSendFailure(s.Name(), err)
		}
		logger.Warn("provider send failed",
			"provider", s.Name(),
			"recipient", firstRecipient(msg),
			"error", perr.Error(),
		)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &AllProvidersFailedError{Failures: failures}
}

func firstRecipient(msg *mail.Message) string {
	if len(msg.To) == 0 {
		return ""
	}
	return msg.To[0]
}
