// Package provider contains the ESP adapters, the failover router, and the
// health monitor. Adapters are split into individual files:
//   - ses.go:       AWS SES v2
//   - sendgrid.go:  SendGrid v3 Mail Send
//   - mailgun.go:   Mailgun Messages API
//   - sparkpost.go: SparkPost Transmissions API
//
// Adapters are stateless with respect to jobs; all retry, backoff, and
// health state lives in the queue and the Monitor.
package provider

import (
	"context"
	"time"

	"github.com/ignite/email-relay/internal/mail"
)

// Sender is the uniform contract every ESP adapter implements.
type Sender interface {
	// Name identifies the provider ("ses", "sendgrid", ...).
	Name() string

	// Priority orders routing attempts; lower is tried first.
	Priority() int

	// CostPerMessage is the fixed accounting cost of one send.
	CostPerMessage() float64

	// Send delivers one message in a single atomic API call. A transport
	// or API error is returned as-is; the router wraps it.
	Send(ctx context.Context, msg *mail.Message) (*SendResult, error)

	// CheckHealth performs a lightweight probe. It never panics and
	// converts internal errors to false.
	CheckHealth(ctx context.Context) bool

	// Quota returns a best-effort usage snapshot. Providers without an
	// accounting endpoint return an empty snapshot.
	Quota(ctx context.Context) QuotaSnapshot
}

// SendResult is the provider-level outcome of a successful send.
type SendResult struct {
	Provider  string
	MessageID string
	SentAt    time.Time
	Cost      float64
}

// QuotaSnapshot is a point-in-time view of a provider's sending allowance.
// Zero values mean the provider does not expose the figure.
type QuotaSnapshot struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}
