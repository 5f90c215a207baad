// Package mail defines the data model shared by the queue, the provider
// router, and the worker pool: messages, jobs, send results, and the
// consent/backoff settings that travel with a job.
package mail

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the delivery lane a job is admitted to.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight returns the numeric scheduling weight for a priority.
// Higher weights are claimed first within the queue's ordering.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 7
	case PriorityNormal:
		return 5
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four known lanes.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// Lanes lists all send lanes in preference order (dead-letter excluded).
func Lanes() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// BackoffType selects the inter-retry delay curve.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Attachment is a file carried with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

// Message is the immutable payload of an email job. HTML/Text bodies are
// opaque to this subsystem; rendering happens upstream or via the template
// collaborator before the send.
type Message struct {
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	FromName    string            `json:"from_name,omitempty"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fail-fast invariants for admission: at least one
// recipient and a sender address. Everything else is delivery-time concern.
func (m *Message) Validate() error {
	if len(m.To) == 0 {
		return fmt.Errorf("message has no recipients")
	}
	for _, addr := range m.To {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid recipient address %q", addr)
		}
	}
	if m.FromEmail == "" {
		return fmt.Errorf("message has no sender")
	}
	return nil
}

// Consent carries the per-purpose opt-in flags supplied by the caller.
// Nil pointers mean "not stated" and are treated per the policy in
// the consent package.
type Consent struct {
	TransactionalEmails *bool `json:"transactional_emails,omitempty"`
	MarketingEmails     *bool `json:"marketing_emails,omitempty"`
}

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	Type      BackoffType   `json:"type"`
	BaseDelay time.Duration `json:"base_delay"`
}

// Delay returns the wait before re-visibility after the given attempt
// (1-based: the delay applied after the first failed attempt is Delay(1)).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if b.Type == BackoffFixed {
		return base
	}
	// exponential: base * 2^(attempt-1)
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > MaxBackoffDelay {
			return MaxBackoffDelay
		}
	}
	return d
}

const (
	// DefaultMaxRetries is the number of attempts before dead-lettering.
	DefaultMaxRetries = 5

	// DefaultBackoffBase is the base retry delay when the caller sets none.
	DefaultBackoffBase = 30 * time.Second

	// MaxBackoffDelay caps exponential growth.
	MaxBackoffDelay = 1 * time.Hour
)

// JobStatus is the persisted lifecycle state of a job. A job is in exactly
// one state at any time; "delayed" is derived (queued with a future
// visibility instant), not stored.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusSending    JobStatus = "sending"
	StatusCompleted  JobStatus = "completed"
	StatusSkipped    JobStatus = "skipped"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Job wraps a Message with scheduling, retry, and consent settings.
type Job struct {
	ID              string                 `json:"id"`
	Message         Message                `json:"message"`
	Priority        Priority               `json:"priority"`
	TemplateName    string                 `json:"template_name,omitempty"`
	TemplateData    map[string]interface{} `json:"template_data,omitempty"`
	ScheduleAt      *time.Time             `json:"schedule_at,omitempty"`
	MaxRetries      int                    `json:"max_retries"`
	Backoff         Backoff                `json:"backoff"`
	TrackingEnabled bool                   `json:"tracking_enabled"`
	Consent         *Consent               `json:"consent,omitempty"`

	// Populated by the queue
	Status     JobStatus  `json:"status,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	VisibleAt  time.Time  `json:"visible_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	PreferESP  string     `json:"preferred_provider,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
}

// Validate checks the admission invariants. Defaults (retries, backoff) are
// applied by the queue, not here.
func (j *Job) Validate() error {
	if !j.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", j.Priority)
	}
	return j.Message.Validate()
}

// SendStatus is the terminal status of one send attempt.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
)

// Result records the outcome of one routed send attempt. Write-once.
type Result struct {
	JobID     string     `json:"job_id"`
	Provider  string     `json:"provider"`
	MessageID string     `json:"message_id,omitempty"`
	Status    SendStatus `json:"status"`
	SentAt    time.Time  `json:"sent_at"`
	Cost      float64    `json:"cost"`
}

// DeadLetterRecord is the operator-facing view of an exhausted job.
// Append-only; cleared only by an explicit RetryJob.
type DeadLetterRecord struct {
	Job          Job       `json:"job"`
	OriginLane   Priority  `json:"origin_lane"`
	FinalError   string    `json:"final_error"`
	FailedAt     time.Time `json:"failed_at"`
	AttemptsMade int       `json:"attempts_made"`
}
