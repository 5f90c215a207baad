// Package consent is the policy gate consulted before a send. The actual
// consent store belongs to an external collaborator; this package only
// evaluates the flags that travel with a job, optionally refreshed through a
// read-only lookup.
package consent

import (
	"context"
	"strings"

	"github.com/ignite/email-relay/internal/mail"
)

// Decision is the outcome of the gate.
type Decision struct {
	Allowed bool
	Reason  string // set when blocked, e.g. "consent_marketing"
}

// Lookup is the read-only consent store collaborator, keyed by recipient.
// Implementations must be cheap; they run on the send path.
type Lookup interface {
	Consent(ctx context.Context, recipient string) (*mail.Consent, error)
}

// Filter evaluates consent policy for jobs.
type Filter struct {
	lookup Lookup // optional

	// marketingPrefixes marks template names carrying marketing content.
	marketingPrefixes []string
}

// NewFilter creates a gate with the default marketing-template heuristics.
// lookup may be nil; then only the consent carried on the job is consulted.
func NewFilter(lookup Lookup) *Filter {
	return &Filter{
		lookup:            lookup,
		marketingPrefixes: []string{"marketing", "newsletter", "promo", "digest"},
	}
}

// IsMarketingTemplate reports whether a template name indicates marketing
// content.
func (f *Filter) IsMarketingTemplate(name string) bool {
	name = strings.ToLower(name)
	for _, p := range f.marketingPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Decide applies the policy:
//
//   - The gate only applies when tracking is enabled and consent is present;
//     otherwise the job is allowed.
//   - Critical jobs are allowed unless TransactionalEmails is explicitly false.
//   - Marketing-template jobs require MarketingEmails to be explicitly true.
//   - Everything else is allowed unless TransactionalEmails is explicitly false.
//
// A blocked job is a deliberate skip, never an error.
func (f *Filter) Decide(ctx context.Context, job *mail.Job) Decision {
	if !job.TrackingEnabled {
		return Decision{Allowed: true}
	}

	c := job.Consent
	if c == nil && f.lookup != nil && len(job.Message.To) > 0 {
		if fetched, err := f.lookup.Consent(ctx, job.Message.To[0]); err == nil {
			c = fetched
		}
	}
	if c == nil {
		return Decision{Allowed: true}
	}

	transactionalDenied := c.TransactionalEmails != nil && !*c.TransactionalEmails

	if job.Priority == mail.PriorityCritical {
		if transactionalDenied {
			return Decision{Reason: "consent_transactional"}
		}
		return Decision{Allowed: true}
	}

	if f.IsMarketingTemplate(job.TemplateName) {
		if c.MarketingEmails == nil || !*c.MarketingEmails {
			return Decision{Reason: "consent_marketing"}
		}
		return Decision{Allowed: true}
	}

	if transactionalDenied {
		return Decision{Reason: "consent_transactional"}
	}
	return Decision{Allowed: true}
}
