// Package notify delivers best-effort operator alerts when a job is
// dead-lettered. Notification failures are logged and never propagate.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/httpretry"
)

// Notifier sends dead-letter alerts.
type Notifier interface {
	DeadLetter(ctx context.Context, rec mail.DeadLetterRecord)
}

// WebhookNotifier POSTs alerts to an operator webhook.
type WebhookNotifier struct {
	url    string
	client httpretry.HTTPDoer
}

// NewWebhookNotifier creates a notifier. An empty URL yields a log-only
// notifier so callers never need nil checks.
func NewWebhookNotifier(url string) Notifier {
	if url == "" {
		return &logNotifier{}
	}
	return &WebhookNotifier{
		url:    url,
		client: httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2),
	}
}

// DeadLetter posts the record. Best-effort: every failure path only logs.
func (n *WebhookNotifier) DeadLetter(ctx context.Context, rec mail.DeadLetterRecord) {
	payload := map[string]interface{}{
		"event":         "email_job_dead_lettered",
		"job_id":        rec.Job.ID,
		"origin_lane":   rec.OriginLane,
		"subject":       rec.Job.Message.Subject,
		"recipients":    rec.Job.Message.To,
		"final_error":   rec.FinalError,
		"attempts_made": rec.AttemptsMade,
		"failed_at":     rec.FailedAt.Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Notify] marshal dead-letter alert: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(data))
	if err != nil {
		log.Printf("[Notify] build dead-letter alert: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[Notify] dead-letter alert failed: %v", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		log.Printf("[Notify] dead-letter alert rejected: status %d", resp.StatusCode)
	}
}

// logNotifier is the fallback when no webhook is configured.
type logNotifier struct{}

func (n *logNotifier) DeadLetter(_ context.Context, rec mail.DeadLetterRecord) {
	log.Printf("[Notify] job %s dead-lettered after %d attempts (lane=%s): %s",
		rec.Job.ID, rec.AttemptsMade, rec.OriginLane, rec.FinalError)
}
