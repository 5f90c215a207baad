package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/httpretry"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// SendGridSender delivers through the SendGrid v3 Mail Send API.
type SendGridSender struct {
	apiKey   string
	baseURL  string
	priority int
	cost     float64
	client   httpretry.HTTPDoer
	probe    *http.Client
}

// NewSendGridSender creates a SendGrid adapter.
func NewSendGridSender(apiKey string, priority int, cost float64) *SendGridSender {
	return &SendGridSender{
		apiKey:   apiKey,
		baseURL:  "https://api.sendgrid.com/v3",
		priority: priority,
		cost:     cost,
		client:   httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 2),
		probe:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SendGridSender) Name() string            { return "sendgrid" }
func (s *SendGridSender) Priority() int           { return s.priority }
func (s *SendGridSender) CostPerMessage() float64 { return s.cost }

// Send delivers a single message through SendGrid.
func (s *SendGridSender) Send(ctx context.Context, msg *mail.Message) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}

	personalization := map[string]interface{}{
		"to": emailObjects(msg.To),
	}
	if len(msg.Cc) > 0 {
		personalization["cc"] = emailObjects(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		personalization["bcc"] = emailObjects(msg.Bcc)
	}
	if len(msg.Metadata) > 0 {
		personalization["custom_args"] = msg.Metadata
	}

	content := make([]map[string]string, 0, 2)
	if msg.Text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{personalization},
		"from":             map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject":          msg.Subject,
		"content":          content,
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		payload["headers"] = msg.Headers
	}
	if len(msg.Tags) > 0 {
		payload["categories"] = msg.Tags
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			attachments = append(attachments, map[string]string{
				"content":  base64.StdEncoding.EncodeToString(a.Content),
				"filename": a.Filename,
				"type":     a.ContentType,
			})
		}
		payload["attachments"] = attachments
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("SendGrid error %d: %s", resp.StatusCode, string(body))
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}

	log.Printf("[SendGrid] Sent to %s (id: %s)", logger.RedactEmail(msg.To[0]), messageID)
	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// CheckHealth probes the scopes endpoint, which is cheap and requires only a
// valid key.
func (s *SendGridSender) CheckHealth(ctx context.Context) bool {
	if s.apiKey == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/scopes", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}

// Quota is best-effort; SendGrid does not expose a send allowance on the
// mail API, so the shape is returned empty.
func (s *SendGridSender) Quota(ctx context.Context) QuotaSnapshot {
	return QuotaSnapshot{}
}

func emailObjects(addrs []string) []map[string]string {
	out := make([]map[string]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, map[string]string{"email": a})
	}
	return out
}
