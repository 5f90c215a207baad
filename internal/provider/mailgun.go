package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/httpretry"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// MailgunSender delivers through the Mailgun Messages API.
type MailgunSender struct {
	apiKey   string
	domain   string
	baseURL  string
	priority int
	cost     float64
	client   httpretry.HTTPDoer
	probe    *http.Client
}

// NewMailgunSender creates a Mailgun adapter targeting the given domain.
func NewMailgunSender(apiKey, domain string, priority int, cost float64) *MailgunSender {
	return &MailgunSender{
		apiKey:   apiKey,
		domain:   domain,
		baseURL:  "https://api.mailgun.net/v3",
		priority: priority,
		cost:     cost,
		client:   httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 2),
		probe:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *MailgunSender) Name() string            { return "mailgun" }
func (s *MailgunSender) Priority() int           { return s.priority }
func (s *MailgunSender) CostPerMessage() float64 { return s.cost }

// Send delivers a single message through Mailgun. Messages without
// attachments use a form-encoded body; attachments switch to multipart.
func (s *MailgunSender) Send(ctx context.Context, msg *mail.Message) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Mailgun API key not configured")
	}

	var req *http.Request
	var err error
	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.domain)

	if len(msg.Attachments) > 0 {
		req, err = s.multipartRequest(ctx, endpoint, msg)
	} else {
		req, err = s.formRequest(ctx, endpoint, msg)
	}
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("Mailgun error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")

	log.Printf("[Mailgun] Sent to %s (id: %s)", logger.RedactEmail(msg.To[0]), messageID)
	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

func (s *MailgunSender) formValues(msg *mail.Message) url.Values {
	form := url.Values{}
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	form.Add("from", from)
	form.Add("to", strings.Join(msg.To, ","))
	if len(msg.Cc) > 0 {
		form.Add("cc", strings.Join(msg.Cc, ","))
	}
	if len(msg.Bcc) > 0 {
		form.Add("bcc", strings.Join(msg.Bcc, ","))
	}
	form.Add("subject", msg.Subject)
	if msg.HTML != "" {
		form.Add("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Add("text", msg.Text)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	for _, tag := range msg.Tags {
		form.Add("o:tag", tag)
	}
	for k, v := range msg.Metadata {
		form.Add("v:"+k, v)
	}
	return form
}

func (s *MailgunSender) formRequest(ctx context.Context, endpoint string, msg *mail.Message) (*http.Request, error) {
	form := s.formValues(msg)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (s *MailgunSender) multipartRequest(ctx context.Context, endpoint string, msg *mail.Message) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, vals := range s.formValues(msg) {
		for _, v := range vals {
			if err := w.WriteField(key, v); err != nil {
				return nil, fmt.Errorf("write field %s: %w", key, err)
			}
		}
	}
	for _, a := range msg.Attachments {
		fw, err := w.CreateFormFile("attachment", a.Filename)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := fw.Write(a.Content); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// CheckHealth probes the domain endpoint.
func (s *MailgunSender) CheckHealth(ctx context.Context) bool {
	if s.apiKey == "" || s.domain == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/domains/%s", s.baseURL, s.domain), nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}

// Quota is best-effort; Mailgun plan limits are not exposed per-domain, so
// the shape is returned empty.
func (s *MailgunSender) Quota(ctx context.Context) QuotaSnapshot {
	return QuotaSnapshot{}
}
