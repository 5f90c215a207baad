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

	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/httpretry"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// SparkPostSender delivers through the SparkPost Transmissions API.
type SparkPostSender struct {
	apiKey   string
	baseURL  string
	priority int
	cost     float64
	client   httpretry.HTTPDoer
	probe    *http.Client
}

// NewSparkPostSender creates a sender targeting the SparkPost v1 API.
func NewSparkPostSender(apiKey string, priority int, cost float64) *SparkPostSender {
	return &SparkPostSender{
		apiKey:   apiKey,
		baseURL:  "https://api.sparkpost.com/api/v1",
		priority: priority,
		cost:     cost,
		client:   httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
		probe:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SparkPostSender) Name() string            { return "sparkpost" }
func (s *SparkPostSender) Priority() int           { return s.priority }
func (s *SparkPostSender) CostPerMessage() float64 { return s.cost }

// Send delivers a single message through SparkPost.
func (s *SparkPostSender) Send(ctx context.Context, msg *mail.Message) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SparkPost API key not configured")
	}

	recipients := make([]map[string]interface{}, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	for _, addr := range msg.To {
		recipients = append(recipients, map[string]interface{}{
			"address": map[string]string{"email": addr},
		})
	}
	// SparkPost models cc/bcc as extra recipients with a header_to pointing
	// at the primary recipient.
	headerTo := ""
	if len(msg.To) > 0 {
		headerTo = msg.To[0]
	}
	for _, addr := range append(append([]string{}, msg.Cc...), msg.Bcc...) {
		recipients = append(recipients, map[string]interface{}{
			"address": map[string]string{"email": addr, "header_to": headerTo},
		})
	}

	content := map[string]interface{}{
		"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject": msg.Subject,
	}
	if msg.HTML != "" {
		content["html"] = msg.HTML
	}
	if msg.Text != "" {
		content["text"] = msg.Text
	}
	if msg.ReplyTo != "" {
		content["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		content["headers"] = msg.Headers
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			attachments = append(attachments, map[string]string{
				"name": a.Filename,
				"type": a.ContentType,
				"data": base64.StdEncoding.EncodeToString(a.Content),
			})
		}
		content["attachments"] = attachments
	}

	transmission := map[string]interface{}{
		"recipients": recipients,
		"content":    content,
	}
	if len(msg.Metadata) > 0 {
		transmission["metadata"] = msg.Metadata
	}
	if len(msg.Tags) > 0 {
		transmission["campaign_id"] = msg.Tags[0]
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("SparkPost error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.Unmarshal(body, &result)

	log.Printf("[SparkPost] Sent to %s (id: %s)", logger.RedactEmail(msg.To[0]), result.Results.ID)
	return &SendResult{MessageID: result.Results.ID, SentAt: time.Now()}, nil
}

// CheckHealth probes the account endpoint.
func (s *SparkPostSender) CheckHealth(ctx context.Context) bool {
	if s.apiKey == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/account", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}

// Quota reads the monthly usage block from the account endpoint.
func (s *SparkPostSender) Quota(ctx context.Context) QuotaSnapshot {
	if s.apiKey == "" {
		return QuotaSnapshot{}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/account?include=usage", nil)
	if err != nil {
		return QuotaSnapshot{}
	}
	req.Header.Set("Authorization", s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return QuotaSnapshot{}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return QuotaSnapshot{}
	}

	var account struct {
		Results struct {
			Usage struct {
				Month struct {
					Used  int64  `json:"used"`
					Limit int64  `json:"limit"`
					End   string `json:"end"`
				} `json:"month"`
			} `json:"usage"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return QuotaSnapshot{}
	}

	month := account.Results.Usage.Month
	snap := QuotaSnapshot{
		Used:      month.Used,
		Limit:     month.Limit,
		Remaining: month.Limit - month.Used,
	}
	if t, err := time.Parse(time.RFC3339, month.End); err == nil {
		snap.ResetAt = t
	}
	return snap
}
