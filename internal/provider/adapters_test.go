package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ignite/email-relay/internal/mail"
)

func adapterMessage() *mail.Message {
	return &mail.Message{
		To:        []string{"user@example.com"},
		Cc:        []string{"cc@example.com"},
		FromName:  "Relay",
		FromEmail: "noreply@example.com",
		Subject:   "adapter test",
		HTML:      "<p>hi</p>",
		Text:      "hi",
		Tags:      []string{"onboarding"},
	}
}

func TestSendGridSend(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mail/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotPayload)
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendGridSender("sg-key", 3, 0.0006)
	s.baseURL = srv.URL

	result, err := s.Send(context.Background(), adapterMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "sg-123" {
		t.Errorf("message id = %q", result.MessageID)
	}
	if gotAuth != "Bearer sg-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPayload["subject"] != "adapter test" {
		t.Errorf("subject = %v", gotPayload["subject"])
	}
	if _, ok := gotPayload["personalizations"]; !ok {
		t.Error("payload missing personalizations")
	}
	if cats, ok := gotPayload["categories"].([]interface{}); !ok || len(cats) != 1 {
		t.Errorf("categories = %v", gotPayload["categories"])
	}
}

func TestSendGridSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"errors":[{"message":"bad key"}]}`)
	}))
	defer srv.Close()

	s := NewSendGridSender("sg-key", 3, 0.0006)
	s.baseURL = srv.URL

	_, err := s.Send(context.Background(), adapterMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q should carry the status", err)
	}
}

func TestSparkPostSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transmissions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "sp-key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var payload struct {
			Recipients []map[string]interface{} `json:"recipients"`
			CampaignID string                   `json:"campaign_id"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		// Primary plus cc recipient
		if len(payload.Recipients) != 2 {
			t.Errorf("recipients = %d, want 2", len(payload.Recipients))
		}
		if payload.CampaignID != "onboarding" {
			t.Errorf("campaign_id = %q", payload.CampaignID)
		}
		io.WriteString(w, `{"results":{"id":"sp-456"}}`)
	}))
	defer srv.Close()

	s := NewSparkPostSender("sp-key", 2, 0.0002)
	s.baseURL = srv.URL

	result, err := s.Send(context.Background(), adapterMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "sp-456" {
		t.Errorf("message id = %q", result.MessageID)
	}
}

func TestSparkPostQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("include") != "usage" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"results":{"usage":{"month":{"used":1500,"limit":10000,"end":"2026-09-01T00:00:00Z"}}}}`)
	}))
	defer srv.Close()

	s := NewSparkPostSender("sp-key", 2, 0.0002)
	s.baseURL = srv.URL

	snap := s.Quota(context.Background())
	if snap.Used != 1500 || snap.Limit != 10000 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Remaining != 8500 {
		t.Errorf("remaining = %d, want 8500", snap.Remaining)
	}
	if snap.ResetAt.IsZero() {
		t.Error("reset time not parsed")
	}
}

func TestMailgunSendForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mail.example.com/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, _ := r.BasicAuth()
		if user != "api" || pass != "mg-key" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("from"); got != "Relay <noreply@example.com>" {
			t.Errorf("from = %q", got)
		}
		if got := r.PostForm.Get("o:tag"); got != "onboarding" {
			t.Errorf("tag = %q", got)
		}
		io.WriteString(w, `{"id":"<mg-789@example.com>","message":"Queued."}`)
	}))
	defer srv.Close()

	s := NewMailgunSender("mg-key", "mail.example.com", 4, 0.0008)
	s.baseURL = srv.URL

	result, err := s.Send(context.Background(), adapterMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "mg-789@example.com" {
		t.Errorf("message id = %q, want angle brackets stripped", result.MessageID)
	}
}

func TestMailgunSendMultipartAttachments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("content type = %s, want multipart", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		files := r.MultipartForm.File["attachment"]
		if len(files) != 1 || files[0].Filename != "invoice.pdf" {
			t.Errorf("attachments = %+v", files)
		}
		io.WriteString(w, `{"id":"<mg-att@example.com>"}`)
	}))
	defer srv.Close()

	s := NewMailgunSender("mg-key", "mail.example.com", 4, 0.0008)
	s.baseURL = srv.URL

	msg := adapterMessage()
	msg.Attachments = []mail.Attachment{{
		Filename:    "invoice.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4 fake"),
	}}

	if _, err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSESRejectsAttachments(t *testing.T) {
	s, err := NewSESSender("AKIA123", "secret", "us-east-1", 1, 0.0001)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	msg := adapterMessage()
	msg.Attachments = []mail.Attachment{{Filename: "a.pdf", Content: []byte("x")}}

	_, err = s.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected attachment rejection")
	}
	if !strings.Contains(err.Error(), "attachment") {
		t.Errorf("error = %q, should name attachments", err)
	}
}

func TestSESRequiresCredentials(t *testing.T) {
	if _, err := NewSESSender("", "", "us-east-1", 1, 0.0001); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
