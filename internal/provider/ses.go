package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// SESSender delivers through AWS SES using the SDK v2.
type SESSender struct {
	region   string
	client   *sesv2.Client
	priority int
	cost     float64
}

// NewSESSender creates an SES adapter. Returns an error when credentials are
// missing or the SDK config cannot be built; callers skip registration in
// that case.
func NewSESSender(accessKey, secretKey, region string, priority int, cost float64) (*SESSender, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("SES credentials not configured")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize AWS config: %w", err)
	}

	return &SESSender{
		region:   region,
		client:   sesv2.NewFromConfig(cfg),
		priority: priority,
		cost:     cost,
	}, nil
}

func (s *SESSender) Name() string            { return "ses" }
func (s *SESSender) Priority() int           { return s.priority }
func (s *SESSender) CostPerMessage() float64 { return s.cost }

// Send delivers a single message through SES. Attachments require raw MIME
// assembly which this adapter does not do; the router fails over to an
// HTTP-API provider instead.
func (s *SESSender) Send(ctx context.Context, msg *mail.Message) (*SendResult, error) {
	if len(msg.Attachments) > 0 {
		return nil, fmt.Errorf("SES adapter does not support attachments")
	}

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}

	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if len(msg.Tags) > 0 {
		tags := make([]types.MessageTag, 0, len(msg.Tags))
		for i, tag := range msg.Tags {
			tags = append(tags, types.MessageTag{
				Name:  aws.String(fmt.Sprintf("tag%d", i)),
				Value: aws.String(tag),
			})
		}
		input.EmailTags = tags
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("SES send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To[0]), messageID)

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// CheckHealth probes the account endpoint. Errors convert to false.
func (s *SESSender) CheckHealth(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	_, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	return err == nil
}

// Quota reports the SES 24-hour send quota.
func (s *SESSender) Quota(ctx context.Context) QuotaSnapshot {
	if s.client == nil {
		return QuotaSnapshot{}
	}
	account, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil || account.SendQuota == nil {
		return QuotaSnapshot{}
	}
	limit := int64(account.SendQuota.Max24HourSend)
	used := int64(account.SendQuota.SentLast24Hours)
	return QuotaSnapshot{
		Used:      used,
		Limit:     limit,
		Remaining: limit - used,
	}
}
