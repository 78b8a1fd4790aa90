package http

import (
	"context"
	"fmt"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/go-resty/resty/v2"
)

type WebhookConfig struct {
	URL        string            `yaml:"url" json:"url" validate:"omitempty,url_format"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout" default:"10s" validate:"gte=1s"`
	MaxRetries int               `yaml:"max_retries" json:"max_retries" default:"2" validate:"gte=0,lte=10"`
}

// WebhookSender queues outbound messages by POSTing them as JSON to the
// channel delivery service. A 2xx reply means the message was accepted for
// delivery.
type WebhookSender struct {
	Config WebhookConfig
	client *resty.Client
}

var _ runtime.Sender = (*WebhookSender)(nil)

func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	return &WebhookSender{
		Config: cfg,
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetHeaders(cfg.Headers).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg runtime.OutboundMessage) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(s.Config.URL)
	if err != nil {
		return fmt.Errorf("send message to chat %s: %w", msg.ChatID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send message to chat %s: delivery service returned %s", msg.ChatID, resp.Status())
	}
	return nil
}
