package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
)

// WebhookSender POSTs alert payloads to emergency-service endpoints.
type WebhookSender struct {
	client    *http.Client
	authToken string
	logger    *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
	// AuthToken, if set, is sent as a bearer token.
	AuthToken string
}

func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client:    &http.Client{Timeout: timeout},
		authToken: cfg.AuthToken,
		logger:    logger,
	}
}

func (s *WebhookSender) Channel() db.Channel { return db.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	u, err := url.Parse(msg.Recipient)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("webhook recipient %q is not an http(s) URL", msg.Recipient)
	}
	if len(msg.Payload) == 0 {
		return invalid("webhook missing payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentinel/1.0.0")
	req.Header.Set("X-Sentinel-Alert-ID", msg.AlertID)
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("webhook delivered",
		zap.String("alert_id", msg.AlertID),
		zap.String("url", msg.Recipient),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
