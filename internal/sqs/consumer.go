package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

// ErrPoison marks a message that can never be processed. It is deleted
// instead of being redelivered.
var ErrPoison = errors.New("unprocessable message")

// LocationPing is a location update from a device, as queued by the
// mobile gateway.
type LocationPing struct {
	UserID    string    `json:"user_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (p LocationPing) Location() db.Location {
	return db.Location{Lat: p.Lat, Lon: p.Lon, Accuracy: p.Accuracy, Timestamp: p.Timestamp}
}

// PingHandler processes one ping. Returning an error wrapping ErrPoison
// drops the message; any other error leaves it for redelivery.
type PingHandler func(ctx context.Context, ping LocationPing) error

type ConsumerConfig struct {
	QueueURL          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryBackoff is the visibility applied to a message whose handler
	// failed, so it comes back sooner than the full timeout.
	RetryBackoff int32
}

// Consumer long-polls the location queue.
type Consumer struct {
	client API
	config ConsumerConfig
	logger *zap.Logger
}

func NewConsumer(client API, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{client: client, config: cfg, logger: logger}
}

// Run polls until ctx is cancelled. A failed receive backs off briefly.
func (c *Consumer) Run(ctx context.Context, handle PingHandler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		n, err := c.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Warn("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("location pings processed", zap.Int("count", n))
		}
	}
}

// Poll receives one batch and processes it. It returns how many messages
// were handled successfully.
func (c *Consumer) Poll(ctx context.Context, handle PingHandler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	handled := 0
	for _, m := range result.Messages {
		receipt := aws.ToString(m.ReceiptHandle)

		err := c.process(ctx, aws.ToString(m.Body), handle)
		switch {
		case err == nil:
			handled++
			metrics.RecordLocationPing("sqs")
		case errors.Is(err, ErrPoison):
			c.logger.Error("dropping unprocessable location ping",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
		default:
			c.logger.Warn("location ping failed, will be redelivered",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if verr := c.changeVisibility(ctx, receipt, c.config.RetryBackoff); verr != nil {
				c.logger.Warn("failed to shorten visibility", zap.Error(verr))
			}
			continue
		}

		if err := c.delete(ctx, receipt); err != nil {
			c.logger.Warn("failed to delete message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
		}
	}
	return handled, nil
}

func (c *Consumer) process(ctx context.Context, body string, handle PingHandler) error {
	var ping LocationPing
	if err := json.Unmarshal([]byte(body), &ping); err != nil {
		return fmt.Errorf("%w: invalid message format: %v", ErrPoison, err)
	}
	if ping.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrPoison)
	}
	return handle(ctx, ping)
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

func (c *Consumer) changeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.config.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
