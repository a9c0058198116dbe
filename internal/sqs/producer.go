// Package sqs carries the orchestrator's queue traffic: alert lifecycle
// events out, location pings in.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

// API is the part of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client, pointing it at endpoint when set
// (LocalStack).
func NewClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

const (
	EventAlertCreated            = "alert.created"
	EventAlertNotified           = "alert.notified"
	EventAlertNotificationFailed = "alert.notification_failed"
	EventAlertAcknowledged       = "alert.acknowledged"
	EventAlertResolved           = "alert.resolved"
)

// AlertEvent is published on every alert lifecycle change.
type AlertEvent struct {
	Event      string         `json:"event"`
	AlertID    string         `json:"alert_id"`
	UserID     string         `json:"user_id"`
	Type       db.AlertType   `json:"type"`
	Severity   db.Severity    `json:"severity"`
	Status     db.AlertStatus `json:"status"`
	Actor      string         `json:"actor,omitempty"`
	Sent       int            `json:"sent,omitempty"`
	Failed     int            `json:"failed,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewAlertEvent fills the alert fields of an event.
func NewAlertEvent(event string, a *db.Alert) AlertEvent {
	return AlertEvent{
		Event:      event,
		AlertID:    a.ID,
		UserID:     a.UserID,
		Type:       a.Type,
		Severity:   a.Severity,
		Status:     a.Status,
		OccurredAt: time.Now().UTC(),
	}
}

// Producer publishes alert events for downstream consumers (dashboards,
// audit, escalation).
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish sends one event. The alert id is attached as an attribute so
// consumers can filter without parsing the body.
func (p *Producer) Publish(ctx context.Context, ev AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Event),
			},
			"alert_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.AlertID),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	metrics.RecordEventPublished(ev.Event, err)
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("event", ev.Event),
			zap.String("alert_id", ev.AlertID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("alert event published",
		zap.String("event", ev.Event),
		zap.String("alert_id", ev.AlertID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
