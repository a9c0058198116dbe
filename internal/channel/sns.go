package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
)

// SNSAPI is the part of the SNS client the SMS and push senders use.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewSNSClient builds an SNS client, pointing it at endpoint when set
// (LocalStack).
func NewSNSClient(awsCfg aws.Config, endpoint string) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// SMSSender sends SMS through SNS direct publish.
type SMSSender struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

type SMSConfig struct {
	// SenderID is shown as the sender where carriers support it.
	SenderID string
}

func NewSMSSender(client SNSAPI, cfg SMSConfig, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: client, senderID: cfg.SenderID, logger: logger}
}

func (s *SMSSender) Channel() db.Channel { return db.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, msg *Message) error {
	if !strings.HasPrefix(msg.Recipient, "+") {
		return invalid("sms recipient %q is not in E.164 format", msg.Recipient)
	}
	if msg.Text == "" {
		return invalid("sms missing text")
	}

	attrs := map[string]types.MessageAttributeValue{
		// Emergency traffic must not be dropped for cost.
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient),
		Message:           aws.String(msg.Text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns sms publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("alert_id", msg.AlertID),
		zap.String("phone_number", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// PushSender publishes to an SNS platform endpoint (APNs/FCM).
type PushSender struct {
	client SNSAPI
	logger *zap.Logger
}

func NewPushSender(client SNSAPI, logger *zap.Logger) *PushSender {
	return &PushSender{client: client, logger: logger}
}

func (s *PushSender) Channel() db.Channel { return db.ChannelPush }

type gcmPayload struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data struct {
		AlertID string `json:"alert_id"`
	} `json:"data"`
	Priority string `json:"priority"`
}

type apnsPayload struct {
	APS struct {
		Alert struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"alert"`
		Sound string `json:"sound"`
	} `json:"aps"`
	AlertID string `json:"alert_id"`
}

// pushMessage builds the SNS "json" message structure: one entry per
// platform plus the default.
func pushMessage(msg *Message) (string, error) {
	var gcm gcmPayload
	gcm.Notification.Title = msg.Subject
	gcm.Notification.Body = msg.Text
	gcm.Data.AlertID = msg.AlertID
	gcm.Priority = "high"

	var apns apnsPayload
	apns.APS.Alert.Title = msg.Subject
	apns.APS.Alert.Body = msg.Text
	apns.APS.Sound = "default"
	apns.AlertID = msg.AlertID

	gcmJSON, err := json.Marshal(gcm)
	if err != nil {
		return "", err
	}
	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]string{
		"default": msg.Text,
		"GCM":     string(gcmJSON),
		"APNS":    string(apnsJSON),
	})
	return string(out), err
}

func (s *PushSender) Send(ctx context.Context, msg *Message) error {
	if !strings.HasPrefix(msg.Recipient, "arn:") {
		return invalid("push recipient %q is not an endpoint ARN", msg.Recipient)
	}

	structured, err := pushMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Recipient),
		Message:          aws.String(structured),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return fmt.Errorf("sns push publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("alert_id", msg.AlertID),
		zap.String("endpoint", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
