package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
)

// SESAPI is the part of the SES client the email sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type EmailSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	FromEmail string
}

func NewEmailSender(client SESAPI, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	return &EmailSender{
		client: client,
		from:   cfg.FromEmail,
		logger: logger,
	}
}

// NewEmailSenderFromConfig builds the SES client from an AWS config.
func NewEmailSenderFromConfig(awsCfg aws.Config, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	return NewEmailSender(ses.NewFromConfig(awsCfg), cfg, logger)
}

func (s *EmailSender) Channel() db.Channel { return db.ChannelEmail }

// Send sends a multipart (text + HTML) email via SES.
func (s *EmailSender) Send(ctx context.Context, msg *Message) error {
	if msg.Recipient == "" {
		return invalid("email missing recipient")
	}
	if msg.Subject == "" {
		return invalid("email missing subject")
	}
	if msg.Text == "" && msg.HTML == "" {
		return invalid("email missing body")
	}

	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("alert_id", msg.AlertID),
		zap.String("to", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
