// Package channel delivers rendered notifications over one medium each:
// email (SES), SMS and push (SNS) and webhooks (HTTP).
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/circuitbreaker"
	"github.com/lalithlochan/sentinel/internal/db"
)

// ErrNotConfigured means no client is set up for the channel. The
// dispatcher records SKIPPED_NOT_CONFIGURED instead of FAILED.
var ErrNotConfigured = errors.New("channel not configured")

// Message is one notification for one recipient, already rendered.
type Message struct {
	AlertID   string
	Channel   db.Channel
	Recipient string // phone number, email address, endpoint ARN or URL
	Subject   string
	Text      string
	HTML      string
	// Payload is the webhook JSON body.
	Payload json.RawMessage
}

// Sender is the interface every channel client implements.
type Sender interface {
	Channel() db.Channel
	Send(ctx context.Context, msg *Message) error
}

// Set routes messages to the sender registered for their channel.
type Set struct {
	senders map[db.Channel]Sender
	logger  *zap.Logger
}

// NewSet registers senders; a nil sender is skipped so optional clients
// can be passed straight from configuration.
func NewSet(logger *zap.Logger, senders ...Sender) *Set {
	s := &Set{
		senders: make(map[db.Channel]Sender, len(senders)),
		logger:  logger,
	}
	for _, sender := range senders {
		if sender == nil {
			continue
		}
		s.senders[sender.Channel()] = sender
	}
	return s
}

// Configured reports whether a sender exists for ch.
func (s *Set) Configured(ch db.Channel) bool {
	_, ok := s.senders[ch]
	return ok
}

// Channels lists the configured channels.
func (s *Set) Channels() []db.Channel {
	out := make([]db.Channel, 0, len(s.senders))
	for _, ch := range []db.Channel{db.ChannelSMS, db.ChannelEmail, db.ChannelPush, db.ChannelWebhook} {
		if s.Configured(ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Set) Send(ctx context.Context, msg *Message) error {
	sender, ok := s.senders[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfigured, msg.Channel)
	}

	s.logger.Debug("routing message to sender",
		zap.String("channel", string(msg.Channel)),
		zap.String("alert_id", msg.AlertID),
	)
	return sender.Send(ctx, msg)
}

// Guarded wraps a sender with a circuit breaker so a dead provider fails
// fast instead of eating the dispatch timeout for every recipient.
type Guarded struct {
	Sender
	breaker *circuitbreaker.CircuitBreaker
}

func Guard(s Sender, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{Sender: s, breaker: breaker}
}

func (g *Guarded) Send(ctx context.Context, msg *Message) error {
	return g.breaker.Execute(func() error {
		return g.Sender.Send(ctx, msg)
	}, isInputError)
}

// InputError marks failures caused by the message rather than the
// provider. They do not count against the breaker.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &InputError{Err: fmt.Errorf(format, args...)}
}

func isInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// LogSender logs the message for a channel that has no client, then
// reports ErrNotConfigured so the attempt is never counted as delivered.
type LogSender struct {
	channel db.Channel
	logger  *zap.Logger
}

func NewLogSender(ch db.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: ch, logger: logger}
}

func (s *LogSender) Channel() db.Channel { return s.channel }

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("alert_id", msg.AlertID),
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
	)
	return fmt.Errorf("%w: %s logged only", ErrNotConfigured, msg.Channel)
}
