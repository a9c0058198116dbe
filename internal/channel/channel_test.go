package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/circuitbreaker"
	"github.com/lalithlochan/sentinel/internal/db"
)

type fakeSES struct {
	mu     sync.Mutex
	inputs []*ses.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeSNS struct {
	mu     sync.Mutex
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSet_Routing(t *testing.T) {
	logger := zap.NewNop()
	set := NewSet(logger,
		NewEmailSender(&fakeSES{}, EmailConfig{FromEmail: "alerts@example.com"}, logger),
		NewWebhookSender(WebhookConfig{}, logger),
		nil,
	)

	tests := []struct {
		channel db.Channel
		want    bool
	}{
		{db.ChannelEmail, true},
		{db.ChannelWebhook, true},
		{db.ChannelSMS, false},
		{db.ChannelPush, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			assert.Equal(t, tt.want, set.Configured(tt.channel))
		})
	}
	assert.Equal(t, []db.Channel{db.ChannelEmail, db.ChannelWebhook}, set.Channels())

	err := set.Send(context.Background(), &Message{Channel: db.ChannelSMS, Recipient: "+15550100"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEmailSender(t *testing.T) {
	client := &fakeSES{}
	sender := NewEmailSender(client, EmailConfig{FromEmail: "alerts@example.com"}, zap.NewNop())

	err := sender.Send(context.Background(), &Message{
		AlertID:   "a1",
		Channel:   db.ChannelEmail,
		Recipient: "contact@example.com",
		Subject:   "Emergency alert",
		Text:      "plain",
		HTML:      "<p>html</p>",
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "alerts@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"contact@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "plain", aws.ToString(in.Message.Body.Text.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(in.Message.Body.Html.Data))
}

func TestEmailSender_Validation(t *testing.T) {
	sender := NewEmailSender(&fakeSES{}, EmailConfig{}, zap.NewNop())

	tests := []struct {
		name string
		msg  Message
	}{
		{"missing_recipient", Message{Subject: "s", Text: "t"}},
		{"missing_subject", Message{Recipient: "a@example.com", Text: "t"}},
		{"missing_body", Message{Recipient: "a@example.com", Subject: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sender.Send(context.Background(), &tt.msg)
			require.Error(t, err)
			assert.True(t, isInputError(err))
		})
	}
}

func TestSMSSender(t *testing.T) {
	client := &fakeSNS{}
	sender := NewSMSSender(client, SMSConfig{SenderID: "SENTINEL"}, zap.NewNop())

	err := sender.Send(context.Background(), &Message{AlertID: "a1", Recipient: "+919800000000", Text: "help"})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "+919800000000", aws.ToString(in.PhoneNumber))
	assert.Equal(t, "Transactional", aws.ToString(in.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue))
	assert.Equal(t, "SENTINEL", aws.ToString(in.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))

	err = sender.Send(context.Background(), &Message{Recipient: "9800000000", Text: "help"})
	assert.True(t, isInputError(err))
}

func TestSMSSender_ProviderError(t *testing.T) {
	client := &fakeSNS{err: errors.New("throttled")}
	sender := NewSMSSender(client, SMSConfig{}, zap.NewNop())

	err := sender.Send(context.Background(), &Message{Recipient: "+15550100", Text: "help"})
	require.Error(t, err)
	assert.False(t, isInputError(err))
}

func TestPushSender(t *testing.T) {
	client := &fakeSNS{}
	sender := NewPushSender(client, zap.NewNop())
	arn := "arn:aws:sns:ap-south-1:123456789012:endpoint/GCM/app/abc"

	err := sender.Send(context.Background(), &Message{AlertID: "a1", Recipient: arn, Subject: "SOS", Text: "User needs help"})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, arn, aws.ToString(in.TargetArn))
	assert.Equal(t, "json", aws.ToString(in.MessageStructure))

	var structured map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &structured))
	assert.Equal(t, "User needs help", structured["default"])

	var gcm gcmPayload
	require.NoError(t, json.Unmarshal([]byte(structured["GCM"]), &gcm))
	assert.Equal(t, "SOS", gcm.Notification.Title)
	assert.Equal(t, "a1", gcm.Data.AlertID)

	err = sender.Send(context.Background(), &Message{Recipient: "device-token", Text: "x"})
	assert.True(t, isInputError(err))
}

func TestWebhookSender_Delivers(t *testing.T) {
	var got struct {
		alertID string
		auth    string
		body    map[string]any
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.alertID = r.Header.Get("X-Sentinel-Alert-ID")
		got.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(WebhookConfig{Timeout: 5 * time.Second, AuthToken: "secret"}, zap.NewNop())
	err := sender.Send(context.Background(), &Message{
		AlertID:   "a1",
		Recipient: server.URL,
		Payload:   json.RawMessage(`{"alert_id":"a1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", got.alertID)
	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, "a1", got.body["alert_id"])
}

func TestWebhookSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewWebhookSender(WebhookConfig{}, zap.NewNop())
	err := sender.Send(context.Background(), &Message{Recipient: server.URL, Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookSender_Validation(t *testing.T) {
	sender := NewWebhookSender(WebhookConfig{}, zap.NewNop())

	for _, recipient := range []string{"", "ftp://example.com", "not a url", "https://"} {
		err := sender.Send(context.Background(), &Message{Recipient: recipient, Payload: json.RawMessage(`{}`)})
		assert.True(t, isInputError(err), "recipient %q", recipient)
	}
	err := sender.Send(context.Background(), &Message{Recipient: "https://example.com/hook"})
	assert.True(t, isInputError(err))
}

func TestGuard_TripsOnProviderErrorsOnly(t *testing.T) {
	client := &fakeSNS{err: errors.New("service unavailable")}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "sms", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop())
	guarded := Guard(NewSMSSender(client, SMSConfig{}, zap.NewNop()), cb)
	assert.Equal(t, db.ChannelSMS, guarded.Channel())

	// Bad input answers without reaching the provider.
	for i := 0; i < 3; i++ {
		_ = guarded.Send(context.Background(), &Message{Recipient: "bad", Text: "x"})
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.GetState())

	for i := 0; i < 2; i++ {
		_ = guarded.Send(context.Background(), &Message{Recipient: "+15550100", Text: "x"})
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	err := guarded.Send(context.Background(), &Message{Recipient: "+15550100", Text: "x"})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Len(t, client.inputs, 2)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(db.ChannelPush, zap.NewNop())
	assert.Equal(t, db.ChannelPush, s.Channel())
	err := s.Send(context.Background(), &Message{Channel: db.ChannelPush})
	assert.ErrorIs(t, err, ErrNotConfigured, "a logged message is not a delivery")
}
