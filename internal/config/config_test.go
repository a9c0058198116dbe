package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.StorageTimeout)
	assert.Equal(t, 16, cfg.DispatchConcurrency)
	assert.Equal(t, cfg.AWSRegion, cfg.SNSRegion)
	assert.False(t, cfg.EmailEnabled())
	assert.False(t, cfg.DevLogSenders, "log stand-ins are opt-in")
	assert.Equal(t, 5*time.Minute, cfg.StuckAlertAfter)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AWS_REGION", "ap-south-1")
	t.Setenv("SNS_REGION", "us-west-2")
	t.Setenv("SES_FROM_EMAIL", "alerts@example.org")
	t.Setenv("SMS_ENABLED", "true")
	t.Setenv("PUSH_ENABLED", "1")
	t.Setenv("INACTIVITY_THRESHOLD_MINUTES", "45")
	t.Setenv("DISPATCH_TIMEOUT_SECONDS", "3")
	t.Setenv("WEBHOOK_TIMEOUT", "7")
	t.Setenv("LOCATION_RATE_LIMIT", "12")
	t.Setenv("DEV_LOG_SENDERS", "true")
	t.Setenv("STUCK_ALERT_MINUTES", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "ap-south-1", cfg.SQSRegion)
	assert.Equal(t, "us-west-2", cfg.SNSRegion)
	assert.True(t, cfg.EmailEnabled())
	assert.True(t, cfg.SMSEnabled)
	assert.True(t, cfg.PushEnabled)
	assert.Equal(t, 45*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, 3*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 7*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 12, cfg.LocationRateLimit)
	assert.True(t, cfg.DevLogSenders)
	assert.Equal(t, 2*time.Minute, cfg.StuckAlertAfter)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "eighty", "invalid PORT"},
		{"SMS_ENABLED", "maybe", "invalid SMS_ENABLED"},
		{"INACTIVITY_THRESHOLD_MINUTES", "0", "must be positive"},
		{"SCAN_INTERVAL_MINUTES", "abc", "invalid SCAN_INTERVAL_MINUTES"},
		{"STUCK_ALERT_MINUTES", "0", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
