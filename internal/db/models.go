package db

import (
	"errors"
	"time"
)

// Storage outcomes shared by every backend. These are domain answers,
// not availability failures.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflicting concurrent update")
)

// Location is a user's reported position.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Contact is an emergency contact. Either channel field may be empty.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// User is owned by the account subsystem; the orchestrator only reads it
// (and stamps the last known location on ping).
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	PushEndpoint string    `json:"push_endpoint,omitempty"` // SNS platform endpoint ARN
	Location     *Location `json:"location,omitempty"`
	IsActive     bool      `json:"is_active"`
	Contacts     []Contact `json:"contacts"`
}

type ZoneKind string

const (
	ZoneSafe   ZoneKind = "SAFE"
	ZoneDanger ZoneKind = "DANGER"
)

// Zone is a circular geofence.
type Zone struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	RadiusMeters   float64  `json:"radius_meters"`
	Kind           ZoneKind `json:"kind"`
	RiskFactors    []string `json:"risk_factors,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

type EventKind string

const (
	EventZoneEntry  EventKind = "ZONE_ENTRY"
	EventInactivity EventKind = "INACTIVITY"
)

// SafetyEvent is a detection result that has not been persisted yet.
type SafetyEvent struct {
	UserID     string    `json:"user_id"`
	Kind       EventKind `json:"kind"`
	DetectedAt time.Time `json:"detected_at"`
	Location   Location  `json:"location"`
	ZoneID     *string   `json:"zone_id,omitempty"`
	// Zone is the matched zone for ZONE_ENTRY events, kept so severity and
	// message can be derived without another lookup.
	Zone *Zone `json:"-"`
}

type AlertType string

const (
	AlertZoneEntry  AlertType = "ZONE_ENTRY"
	AlertInactivity AlertType = "INACTIVITY"
	AlertSOS        AlertType = "SOS"
	AlertPanic      AlertType = "PANIC"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Urgent reports whether the severity warrants notifying contacts and
// emergency services.
func (s Severity) Urgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type AlertStatus string

const (
	StatusCreated            AlertStatus = "CREATED"
	StatusNotifying          AlertStatus = "NOTIFYING"
	StatusNotified           AlertStatus = "NOTIFIED"
	StatusNotificationFailed AlertStatus = "NOTIFICATION_FAILED"
	StatusAcknowledged       AlertStatus = "ACKNOWLEDGED"
	StatusResolved           AlertStatus = "RESOLVED"
)

// OpenStatuses are the statuses that count towards the one-open-alert
// per (user, type) rule.
var OpenStatuses = []AlertStatus{
	StatusCreated,
	StatusNotifying,
	StatusNotified,
	StatusNotificationFailed,
}

// Open reports whether s is one of OpenStatuses.
func (s AlertStatus) Open() bool {
	for _, o := range OpenStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Alert is a persisted emergency condition. Alerts are never deleted.
type Alert struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Type           AlertType   `json:"type"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	Location       Location    `json:"location"`
	Message        string      `json:"message"`
	ZoneID         *string     `json:"zone_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	AcknowledgedBy *string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedBy     *string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolutionNote *string     `json:"resolution_note,omitempty"`
}

type Channel string

const (
	ChannelSMS     Channel = "SMS"
	ChannelEmail   Channel = "EMAIL"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelPush    Channel = "PUSH"
)

type Outcome string

const (
	OutcomeSent          Outcome = "SENT"
	OutcomeFailed        Outcome = "FAILED"
	OutcomeNotConfigured Outcome = "SKIPPED_NOT_CONFIGURED"
)

// NotificationAttempt is the audit row for one (alert, channel, recipient).
// A retry overwrites a non-SENT row and bumps AttemptCount.
type NotificationAttempt struct {
	AlertID      string    `json:"alert_id"`
	Channel      Channel   `json:"channel"`
	Recipient    string    `json:"recipient"`
	Outcome      Outcome   `json:"outcome"`
	AttemptedAt  time.Time `json:"attempted_at"`
	Error        *string   `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
}

// Key identifies the attempt row.
func (a *NotificationAttempt) Key() string {
	return string(a.Channel) + "|" + a.Recipient
}
