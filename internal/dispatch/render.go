package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/lalithlochan/sentinel/internal/channel"
	"github.com/lalithlochan/sentinel/internal/db"
)

// Subject is the user the alert is about.
type Subject struct {
	ID   string
	Name string
}

// subjectOf takes the name from the USER recipient when present.
func subjectOf(a *db.Alert, recipients []Recipient) Subject {
	for _, r := range recipients {
		if r.Role == RoleUser && r.ID == a.UserID {
			return Subject{ID: r.ID, Name: r.Name}
		}
	}
	return Subject{ID: a.UserID}
}

func (s Subject) display() string {
	if s.Name != "" {
		return s.Name
	}
	return "User " + s.ID
}

func mapsURL(l db.Location) string {
	return fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", l.Lat, l.Lon)
}

func headline(a *db.Alert, who Subject) string {
	switch a.Type {
	case db.AlertSOS:
		return fmt.Sprintf("SOS from %s", who.display())
	case db.AlertPanic:
		return fmt.Sprintf("Panic alert from %s", who.display())
	case db.AlertZoneEntry:
		return fmt.Sprintf("%s entered a danger zone", who.display())
	case db.AlertInactivity:
		return fmt.Sprintf("%s has stopped reporting location", who.display())
	}
	return fmt.Sprintf("Alert for %s", who.display())
}

func smsText(a *db.Alert, who Subject, r Recipient) string {
	if r.Role == RoleUser {
		return fmt.Sprintf("[Sentinel] %s alert raised for you: %s Your emergency contacts are being notified.",
			a.Type, a.Message)
	}
	return fmt.Sprintf("[Sentinel] %s: %s %s Last seen %s: %s",
		a.Severity, headline(a, who), a.Message,
		a.Location.Timestamp.UTC().Format("15:04 MST"), mapsURL(a.Location))
}

func emailSubject(a *db.Alert, who Subject) string {
	return fmt.Sprintf("[%s] %s", a.Severity, headline(a, who))
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
<h2>{{.Headline}}</h2>
{{if .ForUser}}<p>An alert was raised on your behalf. Your emergency contacts are being notified.</p>{{end}}
<p>{{.Message}}</p>
<table>
<tr><td>Severity</td><td>{{.Severity}}</td></tr>
<tr><td>Type</td><td>{{.Type}}</td></tr>
<tr><td>Last location</td><td><a href="{{.MapsURL}}">{{printf "%.5f, %.5f" .Lat .Lon}}</a></td></tr>
<tr><td>Reported at</td><td>{{.ReportedAt}}</td></tr>
</table>
<p style="color: #666">Alert {{.AlertID}}</p>
</body>
</html>
`))

type emailData struct {
	Headline   string
	ForUser    bool
	Message    string
	Severity   db.Severity
	Type       db.AlertType
	MapsURL    string
	Lat, Lon   float64
	ReportedAt string
	AlertID    string
}

func emailHTML(a *db.Alert, who Subject, r Recipient) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailData{
		Headline:   headline(a, who),
		ForUser:    r.Role == RoleUser,
		Message:    a.Message,
		Severity:   a.Severity,
		Type:       a.Type,
		MapsURL:    mapsURL(a.Location),
		Lat:        a.Location.Lat,
		Lon:        a.Location.Lon,
		ReportedAt: a.Location.Timestamp.UTC().Format(time.RFC1123),
		AlertID:    a.ID,
	})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// WebhookPayload is the JSON body posted to emergency services.
type WebhookPayload struct {
	AlertID   string       `json:"alert_id"`
	UserID    string       `json:"user_id"`
	UserName  string       `json:"user_name,omitempty"`
	Type      db.AlertType `json:"type"`
	Severity  db.Severity  `json:"severity"`
	Message   string       `json:"message"`
	Location  db.Location  `json:"location"`
	ZoneID    *string      `json:"zone_id,omitempty"`
	MapsURL   string       `json:"maps_url"`
	CreatedAt time.Time    `json:"created_at"`
}

func webhookPayload(a *db.Alert, who Subject) (json.RawMessage, error) {
	b, err := json.Marshal(WebhookPayload{
		AlertID:   a.ID,
		UserID:    a.UserID,
		UserName:  who.Name,
		Type:      a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
		Location:  a.Location,
		ZoneID:    a.ZoneID,
		MapsURL:   mapsURL(a.Location),
		CreatedAt: a.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("render webhook payload: %w", err)
	}
	return b, nil
}

// render builds the channel message for one target.
func render(a *db.Alert, who Subject, t target) (*channel.Message, error) {
	msg := &channel.Message{
		AlertID:   a.ID,
		Channel:   t.channel,
		Recipient: t.address,
	}

	switch t.channel {
	case db.ChannelSMS:
		msg.Text = smsText(a, who, t.recipient)
	case db.ChannelEmail:
		html, err := emailHTML(a, who, t.recipient)
		if err != nil {
			return nil, err
		}
		msg.Subject = emailSubject(a, who)
		msg.Text = smsText(a, who, t.recipient)
		msg.HTML = html
	case db.ChannelPush:
		msg.Subject = headline(a, who)
		msg.Text = a.Message
	case db.ChannelWebhook:
		payload, err := webhookPayload(a, who)
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
	default:
		return nil, fmt.Errorf("unknown channel %s", t.channel)
	}
	return msg, nil
}
