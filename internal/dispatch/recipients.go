package dispatch

import (
	"github.com/lalithlochan/sentinel/internal/db"
)

type Role string

const (
	RoleUser              Role = "USER"
	RoleContact           Role = "CONTACT"
	RoleEmergencyServices Role = "EMERGENCY_SERVICES"
)

// Recipient is someone to notify. Empty fields make the matching channel
// inapplicable.
type Recipient struct {
	Role         Role   `json:"role"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	PushEndpoint string `json:"push_endpoint,omitempty"`
	URL          string `json:"url,omitempty"`
}

// placeholder identifies a recipient whose address is missing, so the
// SKIPPED row still has a stable key across retries.
func (r Recipient) placeholder() string {
	return string(r.Role) + ":" + r.ID
}

// Recipients applies the recipient policy. Urgent alerts reach the user,
// every emergency contact and emergency services; LOW and MEDIUM alerts
// only reach the user.
func (d *Dispatcher) Recipients(u *db.User, a *db.Alert) []Recipient {
	out := []Recipient{{
		Role:         RoleUser,
		ID:           u.ID,
		Name:         u.Name,
		Phone:        u.Phone,
		Email:        u.Email,
		PushEndpoint: u.PushEndpoint,
	}}
	if !a.Severity.Urgent() {
		return out
	}

	for _, c := range u.Contacts {
		out = append(out, Recipient{
			Role:  RoleContact,
			ID:    c.ID,
			Name:  c.Name,
			Phone: c.Phone,
			Email: c.Email,
		})
	}
	return append(out, Recipient{
		Role: RoleEmergencyServices,
		ID:   "emergency-services",
		Name: "Emergency services",
		URL:  d.config.WebhookURL,
	})
}

// target is one planned (channel, address) pair.
type target struct {
	channel   db.Channel
	address   string
	recipient Recipient
	// skip is set when the address or the channel client is missing.
	skip bool
}

func (t target) key() string {
	return string(t.channel) + "|" + t.address
}

// plan expands recipients into (channel, address) pairs. Duplicate pairs,
// such as a contact sharing the user's phone, are planned once.
func (d *Dispatcher) plan(recipients []Recipient) []target {
	var (
		out  []target
		seen = make(map[string]bool)
	)
	add := func(r Recipient, ch db.Channel, address string) {
		t := target{channel: ch, address: address, recipient: r}
		if address == "" {
			t.address = r.placeholder()
			t.skip = true
		} else if !d.sender.Configured(ch) {
			t.skip = true
		}
		if seen[t.key()] {
			return
		}
		seen[t.key()] = true
		out = append(out, t)
	}

	for _, r := range recipients {
		switch r.Role {
		case RoleEmergencyServices:
			add(r, db.ChannelWebhook, r.URL)
		default:
			add(r, db.ChannelSMS, r.Phone)
			add(r, db.ChannelEmail, r.Email)
			if r.PushEndpoint != "" {
				add(r, db.ChannelPush, r.PushEndpoint)
			}
		}
	}
	return out
}
