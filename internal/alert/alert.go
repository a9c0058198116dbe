// Package alert owns the alert lifecycle: exactly-once creation per open
// condition and the status state machine.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrInvalidType       = errors.New("alert type cannot be raised manually")
	ErrMissingActor      = errors.New("actor id is required")
)

// InvalidTransitionError is returned when the state machine denies a move.
type InvalidTransitionError struct {
	AlertID string
	From    db.AlertStatus
	To      db.AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot move from %s to %s", e.AlertID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[db.AlertStatus][]db.AlertStatus{
	db.StatusCreated:            {db.StatusNotifying},
	db.StatusNotifying:          {db.StatusNotified, db.StatusNotificationFailed},
	db.StatusNotified:           {db.StatusAcknowledged},
	db.StatusNotificationFailed: {db.StatusNotifying, db.StatusAcknowledged, db.StatusResolved},
	db.StatusAcknowledged:       {db.StatusResolved},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to db.AlertStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Storage is the persistence the store needs; the router satisfies it.
type Storage interface {
	CreateAlertIfAbsent(ctx context.Context, a *db.Alert) (*db.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*db.Alert, error)
	ListAlertsByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error)
	CompareAndSetAlert(ctx context.Context, a *db.Alert, expected db.AlertStatus) error
	UpsertAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error)
	ListAttempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error)
}

type Store struct {
	storage Storage
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

func NewStore(storage Storage, logger *zap.Logger) *Store {
	return &Store{
		storage: storage,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// SeverityFor applies the severity policy. zone is the matched zone for
// ZONE_ENTRY and may be nil.
func SeverityFor(t db.AlertType, zone *db.Zone) db.Severity {
	switch t {
	case db.AlertSOS, db.AlertPanic:
		return db.SeverityCritical
	case db.AlertZoneEntry:
		if zone != nil {
			for _, f := range zone.RiskFactors {
				if strings.EqualFold(f, "critical") {
					return db.SeverityCritical
				}
			}
		}
		return db.SeverityHigh
	case db.AlertInactivity:
		return db.SeverityHigh
	default:
		return db.SeverityMedium
	}
}

func messageFor(ev db.SafetyEvent) string {
	switch ev.Kind {
	case db.EventInactivity:
		return fmt.Sprintf("No location update since %s.", ev.Location.Timestamp.UTC().Format(time.RFC3339))
	case db.EventZoneEntry:
		if ev.Zone == nil {
			return "Entered a danger zone."
		}
		msg := fmt.Sprintf("Entered danger zone %s.", ev.Zone.Name)
		if len(ev.Zone.RiskFactors) > 0 {
			msg += " Risks: " + strings.Join(ev.Zone.RiskFactors, ", ") + "."
		}
		if ev.Zone.Recommendation != "" {
			msg += " " + ev.Zone.Recommendation
		}
		return msg
	}
	return string(ev.Kind)
}

// CreateIfAbsent turns a safety event into an alert, or returns the alert
// already open for the same (user, type) unchanged.
func (s *Store) CreateIfAbsent(ctx context.Context, ev db.SafetyEvent) (*db.Alert, bool, error) {
	now := s.now()
	typ := db.AlertType(ev.Kind)
	a := &db.Alert{
		ID:        s.newID(),
		UserID:    ev.UserID,
		Type:      typ,
		Severity:  SeverityFor(typ, ev.Zone),
		Status:    db.StatusCreated,
		Location:  ev.Location,
		Message:   messageFor(ev),
		ZoneID:    ev.ZoneID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.create(ctx, a)
}

// Raise creates a manual SOS or PANIC alert through the same conditional
// write as detected conditions.
func (s *Store) Raise(ctx context.Context, userID string, typ db.AlertType, loc db.Location, message string) (*db.Alert, bool, error) {
	if typ != db.AlertSOS && typ != db.AlertPanic {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidType, typ)
	}
	if message == "" {
		message = fmt.Sprintf("%s raised by user.", typ)
	}
	now := s.now()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	return s.create(ctx, &db.Alert{
		ID:        s.newID(),
		UserID:    userID,
		Type:      typ,
		Severity:  SeverityFor(typ, nil),
		Status:    db.StatusCreated,
		Location:  loc,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Store) create(ctx context.Context, a *db.Alert) (*db.Alert, bool, error) {
	stored, created, err := s.storage.CreateAlertIfAbsent(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("create alert for user %s: %w", a.UserID, err)
	}

	if created {
		metrics.RecordAlertCreated(string(stored.Type), string(stored.Severity))
		s.logger.Info("alert created",
			zap.String("alert_id", stored.ID),
			zap.String("user_id", stored.UserID),
			zap.String("type", string(stored.Type)),
			zap.String("severity", string(stored.Severity)),
		)
	} else {
		metrics.RecordAlertDeduplicated(string(a.Type))
		s.logger.Debug("open alert already exists",
			zap.String("alert_id", stored.ID),
			zap.String("user_id", stored.UserID),
			zap.String("type", string(stored.Type)),
		)
	}
	return stored, created, nil
}

// Transition moves an alert along the state machine. ACKNOWLEDGED and
// RESOLVED are only reachable through Acknowledge and Resolve.
func (s *Store) Transition(ctx context.Context, id string, to db.AlertStatus) (*db.Alert, error) {
	if to == db.StatusAcknowledged || to == db.StatusResolved {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{AlertID: id, From: cur.Status, To: to}
	}
	return s.apply(ctx, id, to, nil)
}

func (s *Store) Acknowledge(ctx context.Context, id, by string) (*db.Alert, error) {
	if by == "" {
		return nil, ErrMissingActor
	}
	return s.apply(ctx, id, db.StatusAcknowledged, func(a *db.Alert) {
		at := a.UpdatedAt
		a.AcknowledgedBy = &by
		a.AcknowledgedAt = &at
	})
}

func (s *Store) Resolve(ctx context.Context, id, by, note string) (*db.Alert, error) {
	if by == "" {
		return nil, ErrMissingActor
	}
	return s.apply(ctx, id, db.StatusResolved, func(a *db.Alert) {
		at := a.UpdatedAt
		a.ResolvedBy = &by
		a.ResolvedAt = &at
		if note != "" {
			a.ResolutionNote = &note
		}
	})
}

// apply validates from the stored status and writes with compare-and-set,
// so a concurrent transition surfaces as db.ErrConflict.
func (s *Store) apply(ctx context.Context, id string, to db.AlertStatus, mutate func(*db.Alert)) (*db.Alert, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return nil, &InvalidTransitionError{AlertID: id, From: cur.Status, To: to}
	}

	next := *cur
	next.Status = to
	next.UpdatedAt = s.now()
	if mutate != nil {
		mutate(&next)
	}

	if err := s.storage.CompareAndSetAlert(ctx, &next, cur.Status); err != nil {
		return nil, fmt.Errorf("transition alert %s to %s: %w", id, to, err)
	}

	metrics.RecordAlertTransition(string(cur.Status), string(to))
	s.logger.Info("alert transitioned",
		zap.String("alert_id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	return &next, nil
}

func (s *Store) Get(ctx context.Context, id string) (*db.Alert, error) {
	a, err := s.storage.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error) {
	return s.storage.ListAlertsByStatus(ctx, status, limit)
}

// RecordAttempt persists one notification attempt and returns the stored
// row, which is the earlier SENT row if one exists.
func (s *Store) RecordAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error) {
	stored, err := s.storage.UpsertAttempt(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("record %s attempt for alert %s: %w", a.Channel, a.AlertID, err)
	}
	return stored, nil
}

func (s *Store) Attempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error) {
	return s.storage.ListAttempts(ctx, alertID)
}
