// Package engine wires detection, alert creation and dispatch together.
// It is the single entry point for the API, the SQS consumer and the
// periodic scanner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/alert"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/dispatch"
	"github.com/lalithlochan/sentinel/internal/geo"
	"github.com/lalithlochan/sentinel/internal/scanner"
	"github.com/lalithlochan/sentinel/internal/sqs"
)

var ErrInvalidLocation = errors.New("invalid location")

// Storage is what the engine reads and writes directly. The router
// satisfies it.
type Storage interface {
	scanner.Storage
	UpdateUserLocation(ctx context.Context, id string, loc db.Location) error
}

// Publisher emits alert lifecycle events. It may be nil.
type Publisher interface {
	Publish(ctx context.Context, ev sqs.AlertEvent) error
}

type Engine struct {
	storage    Storage
	alerts     *alert.Store
	dispatcher *dispatch.Dispatcher
	scanner    *scanner.Scanner
	publisher  Publisher
	logger     *zap.Logger
	now        func() time.Time
	// stuckAfter is how long an alert may sit in CREATED or NOTIFYING
	// before Recover takes it over.
	stuckAfter time.Duration
}

const recoveryBatch = 500

// New builds the engine and its scanner, which reports events back to the
// engine.
func New(storage Storage, alerts *alert.Store, dispatcher *dispatch.Dispatcher, publisher Publisher, scanCfg scanner.Config, logger *zap.Logger) *Engine {
	e := &Engine{
		storage:    storage,
		alerts:     alerts,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		stuckAfter: 5 * time.Minute,
	}
	e.scanner = scanner.New(storage, e, scanCfg, logger.Named("scanner"))
	return e
}

func (e *Engine) Scanner() *scanner.Scanner {
	return e.scanner
}

// WithStuckAfter sets how long Recover waits before taking over an alert.
func (e *Engine) WithStuckAfter(d time.Duration) *Engine {
	if d > 0 {
		e.stuckAfter = d
	}
	return e
}

// HandleEvent turns a safety event into an alert and dispatches it. An
// event for a condition that already has an open alert only dispatches it
// again if its first dispatch never started.
func (e *Engine) HandleEvent(ctx context.Context, ev db.SafetyEvent) error {
	a, created, err := e.alerts.CreateIfAbsent(ctx, ev)
	if err != nil {
		return err
	}
	if created {
		e.publish(ctx, sqs.NewAlertEvent(sqs.EventAlertCreated, a))
	} else if a.Status != db.StatusCreated {
		return nil
	}

	_, err = e.notify(ctx, a)
	if lostRace(err) {
		return nil
	}
	return err
}

// lostRace reports a dispatch that did not start because another caller
// moved the alert first.
func lostRace(err error) bool {
	return errors.Is(err, alert.ErrInvalidTransition) || errors.Is(err, db.ErrConflict)
}

// Raise records a manual SOS or PANIC. Without coordinates the user's last
// known location is used. The alert is dispatched only when newly created.
func (e *Engine) Raise(ctx context.Context, userID string, typ db.AlertType, loc *db.Location, message string) (*db.Alert, bool, error) {
	u, err := e.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load user %s: %w", userID, err)
	}

	var at db.Location
	switch {
	case loc != nil:
		if err := validate(*loc); err != nil {
			return nil, false, err
		}
		at = *loc
	case u.Location != nil:
		at = *u.Location
	}

	a, created, err := e.alerts.Raise(ctx, userID, typ, at, message)
	if err != nil {
		return nil, false, err
	}
	if created {
		e.publish(ctx, sqs.NewAlertEvent(sqs.EventAlertCreated, a))
	} else if a.Status != db.StatusCreated {
		return a, false, nil
	}

	if _, err := e.notifyUser(ctx, a, u); err != nil && !lostRace(err) {
		return a, created, err
	}
	if fresh, err := e.alerts.Get(ctx, a.ID); err == nil {
		a = fresh
	}
	return a, created, nil
}

// Retry dispatches an alert that is NOTIFICATION_FAILED or never left
// CREATED. Pairs already SENT are not attempted again.
func (e *Engine) Retry(ctx context.Context, id string) (dispatch.Summary, error) {
	a, err := e.alerts.Get(ctx, id)
	if err != nil {
		return dispatch.Summary{}, err
	}
	if a.Status != db.StatusNotificationFailed && a.Status != db.StatusCreated {
		return dispatch.Summary{}, &alert.InvalidTransitionError{AlertID: id, From: a.Status, To: db.StatusNotifying}
	}
	return e.notify(ctx, a)
}

// RecoverySummary reports one Recover pass.
type RecoverySummary struct {
	Dispatched int `json:"dispatched"`
	Settled    int `json:"settled"`
	Errors     int `json:"errors"`
}

// Recover takes over alerts untouched for longer than stuckAfter: CREATED
// alerts are dispatched and NOTIFYING alerts are settled from their
// recorded attempts.
func (e *Engine) Recover(ctx context.Context) RecoverySummary {
	var sum RecoverySummary
	cutoff := e.now().Add(-e.stuckAfter)

	for _, a := range e.stale(ctx, db.StatusCreated, cutoff, &sum) {
		_, err := e.notify(ctx, a)
		switch {
		case err == nil:
			sum.Dispatched++
		case !lostRace(err):
			sum.Errors++
			e.logger.Error("failed to dispatch stalled alert", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}

	for _, a := range e.stale(ctx, db.StatusNotifying, cutoff, &sum) {
		res, err := e.dispatcher.Settle(ctx, a)
		switch {
		case err == nil:
			sum.Settled++
			e.publishOutcome(ctx, a, res)
		case !lostRace(err):
			sum.Errors++
			e.logger.Error("failed to settle stalled alert", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}

	if sum.Dispatched+sum.Settled+sum.Errors > 0 {
		e.logger.Info("recovery pass complete",
			zap.Int("dispatched", sum.Dispatched),
			zap.Int("settled", sum.Settled),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum
}

func (e *Engine) stale(ctx context.Context, status db.AlertStatus, cutoff time.Time, sum *RecoverySummary) []*db.Alert {
	alerts, err := e.alerts.ListByStatus(ctx, status, recoveryBatch)
	if err != nil {
		sum.Errors++
		e.logger.Error("failed to list alerts for recovery", zap.String("status", string(status)), zap.Error(err))
		return nil
	}
	var out []*db.Alert
	for _, a := range alerts {
		if a.UpdatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// RunRecovery calls Recover every interval until ctx is cancelled.
func (e *Engine) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("recovery loop stopping")
			return
		case <-ticker.C:
			e.Recover(ctx)
		}
	}
}

func (e *Engine) Acknowledge(ctx context.Context, id, by string) (*db.Alert, error) {
	a, err := e.alerts.Acknowledge(ctx, id, by)
	if err != nil {
		return nil, err
	}
	ev := sqs.NewAlertEvent(sqs.EventAlertAcknowledged, a)
	ev.Actor = by
	e.publish(ctx, ev)
	return a, nil
}

func (e *Engine) Resolve(ctx context.Context, id, by, note string) (*db.Alert, error) {
	a, err := e.alerts.Resolve(ctx, id, by, note)
	if err != nil {
		return nil, err
	}
	ev := sqs.NewAlertEvent(sqs.EventAlertResolved, a)
	ev.Actor = by
	e.publish(ctx, ev)
	return a, nil
}

// ReportLocation stores a ping and evaluates the user right away.
func (e *Engine) ReportLocation(ctx context.Context, userID string, loc db.Location) (scanner.Summary, error) {
	if err := validate(loc); err != nil {
		return scanner.Summary{}, err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = e.now()
	}

	if err := e.storage.UpdateUserLocation(ctx, userID, loc); err != nil {
		return scanner.Summary{}, fmt.Errorf("update location for user %s: %w", userID, err)
	}
	return e.scanner.CheckUser(ctx, userID), nil
}

// Sweep runs one full scan on demand.
func (e *Engine) Sweep(ctx context.Context) scanner.Summary {
	return e.scanner.Sweep(ctx)
}

// Assess classifies a point against the current zone snapshot.
func (e *Engine) Assess(ctx context.Context, lat, lon float64) (geo.Assessment, error) {
	if err := validate(db.Location{Lat: lat, Lon: lon}); err != nil {
		return geo.Assessment{}, err
	}
	zones, err := e.scanner.Zones(ctx)
	if err != nil && zones == nil {
		return geo.Assessment{}, fmt.Errorf("load zones: %w", err)
	}
	return geo.Assess(geo.Point{Lat: lat, Lon: lon}, zones), nil
}

func (e *Engine) Alert(ctx context.Context, id string) (*db.Alert, error) {
	return e.alerts.Get(ctx, id)
}

func (e *Engine) Alerts(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error) {
	return e.alerts.ListByStatus(ctx, status, limit)
}

func (e *Engine) Attempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error) {
	if _, err := e.alerts.Get(ctx, alertID); err != nil {
		return nil, err
	}
	return e.alerts.Attempts(ctx, alertID)
}

// notify loads the user and dispatches. A missing user still gets the
// emergency-services webhook.
func (e *Engine) notify(ctx context.Context, a *db.Alert) (dispatch.Summary, error) {
	u, err := e.storage.GetUser(ctx, a.UserID)
	if err != nil {
		e.logger.Warn("failed to load user for dispatch, notifying without contacts",
			zap.String("alert_id", a.ID),
			zap.String("user_id", a.UserID),
			zap.Error(err),
		)
		u = &db.User{ID: a.UserID}
	}
	return e.notifyUser(ctx, a, u)
}

func (e *Engine) notifyUser(ctx context.Context, a *db.Alert, u *db.User) (dispatch.Summary, error) {
	sum, err := e.dispatcher.Dispatch(ctx, a, e.dispatcher.Recipients(u, a))
	if err != nil {
		return sum, err
	}
	e.publishOutcome(ctx, a, sum)
	return sum, nil
}

func (e *Engine) publishOutcome(ctx context.Context, a *db.Alert, sum dispatch.Summary) {
	var event string
	switch sum.Status {
	case db.StatusNotified:
		event = sqs.EventAlertNotified
	case db.StatusNotificationFailed:
		event = sqs.EventAlertNotificationFailed
	default:
		return
	}
	ev := sqs.NewAlertEvent(event, a)
	ev.Status = sum.Status
	ev.Sent = sum.Sent
	ev.Failed = sum.Failed
	e.publish(ctx, ev)
}

// publish never fails the caller; events are best effort.
func (e *Engine) publish(ctx context.Context, ev sqs.AlertEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to publish alert event",
			zap.String("event", ev.Event),
			zap.String("alert_id", ev.AlertID),
			zap.Error(err),
		)
	}
}

func validate(loc db.Location) error {
	switch {
	case math.IsNaN(loc.Lat) || math.IsNaN(loc.Lon):
		return fmt.Errorf("%w: coordinates are not numbers", ErrInvalidLocation)
	case loc.Lat < -90 || loc.Lat > 90:
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidLocation, loc.Lat)
	case loc.Lon < -180 || loc.Lon > 180:
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidLocation, loc.Lon)
	case loc.Accuracy < 0:
		return fmt.Errorf("%w: negative accuracy", ErrInvalidLocation)
	}
	return nil
}
