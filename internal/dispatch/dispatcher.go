// Package dispatch fans an alert out to every applicable (channel,
// recipient) pair and settles its notification status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/sentinel/internal/channel"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

// ErrTimeout is recorded on attempts that did not settle in time.
var ErrTimeout = errors.New("timeout")

// AlertStore is the part of alert.Store the dispatcher needs.
type AlertStore interface {
	Transition(ctx context.Context, id string, to db.AlertStatus) (*db.Alert, error)
	RecordAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error)
	Attempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error)
}

// Sender delivers messages; channel.Set implements it.
type Sender interface {
	Configured(ch db.Channel) bool
	Send(ctx context.Context, msg *channel.Message) error
}

type Config struct {
	// Timeout bounds each attempt.
	Timeout     time.Duration
	Concurrency int
	// WebhookURL is the emergency-services endpoint.
	WebhookURL string
}

// Summary reports one dispatch round.
type Summary struct {
	AlertID     string         `json:"alert_id"`
	Status      db.AlertStatus `json:"status"`
	Planned     int            `json:"planned"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	AlreadySent int            `json:"already_sent"`
}

type Dispatcher struct {
	store  AlertStore
	sender Sender
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store AlertStore, sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}

	return &Dispatcher{
		store:  store,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch moves the alert to NOTIFYING, attempts every planned pair not
// already SENT and settles the alert as NOTIFIED or NOTIFICATION_FAILED.
// Individual failures end up in the summary and the attempt rows; only a
// failed move into NOTIFYING is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, a *db.Alert, recipients []Recipient) (Summary, error) {
	sum := Summary{AlertID: a.ID, Status: a.Status}

	notifying, err := d.store.Transition(ctx, a.ID, db.StatusNotifying)
	if err != nil {
		return sum, fmt.Errorf("start dispatch: %w", err)
	}
	sum.Status = notifying.Status

	// From here on every attempt must be recorded, even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	sent := d.alreadySent(ctx, a.ID)
	targets := d.plan(recipients)
	who := subjectOf(a, recipients)

	var pending []target
	for _, t := range targets {
		if sent[t.key()] {
			sum.AlreadySent++
			continue
		}
		pending = append(pending, t)
	}
	sum.Planned = len(pending)

	results := make([]*db.NotificationAttempt, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for i, t := range pending {
		g.Go(func() error {
			results[i] = d.attempt(gctx, notifying, who, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.Outcome {
		case db.OutcomeSent:
			sum.Sent++
		case db.OutcomeFailed:
			sum.Failed++
		case db.OutcomeNotConfigured:
			sum.Skipped++
		}
	}

	final := settledStatus(sum.Sent+sum.AlreadySent > 0)
	if _, err := d.store.Transition(ctx, a.ID, final); err != nil {
		// Left in NOTIFYING; Settle picks it up later.
		d.logger.Error("failed to settle alert after dispatch",
			zap.String("alert_id", a.ID),
			zap.String("status", string(final)),
			zap.Error(err),
		)
	} else {
		sum.Status = final
	}

	metrics.RecordDispatch(string(sum.Status))
	d.logger.Info("dispatch complete",
		zap.String("alert_id", a.ID),
		zap.String("status", string(sum.Status)),
		zap.Int("planned", sum.Planned),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("already_sent", sum.AlreadySent),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

func settledStatus(anySent bool) db.AlertStatus {
	if anySent {
		return db.StatusNotified
	}
	return db.StatusNotificationFailed
}

// Settle finishes a NOTIFYING alert whose dispatch never settled, from the
// attempt rows already recorded. It sends nothing.
func (d *Dispatcher) Settle(ctx context.Context, a *db.Alert) (Summary, error) {
	sum := Summary{AlertID: a.ID, Status: a.Status}

	rows, err := d.store.Attempts(ctx, a.ID)
	if err != nil {
		return sum, fmt.Errorf("load attempts for alert %s: %w", a.ID, err)
	}
	for _, r := range rows {
		switch r.Outcome {
		case db.OutcomeSent:
			sum.Sent++
		case db.OutcomeFailed:
			sum.Failed++
		case db.OutcomeNotConfigured:
			sum.Skipped++
		}
	}
	sum.Planned = len(rows)

	final := settledStatus(sum.Sent > 0)
	if _, err := d.store.Transition(ctx, a.ID, final); err != nil {
		return sum, fmt.Errorf("settle alert %s: %w", a.ID, err)
	}
	sum.Status = final

	metrics.RecordDispatch(string(final))
	d.logger.Warn("settled stalled dispatch",
		zap.String("alert_id", a.ID),
		zap.String("status", string(final)),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// alreadySent returns the keys SENT in earlier rounds. A failed lookup
// means every pair is attempted again.
func (d *Dispatcher) alreadySent(ctx context.Context, alertID string) map[string]bool {
	rows, err := d.store.Attempts(ctx, alertID)
	if err != nil {
		d.logger.Warn("failed to load previous attempts",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		return nil
	}
	sent := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.Outcome == db.OutcomeSent {
			sent[r.Key()] = true
		}
	}
	return sent
}

// attempt delivers one target and records the outcome. It always returns
// a row.
func (d *Dispatcher) attempt(ctx context.Context, a *db.Alert, who Subject, t target) *db.NotificationAttempt {
	row := &db.NotificationAttempt{
		AlertID:   a.ID,
		Channel:   t.channel,
		Recipient: t.address,
	}

	var (
		err     error
		latency time.Duration
	)
	if t.skip {
		row.Outcome = db.OutcomeNotConfigured
	} else {
		start := time.Now()
		err = d.deliver(ctx, a, who, t)
		latency = time.Since(start)

		switch {
		case err == nil:
			row.Outcome = db.OutcomeSent
		case errors.Is(err, channel.ErrNotConfigured):
			row.Outcome = db.OutcomeNotConfigured
		default:
			row.Outcome = db.OutcomeFailed
			msg := err.Error()
			row.Error = &msg
		}
	}
	row.AttemptedAt = d.now()
	metrics.RecordAttempt(string(t.channel), string(row.Outcome), latency)

	if err != nil {
		d.logger.Warn("notification attempt failed",
			zap.String("alert_id", a.ID),
			zap.String("channel", string(t.channel)),
			zap.String("recipient", t.address),
			zap.Error(err),
		)
	}

	stored, rerr := d.store.RecordAttempt(ctx, row)
	if rerr != nil {
		d.logger.Error("failed to record notification attempt",
			zap.String("alert_id", a.ID),
			zap.String("channel", string(t.channel)),
			zap.String("outcome", string(row.Outcome)),
			zap.Error(rerr),
		)
		return row
	}
	return stored
}

// deliver renders and sends under the per-attempt timeout. A sender that
// ignores its context is abandoned when the timeout fires.
func (d *Dispatcher) deliver(ctx context.Context, a *db.Alert, who Subject, t target) error {
	msg, err := render(a, who, t)
	if err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.sender.Send(actx, msg)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	case <-actx.Done():
		return ErrTimeout
	}
}
