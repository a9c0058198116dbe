// Package scanner detects users in danger: a periodic sweep over every
// active user plus an incremental check per location ping.
package scanner

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

type Storage interface {
	ListActiveUserIDs(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, id string) (*db.User, error)
	ListZones(ctx context.Context, kinds ...db.ZoneKind) ([]*db.Zone, error)
}

// EventHandler consumes safety events. The engine turns them into alerts.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev db.SafetyEvent) error
}

type Config struct {
	Interval            time.Duration
	InactivityThreshold time.Duration
	// UserTimeout bounds the work for one user, including event handling.
	UserTimeout time.Duration
}

// Summary reports one sweep or check. Failures are counted, never returned.
type Summary struct {
	UsersScanned  int `json:"users_scanned"`
	Skipped       int `json:"skipped"`
	EventsEmitted int `json:"events_emitted"`
	Errors        int `json:"errors"`
}

type Scanner struct {
	storage Storage
	handler EventHandler
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	// zones is replaced wholesale on refresh and never mutated, so a sweep
	// holding the old slice sees a stable set.
	zones atomic.Pointer[[]*db.Zone]
}

func New(storage Storage, handler EventHandler, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.InactivityThreshold == 0 {
		cfg.InactivityThreshold = 30 * time.Minute
	}
	if cfg.UserTimeout == 0 {
		cfg.UserTimeout = 30 * time.Second
	}

	return &Scanner{
		storage: storage,
		handler: handler,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active user once. Cancellation is honoured between
// users; a user already being processed finishes.
func (s *Scanner) Sweep(ctx context.Context) Summary {
	start := time.Now()
	var sum Summary

	zones, err := s.refreshZones(ctx)
	if err != nil {
		sum.Errors++
	}

	ids, err := s.storage.ListActiveUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list active users", zap.Error(err))
		sum.Errors++
		s.finish(sum, start)
		return sum
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			s.logger.Info("sweep cancelled",
				zap.Int("remaining", len(ids)-i),
			)
			break
		}
		s.scanUser(ctx, id, zones, &sum)
	}

	s.finish(sum, start)
	return sum
}

func (s *Scanner) finish(sum Summary, start time.Time) {
	elapsed := time.Since(start)
	metrics.RecordSweep(elapsed)
	metrics.RecordUsersScanned(sum.UsersScanned)
	metrics.RecordScanErrors(sum.Errors)

	s.logger.Info("sweep complete",
		zap.Int("users_scanned", sum.UsersScanned),
		zap.Int("skipped", sum.Skipped),
		zap.Int("events_emitted", sum.EventsEmitted),
		zap.Int("errors", sum.Errors),
		zap.Duration("elapsed", elapsed),
	)
}

// CheckUser evaluates one user against the current zone snapshot. It runs on
// every location ping.
func (s *Scanner) CheckUser(ctx context.Context, userID string) Summary {
	var sum Summary

	zones := s.snapshot()
	if zones == nil {
		var err error
		if zones, err = s.refreshZones(ctx); err != nil {
			sum.Errors++
		}
	}

	s.scanUser(ctx, userID, zones, &sum)
	metrics.RecordUsersScanned(sum.UsersScanned)
	metrics.RecordScanErrors(sum.Errors)
	return sum
}

// scanUser runs detached from ctx cancellation so shutdown never cuts a
// user's alert write in half. UserTimeout still bounds it.
func (s *Scanner) scanUser(ctx context.Context, userID string, zones []*db.Zone, sum *Summary) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.UserTimeout)
	defer cancel()

	user, err := s.storage.GetUser(uctx, userID)
	if err != nil {
		s.logger.Warn("failed to load user", zap.String("user_id", userID), zap.Error(err))
		sum.Errors++
		return
	}
	sum.UsersScanned++

	if !user.IsActive {
		sum.Skipped++
		return
	}

	state, events := Evaluate(user, zones, s.now(), s.config.InactivityThreshold)
	if state == StateUnknown {
		sum.Skipped++
		return
	}

	for _, ev := range events {
		sum.EventsEmitted++
		metrics.RecordSafetyEvent(string(ev.Kind))

		if err := s.handler.HandleEvent(uctx, ev); err != nil {
			s.logger.Error("failed to handle safety event",
				zap.String("user_id", userID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
			sum.Errors++
		}
	}

	if len(events) > 0 {
		s.logger.Info("user flagged",
			zap.String("user_id", userID),
			zap.String("state", string(state)),
			zap.Int("events", len(events)),
		)
	}
}

// refreshZones loads the zone set. On failure the previous snapshot stays
// in use and is returned alongside the error.
func (s *Scanner) refreshZones(ctx context.Context) ([]*db.Zone, error) {
	zones, err := s.storage.ListZones(ctx)
	if err != nil {
		prev := s.snapshot()
		s.logger.Warn("zone refresh failed, keeping previous snapshot",
			zap.Int("zones", len(prev)),
			zap.Error(err),
		)
		return prev, err
	}
	s.zones.Store(&zones)
	return zones, nil
}

// Zones returns the current snapshot, loading it on first use.
func (s *Scanner) Zones(ctx context.Context) ([]*db.Zone, error) {
	if zones := s.snapshot(); zones != nil {
		return zones, nil
	}
	return s.refreshZones(ctx)
}

func (s *Scanner) snapshot() []*db.Zone {
	if p := s.zones.Load(); p != nil {
		return *p
	}
	return nil
}
