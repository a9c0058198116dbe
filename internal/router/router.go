// Package router puts every storage read and write behind one policy:
// primary backend first, secondary backend on failure.
//
// Writes are never mirrored. A write served by the secondary stays there;
// nothing reconciles it back into the primary. Reads that the primary
// answers with ErrNotFound but the secondary can serve are logged as
// divergence and counted, not repaired.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/circuitbreaker"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/metrics"
)

// Backend is the full persisted-state surface. Both the Postgres primary and
// the Redis secondary implement it and return canonical db types.
type Backend interface {
	Name() string
	Health(ctx context.Context) error

	ListActiveUserIDs(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, id string) (*db.User, error)
	UpdateUserLocation(ctx context.Context, id string, loc db.Location) error

	// ListZones returns zones of the given kinds, or all zones when none
	// are given.
	ListZones(ctx context.Context, kinds ...db.ZoneKind) ([]*db.Zone, error)

	// CreateAlertIfAbsent inserts a unless an open alert already exists for
	// (a.UserID, a.Type), in which case that alert is returned with
	// created=false. It must be a single conditional write.
	CreateAlertIfAbsent(ctx context.Context, a *db.Alert) (*db.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*db.Alert, error)
	ListAlertsByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error)

	// CompareAndSetAlert stores a if the persisted status still equals
	// expected. Returns db.ErrConflict when it does not, db.ErrNotFound
	// when the alert is missing.
	CompareAndSetAlert(ctx context.Context, a *db.Alert, expected db.AlertStatus) error

	// UpsertAttempt writes the (alert, channel, recipient) row. An existing
	// SENT row is never overwritten; the stored row is returned.
	UpsertAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error)
	ListAttempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error)
}

// Op is one storage operation that can run against either backend.
type Op[T any] struct {
	Name string
	Run  func(ctx context.Context, b Backend) (T, error)
}

// Router routes operations between a primary and an optional secondary.
type Router struct {
	primary   Backend
	secondary Backend
	breaker   *circuitbreaker.CircuitBreaker
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a Router. secondary may be nil, in which case primary errors
// are returned as-is. timeout bounds each backend call.
func New(primary, secondary Backend, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		primary:   primary,
		secondary: secondary,
		breaker:   breaker,
		timeout:   timeout,
		logger:    logger,
	}
}

// isDomainError reports answers that prove the backend is up.
func isDomainError(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrConflict)
}

// Read runs op on the primary and falls back to the secondary on any
// failure, including a primary ErrNotFound.
func Read[T any](ctx context.Context, r *Router, op Op[T]) (T, error) {
	v, err := runPrimary(ctx, r, op)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil || r.secondary == nil || errors.Is(err, db.ErrConflict) {
		return v, err
	}

	notFound := errors.Is(err, db.ErrNotFound)
	sv, serr := run(ctx, r.secondary, r.timeout, op)
	if serr != nil {
		if notFound && errors.Is(serr, db.ErrNotFound) {
			return sv, err
		}
		return sv, fmt.Errorf("%s: primary: %w; secondary: %w", op.Name, err, serr)
	}

	metrics.RecordRouterFallback(op.Name)
	if notFound {
		metrics.RecordRouterDivergence(op.Name)
		r.logger.Warn("backend divergence: secondary has data the primary lacks",
			zap.String("op", op.Name),
			zap.String("secondary", r.secondary.Name()),
		)
	} else {
		r.logger.Warn("read served by secondary backend",
			zap.String("op", op.Name),
			zap.String("secondary", r.secondary.Name()),
			zap.Error(err),
		)
	}
	return sv, nil
}

// Write runs op on the primary. Domain errors from the primary are final;
// only availability failures fall back to the secondary.
func Write[T any](ctx context.Context, r *Router, op Op[T]) (T, error) {
	v, err := runPrimary(ctx, r, op)
	if err == nil || isDomainError(err) {
		return v, err
	}
	if ctx.Err() != nil || r.secondary == nil {
		return v, err
	}

	sv, serr := run(ctx, r.secondary, r.timeout, op)
	if serr != nil {
		if isDomainError(serr) {
			return sv, serr
		}
		return sv, fmt.Errorf("%s: primary: %w; secondary: %w", op.Name, err, serr)
	}

	metrics.RecordRouterFallback(op.Name)
	r.logger.Warn("write served by secondary backend, not mirrored to primary",
		zap.String("op", op.Name),
		zap.String("secondary", r.secondary.Name()),
		zap.Error(err),
	)
	return sv, nil
}

func runPrimary[T any](ctx context.Context, r *Router, op Op[T]) (T, error) {
	if r.breaker == nil {
		return run(ctx, r.primary, r.timeout, op)
	}
	var v T
	err := r.breaker.Execute(func() error {
		var err error
		v, err = run(ctx, r.primary, r.timeout, op)
		return err
	}, isDomainError)
	return v, err
}

func run[T any](ctx context.Context, b Backend, timeout time.Duration, op Op[T]) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op.Run(ctx, b)
}

func (r *Router) Name() string {
	return "router"
}

// Health is nil while at least one backend answers.
func (r *Router) Health(ctx context.Context) error {
	perr := r.primary.Health(ctx)
	if perr == nil || r.secondary == nil {
		return perr
	}
	if serr := r.secondary.Health(ctx); serr != nil {
		return fmt.Errorf("primary: %w; secondary: %w", perr, serr)
	}
	return nil
}

// HealthReport returns a per-backend status map for the health endpoint.
func (r *Router) HealthReport(ctx context.Context) map[string]string {
	report := map[string]string{r.primary.Name(): status(r.primary.Health(ctx))}
	if r.secondary != nil {
		report[r.secondary.Name()] = status(r.secondary.Health(ctx))
	}
	if r.breaker != nil {
		report["breaker"] = r.breaker.GetState().String()
	}
	return report
}

func status(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

type noResult struct{}

func (r *Router) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	return Read(ctx, r, Op[[]string]{
		Name: "ListActiveUserIDs",
		Run: func(ctx context.Context, b Backend) ([]string, error) {
			return b.ListActiveUserIDs(ctx)
		},
	})
}

func (r *Router) GetUser(ctx context.Context, id string) (*db.User, error) {
	return Read(ctx, r, Op[*db.User]{
		Name: "GetUser",
		Run: func(ctx context.Context, b Backend) (*db.User, error) {
			return b.GetUser(ctx, id)
		},
	})
}

func (r *Router) UpdateUserLocation(ctx context.Context, id string, loc db.Location) error {
	_, err := Write(ctx, r, Op[noResult]{
		Name: "UpdateUserLocation",
		Run: func(ctx context.Context, b Backend) (noResult, error) {
			return noResult{}, b.UpdateUserLocation(ctx, id, loc)
		},
	})
	return err
}

func (r *Router) ListZones(ctx context.Context, kinds ...db.ZoneKind) ([]*db.Zone, error) {
	return Read(ctx, r, Op[[]*db.Zone]{
		Name: "ListZones",
		Run: func(ctx context.Context, b Backend) ([]*db.Zone, error) {
			return b.ListZones(ctx, kinds...)
		},
	})
}

type createResult struct {
	alert   *db.Alert
	created bool
}

func (r *Router) CreateAlertIfAbsent(ctx context.Context, a *db.Alert) (*db.Alert, bool, error) {
	res, err := Write(ctx, r, Op[createResult]{
		Name: "CreateAlertIfAbsent",
		Run: func(ctx context.Context, b Backend) (createResult, error) {
			// Backends may stamp fields on the argument; give each its own copy.
			cp := *a
			got, created, err := b.CreateAlertIfAbsent(ctx, &cp)
			return createResult{alert: got, created: created}, err
		},
	})
	return res.alert, res.created, err
}

func (r *Router) GetAlert(ctx context.Context, id string) (*db.Alert, error) {
	return Read(ctx, r, Op[*db.Alert]{
		Name: "GetAlert",
		Run: func(ctx context.Context, b Backend) (*db.Alert, error) {
			return b.GetAlert(ctx, id)
		},
	})
}

func (r *Router) ListAlertsByStatus(ctx context.Context, st db.AlertStatus, limit int) ([]*db.Alert, error) {
	return Read(ctx, r, Op[[]*db.Alert]{
		Name: "ListAlertsByStatus",
		Run: func(ctx context.Context, b Backend) ([]*db.Alert, error) {
			return b.ListAlertsByStatus(ctx, st, limit)
		},
	})
}

func (r *Router) CompareAndSetAlert(ctx context.Context, a *db.Alert, expected db.AlertStatus) error {
	_, err := Write(ctx, r, Op[noResult]{
		Name: "CompareAndSetAlert",
		Run: func(ctx context.Context, b Backend) (noResult, error) {
			return noResult{}, b.CompareAndSetAlert(ctx, a, expected)
		},
	})
	return err
}

func (r *Router) UpsertAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error) {
	return Write(ctx, r, Op[*db.NotificationAttempt]{
		Name: "UpsertAttempt",
		Run: func(ctx context.Context, b Backend) (*db.NotificationAttempt, error) {
			cp := *a
			return b.UpsertAttempt(ctx, &cp)
		},
	})
}

func (r *Router) ListAttempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error) {
	return Read(ctx, r, Op[[]*db.NotificationAttempt]{
		Name: "ListAttempts",
		Run: func(ctx context.Context, b Backend) ([]*db.NotificationAttempt, error) {
			return b.ListAttempts(ctx, alertID)
		},
	})
}

var _ Backend = (*Router)(nil)
