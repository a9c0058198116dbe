package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/circuitbreaker"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/router"
	"github.com/lalithlochan/sentinel/internal/router/routertest"
)

func newRouter(t *testing.T, maxFailures int) (*router.Router, *routertest.Memory, *routertest.Memory) {
	t.Helper()
	primary := routertest.NewMemory("postgres")
	secondary := routertest.NewMemory("redis")
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "postgres", MaxFailures: maxFailures, RecoveryTimeout: time.Hour}, zap.NewNop())
	return router.New(primary, secondary, cb, time.Second, zap.NewNop()), primary, secondary
}

func TestRead_PrimaryFirst(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.PutUser(&db.User{ID: "u1", Name: "from primary"})
	secondary.PutUser(&db.User{ID: "u1", Name: "from secondary"})

	u, err := r.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "from primary", u.Name)
	assert.Zero(t, secondary.Calls("GetUser"))
}

func TestRead_PrimaryFailsSecondaryServes(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.Down(nil)
	secondary.PutAlert(&db.Alert{ID: "a1", UserID: "u1", Status: db.StatusNotified})

	a, err := r.GetAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusNotified, a.Status)
}

func TestRead_BothFail(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.Down(nil)
	secondary.Down(errors.New("redis: connection refused"))

	_, err := r.GetAlert(context.Background(), "a1")
	require.Error(t, err)
	assert.ErrorIs(t, err, routertest.ErrUnavailable)
}

func TestRead_NotFoundFallsBackAsDivergence(t *testing.T) {
	r, _, secondary := newRouter(t, 5)
	secondary.PutAlert(&db.Alert{ID: "only-in-redis", Status: db.StatusCreated})

	a, err := r.GetAlert(context.Background(), "only-in-redis")
	require.NoError(t, err)
	assert.Equal(t, "only-in-redis", a.ID)
}

func TestRead_NotFoundEverywhere(t *testing.T) {
	r, _, _ := newRouter(t, 5)

	_, err := r.GetAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWrite_NotMirrored(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	a := &db.Alert{ID: "a1", UserID: "u1", Type: db.AlertSOS, Status: db.StatusCreated}

	_, created, err := r.CreateAlertIfAbsent(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, primary.AlertCount())
	assert.Zero(t, secondary.AlertCount())
}

func TestWrite_FallbackNotReconciled(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.FailOp("CreateAlertIfAbsent", errors.New("pg: too many connections"))

	a := &db.Alert{ID: "a1", UserID: "u1", Type: db.AlertSOS, Status: db.StatusCreated}
	_, created, err := r.CreateAlertIfAbsent(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Zero(t, primary.AlertCount())
	assert.Equal(t, 1, secondary.AlertCount())

	primary.Up()
	_, err = primary.GetAlert(context.Background(), "a1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWrite_DomainErrorIsFinal(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.PutAlert(&db.Alert{ID: "a1", Status: db.StatusNotified})
	secondary.PutAlert(&db.Alert{ID: "a1", Status: db.StatusCreated})

	err := r.CompareAndSetAlert(context.Background(), &db.Alert{ID: "a1", Status: db.StatusNotifying}, db.StatusCreated)
	assert.ErrorIs(t, err, db.ErrConflict)
	assert.Zero(t, secondary.Calls("CompareAndSetAlert"))
}

func TestBreakerSkipsPrimaryWhenOpen(t *testing.T) {
	r, primary, secondary := newRouter(t, 2)
	primary.Down(nil)
	secondary.PutUser(&db.User{ID: "u1"})

	for i := 0; i < 4; i++ {
		_, err := r.GetUser(context.Background(), "u1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, primary.Calls("GetUser"), "breaker should stop calling the primary after two failures")
	assert.Equal(t, 4, secondary.Calls("GetUser"))
}

func TestDomainErrorsDoNotTripBreaker(t *testing.T) {
	r, primary, _ := newRouter(t, 1)

	for i := 0; i < 3; i++ {
		_, err := r.GetUser(context.Background(), "nobody")
		assert.ErrorIs(t, err, db.ErrNotFound)
	}
	assert.Equal(t, 3, primary.Calls("GetUser"))
}

func TestCancelledContextSkipsFallback(t *testing.T) {
	r, _, secondary := newRouter(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, secondary.Calls("GetUser"))
}

func TestNoSecondary(t *testing.T) {
	primary := routertest.NewMemory("postgres")
	primary.Down(nil)
	r := router.New(primary, nil, nil, time.Second, zap.NewNop())

	_, err := r.ListZones(context.Background())
	assert.ErrorIs(t, err, routertest.ErrUnavailable)
}

func TestHealthReport(t *testing.T) {
	r, primary, _ := newRouter(t, 5)
	primary.Down(nil)

	report := r.HealthReport(context.Background())
	assert.Equal(t, "unhealthy", report["postgres"])
	assert.Equal(t, "healthy", report["redis"])
	assert.Equal(t, "closed", report["breaker"])
	assert.NoError(t, r.Health(context.Background()))
}

func TestGenericOp(t *testing.T) {
	r, primary, secondary := newRouter(t, 5)
	primary.Down(nil)
	secondary.PutZone(&db.Zone{ID: "z1", Kind: db.ZoneDanger})
	secondary.PutZone(&db.Zone{ID: "z2", Kind: db.ZoneSafe})

	n, err := router.Read(context.Background(), r, router.Op[int]{
		Name: "CountDangerZones",
		Run: func(ctx context.Context, b router.Backend) (int, error) {
			zones, err := b.ListZones(ctx, db.ZoneDanger)
			return len(zones), err
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
