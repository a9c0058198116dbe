package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/alert"
	"github.com/lalithlochan/sentinel/internal/channel"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/dispatch"
	"github.com/lalithlochan/sentinel/internal/router/routertest"
	"github.com/lalithlochan/sentinel/internal/scanner"
	"github.com/lalithlochan/sentinel/internal/sqs"
)

type stubSender struct {
	mu   sync.Mutex
	err  error
	sent int
}

func (s *stubSender) Configured(db.Channel) bool { return true }

func (s *stubSender) Send(ctx context.Context, msg *channel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent++
	return nil
}

func (s *stubSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sqs.AlertEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev sqs.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Event)
	}
	return out
}

type fixture struct {
	engine *Engine
	mem    *routertest.Memory
	sender *stubSender
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	mem := routertest.NewMemory("memory")
	alerts := alert.NewStore(mem, logger)
	sender := &stubSender{}
	d := dispatch.New(alerts, sender, dispatch.Config{Timeout: time.Second, WebhookURL: "https://ems.example.org/hook"}, logger)
	pub := &recordingPublisher{}
	e := New(mem, alerts, d, pub, scanner.Config{InactivityThreshold: 30 * time.Minute}, logger)

	mem.PutUser(&db.User{
		ID:       "u1",
		Name:     "Asha",
		Phone:    "+919800000001",
		IsActive: true,
		Location: &db.Location{Lat: 28.5, Lon: 77.0, Timestamp: time.Now()},
		Contacts: []db.Contact{{ID: "c1", Email: "ravi@example.com"}},
	})
	mem.PutZone(&db.Zone{ID: "z1", Name: "Old Fort", Lat: 28.6129, Lon: 77.2295, RadiusMeters: 1000, Kind: db.ZoneDanger})
	mem.PutZone(&db.Zone{ID: "s1", Name: "Embassy", Lat: 28.59, Lon: 77.19, RadiusMeters: 300, Kind: db.ZoneSafe})

	return &fixture{engine: e, mem: mem, sender: sender, pub: pub}
}

func TestHandleEvent_CreatesAndDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := db.SafetyEvent{UserID: "u1", Kind: db.EventInactivity, DetectedAt: time.Now()}

	require.NoError(t, f.engine.HandleEvent(ctx, ev))
	require.NoError(t, f.engine.HandleEvent(ctx, ev))

	assert.Equal(t, 1, f.mem.AlertCount())
	assert.Equal(t, []string{sqs.EventAlertCreated, sqs.EventAlertNotified}, f.pub.names())

	alerts, err := f.engine.Alerts(ctx, db.StatusNotified, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	rows, err := f.engine.Attempts(ctx, alerts[0].ID)
	require.NoError(t, err)
	// user sms, user email (skipped), contact sms (skipped), contact email, webhook
	assert.Len(t, rows, 5)
}

func TestReportLocation_DangerZoneRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.engine.ReportLocation(ctx, "u1", db.Location{Lat: 28.6129, Lon: 77.2295})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EventsEmitted)

	u, err := f.mem.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 28.6129, u.Location.Lat)
	assert.False(t, u.Location.Timestamp.IsZero(), "missing timestamp defaults to now")

	alerts, err := f.engine.Alerts(ctx, db.StatusNotified, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, db.AlertZoneEntry, alerts[0].Type)
	assert.Equal(t, "z1", *alerts[0].ZoneID)
}

func TestReportLocation_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, loc := range []db.Location{
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
		{Lat: 0, Lon: 0, Accuracy: -1},
	} {
		_, err := f.engine.ReportLocation(ctx, "u1", loc)
		assert.ErrorIs(t, err, ErrInvalidLocation)
	}

	_, err := f.engine.ReportLocation(ctx, "ghost", db.Location{Lat: 1, Lon: 1})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRaise_SOS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, created, err := f.engine.Raise(ctx, "u1", db.AlertSOS, nil, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, db.SeverityCritical, a.Severity)
	assert.Equal(t, db.StatusNotified, a.Status)
	assert.Equal(t, 28.5, a.Location.Lat, "falls back to last known location")

	again, created, err := f.engine.Raise(ctx, "u1", db.AlertSOS, &db.Location{Lat: 1, Lon: 1}, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)

	_, _, err = f.engine.Raise(ctx, "u1", db.AlertZoneEntry, nil, "")
	assert.ErrorIs(t, err, alert.ErrInvalidType)

	_, _, err = f.engine.Raise(ctx, "u1", db.AlertPanic, &db.Location{Lat: 100}, "")
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.fail(errors.New("all providers down"))

	require.NoError(t, f.engine.HandleEvent(ctx, db.SafetyEvent{UserID: "u1", Kind: db.EventInactivity}))
	failed, err := f.engine.Alerts(ctx, db.StatusNotificationFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, f.pub.names(), sqs.EventAlertNotificationFailed)

	f.sender.fail(nil)
	sum, err := f.engine.Retry(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusNotified, sum.Status)

	_, err = f.engine.Retry(ctx, failed[0].ID)
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)

	_, err = f.engine.Retry(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestAcknowledgeAndResolvePublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, err := f.engine.Raise(ctx, "u1", db.AlertPanic, nil, "")
	require.NoError(t, err)

	_, err = f.engine.Acknowledge(ctx, a.ID, "c1")
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, a.ID, "operator-1", "safe")
	require.NoError(t, err)

	f.pub.mu.Lock()
	last := f.pub.events[len(f.pub.events)-1]
	f.pub.mu.Unlock()
	assert.Equal(t, sqs.EventAlertResolved, last.Event)
	assert.Equal(t, "operator-1", last.Actor)
	assert.Equal(t, db.StatusResolved, last.Status)
	assert.Contains(t, f.pub.names(), sqs.EventAlertAcknowledged)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("queue gone")

	_, created, err := f.engine.Raise(context.Background(), "u1", db.AlertSOS, nil, "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAssess(t *testing.T) {
	f := newFixture(t)

	a, err := f.engine.Assess(context.Background(), 28.6129, 77.2295)
	require.NoError(t, err)
	require.NotNil(t, a.Danger)
	assert.Equal(t, "z1", a.Danger.ID)
	require.NotNil(t, a.NearestSafe)
	assert.Equal(t, "s1", a.NearestSafe.ID)

	_, err = f.engine.Assess(context.Background(), -91, 0)
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func TestHandleEvent_RedispatchesAlertStuckInCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := db.SafetyEvent{UserID: "u1", Kind: db.EventInactivity, DetectedAt: time.Now()}

	f.mem.FailOp("CompareAndSetAlert", errors.New("blip"))
	require.Error(t, f.engine.HandleEvent(ctx, ev))

	stuck, err := f.engine.Alerts(ctx, db.StatusCreated, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Zero(t, f.sender.count())

	f.mem.Up()
	require.NoError(t, f.engine.HandleEvent(ctx, ev))

	assert.Equal(t, 1, f.mem.AlertCount())
	notified, err := f.engine.Alerts(ctx, db.StatusNotified, 10)
	require.NoError(t, err)
	require.Len(t, notified, 1)
	assert.Equal(t, stuck[0].ID, notified[0].ID)

	sent := f.sender.count()
	assert.Positive(t, sent)
	require.NoError(t, f.engine.HandleEvent(ctx, ev))
	assert.Equal(t, sent, f.sender.count(), "a notified alert is not dispatched again")
}

func TestRaise_RedispatchesAlertStuckInCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mem.FailOp("CompareAndSetAlert", errors.New("blip"))
	first, created, err := f.engine.Raise(ctx, "u1", db.AlertSOS, nil, "")
	require.Error(t, err)
	assert.True(t, created)
	require.NotNil(t, first)

	f.mem.Up()
	again, created, err := f.engine.Raise(ctx, "u1", db.AlertSOS, nil, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, db.StatusNotified, again.Status)
}

func TestRetry_AlertStuckInCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mem.FailOp("CompareAndSetAlert", errors.New("blip"))
	require.Error(t, f.engine.HandleEvent(ctx, db.SafetyEvent{UserID: "u1", Kind: db.EventInactivity}))
	f.mem.Up()

	stuck, err := f.engine.Alerts(ctx, db.StatusCreated, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	sum, err := f.engine.Retry(ctx, stuck[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusNotified, sum.Status)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()

	f.mem.PutAlert(&db.Alert{ID: "never-started", UserID: "u1", Type: db.AlertInactivity, Severity: db.SeverityHigh, Status: db.StatusCreated, CreatedAt: old, UpdatedAt: old})
	f.mem.PutAlert(&db.Alert{ID: "stalled-sent", UserID: "u1", Type: db.AlertSOS, Severity: db.SeverityCritical, Status: db.StatusNotifying, CreatedAt: old, UpdatedAt: old})
	f.mem.PutAlert(&db.Alert{ID: "stalled-empty", UserID: "u1", Type: db.AlertPanic, Severity: db.SeverityCritical, Status: db.StatusNotifying, CreatedAt: old, UpdatedAt: old})
	f.mem.PutAlert(&db.Alert{ID: "in-flight", UserID: "u1", Type: db.AlertZoneEntry, Severity: db.SeverityHigh, Status: db.StatusNotifying, CreatedAt: fresh, UpdatedAt: fresh})
	_, err := f.mem.UpsertAttempt(ctx, &db.NotificationAttempt{
		AlertID:     "stalled-sent",
		Channel:     db.ChannelSMS,
		Recipient:   "+919800000001",
		Outcome:     db.OutcomeSent,
		AttemptedAt: old,
	})
	require.NoError(t, err)

	sum := f.engine.Recover(ctx)
	assert.Equal(t, RecoverySummary{Dispatched: 1, Settled: 2}, sum)

	want := map[string]db.AlertStatus{
		"never-started": db.StatusNotified,
		"stalled-sent":  db.StatusNotified,
		"stalled-empty": db.StatusNotificationFailed,
		"in-flight":     db.StatusNotifying,
	}
	for id, status := range want {
		a, err := f.engine.Alert(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, a.Status, id)
	}
	assert.Contains(t, f.pub.names(), sqs.EventAlertNotificationFailed)

	assert.Equal(t, RecoverySummary{}, f.engine.Recover(ctx), "settled alerts are left alone")
}

func TestRecover_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.mem.FailOp("ListAlertsByStatus", errors.New("blip"))

	sum := f.engine.Recover(context.Background())
	assert.Equal(t, 2, sum.Errors)
}
