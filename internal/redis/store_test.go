package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, _ := setupTestRedis(t)
	return NewStore(client, zap.NewNop())
}

func openAlert(id, userID string, typ db.AlertType) *db.Alert {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &db.Alert{
		ID:        id,
		UserID:    userID,
		Type:      typ,
		Severity:  db.SeverityHigh,
		Status:    db.StatusCreated,
		Location:  db.Location{Lat: 28.6129, Lon: 77.2295, Timestamp: now},
		Message:   "test",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_UsersAndZones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &db.User{ID: "u2", IsActive: true}))
	require.NoError(t, s.PutUser(ctx, &db.User{ID: "u1", IsActive: true, Contacts: []db.Contact{{ID: "c1", Email: "c@example.com"}}}))
	require.NoError(t, s.PutUser(ctx, &db.User{ID: "u3", IsActive: false}))

	ids, err := s.ListActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", u.Contacts[0].Email)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, s.PutZone(ctx, &db.Zone{ID: "z2", Kind: db.ZoneSafe}))
	require.NoError(t, s.PutZone(ctx, &db.Zone{ID: "z1", Kind: db.ZoneDanger}))

	all, err := s.ListZones(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "z1", all[0].ID)

	danger, err := s.ListZones(ctx, db.ZoneDanger)
	require.NoError(t, err)
	require.Len(t, danger, 1)
	assert.Equal(t, "z1", danger[0].ID)
}

func TestStore_UpdateUserLocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, &db.User{ID: "u1", IsActive: true}))

	loc := db.Location{Lat: 1, Lon: 2, Accuracy: 5, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.UpdateUserLocation(ctx, "u1", loc))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.Location)
	assert.True(t, loc.Timestamp.Equal(u.Location.Timestamp))

	assert.ErrorIs(t, s.UpdateUserLocation(ctx, "missing", loc), db.ErrNotFound)
}

func TestStore_CreateAlertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateAlertIfAbsent(ctx, openAlert("a1", "u1", db.AlertInactivity))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateAlertIfAbsent(ctx, openAlert("a2", "u1", db.AlertInactivity))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = s.CreateAlertIfAbsent(ctx, openAlert("a3", "u1", db.AlertZoneEntry))
	require.NoError(t, err)
	assert.True(t, created, "a different type is a different condition")
}

func TestStore_CreateAlertIfAbsent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _, err := s.CreateAlertIfAbsent(ctx, openAlert(string(rune('a'+i)), "u1", db.AlertInactivity))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[a.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
}

func TestStore_CompareAndSetAlert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.CreateAlertIfAbsent(ctx, openAlert("a1", "u1", db.AlertSOS))
	require.NoError(t, err)

	a.Status = db.StatusNotifying
	require.NoError(t, s.CompareAndSetAlert(ctx, a, db.StatusCreated))

	stale := *a
	stale.Status = db.StatusNotified
	assert.ErrorIs(t, s.CompareAndSetAlert(ctx, &stale, db.StatusCreated), db.ErrConflict)

	missing := openAlert("nope", "u1", db.AlertSOS)
	assert.ErrorIs(t, s.CompareAndSetAlert(ctx, missing, db.StatusCreated), db.ErrNotFound)

	notifying, err := s.ListAlertsByStatus(ctx, db.StatusNotifying, 10)
	require.NoError(t, err)
	require.Len(t, notifying, 1)
	assert.Equal(t, "a1", notifying[0].ID)

	created, err := s.ListAlertsByStatus(ctx, db.StatusCreated, 10)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestStore_ClosingAlertReleasesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.CreateAlertIfAbsent(ctx, openAlert("a1", "u1", db.AlertSOS))
	require.NoError(t, err)

	steps := []db.AlertStatus{db.StatusNotifying, db.StatusNotified, db.StatusAcknowledged}
	for _, next := range steps {
		prev := a.Status
		a.Status = next
		require.NoError(t, s.CompareAndSetAlert(ctx, a, prev))
	}

	b, created, err := s.CreateAlertIfAbsent(ctx, openAlert("a2", "u1", db.AlertSOS))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a2", b.ID)
}

func TestStore_UpsertAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := "provider 503"

	failed := &db.NotificationAttempt{AlertID: "a1", Channel: db.ChannelSMS, Recipient: "+911234567890", Outcome: db.OutcomeFailed, Error: &msg}
	got, err := s.UpsertAttempt(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)

	sent := &db.NotificationAttempt{AlertID: "a1", Channel: db.ChannelSMS, Recipient: "+911234567890", Outcome: db.OutcomeSent}
	got, err = s.UpsertAttempt(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, db.OutcomeSent, got.Outcome)
	assert.Equal(t, 2, got.AttemptCount)

	// A SENT row is never overwritten.
	got, err = s.UpsertAttempt(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, db.OutcomeSent, got.Outcome)
	assert.Equal(t, 2, got.AttemptCount)

	_, err = s.UpsertAttempt(ctx, &db.NotificationAttempt{AlertID: "a1", Channel: db.ChannelWebhook, Recipient: "emergency-services", Outcome: db.OutcomeSent})
	require.NoError(t, err)

	rows, err := s.ListAttempts(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, db.ChannelSMS, rows[0].Channel)
	assert.Equal(t, 2, rows[0].AttemptCount)
	assert.Equal(t, db.ChannelWebhook, rows[1].Channel)
	assert.Equal(t, 1, rows[1].AttemptCount)
}

func TestStore_Health(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewStore(client, zap.NewNop())

	assert.NoError(t, s.Health(context.Background()))
	mr.Close()
	assert.Error(t, s.Health(context.Background()))
}
