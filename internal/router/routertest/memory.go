// Package routertest provides an in-memory router.Backend for tests, with
// the same conditional-write semantics as the real backends.
package routertest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lalithlochan/sentinel/internal/db"
)

// ErrUnavailable is what a backend returns while Down is set.
var ErrUnavailable = errors.New("backend unavailable")

// Memory is a thread-safe in-memory backend.
type Memory struct {
	name string

	mu       sync.Mutex
	down     error
	failOps  map[string]error
	calls    map[string]int
	users    map[string]*db.User
	zones    []*db.Zone
	alerts   map[string]*db.Alert
	attempts map[string][]*db.NotificationAttempt
}

func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		failOps:  make(map[string]error),
		calls:    make(map[string]int),
		users:    make(map[string]*db.User),
		alerts:   make(map[string]*db.Alert),
		attempts: make(map[string][]*db.NotificationAttempt),
	}
}

// Down makes every call fail with err (ErrUnavailable if nil).
func (m *Memory) Down(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrUnavailable
	}
	m.down = err
}

// Up clears Down and every FailOp.
func (m *Memory) Up() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = nil
	m.failOps = make(map[string]error)
}

// FailOp makes one method fail with err.
func (m *Memory) FailOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) PutUser(u *db.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneUser(u)
	m.users[u.ID] = cp
}

func (m *Memory) PutZone(z *db.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *z
	m.zones = append(m.zones, &cp)
}

func (m *Memory) PutAlert(a *db.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
}

// AlertCount returns the number of stored alerts.
func (m *Memory) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// enter records the call and returns the injected failure, if any. Must be
// called with the lock held.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.down != nil {
		return m.down
	}
	return m.failOps[op]
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx, "Health")
}

func (m *Memory) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListActiveUserIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for id, u := range m.users {
		if u.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) UpdateUserLocation(ctx context.Context, id string, loc db.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpdateUserLocation"); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.Location = &loc
	return nil
}

func (m *Memory) ListZones(ctx context.Context, kinds ...db.ZoneKind) ([]*db.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListZones"); err != nil {
		return nil, err
	}
	var out []*db.Zone
	for _, z := range m.zones {
		if len(kinds) == 0 || hasKind(kinds, z.Kind) {
			cp := *z
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateAlertIfAbsent(ctx context.Context, a *db.Alert) (*db.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateAlertIfAbsent"); err != nil {
		return nil, false, err
	}
	for _, existing := range m.alerts {
		if existing.UserID == a.UserID && existing.Type == a.Type && existing.Status.Open() {
			cp := *existing
			return &cp, false, nil
		}
	}
	stored := *a
	m.alerts[a.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*db.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetAlert"); err != nil {
		return nil, err
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAlertsByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListAlertsByStatus"); err != nil {
		return nil, err
	}
	var out []*db.Alert
	for _, a := range m.alerts {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CompareAndSetAlert(ctx context.Context, a *db.Alert, expected db.AlertStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CompareAndSetAlert"); err != nil {
		return err
	}
	cur, ok := m.alerts[a.ID]
	if !ok {
		return db.ErrNotFound
	}
	if cur.Status != expected {
		return db.ErrConflict
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) UpsertAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpsertAttempt"); err != nil {
		return nil, err
	}
	rows := m.attempts[a.AlertID]
	for i, row := range rows {
		if row.Key() != a.Key() {
			continue
		}
		if row.Outcome == db.OutcomeSent {
			cp := *row
			return &cp, nil
		}
		next := *a
		next.AttemptCount = row.AttemptCount + 1
		rows[i] = &next
		cp := next
		return &cp, nil
	}
	next := *a
	next.AttemptCount = 1
	m.attempts[a.AlertID] = append(rows, &next)
	cp := next
	return &cp, nil
}

func (m *Memory) ListAttempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListAttempts"); err != nil {
		return nil, err
	}
	var out []*db.NotificationAttempt
	for _, row := range m.attempts[alertID] {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func hasKind(kinds []db.ZoneKind, k db.ZoneKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

func cloneUser(u *db.User) *db.User {
	cp := *u
	if u.Location != nil {
		loc := *u.Location
		cp.Location = &loc
	}
	cp.Contacts = append([]db.Contact(nil), u.Contacts...)
	return &cp
}
