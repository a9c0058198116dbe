package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/db"
)

// Key layout:
//
//	user:{id}                      JSON user
//	users:active                   set of active user ids
//	zones                          hash zone id -> JSON zone
//	alert:{id}                     hash {status, data}
//	alert:open:{user}:{type}       id of the open alert for (user, type)
//	alerts:status:{status}         set of alert ids
//	alert:{id}:attempts            hash channel|recipient -> JSON attempt
//	alert:{id}:attempts:meta       hash channel|recipient -> "OUTCOME|count"
const (
	activeUsersKey = "users:active"
	zonesKey       = "zones"
)

func userKey(id string) string { return "user:" + id }
func alertKey(id string) string { return "alert:" + id }
func statusKey(s db.AlertStatus) string { return "alerts:status:" + string(s) }
func attemptsKey(alertID string) string { return "alert:" + alertID + ":attempts" }
func attemptMetaKey(alertID string) string { return "alert:" + alertID + ":attempts:meta" }
func openKey(userID string, t db.AlertType) string {
	return fmt.Sprintf("alert:open:%s:%s", userID, t)
}

// createAlertScript inserts the alert unless the open index points at an
// alert that still exists.
//
// KEYS: open index, alert hash, status set. ARGV: id, status, data.
var createAlertScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local data = redis.call('HGET', 'alert:' .. existing, 'data')
  if data then
    return {0, data}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'status', ARGV[2], 'data', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
return {1, ARGV[3]}
`)

// casAlertScript replaces the alert if its status still matches. Returns
// -1 missing, 0 conflict, 1 stored. Leaving the open set releases the
// (user, type) slot.
//
// KEYS: alert hash, open index, old status set, new status set.
// ARGV: expected, new status, data, id, "1" if the new status is closed.
var casAlertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('SREM', KEYS[3], ARGV[4])
redis.call('SADD', KEYS[4], ARGV[4])
if ARGV[5] == '1' and redis.call('GET', KEYS[2]) == ARGV[4] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// upsertAttemptScript writes the attempt unless the stored one is SENT.
// Returns {written, data, count}.
//
// KEYS: attempts hash, meta hash. ARGV: field, outcome, data.
var upsertAttemptScript = redis.NewScript(`
local meta = redis.call('HGET', KEYS[2], ARGV[1])
local count = 0
if meta then
  local sep = string.find(meta, '|', 1, true)
  count = tonumber(string.sub(meta, sep + 1))
  if string.sub(meta, 1, sep - 1) == 'SENT' then
    return {0, redis.call('HGET', KEYS[1], ARGV[1]), count}
  end
end
count = count + 1
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2] .. '|' .. count)
return {1, ARGV[3], count}
`)

// Store is the secondary storage backend. Users and zones are replicated
// into it from the primary; alerts and attempts land here only when the
// primary is unavailable.
type Store struct {
	client *Client
	logger *zap.Logger
}

func NewStore(client *Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// PutUser replicates a user record.
func (s *Store) PutUser(ctx context.Context, u *db.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	pipe := s.client.rdb.TxPipeline()
	pipe.Set(ctx, userKey(u.ID), data, 0)
	if u.IsActive {
		pipe.SAdd(ctx, activeUsersKey, u.ID)
	} else {
		pipe.SRem(ctx, activeUsersKey, u.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put user: %w", err)
	}
	return nil
}

// PutZone replicates a zone.
func (s *Store) PutZone(ctx context.Context, z *db.Zone) error {
	data, err := json.Marshal(z)
	if err != nil {
		return fmt.Errorf("marshal zone: %w", err)
	}
	if err := s.client.rdb.HSet(ctx, zonesKey, z.ID, data).Err(); err != nil {
		return fmt.Errorf("redis put zone: %w", err)
	}
	return nil
}

func (s *Store) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.rdb.SMembers(ctx, activeUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list active users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*db.User, error) {
	data, err := s.client.rdb.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get user: %w", err)
	}
	var u db.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &u, nil
}

// UpdateUserLocation rewrites the user record under WATCH so a concurrent
// replication write is not lost.
func (s *Store) UpdateUserLocation(ctx context.Context, id string, loc db.Location) error {
	key := userKey(id)
	err := s.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return db.ErrNotFound
		}
		if err != nil {
			return err
		}
		var u db.User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("decode user %s: %w", id, err)
		}
		u.Location = &loc
		next, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, db.ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return db.ErrConflict
	case err != nil:
		return fmt.Errorf("redis update location: %w", err)
	}
	return nil
}

func (s *Store) ListZones(ctx context.Context, kinds ...db.ZoneKind) ([]*db.Zone, error) {
	raw, err := s.client.rdb.HGetAll(ctx, zonesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list zones: %w", err)
	}

	zones := make([]*db.Zone, 0, len(raw))
	for id, data := range raw {
		var z db.Zone
		if err := json.Unmarshal([]byte(data), &z); err != nil {
			s.logger.Warn("skipping undecodable zone", zap.String("zone_id", id), zap.Error(err))
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, z.Kind) {
			continue
		}
		zones = append(zones, &z)
	}
	// Same order as the primary's ORDER BY id.
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones, nil
}

func (s *Store) CreateAlertIfAbsent(ctx context.Context, a *db.Alert) (*db.Alert, bool, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, false, fmt.Errorf("marshal alert: %w", err)
	}

	keys := []string{openKey(a.UserID, a.Type), alertKey(a.ID), statusKey(a.Status)}
	res, err := createAlertScript.Run(ctx, s.client.rdb, keys, a.ID, string(a.Status), data).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis create alert: %w", err)
	}

	created, _ := res[0].(int64)
	stored, err := decodeAlert(res[1])
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*db.Alert, error) {
	data, err := s.client.rdb.HGet(ctx, alertKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get alert: %w", err)
	}
	return decodeAlert(data)
}

func (s *Store) ListAlertsByStatus(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error) {
	ids, err := s.client.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list alerts: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, alertKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load alerts: %w", err)
	}

	alerts := make([]*db.Alert, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		a, err := decodeAlert(data)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *Store) CompareAndSetAlert(ctx context.Context, a *db.Alert, expected db.AlertStatus) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	closes := "0"
	if !a.Status.Open() {
		closes = "1"
	}

	keys := []string{alertKey(a.ID), openKey(a.UserID, a.Type), statusKey(expected), statusKey(a.Status)}
	n, err := casAlertScript.Run(ctx, s.client.rdb, keys, string(expected), string(a.Status), data, a.ID, closes).Int()
	if err != nil {
		return fmt.Errorf("redis update alert: %w", err)
	}
	switch n {
	case -1:
		return db.ErrNotFound
	case 0:
		return db.ErrConflict
	}
	return nil
}

func (s *Store) UpsertAttempt(ctx context.Context, a *db.NotificationAttempt) (*db.NotificationAttempt, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal attempt: %w", err)
	}

	keys := []string{attemptsKey(a.AlertID), attemptMetaKey(a.AlertID)}
	res, err := upsertAttemptScript.Run(ctx, s.client.rdb, keys, a.Key(), string(a.Outcome), data).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis upsert attempt: %w", err)
	}

	raw, _ := res[1].(string)
	var stored db.NotificationAttempt
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	count, _ := res[2].(int64)
	stored.AttemptCount = int(count)
	return &stored, nil
}

func (s *Store) ListAttempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error) {
	pipe := s.client.rdb.Pipeline()
	rowsCmd := pipe.HGetAll(ctx, attemptsKey(alertID))
	metaCmd := pipe.HGetAll(ctx, attemptMetaKey(alertID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list attempts: %w", err)
	}

	meta := metaCmd.Val()
	attempts := make([]*db.NotificationAttempt, 0, len(rowsCmd.Val()))
	for field, raw := range rowsCmd.Val() {
		var a db.NotificationAttempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode attempt %s: %w", field, err)
		}
		a.AttemptCount = parseCount(meta[field])
		attempts = append(attempts, &a)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Key() < attempts[j].Key() })
	return attempts, nil
}

func decodeAlert(v any) (*db.Alert, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected alert payload %T", v)
	}
	var a db.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	return &a, nil
}

// parseCount reads the count out of an "OUTCOME|count" meta value.
func parseCount(meta string) int {
	i := strings.LastIndexByte(meta, '|')
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(meta[i+1:])
	return n
}

func containsKind(kinds []db.ZoneKind, k db.ZoneKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
