package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the primary storage backend. Every conditional write is a
// single SQL statement so concurrent orchestrators cannot both win.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Name() string { return "postgres" }

func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// openStatusSQL must match OpenStatuses and the partial unique index.
const openStatusSQL = `('CREATED', 'NOTIFYING', 'NOTIFIED', 'NOTIFICATION_FAILED')`

const alertColumns = `
	id, user_id, type, severity, status,
	location_lat, location_lon, location_accuracy, location_at,
	message, zone_id, created_at, updated_at,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_note
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Type,
		&a.Severity,
		&a.Status,
		&a.Location.Lat,
		&a.Location.Lon,
		&a.Location.Accuracy,
		&a.Location.Timestamp,
		&a.Message,
		&a.ZoneID,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.AcknowledgedBy,
		&a.AcknowledgedAt,
		&a.ResolvedBy,
		&a.ResolvedAt,
		&a.ResolutionNote,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActiveUserIDs returns the ids of users flagged active.
func (r *Repository) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id FROM users WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan active users: %w", err)
	}
	return ids, nil
}

// GetUser loads a user with their emergency contacts in list order.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, phone, email, push_endpoint, is_active,
			location_lat, location_lon, location_accuracy, location_at
		FROM users
		WHERE id = $1
	`

	var (
		u        User
		lat, lon *float64
		accuracy *float64
		at       *time.Time
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Phone, &u.Email, &u.PushEndpoint, &u.IsActive,
		&lat, &lon, &accuracy, &at,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	if lat != nil && lon != nil && at != nil {
		u.Location = &Location{Lat: *lat, Lon: *lon, Timestamp: *at}
		if accuracy != nil {
			u.Location.Accuracy = *accuracy
		}
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, name, phone, email
		FROM emergency_contacts
		WHERE user_id = $1
		ORDER BY position, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	u.Contacts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Contact, error) {
		var c Contact
		err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan contacts: %w", err)
	}

	return &u, nil
}

// ListUsers returns every user, used to replicate into the secondary.
func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}

	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := r.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// UpdateUserLocation stamps the last known location.
func (r *Repository) UpdateUserLocation(ctx context.Context, id string, loc Location) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE users
		SET location_lat = $1, location_lon = $2, location_accuracy = $3,
			location_at = $4, updated_at = NOW()
		WHERE id = $5
	`, loc.Lat, loc.Lon, loc.Accuracy, loc.Timestamp, id)
	if err != nil {
		return fmt.Errorf("update user location: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListZones returns zones ordered by id, filtered by kind when kinds are given.
func (r *Repository) ListZones(ctx context.Context, kinds ...ZoneKind) ([]*Zone, error) {
	query := `
		SELECT id, name, center_lat, center_lon, radius_meters, kind, risk_factors, recommendation
		FROM zones
	`
	var args []any
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		query += ` WHERE kind = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	zones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Zone, error) {
		var z Zone
		err := row.Scan(&z.ID, &z.Name, &z.Lat, &z.Lon, &z.RadiusMeters, &z.Kind, &z.RiskFactors, &z.Recommendation)
		return &z, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan zones: %w", err)
	}
	return zones, nil
}

// CreateAlertIfAbsent inserts against the partial unique index on open
// alerts. On conflict it returns the alert that holds the slot. If that
// alert closes between the insert and the lookup, the insert is retried.
func (r *Repository) CreateAlertIfAbsent(ctx context.Context, a *Alert) (*Alert, bool, error) {
	insert := `
		INSERT INTO alerts (
			id, user_id, type, severity, status,
			location_lat, location_lon, location_accuracy, location_at,
			message, zone_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, type) WHERE status IN ` + openStatusSQL + ` DO NOTHING
		RETURNING ` + alertColumns

	existing := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1 AND type = $2 AND status IN ` + openStatusSQL

	for attempt := 0; attempt < 3; attempt++ {
		created, err := scanAlert(r.db.Pool().QueryRow(ctx, insert,
			a.ID, a.UserID, a.Type, a.Severity, a.Status,
			a.Location.Lat, a.Location.Lon, a.Location.Accuracy, a.Location.Timestamp,
			a.Message, a.ZoneID, a.CreatedAt, a.UpdatedAt,
		))
		if err == nil {
			r.logger.Info("alert created",
				zap.String("alert_id", created.ID),
				zap.String("user_id", created.UserID),
				zap.String("type", string(created.Type)),
			)
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert alert: %w", err)
		}

		open, err := scanAlert(r.db.Pool().QueryRow(ctx, existing, a.UserID, a.Type))
		if err == nil {
			return open, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("query open alert: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert alert for user %s: %w", a.UserID, ErrConflict)
}

func (r *Repository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(r.db.Pool().QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// ListAlertsByStatus returns the newest alerts in a status.
func (r *Repository) ListAlertsByStatus(ctx context.Context, status AlertStatus, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Alert, error) {
		return scanAlert(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan alerts: %w", err)
	}
	return alerts, nil
}

// CompareAndSetAlert updates the mutable alert columns only if the stored
// status still equals expected.
func (r *Repository) CompareAndSetAlert(ctx context.Context, a *Alert, expected AlertStatus) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET status = $1, updated_at = $2,
			acknowledged_by = $3, acknowledged_at = $4,
			resolved_by = $5, resolved_at = $6, resolution_note = $7
		WHERE id = $8 AND status = $9
	`, a.Status, a.UpdatedAt,
		a.AcknowledgedBy, a.AcknowledgedAt,
		a.ResolvedBy, a.ResolvedAt, a.ResolutionNote,
		a.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check alert: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

const attemptColumns = `alert_id, channel, recipient, outcome, attempted_at, error, attempt_count`

func scanAttempt(row rowScanner) (*NotificationAttempt, error) {
	var a NotificationAttempt
	err := row.Scan(&a.AlertID, &a.Channel, &a.Recipient, &a.Outcome, &a.AttemptedAt, &a.Error, &a.AttemptCount)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAttempt writes the attempt row. The WHERE on the conflict branch
// keeps a SENT row untouched; in that case the stored row is returned.
func (r *Repository) UpsertAttempt(ctx context.Context, a *NotificationAttempt) (*NotificationAttempt, error) {
	stored, err := scanAttempt(r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (alert_id, channel, recipient) DO UPDATE
		SET outcome = EXCLUDED.outcome,
			attempted_at = EXCLUDED.attempted_at,
			error = EXCLUDED.error,
			attempt_count = notification_attempts.attempt_count + 1
		WHERE notification_attempts.outcome <> 'SENT'
		RETURNING `+attemptColumns,
		a.AlertID, a.Channel, a.Recipient, a.Outcome, a.AttemptedAt, a.Error,
	))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upsert attempt: %w", err)
	}

	stored, err = scanAttempt(r.db.Pool().QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM notification_attempts
		WHERE alert_id = $1 AND channel = $2 AND recipient = $3
	`, a.AlertID, a.Channel, a.Recipient))
	if err != nil {
		return nil, fmt.Errorf("query sent attempt: %w", err)
	}
	return stored, nil
}

func (r *Repository) ListAttempts(ctx context.Context, alertID string) ([]*NotificationAttempt, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+attemptColumns+`
		FROM notification_attempts
		WHERE alert_id = $1
		ORDER BY channel, recipient
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*NotificationAttempt, error) {
		return scanAttempt(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return attempts, nil
}
