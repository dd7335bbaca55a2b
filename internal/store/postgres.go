package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"maintenance-reminders/internal/models"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const maintenanceColumns = `
	sm.id, sm.bike_id, sm.scheduled_date, sm.service_description, sm.notification_days_before, sm.is_completed,
	b.id, b.name, b.owner_id,
	u.id, u.email, u.name
`

const maintenanceJoins = `
	FROM scheduled_maintenance sm
	JOIN bikes b ON b.id = sm.bike_id
	JOIN users u ON u.id = b.owner_id
`

// FindScheduledMaintenanceNeedingReminder lists incomplete rows due on or after
// since that carry a positive reminder lead time.
func (s *Store) FindScheduledMaintenanceNeedingReminder(ctx context.Context, since time.Time) ([]models.ScheduledMaintenance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+maintenanceColumns+maintenanceJoins+`
		WHERE sm.is_completed = FALSE
		  AND sm.scheduled_date >= $1
		  AND sm.notification_days_before IS NOT NULL
		  AND sm.notification_days_before > 0
		ORDER BY sm.scheduled_date ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query scheduled maintenance: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledMaintenance
	for rows.Next() {
		sm, err := scanMaintenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled maintenance: %w", err)
	}
	return out, nil
}

// FindScheduledMaintenanceByID returns ErrNotFound when the row is gone.
func (s *Store) FindScheduledMaintenanceByID(ctx context.Context, id string) (models.ScheduledMaintenance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+maintenanceColumns+maintenanceJoins+` WHERE sm.id = $1`, id)
	sm, err := scanMaintenance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledMaintenance{}, fmt.Errorf("scheduled maintenance %s: %w", id, ErrNotFound)
	}
	return sm, err
}

func scanMaintenance(row pgx.Row) (models.ScheduledMaintenance, error) {
	var sm models.ScheduledMaintenance
	var daysBefore pgtype.Int4
	if err := row.Scan(
		&sm.ID, &sm.BikeID, &sm.ScheduledDate, &sm.ServiceDescription, &daysBefore, &sm.IsCompleted,
		&sm.Bike.ID, &sm.Bike.Name, &sm.Bike.OwnerID,
		&sm.Owner.ID, &sm.Owner.Email, &sm.Owner.Name,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sm, err
		}
		return sm, fmt.Errorf("scan scheduled maintenance: %w", err)
	}
	if daysBefore.Valid {
		n := int(daysBefore.Int32)
		sm.NotificationDaysBefore = &n
	}
	return sm, nil
}

// FindDeliveryRecord returns the newest record for the pair whose status is in
// statuses, or ErrNotFound.
func (s *Store) FindDeliveryRecord(ctx context.Context, userID, scheduledMaintenanceID string, statuses ...models.DeliveryStatus) (models.DeliveryRecord, error) {
	want := make([]string, 0, len(statuses))
	for _, st := range statuses {
		want = append(want, string(st))
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, scheduled_maintenance_id, status, recipient, message_id, error_message, created_at, sent_at
		FROM email_logs
		WHERE user_id = $1 AND scheduled_maintenance_id = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, scheduledMaintenanceID, want)

	var rec models.DeliveryRecord
	var id uuid.UUID
	var status string
	var msgID, errMsg pgtype.Text
	var sentAt pgtype.Timestamptz
	if err := row.Scan(&id, &rec.UserID, &rec.ScheduledMaintenanceID, &status, &rec.Recipient, &msgID, &errMsg, &rec.CreatedAt, &sentAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeliveryRecord{}, ErrNotFound
		}
		return models.DeliveryRecord{}, fmt.Errorf("scan delivery record: %w", err)
	}
	rec.ID = id.String()
	rec.Status = models.DeliveryStatus(status)
	rec.MessageID = textPtr(msgID)
	rec.ErrorMessage = textPtr(errMsg)
	if sentAt.Valid {
		t := sentAt.Time
		rec.SentAt = &t
	}
	return rec, nil
}

// CreateDeliveryRecord inserts a record, assigning id and created_at when unset.
func (s *Store) CreateDeliveryRecord(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	uid, err := uuid.Parse(rec.ID)
	if err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("delivery record id: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_logs (id, user_id, scheduled_maintenance_id, status, recipient, message_id, error_message, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uid, rec.UserID, rec.ScheduledMaintenanceID, string(rec.Status), rec.Recipient, rec.MessageID, rec.ErrorMessage, rec.CreatedAt, rec.SentAt)
	if err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("insert delivery record: %w", err)
	}
	return rec, nil
}

// UpdateDeliveryRecord applies a status transition to one record.
func (s *Store) UpdateDeliveryRecord(ctx context.Context, id string, u models.DeliveryUpdate) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("delivery record id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_logs
		SET status = $2,
		    message_id = COALESCE($3, message_id),
		    error_message = COALESCE($4, error_message),
		    sent_at = COALESCE($5, sent_at)
		WHERE id = $1
	`, uid, string(u.Status), u.MessageID, u.ErrorMessage, u.SentAt)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery record %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetUserNotificationPreference treats a missing row as reminders enabled.
func (s *Store) GetUserNotificationPreference(ctx context.Context, userID string) (models.NotificationPreference, error) {
	pref := models.NotificationPreference{UserID: userID, MaintenanceRemindersEnabled: true}
	err := s.pool.QueryRow(ctx, `
		SELECT maintenance_reminders_enabled FROM notification_preferences WHERE user_id = $1
	`, userID).Scan(&pref.MaintenanceRemindersEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return pref, nil
	}
	if err != nil {
		return pref, fmt.Errorf("query notification preference: %w", err)
	}
	return pref, nil
}

// ReconcileStalePending fails pending records created before cutoff. A pending
// row that old means the process died between the insert and the send result.
func (s *Store) ReconcileStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_logs
		SET status = $1, error_message = 'stale pending delivery'
		WHERE status = $2 AND created_at < $3
	`, string(models.DeliveryFailed), string(models.DeliveryPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile pending delivery records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
