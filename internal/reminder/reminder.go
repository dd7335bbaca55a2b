// Package reminder decides which scheduled maintenance needs a reminder and
// turns queued reminder jobs into at most one email per (maintenance, user).
package reminder

import (
	"context"
	"math"
	"time"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/queue"
)

// Store is the persistence the scanner and handler need. *store.Store
// satisfies it; lookups that match nothing return store.ErrNotFound.
type Store interface {
	FindScheduledMaintenanceNeedingReminder(ctx context.Context, since time.Time) ([]models.ScheduledMaintenance, error)
	FindScheduledMaintenanceByID(ctx context.Context, id string) (models.ScheduledMaintenance, error)
	FindDeliveryRecord(ctx context.Context, userID, scheduledMaintenanceID string, statuses ...models.DeliveryStatus) (models.DeliveryRecord, error)
	CreateDeliveryRecord(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, error)
	UpdateDeliveryRecord(ctx context.Context, id string, u models.DeliveryUpdate) error
	GetUserNotificationPreference(ctx context.Context, userID string) (models.NotificationPreference, error)
	ReconcileStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Enqueuer is the part of queue.Queue the scanner uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.ReminderJob, delay time.Duration) (queue.Handle, error)
}

// reminderHour is the local hour reminders fire on their lead day.
const reminderHour = 9

// FireTime is the moment a reminder for a service due on scheduled becomes
// eligible: daysBefore calendar days earlier at 09:00 in loc.
func FireTime(scheduled time.Time, daysBefore int, loc *time.Location) time.Time {
	y, m, d := scheduled.In(loc).Date()
	return time.Date(y, m, d-daysBefore, reminderHour, 0, 0, 0, loc)
}

// DaysUntil rounds the remaining time up to whole days.
func DaysUntil(scheduled, now time.Time) int {
	return int(math.Ceil(scheduled.Sub(now).Hours() / 24))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
