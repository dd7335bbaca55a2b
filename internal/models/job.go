package models

import (
	"fmt"
	"time"
)

// KindMaintenanceReminder is the only job kind the queue executes.
const KindMaintenanceReminder = "maintenance-reminder"

// ReminderJob carries everything the send needs, denormalized at enqueue time.
type ReminderJob struct {
	ScheduledMaintenanceID string    `json:"scheduled_maintenance_id"`
	UserID                 string    `json:"user_id"`
	BikeID                 string    `json:"bike_id"`
	BikeName               string    `json:"bike_name"`
	ServiceDescription     string    `json:"service_description"`
	ScheduledDate          time.Time `json:"scheduled_date"`
	DaysUntilMaintenance   int       `json:"days_until_maintenance"`
}

// DedupKey identifies a reminder by (scheduled maintenance, user).
func (r ReminderJob) DedupKey() string {
	return fmt.Sprintf("reminder:%s:%s", r.ScheduledMaintenanceID, r.UserID)
}

// Job is the queue envelope around a ReminderJob.
type Job struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Reminder    ReminderJob `json:"reminder"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	RunAt       time.Time   `json:"run_at"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	LastError   *string     `json:"last_error,omitempty"`
}

// QueueStats is recomputed on demand and never persisted.
type QueueStats struct {
	Backend   string `json:"backend"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}
