package models

import "time"

// Bike is the subset of the bike row the reminder pipeline reads.
type Bike struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// User is the recipient side of a reminder.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ScheduledMaintenance is a future service on a bike. The pipeline never mutates it.
type ScheduledMaintenance struct {
	ID                     string    `json:"id"`
	BikeID                 string    `json:"bike_id"`
	ScheduledDate          time.Time `json:"scheduled_date"`
	ServiceDescription     string    `json:"service_description"`
	NotificationDaysBefore *int      `json:"notification_days_before,omitempty"`
	IsCompleted            bool      `json:"is_completed"`
	Bike                   Bike      `json:"bike"`
	Owner                  User      `json:"owner"`
}

// NotificationPreference holds the per-user reminder opt-in.
type NotificationPreference struct {
	UserID                      string `json:"user_id"`
	MaintenanceRemindersEnabled bool   `json:"maintenance_reminders_enabled"`
}
