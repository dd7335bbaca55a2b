package models

import "time"

// DeliveryStatus enumerates the email log states persisted in Postgres.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is one reminder attempt. It is the source of truth for
// whether a reminder already went out.
type DeliveryRecord struct {
	ID                     string         `json:"id"`
	UserID                 string         `json:"user_id"`
	ScheduledMaintenanceID string         `json:"scheduled_maintenance_id"`
	Status                 DeliveryStatus `json:"status"`
	Recipient              string         `json:"recipient"`
	MessageID              *string        `json:"message_id,omitempty"`
	ErrorMessage           *string        `json:"error_message,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	SentAt                 *time.Time     `json:"sent_at,omitempty"`
}

// DeliveryUpdate is the set of fields a status transition writes.
type DeliveryUpdate struct {
	Status       DeliveryStatus
	MessageID    *string
	ErrorMessage *string
	SentAt       *time.Time
}
