// Package notify delivers maintenance reminder emails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"
)

// ErrInvalidReminder is returned before any provider call when the reminder
// lacks a recipient.
var ErrInvalidReminder = errors.New("invalid reminder")

// Reminder is everything a provider needs to render one message.
type Reminder struct {
	RecipientEmail     string
	RecipientName      string
	BikeID             string
	BikeName           string
	ServiceDescription string
	DueDate            time.Time
	DaysUntil          int
	BikeURL            string
}

// Result carries the provider's identifier for an accepted message.
type Result struct {
	MessageID string
}

// Notifier sends reminders. A returned error means the message was not
// accepted; the caller decides whether to retry.
type Notifier interface {
	SendMaintenanceReminder(ctx context.Context, r Reminder) (Result, error)
}

func (r Reminder) validate() error {
	if r.RecipientEmail == "" {
		return fmt.Errorf("%w: missing recipient email", ErrInvalidReminder)
	}
	return nil
}

func (r Reminder) subject() string {
	return fmt.Sprintf("Upcoming maintenance for %s: %s", r.BikeName, r.ServiceDescription)
}

func (r Reminder) when() string {
	switch r.DaysUntil {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	default:
		return fmt.Sprintf("in %d days", r.DaysUntil)
	}
}

func (r Reminder) greetingName() string {
	if r.RecipientName != "" {
		return r.RecipientName
	}
	return "there"
}

func (r Reminder) plainText() string {
	return fmt.Sprintf("Hello %s, %s on %s is due %s (%s). View your bike: %s",
		r.greetingName(), r.ServiceDescription, r.BikeName, r.when(),
		r.DueDate.Format("Mon Jan 2, 2006"), r.BikeURL)
}

func (r Reminder) htmlBody() string {
	return fmt.Sprintf("<p>Hello %s,</p><p><strong>%s</strong> on <strong>%s</strong> is due %s (%s).</p><p><a href=\"%s\">View your bike</a></p>",
		html.EscapeString(r.greetingName()),
		html.EscapeString(r.ServiceDescription),
		html.EscapeString(r.BikeName),
		r.when(),
		r.DueDate.Format("Mon Jan 2, 2006"),
		html.EscapeString(r.BikeURL))
}
