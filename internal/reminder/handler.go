package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/notify"
	"maintenance-reminders/internal/store"
	"maintenance-reminders/internal/telemetry"
)

// Handler executes maintenance-reminder jobs. Running it twice for the same
// job sends at most one email once a sent record exists.
type Handler struct {
	store    Store
	notifier notify.Notifier
	baseURL  string
	logger   *slog.Logger
	now      func() time.Time
	// markSentBackoff spaces the attempts to record a delivered email.
	markSentBackoff time.Duration
}

const markSentAttempts = 3

func NewHandler(st Store, n notify.Notifier, appBaseURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		notifier: n,
		baseURL:  strings.TrimRight(appBaseURL, "/"),
		logger:   logger.With("component", "reminder.handler"),
		now:      time.Now,

		markSentBackoff: 200 * time.Millisecond,
	}
}

// Handle matches queue.HandlerFunc. Preconditions that no longer hold end the
// job with nil; send and delivery-record failures are returned for retry.
func (h *Handler) Handle(ctx context.Context, job models.Job) error {
	r := job.Reminder
	log := h.logger.With(
		"job_id", job.ID,
		"attempt", job.Attempts,
		"scheduled_maintenance_id", r.ScheduledMaintenanceID,
		"user_id", r.UserID,
	)

	sm, err := h.store.FindScheduledMaintenanceByID(ctx, r.ScheduledMaintenanceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("scheduled maintenance no longer exists, skipping reminder")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduled maintenance: %w", err)
	}
	if sm.IsCompleted {
		log.Info("maintenance already completed, skipping reminder")
		return nil
	}

	pref, err := h.store.GetUserNotificationPreference(ctx, r.UserID)
	if err != nil {
		log.Warn("notification preference lookup failed, assuming enabled", "error", err)
		pref.MaintenanceRemindersEnabled = true
	}
	if !pref.MaintenanceRemindersEnabled {
		log.Info("user opted out of maintenance reminders")
		return nil
	}

	_, err = h.store.FindDeliveryRecord(ctx, r.UserID, r.ScheduledMaintenanceID, models.DeliverySent)
	if err == nil {
		log.Info("reminder already sent")
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check delivery record: %w", err)
	}

	rec, err := h.store.CreateDeliveryRecord(ctx, models.DeliveryRecord{
		UserID:                 r.UserID,
		ScheduledMaintenanceID: r.ScheduledMaintenanceID,
		Status:                 models.DeliveryPending,
		Recipient:              sm.Owner.Email,
	})
	if err != nil {
		return fmt.Errorf("create delivery record: %w", err)
	}

	res, sendErr := h.notifier.SendMaintenanceReminder(ctx, notify.Reminder{
		RecipientEmail:     sm.Owner.Email,
		RecipientName:      sm.Owner.Name,
		BikeID:             r.BikeID,
		BikeName:           r.BikeName,
		ServiceDescription: r.ServiceDescription,
		DueDate:            sm.ScheduledDate,
		DaysUntil:          r.DaysUntilMaintenance,
		BikeURL:            h.bikeURL(r.BikeID),
	})
	if sendErr != nil {
		msg := sendErr.Error()
		if err := h.store.UpdateDeliveryRecord(ctx, rec.ID, models.DeliveryUpdate{
			Status:       models.DeliveryFailed,
			ErrorMessage: &msg,
		}); err != nil {
			log.Error("mark delivery failed", "delivery_id", rec.ID, "error", err)
		}
		telemetry.Deliveries.WithLabelValues(string(models.DeliveryFailed)).Inc()
		log.Warn("reminder send failed", "delivery_id", rec.ID, "error", sendErr)
		return fmt.Errorf("send reminder: %w", sendErr)
	}

	sentAt := h.now()
	msgID := res.MessageID
	if err := h.markSent(ctx, rec.ID, models.DeliveryUpdate{
		Status:    models.DeliverySent,
		MessageID: &msgID,
		SentAt:    &sentAt,
	}); err != nil {
		// The email went out, so the job is not retried. The record stays
		// pending until a scan marks it stale.
		log.Error("mark delivery sent", "delivery_id", rec.ID, "message_id", msgID, "error", err)
	}
	telemetry.Deliveries.WithLabelValues(string(models.DeliverySent)).Inc()
	log.Info("reminder sent",
		"delivery_id", rec.ID,
		"message_id", msgID,
		"days_until", r.DaysUntilMaintenance,
	)
	return nil
}

func (h *Handler) bikeURL(bikeID string) string {
	return h.baseURL + "/bikes/" + bikeID
}

// markSent records a delivered email, retrying transient store errors.
func (h *Handler) markSent(ctx context.Context, id string, u models.DeliveryUpdate) error {
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		if err = h.store.UpdateDeliveryRecord(ctx, id, u); err == nil {
			return nil
		}
		if attempt == markSentAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(h.markSentBackoff * time.Duration(attempt)):
		}
	}
	return err
}
