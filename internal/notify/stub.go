package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// StubNotifier logs reminders instead of sending them. It is selected when no
// provider key is configured.
type StubNotifier struct {
	logger *slog.Logger
}

func NewStubNotifier(logger *slog.Logger) *StubNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubNotifier{logger: logger.With("component", "notify.stub")}
}

func (s *StubNotifier) SendMaintenanceReminder(_ context.Context, r Reminder) (Result, error) {
	if err := r.validate(); err != nil {
		return Result{}, err
	}
	id := "stub-" + uuid.NewString()
	s.logger.Info("reminder email (stub)",
		"recipient", r.RecipientEmail,
		"subject", r.subject(),
		"bike_url", r.BikeURL,
		"message_id", id,
	)
	return Result{MessageID: id}, nil
}

// New picks the SendGrid notifier when an API key is present and the stub
// otherwise.
func New(cfg SendGridConfig) Notifier {
	if cfg.APIKey == "" {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("SENDGRID_API_KEY not set, reminder emails will be logged only")
		return NewStubNotifier(logger)
	}
	return NewSendGridNotifier(cfg)
}
