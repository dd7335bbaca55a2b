package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sony/gobreaker/v2"
)

// mailSender is satisfied by *sendgrid.Client.
type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridConfig holds sender identity and credentials.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Logger    *slog.Logger
}

// SendGridNotifier sends reminders through the SendGrid v3 API. Calls go
// through a circuit breaker so a provider outage fails jobs fast and lets the
// queue's backoff absorb it.
type SendGridNotifier struct {
	client    mailSender
	breaker   *gobreaker.CircuitBreaker[*rest.Response]
	fromEmail string
	fromName  string
	logger    *slog.Logger
}

// NewSendGridNotifier builds a notifier backed by the SendGrid client.
func NewSendGridNotifier(cfg SendGridConfig) *SendGridNotifier {
	return newSendGridNotifier(sendgrid.NewSendClient(cfg.APIKey), cfg)
}

func newSendGridNotifier(client mailSender, cfg SendGridConfig) *SendGridNotifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify.sendgrid")

	cb := gobreaker.NewCircuitBreaker[*rest.Response](gobreaker.Settings{
		Name:        "sendgrid",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &SendGridNotifier{
		client:    client,
		breaker:   cb,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

// SendMaintenanceReminder renders and sends one reminder email.
func (s *SendGridNotifier) SendMaintenanceReminder(ctx context.Context, r Reminder) (Result, error) {
	if err := r.validate(); err != nil {
		return Result{}, err
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(r.RecipientName, r.RecipientEmail)
	message := mail.NewSingleEmail(from, r.subject(), to, r.plainText(), r.htmlBody())

	resp, err := s.breaker.Execute(func() (*rest.Response, error) {
		resp, err := s.client.SendWithContext(ctx, message)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return resp, fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, resp.Body)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("sendgrid unavailable: %w", err)
		}
		return Result{}, fmt.Errorf("send reminder to %s: %w", r.RecipientEmail, err)
	}

	msgID := messageID(resp.Headers)
	s.logger.Info("reminder email accepted",
		"recipient", r.RecipientEmail,
		"bike_id", r.BikeID,
		"message_id", msgID,
	)
	return Result{MessageID: msgID}, nil
}

func messageID(headers map[string][]string) string {
	for _, k := range []string{"X-Message-Id", "X-Message-ID", "x-message-id"} {
		if v := headers[k]; len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
