package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/store"
	"maintenance-reminders/internal/telemetry"
)

// Outcome classifies one scanned row.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeSkipped   Outcome = "skipped"
)

// DefaultSchedule fires the scan every day at 09:00.
const DefaultSchedule = "0 9 * * *"

// ScanResult summarises one scan.
type ScanResult struct {
	Total          int           `json:"total"`
	Sent           int           `json:"sent"`
	Scheduled      int           `json:"scheduled"`
	Skipped        int           `json:"skipped"`
	AlreadyRunning bool          `json:"already_running"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

func (r *ScanResult) add(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeScheduled:
		r.Scheduled++
	default:
		r.Skipped++
	}
}

// Scanner enqueues reminder jobs for upcoming scheduled maintenance. Only one
// scan runs at a time per process.
type Scanner struct {
	store      Store
	queue      Enqueuer
	logger     *slog.Logger
	loc        *time.Location
	now        func() time.Time
	cronExpr   string
	staleAfter time.Duration

	running atomic.Bool

	mu       sync.Mutex
	cron     *cron.Cron
	schedule cron.Schedule
}

type ScannerOption func(*Scanner)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// WithLocation sets the timezone that "today" and 09:00 refer to.
func WithLocation(loc *time.Location) ScannerOption {
	return func(s *Scanner) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithSchedule sets the standard five-field cron expression used by Start.
func WithSchedule(expr string) ScannerOption {
	return func(s *Scanner) { s.cronExpr = expr }
}

// WithStaleAfter sets how old a pending delivery record must be before a scan
// marks it failed. Zero disables reconciliation.
func WithStaleAfter(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.staleAfter = d }
}

func NewScanner(st Store, q Enqueuer, logger *slog.Logger, opts ...ScannerOption) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		store:      st,
		queue:      q,
		logger:     logger.With("component", "reminder.scanner"),
		loc:        time.UTC,
		now:        time.Now,
		cronExpr:   DefaultSchedule,
		staleAfter: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the scan with the cron runner. Calling it twice is a no-op.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	schedule, err := cron.ParseStandard(s.cronExpr)
	if err != nil {
		return fmt.Errorf("parse scan schedule %q: %w", s.cronExpr, err)
	}
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(schedule, cron.FuncJob(func() {
		// Scan logs its own failures.
		_, _ = s.Scan(context.Background())
	}))
	c.Start()
	s.cron = c
	s.schedule = schedule
	s.logger.Info("reminder scanner started", "schedule", s.cronExpr, "timezone", s.loc.String())
	return nil
}

// Stop halts the cron runner and waits for a running scan, bounded by ctx.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.schedule = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("reminder scanner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRunTime reports the next scheduled scan. ok is false when the scanner
// is not started.
func (s *Scanner) NextRunTime() (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return time.Time{}, false
	}
	next = s.schedule.Next(s.now().In(s.loc))
	return next, !next.IsZero()
}

func (s *Scanner) IsScanning() bool {
	return s.running.Load()
}

// TriggerManualScan runs a scan immediately, outside the cron schedule.
func (s *Scanner) TriggerManualScan(ctx context.Context) (ScanResult, error) {
	s.logger.Info("manual scan triggered")
	return s.Scan(ctx)
}

// Scan evaluates every incomplete maintenance due today or later and enqueues
// reminders for the ones without a sent or pending delivery. A scan started
// while another is running returns AlreadyRunning without doing anything.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("scan already in progress, skipping")
		return ScanResult{AlreadyRunning: true}, nil
	}
	defer s.running.Store(false)

	began := time.Now()
	now := s.now().In(s.loc)
	res := ScanResult{StartedAt: now}

	if s.staleAfter > 0 {
		n, err := s.store.ReconcileStalePending(ctx, now.Add(-s.staleAfter))
		if err != nil {
			s.logger.Warn("reconcile stale pending deliveries", "error", err)
		} else if n > 0 {
			s.logger.Warn("marked stale pending deliveries failed", "count", n)
		}
	}

	rows, err := s.store.FindScheduledMaintenanceNeedingReminder(ctx, startOfDay(now))
	if err != nil {
		telemetry.ScanRuns.WithLabelValues("error").Inc()
		s.logger.Error("reminder scan failed", "error", err)
		return res, fmt.Errorf("find scheduled maintenance: %w", err)
	}

	for _, sm := range rows {
		res.Total++
		outcome, err := s.evaluate(ctx, sm, now)
		if err != nil {
			s.logger.Warn("scan row failed, skipping", "scheduled_maintenance_id", sm.ID, "error", err)
			outcome = OutcomeSkipped
		}
		res.add(outcome)
		telemetry.ScanOutcomes.WithLabelValues(string(outcome)).Inc()
	}

	res.Duration = time.Since(began)
	telemetry.ScanRuns.WithLabelValues("ok").Inc()
	s.logger.Info("reminder scan finished",
		"total", res.Total,
		"sent", res.Sent,
		"scheduled", res.Scheduled,
		"skipped", res.Skipped,
		"duration", res.Duration,
	)
	return res, nil
}

func (s *Scanner) evaluate(ctx context.Context, sm models.ScheduledMaintenance, now time.Time) (Outcome, error) {
	if sm.NotificationDaysBefore == nil || *sm.NotificationDaysBefore <= 0 {
		return OutcomeSkipped, nil
	}
	userID := sm.Bike.OwnerID

	_, err := s.store.FindDeliveryRecord(ctx, userID, sm.ID, models.DeliverySent, models.DeliveryPending)
	if err == nil {
		return OutcomeSkipped, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return OutcomeSkipped, fmt.Errorf("check delivery record: %w", err)
	}

	fire := FireTime(sm.ScheduledDate, *sm.NotificationDaysBefore, s.loc)
	daysUntil := DaysUntil(sm.ScheduledDate, now)

	var (
		delay   time.Duration
		outcome Outcome
	)
	switch {
	case !fire.After(now) && daysUntil >= 0:
		outcome = OutcomeSent
	case fire.After(now):
		delay = fire.Sub(now)
		outcome = OutcomeScheduled
	default:
		return OutcomeSkipped, nil
	}

	h, err := s.queue.Enqueue(ctx, models.ReminderJob{
		ScheduledMaintenanceID: sm.ID,
		UserID:                 userID,
		BikeID:                 sm.Bike.ID,
		BikeName:               sm.Bike.Name,
		ServiceDescription:     sm.ServiceDescription,
		ScheduledDate:          sm.ScheduledDate,
		DaysUntilMaintenance:   daysUntil,
	}, delay)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("enqueue reminder: %w", err)
	}
	if h.Duplicate {
		s.logger.Debug("reminder already queued", "job_id", h.ID, "run_at", h.RunAt)
		return OutcomeSkipped, nil
	}
	s.logger.Debug("reminder enqueued", "job_id", h.ID, "outcome", outcome, "delay", delay)
	return outcome, nil
}
