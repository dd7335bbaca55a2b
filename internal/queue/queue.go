package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maintenance-reminders/internal/config"
	"maintenance-reminders/internal/models"
)

// History retention applied by Clean.
const (
	CompletedRetention = 24 * time.Hour
	FailedRetention    = 7 * 24 * time.Hour
)

// History size caps used when Options leaves them unset.
const (
	DefaultCompletedLimit = 100
	DefaultFailedLimit    = 500
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownKind fails a job terminally; it is never retried.
	ErrUnknownKind = errors.New("unknown job kind")
)

// HandlerFunc executes one job attempt. A non-nil error schedules a retry
// until the attempt budget is spent.
type HandlerFunc func(ctx context.Context, job models.Job) error

// Handle describes the outcome of Enqueue.
type Handle struct {
	ID        string
	RunAt     time.Time
	Duplicate bool
}

// CleanResult counts history entries removed by Clean.
type CleanResult struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is implemented by the Redis and in-memory backends. Callers never
// branch on which one is active.
type Queue interface {
	// Register binds a handler to a job kind. Call before Start.
	Register(kind string, h HandlerFunc)
	// Enqueue admits a reminder job. While a job with the same dedup key is
	// outstanding the call is a no-op and the handle reports Duplicate.
	Enqueue(ctx context.Context, job models.ReminderJob, delay time.Duration) (Handle, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Clean(ctx context.Context) (CleanResult, error)
	// History returns retained completed (or failed) jobs, newest first. A
	// limit <= 0 returns all of them.
	History(ctx context.Context, failed bool, limit int64) ([]models.Job, error)
	// Start launches the worker pool. Workers stop when ctx is cancelled or
	// Close is called.
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Backend() string
}

// Options tunes worker, retry and history behaviour for both backends.
type Options struct {
	Concurrency        int
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	MaxAttempts        int
	Backoff            BackoffFunc
	CompletedLimit     int
	FailedLimit        int
	ScheduledBatchSize int
	Logger             *slog.Logger
	Now                func() time.Time
}

// OptionsFromConfig maps service configuration onto queue options.
func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		MaxAttempts:        cfg.MaxAttempts,
		Backoff:            ExponentialBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		CompletedLimit:     cfg.HistoryCompletedLimit,
		FailedLimit:        cfg.HistoryFailedLimit,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
		Logger:             logger,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(2*time.Minute, time.Hour)
	}
	if o.CompletedLimit <= 0 {
		o.CompletedLimit = DefaultCompletedLimit
	}
	if o.FailedLimit <= 0 {
		o.FailedLimit = DefaultFailedLimit
	}
	if o.ScheduledBatchSize <= 0 {
		o.ScheduledBatchSize = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// router maps job kinds to handlers. Shared by both backends.
type router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func (r *router) Register(kind string, h HandlerFunc) {
	if kind == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]HandlerFunc)
	}
	r.handlers[kind] = h
}

func (r *router) dispatch(ctx context.Context, job models.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, job.Kind)
	}
	return h(ctx, job)
}

func newJob(r models.ReminderJob, now time.Time, delay time.Duration, maxAttempts int) models.Job {
	if delay < 0 {
		delay = 0
	}
	return models.Job{
		ID:          r.DedupKey(),
		Kind:        models.KindMaintenanceReminder,
		Reminder:    r,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(delay),
		EnqueuedAt:  now,
	}
}

// terminal reports whether a failed attempt must not be retried.
func terminal(job models.Job, err error) bool {
	return errors.Is(err, ErrUnknownKind) || job.Attempts >= job.MaxAttempts
}
