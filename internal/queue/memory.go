package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/telemetry"
)

// BackendMemory names the process-local backend.
const BackendMemory = "memory"

// MemoryQueue is a process-local backend that polls its own job set on a
// fixed tick. Delayed jobs may fire up to one tick late, and jobs that have
// not run when the queue closes are lost.
type MemoryQueue struct {
	router
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	jobs      map[string]*memoryEntry
	completed []models.Job
	failed    []models.Job
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

type memoryEntry struct {
	job    models.Job
	active bool
}

// NewMemoryQueue builds an in-memory queue. Call Start to run workers.
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		opts:   opts,
		logger: opts.Logger.With("component", "queue.memory"),
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		jobs:   make(map[string]*memoryEntry),
	}
}

func (q *MemoryQueue) Backend() string { return BackendMemory }

// Enqueue adds the job unless one with the same dedup key is outstanding.
func (q *MemoryQueue) Enqueue(ctx context.Context, r models.ReminderJob, delay time.Duration) (Handle, error) {
	return q.add(ctx, newJob(r, q.opts.Now(), delay, q.opts.MaxAttempts))
}

func (q *MemoryQueue) add(_ context.Context, job models.Job) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Handle{}, ErrClosed
	}
	if existing, ok := q.jobs[job.ID]; ok {
		telemetry.JobsDuplicate.Inc()
		return Handle{ID: job.ID, RunAt: existing.job.RunAt, Duplicate: true}, nil
	}
	q.jobs[job.ID] = &memoryEntry{job: job}
	telemetry.JobsEnqueued.WithLabelValues(BackendMemory).Inc()
	q.logger.Debug("job enqueued", "job_id", job.ID, "run_at", job.RunAt)
	return Handle{ID: job.ID, RunAt: job.RunAt}, nil
}

// Start launches the poll loop. Calling it twice is a no-op.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.loopDone = make(chan struct{})
	go q.loop(runCtx)
	return nil
}

func (q *MemoryQueue) loop(ctx context.Context) {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	// In-flight sends finish even when the loop is cancelled.
	execCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue(execCtx)
		}
	}
}

func (q *MemoryQueue) dispatchDue(ctx context.Context) {
	now := q.opts.Now()

	q.mu.Lock()
	due := make([]*memoryEntry, 0)
	for _, e := range q.jobs {
		if !e.active && !e.job.RunAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.RunAt.Before(due[j].job.RunAt) })
	for _, e := range due {
		if !q.sem.TryAcquire(1) {
			break
		}
		e.active = true
		e.job.Attempts++
		job := e.job
		q.wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go q.execute(ctx, job)
	}
	telemetry.QueueDepthGauge.Set(float64(q.waitingLocked(now)))
	q.mu.Unlock()
}

func (q *MemoryQueue) execute(ctx context.Context, job models.Job) {
	defer q.wg.Done()
	defer q.sem.Release(1)
	defer telemetry.InFlightGauge.Dec()

	err := q.dispatch(ctx, job)

	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.jobs[job.ID]
	if !ok {
		return
	}
	if err == nil {
		delete(q.jobs, job.ID)
		job.FinishedAt = &now
		job.LastError = nil
		q.completed = appendCapped(q.completed, job, q.opts.CompletedLimit)
		telemetry.JobsCompleted.Inc()
		q.logger.Info("job completed", "job_id", job.ID, "attempt", job.Attempts)
		return
	}

	msg := err.Error()
	job.LastError = &msg
	if terminal(job, err) {
		delete(q.jobs, job.ID)
		job.FinishedAt = &now
		q.failed = appendCapped(q.failed, job, q.opts.FailedLimit)
		telemetry.JobsDead.Inc()
		q.logger.Error("job failed permanently", "job_id", job.ID, "attempt", job.Attempts, "error", err)
		return
	}

	delay := q.opts.Backoff(job.Attempts)
	job.RunAt = now.Add(delay)
	entry.job = job
	entry.active = false
	telemetry.JobsRetried.Inc()
	q.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", err,
	)
}

func appendCapped(list []models.Job, job models.Job, limit int) []models.Job {
	list = append(list, job)
	if over := len(list) - limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	return list
}

func (q *MemoryQueue) waitingLocked(now time.Time) int64 {
	var n int64
	for _, e := range q.jobs {
		if !e.active && !e.job.RunAt.After(now) {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) Stats(_ context.Context) (models.QueueStats, error) {
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := models.QueueStats{
		Backend:   BackendMemory,
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}
	for _, e := range q.jobs {
		switch {
		case e.active:
			stats.Active++
		case e.job.RunAt.After(now):
			stats.Delayed++
		default:
			stats.Waiting++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) History(_ context.Context, failed bool, limit int64) ([]models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	src := q.completed
	if failed {
		src = q.failed
	}
	if limit <= 0 || limit > int64(len(src)) {
		limit = int64(len(src))
	}
	out := make([]models.Job, 0, limit)
	for i := len(src) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

// Clean drops history entries past their retention window.
func (q *MemoryQueue) Clean(_ context.Context) (CleanResult, error) {
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var res CleanResult
	q.completed, res.Completed = pruneBefore(q.completed, now.Add(-CompletedRetention))
	q.failed, res.Failed = pruneBefore(q.failed, now.Add(-FailedRetention))
	return res, nil
}

func pruneBefore(list []models.Job, cutoff time.Time) ([]models.Job, int64) {
	kept := list[:0]
	var removed int64
	for _, j := range list {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	return kept, removed
}

// Close stops the poll loop and waits for running jobs. Jobs that have not
// started are dropped.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, loopDone := q.cancel, q.loopDone
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	dropped := len(q.jobs)
	q.jobs = make(map[string]*memoryEntry)
	q.mu.Unlock()
	if dropped > 0 {
		q.logger.Warn("in-memory queue closed with unexecuted jobs", "dropped", dropped)
	}
	return nil
}
