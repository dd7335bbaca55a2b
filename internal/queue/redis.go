package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/telemetry"
)

// BackendRedis names the durable backend.
const BackendRedis = "redis"

// RedisQueue keeps ready, scheduled, in-flight and finished jobs in Redis.
// Leases that expire are redelivered, so a job may run more than once; the
// reminder handler's delivery-record check makes that safe.
type RedisQueue struct {
	router
	client *redis.Client
	opts   Options
	logger *slog.Logger

	readyKey      string
	scheduledKey  string
	inflightKey   string
	jobPrefix     string
	completedKey  string
	failedKey     string
	completedData string
	failedData    string

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisQueue builds a queue on an already connected client. The queue owns
// the client and closes it on Close.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	const prefix = "reminders:queue:"
	return &RedisQueue{
		client:        client,
		opts:          opts,
		logger:        opts.Logger.With("component", "queue.redis"),
		readyKey:      prefix + "ready",
		scheduledKey:  prefix + "scheduled",
		inflightKey:   prefix + "inflight",
		jobPrefix:     prefix + "job:",
		completedKey:  prefix + "completed",
		failedKey:     prefix + "failed",
		completedData: prefix + "completed:data",
		failedData:    prefix + "failed:data",
	}
}

func (q *RedisQueue) Backend() string { return BackendRedis }

// Client exposes the underlying connection for components that share it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Enqueue atomically checks for an outstanding job with the same key and
// places the new one in the ready list or the scheduled set.
func (q *RedisQueue) Enqueue(ctx context.Context, r models.ReminderJob, delay time.Duration) (Handle, error) {
	return q.add(ctx, newJob(r, q.opts.Now(), delay, q.opts.MaxAttempts))
}

func (q *RedisQueue) add(ctx context.Context, job models.Job) (Handle, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Handle{}, ErrClosed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal job: %w", err)
	}
	delayed := "0"
	if job.RunAt.After(q.opts.Now()) {
		delayed = "1"
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.readyKey, q.scheduledKey},
		job.ID, data, job.RunAt.UnixMilli(), delayed,
	).Int()
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if res == 0 {
		telemetry.JobsDuplicate.Inc()
		existing, err := q.load(ctx, job.ID)
		if err != nil {
			return Handle{ID: job.ID, Duplicate: true}, nil
		}
		return Handle{ID: job.ID, RunAt: existing.RunAt, Duplicate: true}, nil
	}
	telemetry.JobsEnqueued.WithLabelValues(BackendRedis).Inc()
	q.logger.Debug("job enqueued", "job_id", job.ID, "run_at", job.RunAt)
	return Handle{ID: job.ID, RunAt: job.RunAt}, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (models.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Start launches the scheduler loop and Concurrency worker loops.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.schedulerLoop(runCtx)
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx)
	}
	q.logger.Info("redis queue workers started", "concurrency", q.opts.Concurrency)
	return nil
}

// schedulerLoop promotes due delayed jobs and reclaims expired leases.
func (q *RedisQueue) schedulerLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := q.tick(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue maintenance tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tick(ctx context.Context) error {
	now := q.opts.Now()
	if _, err := q.PromoteScheduled(ctx, now); err != nil {
		return err
	}
	reclaimed, err := q.RequeueExpired(ctx, now)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed expired job leases", "count", reclaimed)
	}
	if depth, err := q.client.LLen(ctx, q.readyKey).Result(); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into the ready list.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey},
		now.UnixMilli(), q.opts.ScheduledBatchSize).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired returns jobs whose lease ran out to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey},
		now.UnixMilli(), q.opts.ScheduledBatchSize).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	execCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := q.dequeueWithLease(ctx)
		if err != nil || id == "" {
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.process(execCtx, id)
	}
}

// dequeueWithLease pops the next ready job and records it in the in-flight
// set with a visibility deadline.
func (q *RedisQueue) dequeueWithLease(ctx context.Context) (string, error) {
	deadline := q.opts.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

func (q *RedisQueue) process(ctx context.Context, id string) {
	job, err := q.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		// Finished by an earlier delivery of the same lease.
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return
	}
	if err != nil {
		q.logger.Error("load job failed", "job_id", id, "error", err)
		return
	}

	job.Attempts++
	if err := q.save(ctx, job); err != nil {
		q.logger.Error("record attempt failed", "job_id", id, "error", err)
	}

	telemetry.InFlightGauge.Inc()
	stopHeartbeat := q.heartbeat(ctx, id)
	runErr := q.dispatch(ctx, job)
	stopHeartbeat()
	telemetry.InFlightGauge.Dec()

	now := q.opts.Now()
	if runErr == nil {
		job.FinishedAt = &now
		job.LastError = nil
		if err := q.finish(ctx, job, q.completedKey, q.completedData, q.opts.CompletedLimit); err != nil {
			q.logger.Error("ack job failed", "job_id", id, "error", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		q.logger.Info("job completed", "job_id", id, "attempt", job.Attempts)
		return
	}

	msg := runErr.Error()
	job.LastError = &msg
	if terminal(job, runErr) {
		job.FinishedAt = &now
		if err := q.finish(ctx, job, q.failedKey, q.failedData, q.opts.FailedLimit); err != nil {
			q.logger.Error("fail job failed", "job_id", id, "error", err)
			return
		}
		telemetry.JobsDead.Inc()
		q.logger.Error("job failed permanently", "job_id", id, "attempt", job.Attempts, "error", runErr)
		return
	}

	delay := q.opts.Backoff(job.Attempts)
	job.RunAt = now.Add(delay)
	if err := q.retry(ctx, job); err != nil {
		q.logger.Error("schedule retry failed", "job_id", id, "error", err)
		return
	}
	telemetry.JobsRetried.Inc()
	q.logger.Warn("job failed, retry scheduled",
		"job_id", id,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", runErr,
	)
}

// heartbeat keeps the lease on id alive while the handler runs. The returned
// func stops it and waits for the last extension to land.
func (q *RedisQueue) heartbeat(ctx context.Context, id string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(q.opts.VisibilityTimeout/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := q.ExtendLease(hbCtx, id); err != nil && hbCtx.Err() == nil {
					q.logger.Warn("extend job lease failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ExtendLease pushes the visibility deadline of an in-flight job forward by
// VisibilityTimeout. A job no longer in flight is left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string) error {
	deadline := q.opts.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{Score: float64(deadline), Member: id}).Err()
}

func (q *RedisQueue) save(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, 0).Err()
}

func (q *RedisQueue) retry(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) finish(ctx context.Context, job models.Job, historyKey, dataKey string, limit int) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return finishScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.jobKey(job.ID), historyKey, dataKey},
		job.ID, data, job.FinishedAt.UnixMilli(), limit,
	).Err()
}

func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return models.QueueStats{
		Backend:   BackendRedis,
		Waiting:   ready.Val(),
		Delayed:   scheduled.Val(),
		Active:    inflight.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Clean drops history entries past their retention window.
func (q *RedisQueue) Clean(ctx context.Context) (CleanResult, error) {
	now := q.opts.Now()
	var res CleanResult
	var err error
	res.Completed, err = pruneScript.Run(ctx, q.client, []string{q.completedKey, q.completedData},
		now.Add(-CompletedRetention).UnixMilli()).Int64()
	if err != nil {
		return res, fmt.Errorf("clean completed: %w", err)
	}
	res.Failed, err = pruneScript.Run(ctx, q.client, []string{q.failedKey, q.failedData},
		now.Add(-FailedRetention).UnixMilli()).Int64()
	if err != nil {
		return res, fmt.Errorf("clean failed: %w", err)
	}
	return res, nil
}

// Close stops the workers, waits for in-flight jobs and closes the client.
// The client is closed even when ctx expires first. Jobs still in Redis are
// picked up by the next process.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Workers still running see a closed client and give up.
		return errors.Join(ctx.Err(), q.client.Close())
	}
	return q.client.Close()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var finishScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
local limit = tonumber(ARGV[4])
local n = redis.call('ZCARD', KEYS[3])
if n > limit then
  local evicted = redis.call('ZRANGE', KEYS[3], 0, n - limit - 1)
  for _, id in ipairs(evicted) do
    redis.call('HDEL', KEYS[4], id)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, n - limit - 1)
end
return 1
`)

var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[2], id)
end
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return #ids
`)

// History returns the retained finished jobs of one kind, newest first.
func (q *RedisQueue) History(ctx context.Context, failed bool, limit int64) ([]models.Job, error) {
	key, dataKey := q.completedKey, q.completedData
	if failed {
		key, dataKey = q.failedKey, q.failedData
	}
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := q.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("history ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.client.HMGet(ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("history data: %w", err)
	}
	out := make([]models.Job, 0, len(raws))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", ids[i], err)
		}
		out = append(out, job)
	}
	return out, nil
}
