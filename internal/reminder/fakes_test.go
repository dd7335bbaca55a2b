package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/notify"
	"maintenance-reminders/internal/queue"
	"maintenance-reminders/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same not-found semantics as
// the Postgres store.
type memStore struct {
	mu          sync.Mutex
	maintenance map[string]models.ScheduledMaintenance
	prefs       map[string]bool
	records     []models.DeliveryRecord

	prefErr     error
	deliveryErr error
	listErr     error
	// updateErrs fail the next UpdateDeliveryRecord calls in order.
	updateErrs []error
	updates    int
	// listGate, when set, blocks the listing query until closed.
	listGate    chan struct{}
	listEntered chan struct{}
	reconciled  []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		maintenance: make(map[string]models.ScheduledMaintenance),
		prefs:       make(map[string]bool),
	}
}

func (m *memStore) put(sm models.ScheduledMaintenance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenance[sm.ID] = sm
}

func (m *memStore) setCompleted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm := m.maintenance[id]
	sm.IsCompleted = true
	m.maintenance[id] = sm
}

func (m *memStore) setOptOut(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[userID] = false
}

func (m *memStore) recordsWith(status models.DeliveryStatus) []models.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeliveryRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) allRecords() []models.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

func (m *memStore) FindScheduledMaintenanceNeedingReminder(_ context.Context, since time.Time) ([]models.ScheduledMaintenance, error) {
	if m.listEntered != nil {
		close(m.listEntered)
	}
	if m.listGate != nil {
		<-m.listGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.ScheduledMaintenance
	for _, sm := range m.maintenance {
		if sm.IsCompleted || sm.ScheduledDate.Before(since) {
			continue
		}
		if sm.NotificationDaysBefore == nil || *sm.NotificationDaysBefore <= 0 {
			continue
		}
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDate.Before(out[j].ScheduledDate) })
	return out, nil
}

func (m *memStore) FindScheduledMaintenanceByID(_ context.Context, id string) (models.ScheduledMaintenance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.maintenance[id]
	if !ok {
		return models.ScheduledMaintenance{}, store.ErrNotFound
	}
	return sm, nil
}

func (m *memStore) FindDeliveryRecord(_ context.Context, userID, smID string, statuses ...models.DeliveryStatus) (models.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliveryErr != nil {
		return models.DeliveryRecord{}, m.deliveryErr
	}
	for _, r := range m.records {
		if r.UserID == userID && r.ScheduledMaintenanceID == smID && slices.Contains(statuses, r.Status) {
			return r, nil
		}
	}
	return models.DeliveryRecord{}, store.ErrNotFound
}

func (m *memStore) CreateDeliveryRecord(_ context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now()
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) UpdateDeliveryRecord(_ context.Context, id string, u models.DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if len(m.updateErrs) > 0 {
		err := m.updateErrs[0]
		m.updateErrs = m.updateErrs[1:]
		return err
	}
	for i := range m.records {
		if m.records[i].ID != id {
			continue
		}
		m.records[i].Status = u.Status
		if u.MessageID != nil {
			m.records[i].MessageID = u.MessageID
		}
		if u.ErrorMessage != nil {
			m.records[i].ErrorMessage = u.ErrorMessage
		}
		if u.SentAt != nil {
			m.records[i].SentAt = u.SentAt
		}
		return nil
	}
	return store.ErrNotFound
}

func (m *memStore) GetUserNotificationPreference(_ context.Context, userID string) (models.NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefErr != nil {
		return models.NotificationPreference{}, m.prefErr
	}
	enabled, ok := m.prefs[userID]
	if !ok {
		enabled = true
	}
	return models.NotificationPreference{UserID: userID, MaintenanceRemindersEnabled: enabled}, nil
}

func (m *memStore) ReconcileStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled = append(m.reconciled, cutoff)
	var n int64
	msg := "stale pending delivery"
	for i := range m.records {
		if m.records[i].Status == models.DeliveryPending && m.records[i].CreatedAt.Before(cutoff) {
			m.records[i].Status = models.DeliveryFailed
			m.records[i].ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notify.Reminder
	errs  []error
}

// failNext makes the next len(errs) sends fail with those errors in order.
func (f *fakeNotifier) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeNotifier) SendMaintenanceReminder(_ context.Context, r notify.Reminder) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return notify.Result{}, err
	}
	return notify.Result{MessageID: "msg-" + uuid.NewString()}, nil
}

func (f *fakeNotifier) sent() []notify.Reminder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type enqueued struct {
	job   models.ReminderJob
	delay time.Duration
}

// recordingQueue captures enqueues and applies the queue's dedup rule.
type recordingQueue struct {
	mu    sync.Mutex
	jobs  []enqueued
	seen  map[string]bool
	err   error
	errOn string
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.ReminderJob, delay time.Duration) (queue.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil && job.ScheduledMaintenanceID == q.errOn {
		return queue.Handle{}, q.err
	}
	if q.seen == nil {
		q.seen = make(map[string]bool)
	}
	id := job.DedupKey()
	if q.seen[id] {
		return queue.Handle{ID: id, Duplicate: true}, nil
	}
	q.seen[id] = true
	q.jobs = append(q.jobs, enqueued{job: job, delay: delay})
	return queue.Handle{ID: id}, nil
}

func (q *recordingQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs)
}

var errBoom = errors.New("boom")

func intPtr(n int) *int { return &n }

func maintenance(id string, due time.Time, daysBefore int) models.ScheduledMaintenance {
	return models.ScheduledMaintenance{
		ID:                     id,
		BikeID:                 "bike-" + id,
		ScheduledDate:          due,
		ServiceDescription:     "Chain replacement",
		NotificationDaysBefore: intPtr(daysBefore),
		Bike:                   models.Bike{ID: "bike-" + id, Name: "Roadie", OwnerID: "user-1"},
		Owner:                  models.User{ID: "user-1", Email: "rider@example.com", Name: "Rider"},
	}
}
