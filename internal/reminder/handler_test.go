package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintenance-reminders/internal/models"
)

func jobFor(sm models.ScheduledMaintenance, daysUntil int) models.Job {
	r := models.ReminderJob{
		ScheduledMaintenanceID: sm.ID,
		UserID:                 sm.Bike.OwnerID,
		BikeID:                 sm.Bike.ID,
		BikeName:               sm.Bike.Name,
		ServiceDescription:     sm.ServiceDescription,
		ScheduledDate:          sm.ScheduledDate,
		DaysUntilMaintenance:   daysUntil,
	}
	return models.Job{ID: r.DedupKey(), Kind: models.KindMaintenanceReminder, Reminder: r, Attempts: 1, MaxAttempts: 3}
}

func newTestHandler(st *memStore, n *fakeNotifier) *Handler {
	h := NewHandler(st, n, "https://app.example.com/", discardLogger())
	h.markSentBackoff = time.Millisecond
	return h
}

func TestHandler_SendsAndMarksSent(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	due := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	sm := maintenance("sm-1", due, 3)
	st.put(sm)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))

	calls := n.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "rider@example.com", calls[0].RecipientEmail)
	assert.Equal(t, "Roadie", calls[0].BikeName)
	assert.Equal(t, "Chain replacement", calls[0].ServiceDescription)
	assert.Equal(t, 3, calls[0].DaysUntil)
	assert.True(t, due.Equal(calls[0].DueDate))
	assert.Equal(t, "https://app.example.com/bikes/bike-sm-1", calls[0].BikeURL)

	sent := st.recordsWith(models.DeliverySent)
	require.Len(t, sent, 1)
	assert.Equal(t, "rider@example.com", sent[0].Recipient)
	require.NotNil(t, sent[0].MessageID)
	assert.NotEmpty(t, *sent[0].MessageID)
	assert.NotNil(t, sent[0].SentAt)
	assert.Empty(t, st.recordsWith(models.DeliveryPending))
}

func TestHandler_MissingMaintenanceIsNoop(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	sm := maintenance("sm-gone", time.Now().Add(72*time.Hour), 3)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))
	assert.Empty(t, n.sent())
	assert.Empty(t, st.allRecords())
}

func TestHandler_CompletedAfterEnqueueSendsNothing(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)
	job := jobFor(sm, 3)

	st.setCompleted(sm.ID)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), job))
	assert.Empty(t, n.sent())
	assert.Empty(t, st.allRecords())
}

func TestHandler_RespectsOptOut(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)
	st.setOptOut("user-1")

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))
	assert.Empty(t, n.sent())
	assert.Empty(t, st.allRecords())
}

func TestHandler_PreferenceErrorFailsOpen(t *testing.T) {
	st := newMemStore()
	st.prefErr = errBoom
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))
	assert.Len(t, n.sent(), 1)
	assert.Len(t, st.recordsWith(models.DeliverySent), 1)
}

func TestHandler_AlreadySentIsNoop(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)
	h := newTestHandler(st, n)
	job := jobFor(sm, 3)

	require.NoError(t, h.Handle(context.Background(), job))
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Len(t, n.sent(), 1)
	assert.Len(t, st.allRecords(), 1)
}

func TestHandler_DeliveryLookupErrorPropagates(t *testing.T) {
	st := newMemStore()
	st.deliveryErr = errBoom
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)

	err := newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3))
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, n.sent())
}

func TestHandler_SendFailureMarksFailedAndReturnsError(t *testing.T) {
	st := newMemStore()
	n := &fakeNotifier{}
	n.failNext(errBoom)
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)
	h := newTestHandler(st, n)
	job := jobFor(sm, 3)

	err := h.Handle(context.Background(), job)
	require.ErrorIs(t, err, errBoom)

	failed := st.recordsWith(models.DeliveryFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].ErrorMessage)
	assert.Equal(t, "boom", *failed[0].ErrorMessage)

	// The retry writes a fresh record rather than reusing the failed one.
	job.Attempts = 2
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Len(t, st.allRecords(), 2)
	assert.Len(t, st.recordsWith(models.DeliverySent), 1)
	assert.Len(t, n.sent(), 2)
}

func TestHandler_MarkSentRetriesTransientStoreErrors(t *testing.T) {
	st := newMemStore()
	st.updateErrs = []error{errBoom, errBoom}
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))

	assert.Len(t, n.sent(), 1)
	assert.Equal(t, 3, st.updates)
	sent := st.recordsWith(models.DeliverySent)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].MessageID)
}

func TestHandler_MarkSentFailureDoesNotResend(t *testing.T) {
	st := newMemStore()
	st.updateErrs = []error{errBoom, errBoom, errBoom}
	n := &fakeNotifier{}
	sm := maintenance("sm-1", time.Now().Add(72*time.Hour), 3)
	st.put(sm)

	require.NoError(t, newTestHandler(st, n).Handle(context.Background(), jobFor(sm, 3)))

	assert.Len(t, n.sent(), 1)
	assert.Equal(t, markSentAttempts, st.updates)
	assert.Len(t, st.recordsWith(models.DeliveryPending), 1)
}
