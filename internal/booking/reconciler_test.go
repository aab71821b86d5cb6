package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

func TestReconcilerReleasesOrphanedSlots(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetClock(func() time.Time { return testNow })
	providerID := uuid.New()

	longAgo := testNow.Add(-10 * time.Minute)
	recent := testNow.Add(-30 * time.Second)

	orphan := Slot{ID: uuid.New(), ProviderID: providerID, StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour), ClaimedAt: &longAgo}
	inFlight := Slot{ID: uuid.New(), ProviderID: providerID, StartTime: testNow.Add(2 * time.Hour), EndTime: testNow.Add(3 * time.Hour), ClaimedAt: &recent}
	booked := Slot{ID: uuid.New(), ProviderID: providerID, StartTime: testNow.Add(3 * time.Hour), EndTime: testNow.Add(4 * time.Hour), ClaimedAt: &longAgo}
	closedByHand := Slot{ID: uuid.New(), ProviderID: providerID, StartTime: testNow.Add(4 * time.Hour), EndTime: testNow.Add(5 * time.Hour)}
	for _, s := range []Slot{orphan, inFlight, booked, closedByHand} {
		repo.PutSlot(s)
	}
	_, err := repo.CreateAppointment(context.Background(), NewAppointmentFromSlot(booked, uuid.New(), nil))
	require.NoError(t, err)

	pub := &MockPublisher{}
	pub.On("PublishSlotEvent", mock.Anything, mock.Anything).Return(nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	r := NewReconciler(repo, pub, fixedClock{testNow}, metrics, 2*time.Minute, 50)
	released, err := r.ReleaseOrphanedSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := repo.GetSlot(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAvailable)
	assert.Nil(t, got.ClaimedAt)

	for _, id := range []uuid.UUID{inFlight.ID, booked.ID, closedByHand.ID} {
		s, err := repo.GetSlot(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, s.IsAvailable, "slot %s must stay unavailable", id)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReconciledSlots))
	pub.AssertNumberOfCalls(t, "PublishSlotEvent", 1)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrphanedSlotReleased, events[0].EventType)

	released, err = r.ReleaseOrphanedSlots(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
}

// A booking whose compensation failed is picked up by the next sweep.
func TestReconcilerRecoversFailedCompensation(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)
	f.repo.FailCreate = func(NewAppointment) error { return errors.New("insert failed") }
	f.repo.FailRelease = func(uuid.UUID) error { return errors.New("connection reset") }

	res := f.coord.Book(context.Background(), f.request(slot))
	require.Equal(t, OutcomeRejectedBookingFailed, res.Outcome)

	f.repo.FailRelease = nil
	later := fixedClock{testNow.Add(5 * time.Minute)}
	r := NewReconciler(f.repo, nil, later, f.metrics, 2*time.Minute, 10)

	released, err := r.ReleaseOrphanedSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	slots, err := f.coord.ListSlotsFor(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Contains(t, slotIDs(slots), slot.ID)
}

// Cancelling an appointment leaves its slot closed; only the provider
// reopens it.
func TestReconcilerKeepsSlotOfCancelledAppointmentClosed(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	res := f.coord.Book(context.Background(), f.request(slot))
	require.Equal(t, OutcomeBooked, res.Outcome)

	_, err := f.repo.UpdateAppointmentStatus(context.Background(), res.AppointmentID, StatusPending, StatusCancelled)
	require.NoError(t, err)

	later := fixedClock{testNow.Add(10 * time.Minute)}
	r := NewReconciler(f.repo, nil, later, f.metrics, 2*time.Minute, 10)

	released, err := r.ReleaseOrphanedSlots(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)

	stored, err := f.repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAvailable)
}
