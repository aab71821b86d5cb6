package booking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n Notice) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishSlotEvent(ctx context.Context, ev SlotEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// countingRepo counts slot list refreshes.
type countingRepo struct {
	*MemoryRepository
	lists atomic.Int64
}

func (r *countingRepo) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, since time.Time, limit int) ([]Slot, error) {
	r.lists.Add(1)
	return r.MemoryRepository.ListAvailableSlots(ctx, providerID, since, limit)
}

type fixture struct {
	repo      *countingRepo
	notifier  *MockNotifier
	publisher *MockPublisher
	metrics   *observability.Metrics
	coord     *Coordinator
	provider  Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := NewMemoryRepository()
	mem.SetClock(func() time.Time { return testNow })

	f := &fixture{
		repo:      &countingRepo{MemoryRepository: mem},
		notifier:  &MockNotifier{},
		publisher: &MockPublisher{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		provider:  Provider{ID: uuid.New(), Name: "Dr. Ana Souza"},
	}
	mem.PutProvider(f.provider)

	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	f.publisher.On("PublishSlotEvent", mock.Anything, mock.Anything).Return(nil)

	f.coord = NewCoordinator(f.repo, f.notifier, f.publisher, fixedClock{testNow}, f.metrics, CoordinatorOptions{ListLimit: 10})
	return f
}

func (f *fixture) addSlot(start time.Time, available bool) Slot {
	s := Slot{
		ID:          uuid.New(),
		ProviderID:  f.provider.ID,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		IsAvailable: available,
	}
	f.repo.PutSlot(s)
	return s
}

func (f *fixture) request(slot Slot) BookRequest {
	return BookRequest{PatientID: uuid.New(), ProviderID: f.provider.ID, SlotID: slot.ID}
}

func slotIDs(slots []Slot) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestBookSucceeds(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(2*time.Hour), true)
	other := f.addSlot(testNow.Add(3*time.Hour), true)
	notes := "first visit"

	req := f.request(slot)
	req.Notes = &notes
	res := f.coord.Book(context.Background(), req)

	require.Equal(t, OutcomeBooked, res.Outcome)
	require.NotNil(t, res.Appointment)
	assert.Equal(t, res.Appointment.ID, res.AppointmentID)
	assert.Equal(t, StatusPending, res.Appointment.Status)
	assert.Equal(t, slot.StartTime, res.Appointment.StartTime)
	assert.Equal(t, slot.EndTime, res.Appointment.EndTime)
	assert.Equal(t, f.provider.ID, res.Appointment.ProviderID)
	assert.Equal(t, &notes, res.Appointment.Notes)
	assert.Equal(t, []uuid.UUID{other.ID}, slotIDs(res.Slots))

	stored, err := f.repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAvailable)
	assert.NotNil(t, stored.ClaimedAt)

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(n Notice) bool {
		return n.Outcome == OutcomeBooked && n.AppointmentID == res.AppointmentID && n.Message == "Appointment booked"
	}))
	assert.Equal(t, int64(1), f.repo.lists.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BookingOutcomes.WithLabelValues("booked")))

	events := f.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventAppointmentBooked, events[0].EventType)
}

// Scenario A: two simultaneous bookings of the same slot.
func TestBookTwoPatientsRaceForOneSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	p1 := f.request(slot)
	p2 := f.request(slot)

	var wg sync.WaitGroup
	results := make([]BookingResult, 2)
	for i, req := range []BookRequest{p1, p2} {
		wg.Add(1)
		go func(i int, req BookRequest) {
			defer wg.Done()
			results[i] = f.coord.Book(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	outcomes := []Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []Outcome{OutcomeBooked, OutcomeRejectedTaken}, outcomes)
	assert.Len(t, f.repo.AppointmentsForSlot(slot.ID), 1)
}

func TestBookAtMostOneWinnerUnderContention(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	const callers = 64
	var booked, taken atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch f.coord.Book(context.Background(), f.request(slot)).Outcome {
			case OutcomeBooked:
				booked.Add(1)
			case OutcomeRejectedTaken:
				taken.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), booked.Load())
	assert.Equal(t, int64(callers-1), taken.Load())
	assert.Len(t, f.repo.AppointmentsForSlot(slot.ID), 1)
	f.notifier.AssertNumberOfCalls(t, "Notify", callers)
	assert.Equal(t, int64(callers), f.repo.lists.Load())
}

// Scenario B: appointment creation fails after a successful claim.
func TestBookCompensatesWhenCreateFails(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)
	f.repo.FailCreate = func(NewAppointment) error { return errors.New("insert timed out") }

	res := f.coord.Book(context.Background(), f.request(slot))

	assert.Equal(t, OutcomeRejectedBookingFailed, res.Outcome)
	assert.Equal(t, uuid.Nil, res.AppointmentID)
	assert.Contains(t, slotIDs(res.Slots), slot.ID)
	assert.Empty(t, f.repo.AppointmentsForSlot(slot.ID))

	listed, err := f.coord.ListSlotsFor(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Contains(t, slotIDs(listed), slot.ID)

	f.publisher.AssertCalled(t, "PublishSlotEvent", mock.Anything, mock.MatchedBy(func(ev SlotEvent) bool {
		return ev.SlotID == slot.ID && ev.IsAvailable && ev.Reason == "released"
	}))
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)

	events := f.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBookingCompensated, events[0].EventType)
}

func TestBookCompensationFailureIsSuppressed(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)
	f.repo.FailCreate = func(NewAppointment) error { return errors.New("insert failed") }
	f.repo.FailRelease = func(uuid.UUID) error { return errors.New("connection reset") }

	res := f.coord.Book(context.Background(), f.request(slot))

	assert.Equal(t, OutcomeRejectedBookingFailed, res.Outcome)
	assert.NotContains(t, slotIDs(res.Slots), slot.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CompensationFailures))
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)

	stored, err := f.repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAvailable)

	events := f.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCompensationFailed, events[0].EventType)
}

// Scenario C: the slot was already closed outside the booking flow.
func TestBookUnavailableSlotIsTaken(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), false)

	res := f.coord.Book(context.Background(), f.request(slot))

	assert.Equal(t, OutcomeRejectedTaken, res.Outcome)
	assert.Empty(t, f.repo.AppointmentsForSlot(slot.ID))
	assert.Empty(t, res.Slots)
	assert.NotNil(t, res.Slots)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	f.publisher.AssertNotCalled(t, "PublishSlotEvent", mock.Anything, mock.Anything)
	assert.Equal(t, int64(1), f.repo.lists.Load())
}

func TestBookClaimStoreErrorIsSystemError(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)
	f.repo.FailClaim = func(uuid.UUID) error { return errors.New("dial tcp: connection refused") }

	res := f.coord.Book(context.Background(), f.request(slot))

	assert.Equal(t, OutcomeRejectedSystemError, res.Outcome)
	assert.Empty(t, f.repo.AppointmentsForSlot(slot.ID))
	assert.Contains(t, slotIDs(res.Slots), slot.ID)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(n Notice) bool {
		return n.Outcome == OutcomeRejectedSystemError && n.Message == "System error, try again"
	}))
}

func TestBookResolvesProviderFromSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), false)

	req := f.request(slot)
	req.ProviderID = uuid.Nil
	res := f.coord.Book(context.Background(), req)

	assert.Equal(t, OutcomeRejectedTaken, res.Outcome)
	assert.Equal(t, f.provider.ID, res.ProviderID)
	assert.Equal(t, int64(1), f.repo.lists.Load())
}

// The slot decides which provider's list is refreshed, whatever the caller
// claimed.
func TestBookUsesSlotOwnerOverCallerProvider(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)
	sibling := f.addSlot(testNow.Add(2*time.Hour), true)

	elsewhere := Provider{ID: uuid.New(), Name: "Dr. Kofi Mensah"}
	f.repo.PutProvider(elsewhere)
	foreign := Slot{ID: uuid.New(), ProviderID: elsewhere.ID, StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour), IsAvailable: true}
	f.repo.PutSlot(foreign)

	req := f.request(slot)
	req.ProviderID = elsewhere.ID

	res := f.coord.Book(context.Background(), req)
	require.Equal(t, OutcomeBooked, res.Outcome)
	assert.Equal(t, f.provider.ID, res.ProviderID)
	assert.Equal(t, []uuid.UUID{sibling.ID}, slotIDs(res.Slots))
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(n Notice) bool {
		return n.ProviderID == f.provider.ID
	}))

	again := f.coord.Book(context.Background(), req)
	require.Equal(t, OutcomeRejectedTaken, again.Outcome)
	assert.Equal(t, f.provider.ID, again.ProviderID)
}

func TestBookUnknownSlotFallsBackToCallerProvider(t *testing.T) {
	f := newFixture(t)
	open := f.addSlot(testNow.Add(time.Hour), true)

	res := f.coord.Book(context.Background(), BookRequest{PatientID: uuid.New(), ProviderID: f.provider.ID, SlotID: uuid.New()})
	assert.Equal(t, OutcomeRejectedTaken, res.Outcome)
	assert.Equal(t, f.provider.ID, res.ProviderID)
	assert.Equal(t, []uuid.UUID{open.ID}, slotIDs(res.Slots))
}

func TestBookIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.coord.Book(ctx, f.request(slot))
	assert.Equal(t, OutcomeBooked, res.Outcome)
}

func TestBookNotifierErrorDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	notifier := &MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	coord := NewCoordinator(f.repo, notifier, nil, fixedClock{testNow}, f.metrics, CoordinatorOptions{})

	res := coord.Book(context.Background(), f.request(slot))
	assert.Equal(t, OutcomeBooked, res.Outcome)
	notifier.AssertExpectations(t)
}

func TestListSlotsForExcludesUnavailableAndPast(t *testing.T) {
	f := newFixture(t)
	past := f.addSlot(testNow.Add(-time.Hour), true)
	late := f.addSlot(testNow.Add(5*time.Hour), true)
	early := f.addSlot(testNow.Add(1*time.Hour), true)
	closed := f.addSlot(testNow.Add(2*time.Hour), false)

	slots, err := f.coord.ListSlotsFor(context.Background(), f.provider.ID)
	require.NoError(t, err)

	ids := slotIDs(slots)
	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, ids)
	assert.NotContains(t, ids, past.ID)
	assert.NotContains(t, ids, closed.ID)
	for _, s := range slots {
		assert.True(t, s.IsAvailable)
	}
}

func TestListSlotsForHonoursLimit(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 15; i++ {
		f.addSlot(testNow.Add(time.Duration(i)*time.Hour), true)
	}

	slots, err := f.coord.ListSlotsFor(context.Background(), f.provider.ID)
	require.NoError(t, err)
	require.Len(t, slots, 10)
	for i := 1; i < len(slots); i++ {
		assert.True(t, slots[i-1].StartTime.Before(slots[i].StartTime))
	}
}

func TestSelectProvider(t *testing.T) {
	f := newFixture(t)
	slot := f.addSlot(testNow.Add(time.Hour), true)

	view, err := f.coord.SelectProvider(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, f.provider.Name, view.Provider.Name)
	assert.Equal(t, []uuid.UUID{slot.ID}, slotIDs(view.Slots))

	_, err = f.coord.SelectProvider(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestOutcomeMessages(t *testing.T) {
	assert.Equal(t, "Slot just taken, choose another", OutcomeRejectedTaken.Message())
	assert.Equal(t, "Booking failed, slot released", OutcomeRejectedBookingFailed.Message())
	assert.Equal(t, "System error, try again", OutcomeRejectedSystemError.Message())
}
