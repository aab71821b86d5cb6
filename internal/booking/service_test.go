package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *MemoryRepository, *MockPublisher, Provider) {
	t.Helper()

	repo := NewMemoryRepository()
	repo.SetClock(func() time.Time { return testNow })
	provider := Provider{ID: uuid.New(), Name: "Dr. Rui Matos"}
	repo.PutProvider(provider)

	pub := &MockPublisher{}
	pub.On("PublishSlotEvent", mock.Anything, mock.Anything).Return(nil)

	return NewService(repo, pub, fixedClock{testNow}), repo, pub, provider
}

func TestDailyScheduleWindows(t *testing.T) {
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	windows, err := DailySchedule{Date: day, FromHour: 9, ToHour: 12}.Windows(testNow)
	require.NoError(t, err)

	require.Len(t, windows, 3)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), windows[0].StartTime)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), windows[0].EndTime)
	assert.Equal(t, time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), windows[2].StartTime)
}

func TestDailyScheduleSkipsPastHours(t *testing.T) {
	// testNow is 08:00 on March 2nd
	windows, err := DailySchedule{Date: testNow, FromHour: 6, ToHour: 10, SlotDuration: 30 * time.Minute}.Windows(testNow)
	require.NoError(t, err)

	require.Len(t, windows, 2)
	assert.Equal(t, 8, windows[0].StartTime.Hour())
	assert.Equal(t, 30*time.Minute, windows[0].EndTime.Sub(windows[0].StartTime))
}

func TestDailyScheduleInLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	windows, err := DailySchedule{Date: day, FromHour: 9, ToHour: 10, Location: loc}.Windows(testNow)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), windows[0].StartTime.UTC())
}

func TestDailyScheduleValidation(t *testing.T) {
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	cases := map[string]DailySchedule{
		"reversed hours":  {Date: day, FromHour: 12, ToHour: 9},
		"hour past 24":    {Date: day, FromHour: 20, ToHour: 25},
		"too long slot":   {Date: day, FromHour: 9, ToHour: 10, SlotDuration: 90 * time.Minute},
		"all in the past": {Date: testNow, FromHour: 1, ToHour: 5},
	}
	for name, sched := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sched.Windows(testNow)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestCreateSlots(t *testing.T) {
	svc, repo, pub, provider := newService(t)
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	slots, err := svc.CreateSlots(context.Background(), provider.ID, DailySchedule{Date: day, FromHour: 8, ToHour: 18})
	require.NoError(t, err)
	require.Len(t, slots, 10)
	for _, s := range slots {
		assert.True(t, s.IsAvailable)
		assert.Equal(t, provider.ID, s.ProviderID)
	}
	pub.AssertNumberOfCalls(t, "PublishSlotEvent", 10)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventSlotsCreated, events[0].EventType)

	_, err = svc.CreateSlots(context.Background(), provider.ID, DailySchedule{Date: day, FromHour: 17, ToHour: 19})
	assert.ErrorIs(t, err, ErrSlotOverlap)
}

func TestCreateSlotsUnknownProvider(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.CreateSlots(context.Background(), uuid.New(), DailySchedule{Date: testNow, FromHour: 9, ToHour: 10})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestSetSlotAvailability(t *testing.T) {
	svc, repo, pub, provider := newService(t)
	slot := Slot{ID: uuid.New(), ProviderID: provider.ID, StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour), IsAvailable: true}
	repo.PutSlot(slot)

	updated, err := svc.SetSlotAvailability(context.Background(), provider.ID, slot.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsAvailable)
	assert.Nil(t, updated.ClaimedAt)
	pub.AssertCalled(t, "PublishSlotEvent", mock.Anything, mock.MatchedBy(func(ev SlotEvent) bool {
		return ev.SlotID == slot.ID && !ev.IsAvailable && ev.Reason == "toggled"
	}))

	_, err = svc.SetSlotAvailability(context.Background(), uuid.New(), slot.ID, true)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func seedAppointment(t *testing.T, repo *MemoryRepository, providerID uuid.UUID, start time.Time) *Appointment {
	t.Helper()
	appt, err := repo.CreateAppointment(context.Background(), NewAppointment{
		PatientID:  uuid.New(),
		ProviderID: providerID,
		SlotID:     uuid.New(),
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
	})
	require.NoError(t, err)
	return appt
}

func TestTransitionAppointment(t *testing.T) {
	svc, repo, _, provider := newService(t)
	appt := seedAppointment(t, repo, provider.ID, testNow.Add(time.Hour))
	actor := Actor{ID: provider.ID}

	confirmed, err := svc.TransitionAppointment(context.Background(), actor, appt.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	completed, err := svc.TransitionAppointment(context.Background(), actor, appt.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	_, err = svc.TransitionAppointment(context.Background(), actor, appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	events := repo.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventAppointmentStatus, events[1].EventType)
}

func TestTransitionAppointmentAuthorization(t *testing.T) {
	svc, repo, _, provider := newService(t)
	appt := seedAppointment(t, repo, provider.ID, testNow.Add(time.Hour))

	_, err := svc.TransitionAppointment(context.Background(), Actor{ID: uuid.New()}, appt.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrNotAppointmentProvider)

	updated, err := svc.TransitionAppointment(context.Background(), Actor{ID: uuid.New(), Admin: true}, appt.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)

	_, err = svc.TransitionAppointment(context.Background(), Actor{Admin: true}, uuid.New(), StatusCancelled)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusConfirmed, StatusCompleted))
	assert.True(t, CanTransition(StatusConfirmed, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
}

func TestListAppointmentsOrderingAndPaging(t *testing.T) {
	svc, repo, _, provider := newService(t)
	late := seedAppointment(t, repo, provider.ID, testNow.Add(5*time.Hour))
	early := seedAppointment(t, repo, provider.ID, testNow.Add(1*time.Hour))

	got, err := svc.ListAppointmentsByProvider(context.Background(), provider.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	got, err = svc.ListAppointmentsByProvider(context.Background(), provider.ID, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)

	confirmed := StatusConfirmed
	got, err = svc.ListAppointmentsByProvider(context.Background(), provider.ID, &confirmed, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = svc.ListAppointmentsByPatient(context.Background(), early.PatientID, 500, -3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, early.ID, got[0].ID)
}

func TestClampPage(t *testing.T) {
	l, o := clampPage(0, -1)
	assert.Equal(t, 20, l)
	assert.Equal(t, 0, o)

	l, _ = clampPage(1000, 0)
	assert.Equal(t, 100, l)
}
