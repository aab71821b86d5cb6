package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrStatusConflict          = errors.New("appointment status changed concurrently")
	ErrNotAppointmentProvider  = errors.New("appointment belongs to another provider")
	ErrInvalidSchedule         = errors.New("invalid slot schedule")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Actor is the caller performing a provider action.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// DailySchedule opens one slot per hour from FromHour (inclusive) to ToHour
// (exclusive) on Date, in Location.
type DailySchedule struct {
	Date         time.Time
	FromHour     int
	ToHour       int
	SlotDuration time.Duration // defaults to one hour, must not exceed it
	Location     *time.Location
}

// Windows expands the schedule into hourly windows, skipping the ones that
// already started at now.
func (d DailySchedule) Windows(now time.Time) ([]SlotWindow, error) {
	if d.FromHour < 0 || d.ToHour > 24 || d.FromHour >= d.ToHour {
		return nil, fmt.Errorf("%w: hours must satisfy 0 <= from < to <= 24", ErrInvalidSchedule)
	}
	dur := d.SlotDuration
	if dur == 0 {
		dur = time.Hour
	}
	if dur < 0 || dur > time.Hour {
		return nil, fmt.Errorf("%w: slot duration must be within (0, 1h]", ErrInvalidSchedule)
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}

	y, m, day := d.Date.Date()
	var windows []SlotWindow
	for h := d.FromHour; h < d.ToHour; h++ {
		start := time.Date(y, m, day, h, 0, 0, 0, loc)
		if start.Before(now) {
			continue
		}
		windows = append(windows, SlotWindow{StartTime: start, EndTime: start.Add(dur)})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: every window is in the past", ErrInvalidSchedule)
	}
	return windows, nil
}

// Service holds the provider and appointment management operations that
// surround the booking flow.
type Service struct {
	repo      Repository
	publisher SlotEventPublisher
	clock     Clock
}

func NewService(repo Repository, publisher SlotEventPublisher, clock Clock) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
	}
}

// CreateSlots opens the schedule's windows for the provider in one batch.
func (s *Service) CreateSlots(ctx context.Context, providerID uuid.UUID, schedule DailySchedule) ([]Slot, error) {
	if _, err := s.repo.GetProvider(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	windows, err := schedule.Windows(s.clock.Now())
	if err != nil {
		return nil, err
	}

	slots, err := s.repo.CreateSlots(ctx, providerID, windows)
	if err != nil {
		if errors.Is(err, ErrSlotOverlap) {
			return nil, err
		}
		return nil, fmt.Errorf("create slots: %w", err)
	}

	logger := observability.LoggerFromContext(ctx)
	for _, slot := range slots {
		publishSlot(ctx, s.publisher, slot, true, "created", logger)
	}
	logEvent(ctx, s.repo, s.clock, nil, nil, EventSlotsCreated, map[string]any{
		"provider_id": providerID.String(),
		"count":       len(slots),
	}, logger)
	logger.Info().Str("provider_id", providerID.String()).Int("count", len(slots)).Msg("slots created")

	return slots, nil
}

// SetSlotAvailability is the provider's manual open/close toggle.
func (s *Service) SetSlotAvailability(ctx context.Context, providerID, slotID uuid.UUID, available bool) (*Slot, error) {
	slot, err := s.repo.SetSlotAvailability(ctx, providerID, slotID, available)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("set slot availability: %w", err)
	}

	logger := observability.LoggerFromContext(ctx)
	publishSlot(ctx, s.publisher, *slot, available, "toggled", logger)
	logEvent(ctx, s.repo, s.clock, nil, &slot.ID, EventSlotAvailability, map[string]any{
		"is_available": available,
	}, logger)

	return slot, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListAppointmentsByPatient returns a patient's appointments, earliest first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)

	appointments, err := s.repo.ListAppointmentsByProvider(ctx, providerID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return appointments, nil
}

// TransitionAppointment moves an appointment along the provider driven
// lifecycle. Only the appointment's provider or an admin may do so.
func (s *Service) TransitionAppointment(ctx context.Context, actor Actor, id uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.Admin && appt.ProviderID != actor.ID {
		return nil, ErrNotAppointmentProvider
	}
	if !CanTransition(appt.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, appt.Status, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	logger := observability.LoggerFromContext(ctx)
	logEvent(ctx, s.repo, s.clock, &updated.ID, updated.SlotID, EventAppointmentStatus, map[string]any{
		"from":     string(appt.Status),
		"to":       string(to),
		"actor_id": actor.ID.String(),
	}, logger)

	return updated, nil
}
