package booking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventBookingCompensated   = "BOOKING_COMPENSATED"
	EventCompensationFailed   = "BOOKING_COMPENSATION_FAILED"
	EventAppointmentStatus    = "APPOINTMENT_STATUS_CHANGED"
	EventSlotsCreated         = "SLOTS_CREATED"
	EventSlotAvailability     = "SLOT_AVAILABILITY_CHANGED"
	EventOrphanedSlotReleased = "ORPHANED_SLOT_RELEASED"
)

// Outcome is the terminal state of one booking attempt.
type Outcome string

const (
	OutcomeBooked                Outcome = "booked"
	OutcomeRejectedTaken         Outcome = "rejected_taken"
	OutcomeRejectedSystemError   Outcome = "rejected_system_error"
	OutcomeRejectedBookingFailed Outcome = "rejected_booking_failed"
)

// Message is the user facing text for the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeBooked:
		return "Appointment booked"
	case OutcomeRejectedTaken:
		return "Slot just taken, choose another"
	case OutcomeRejectedBookingFailed:
		return "Booking failed, slot released"
	default:
		return "System error, try again"
	}
}

type BookRequest struct {
	PatientID  uuid.UUID
	ProviderID uuid.UUID // fallback for the refresh when the slot cannot be found
	SlotID     uuid.UUID
	Notes      *string
}

// BookingResult is returned for every attempt. Slots holds the provider's
// refreshed list of available slots (nil if the refresh itself failed).
type BookingResult struct {
	Outcome       Outcome
	AppointmentID uuid.UUID
	Appointment   *Appointment
	ProviderID    uuid.UUID
	Slots         []Slot
}

// Notice is emitted once per terminal booking outcome.
type Notice struct {
	Outcome       Outcome
	Message       string
	PatientID     uuid.UUID
	ProviderID    uuid.UUID
	SlotID        uuid.UUID
	AppointmentID uuid.UUID
	At            time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// SlotEvent describes a change in a slot's availability.
type SlotEvent struct {
	SlotID      uuid.UUID `json:"slot_id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	IsAvailable bool      `json:"is_available"`
	Reason      string    `json:"reason"`
}

type SlotEventPublisher interface {
	PublishSlotEvent(ctx context.Context, ev SlotEvent) error
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type CoordinatorOptions struct {
	ListLimit   int           // cap on refreshed/listed slots, 0 means unlimited
	UseTx       bool          // use AtomicBooker when the repository implements it
	StepTimeout time.Duration // per store call; 0 disables
}

// Coordinator runs the claim -> create -> compensate booking flow.
type Coordinator struct {
	repo      Repository
	atomic    AtomicBooker
	notifier  Notifier
	publisher SlotEventPublisher
	clock     Clock
	metrics   *observability.Metrics
	opts      CoordinatorOptions
}

func NewCoordinator(repo Repository, notifier Notifier, publisher SlotEventPublisher, clock Clock, metrics *observability.Metrics, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		metrics:   metrics,
		opts:      opts,
	}
	if opts.UseTx {
		if ab, ok := repo.(AtomicBooker); ok {
			c.atomic = ab
		}
	}
	return c
}

// ProviderView is what a caller needs after choosing a provider.
type ProviderView struct {
	Provider Provider
	Slots    []Slot
}

// SelectProvider loads a provider together with its bookable slots.
func (c *Coordinator) SelectProvider(ctx context.Context, providerID uuid.UUID) (*ProviderView, error) {
	p, err := c.repo.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	slots, err := c.ListSlotsFor(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return &ProviderView{Provider: *p, Slots: slots}, nil
}

// ListSlotsFor returns the provider's available slots that have not started
// yet, earliest first.
func (c *Coordinator) ListSlotsFor(ctx context.Context, providerID uuid.UUID) ([]Slot, error) {
	return c.repo.ListAvailableSlots(ctx, providerID, c.clock.Now(), c.opts.ListLimit)
}

// Book attempts to reserve req.SlotID for req.PatientID. It never returns an
// error: every failure is folded into one of the four outcomes. Once started
// the flow is detached from ctx cancellation so an issued claim is always
// followed through to create or compensation.
func (c *Coordinator) Book(ctx context.Context, req BookRequest) BookingResult {
	started := c.clock.Now()
	ctx = context.WithoutCancel(ctx)

	ctx, span := observability.StartSpan(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("slot.id", req.SlotID.String()),
		attribute.String("patient.id", req.PatientID.String()),
	))
	defer span.End()

	logger := observability.LoggerFromContext(ctx).With().
		Str("slot_id", req.SlotID.String()).
		Str("patient_id", req.PatientID.String()).
		Logger()

	var (
		result BookingResult
		slot   *Slot
	)
	if c.atomic != nil {
		result, slot = c.bookInTx(ctx, req, &logger)
	} else {
		result, slot = c.bookWithCompensation(ctx, req, &logger)
	}

	result.ProviderID = c.resolveProvider(ctx, req, slot)
	result.Slots = c.refresh(ctx, result.ProviderID, &logger)
	c.notify(ctx, req, result, &logger)

	span.SetAttributes(attribute.String("booking.outcome", string(result.Outcome)))
	if result.Outcome != OutcomeBooked {
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	c.metrics.BookingOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	c.metrics.BookingDuration.Observe(c.clock.Now().Sub(started).Seconds())

	return result
}

func (c *Coordinator) bookWithCompensation(ctx context.Context, req BookRequest, logger *zerolog.Logger) (BookingResult, *Slot) {
	claim, err := c.claim(ctx, req.SlotID)
	if err != nil {
		logger.Error().Err(err).Msg("slot claim failed")
		return BookingResult{Outcome: OutcomeRejectedSystemError}, nil
	}
	if claim.RowsAffected == 0 {
		logger.Info().Msg("slot already taken")
		return BookingResult{Outcome: OutcomeRejectedTaken}, nil
	}

	slot := claim.Slot
	c.publish(ctx, slot, false, "claimed", logger)

	appt, err := c.create(ctx, NewAppointmentFromSlot(slot, req.PatientID, req.Notes))
	if err != nil {
		logger.Error().Err(err).Msg("appointment create failed, releasing slot")
		c.compensate(ctx, slot, err, logger)
		return BookingResult{Outcome: OutcomeRejectedBookingFailed}, &slot
	}

	c.logEvent(ctx, &appt.ID, &slot.ID, EventAppointmentBooked, map[string]any{
		"patient_id":  req.PatientID.String(),
		"provider_id": slot.ProviderID.String(),
		"start_time":  slot.StartTime,
	}, logger)
	logger.Info().Str("appointment_id", appt.ID.String()).Msg("appointment booked")

	return BookingResult{Outcome: OutcomeBooked, AppointmentID: appt.ID, Appointment: appt}, &slot
}

func (c *Coordinator) bookInTx(ctx context.Context, req BookRequest, logger *zerolog.Logger) (BookingResult, *Slot) {
	stepCtx, cancel := c.stepContext(ctx)
	defer cancel()

	claim, appt, err := c.atomic.BookAtomically(stepCtx, req.SlotID, req.PatientID, req.Notes)
	switch {
	case err != nil && errors.Is(err, ErrAppointmentCreate):
		logger.Error().Err(err).Msg("appointment create failed, transaction rolled back")
		return BookingResult{Outcome: OutcomeRejectedBookingFailed}, &claim.Slot
	case err != nil:
		logger.Error().Err(err).Msg("atomic booking failed")
		return BookingResult{Outcome: OutcomeRejectedSystemError}, nil
	case claim.RowsAffected == 0:
		logger.Info().Msg("slot already taken")
		return BookingResult{Outcome: OutcomeRejectedTaken}, nil
	}

	slot := claim.Slot
	c.publish(ctx, slot, false, "claimed", logger)
	c.logEvent(ctx, &appt.ID, &slot.ID, EventAppointmentBooked, map[string]any{
		"patient_id":  req.PatientID.String(),
		"provider_id": slot.ProviderID.String(),
		"start_time":  slot.StartTime,
		"atomic":      true,
	}, logger)
	logger.Info().Str("appointment_id", appt.ID.String()).Msg("appointment booked")

	return BookingResult{Outcome: OutcomeBooked, AppointmentID: appt.ID, Appointment: appt}, &slot
}

// compensate releases a claim whose appointment could not be created. A
// failed release is logged and counted only; the reconciliation sweep picks
// the slot up later.
func (c *Coordinator) compensate(ctx context.Context, slot Slot, cause error, logger *zerolog.Logger) {
	ctx, span := observability.StartSpan(ctx, "booking.compensate")
	defer span.End()

	stepCtx, cancel := c.stepContext(ctx)
	defer cancel()

	if err := c.repo.ReleaseSlot(stepCtx, slot.ID); err != nil {
		span.RecordError(err)
		c.metrics.CompensationFailures.Inc()
		logger.Error().Err(err).Msg("slot release failed, slot left unavailable")
		c.logEvent(ctx, nil, &slot.ID, EventCompensationFailed, map[string]any{
			"cause":         cause.Error(),
			"release_error": err.Error(),
		}, logger)
		return
	}

	c.publish(ctx, slot, true, "released", logger)
	c.logEvent(ctx, nil, &slot.ID, EventBookingCompensated, map[string]any{
		"cause": cause.Error(),
	}, logger)
}

func (c *Coordinator) claim(ctx context.Context, slotID uuid.UUID) (Claim, error) {
	ctx, span := observability.StartSpan(ctx, "booking.claim")
	defer span.End()

	stepCtx, cancel := c.stepContext(ctx)
	defer cancel()

	claim, err := c.repo.ClaimSlot(stepCtx, slotID)
	if err != nil {
		span.RecordError(err)
		return Claim{}, err
	}
	span.SetAttributes(attribute.Int64("rows_affected", claim.RowsAffected))
	return claim, nil
}

func (c *Coordinator) create(ctx context.Context, in NewAppointment) (*Appointment, error) {
	ctx, span := observability.StartSpan(ctx, "booking.create_appointment")
	defer span.End()

	stepCtx, cancel := c.stepContext(ctx)
	defer cancel()

	appt, err := c.repo.CreateAppointment(stepCtx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return appt, nil
}

// resolveProvider names the provider that owns the slot. The caller's
// ProviderID is only a fallback for a slot the store cannot find.
func (c *Coordinator) resolveProvider(ctx context.Context, req BookRequest, slot *Slot) uuid.UUID {
	if slot != nil && slot.ProviderID != uuid.Nil {
		return slot.ProviderID
	}
	if s, err := c.repo.GetSlot(ctx, req.SlotID); err == nil {
		return s.ProviderID
	}
	return req.ProviderID
}

func (c *Coordinator) refresh(ctx context.Context, providerID uuid.UUID, logger *zerolog.Logger) []Slot {
	if providerID == uuid.Nil {
		return nil
	}
	slots, err := c.ListSlotsFor(ctx, providerID)
	if err != nil {
		logger.Warn().Err(err).Msg("slot list refresh failed")
		return nil
	}
	if slots == nil {
		slots = []Slot{}
	}
	return slots
}

func (c *Coordinator) notify(ctx context.Context, req BookRequest, result BookingResult, logger *zerolog.Logger) {
	if c.notifier == nil {
		return
	}
	n := Notice{
		Outcome:       result.Outcome,
		Message:       result.Outcome.Message(),
		PatientID:     req.PatientID,
		ProviderID:    result.ProviderID,
		SlotID:        req.SlotID,
		AppointmentID: result.AppointmentID,
		At:            c.clock.Now(),
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		logger.Warn().Err(err).Msg("booking notification failed")
	}
}

func (c *Coordinator) publish(ctx context.Context, slot Slot, available bool, reason string, logger *zerolog.Logger) {
	publishSlot(ctx, c.publisher, slot, available, reason, logger)
}

func (c *Coordinator) logEvent(ctx context.Context, appointmentID, slotID *uuid.UUID, eventType string, payload map[string]any, logger *zerolog.Logger) {
	logEvent(ctx, c.repo, c.clock, appointmentID, slotID, eventType, payload, logger)
}

func (c *Coordinator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.StepTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.StepTimeout)
}

func publishSlot(ctx context.Context, publisher SlotEventPublisher, slot Slot, available bool, reason string, logger *zerolog.Logger) {
	if publisher == nil {
		return
	}
	ev := SlotEvent{
		SlotID:      slot.ID,
		ProviderID:  slot.ProviderID,
		StartTime:   slot.StartTime,
		EndTime:     slot.EndTime,
		IsAvailable: available,
		Reason:      reason,
	}
	if err := publisher.PublishSlotEvent(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("slot_id", slot.ID.String()).Msg("publish slot event failed")
	}
}

func logEvent(ctx context.Context, store EventStore, clock Clock, appointmentID, slotID *uuid.UUID, eventType string, payload map[string]any, logger *zerolog.Logger) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     clock.Now(),
	}
	if err := store.InsertEvent(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}
