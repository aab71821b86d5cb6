package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotOverlap         = errors.New("slot already exists for this start time")

	// ErrAppointmentCreate marks a failed insert inside an atomic booking so
	// it can be told apart from a failed claim.
	ErrAppointmentCreate = errors.New("create appointment")
)

// SlotStore is the durable record of bookable windows. Availability only
// changes through ClaimSlot, ReleaseSlot, SetSlotAvailability and the
// orphan release.
type SlotStore interface {
	// ClaimSlot flips is_available true -> false only if it is still true.
	// A lost race is reported as Claim.RowsAffected == 0 with a nil error.
	ClaimSlot(ctx context.Context, slotID uuid.UUID) (Claim, error)
	ReleaseSlot(ctx context.Context, slotID uuid.UUID) error

	GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error)
	ListAvailableSlots(ctx context.Context, providerID uuid.UUID, since time.Time, limit int) ([]Slot, error)

	// Provider management
	CreateSlots(ctx context.Context, providerID uuid.UUID, windows []SlotWindow) ([]Slot, error)
	SetSlotAvailability(ctx context.Context, providerID, slotID uuid.UUID, available bool) (*Slot, error)

	// Reconciliation
	FindOrphanedSlots(ctx context.Context, claimedBefore time.Time, limit int) ([]Slot, error)
	ReleaseOrphanedSlot(ctx context.Context, slotID uuid.UUID, claimedBefore time.Time) (bool, error)
}

type AppointmentStore interface {
	CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
}

type ProviderStore interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
}

type EventStore interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all DB interactions needed by the coordinator and service.
type Repository interface {
	SlotStore
	AppointmentStore
	ProviderStore
	EventStore
}

// AtomicBooker is implemented by stores that can claim a slot and create
// its appointment in a single transaction. A lost race returns a zero
// Claim and no error; a failed insert wraps ErrAppointmentCreate.
type AtomicBooker interface {
	BookAtomically(ctx context.Context, slotID, patientID uuid.UUID, notes *string) (Claim, *Appointment, error)
}
