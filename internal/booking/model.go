package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the provider-driven status moves.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Slot struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	StartTime   time.Time
	EndTime     time.Time
	IsAvailable bool
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	ProviderID  uuid.UUID
	SlotID      *uuid.UUID
	StartTime   time.Time
	EndTime     time.Time
	Status      AppointmentStatus
	Notes       *string
	VideoRoomID *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAppointment carries what is needed to insert a pending appointment.
// Times are copied from the claimed slot.
type NewAppointment struct {
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	SlotID     uuid.UUID
	StartTime  time.Time
	EndTime    time.Time
	Notes      *string
}

// NewAppointmentFromSlot builds the insert payload for a slot just claimed.
func NewAppointmentFromSlot(slot Slot, patientID uuid.UUID, notes *string) NewAppointment {
	return NewAppointment{
		PatientID:  patientID,
		ProviderID: slot.ProviderID,
		SlotID:     slot.ID,
		StartTime:  slot.StartTime,
		EndTime:    slot.EndTime,
		Notes:      notes,
	}
}

// Claim is the result of a conditional claim. RowsAffected is 0 when the
// slot was already unavailable (or does not exist) and 1 when the claim won.
type Claim struct {
	RowsAffected int64
	Slot         Slot
}

// SlotWindow is a time range a provider opens for booking.
type SlotWindow struct {
	StartTime time.Time
	EndTime   time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
