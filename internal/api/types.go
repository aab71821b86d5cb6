package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-booking/internal/booking"
)

type BookRequest struct {
	ProviderID string  `json:"provider_id,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type CreateSlotsRequest struct {
	Date        string `json:"date"` // YYYY-MM-DD
	FromHour    int    `json:"from_hour"`
	ToHour      int    `json:"to_hour"`
	SlotMinutes int    `json:"slot_minutes,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

type SetAvailabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type SlotResponse struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	IsAvailable bool      `json:"is_available"`
}

type ProviderResponse struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Specialty *string        `json:"specialty,omitempty"`
	Slots     []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ProviderID  uuid.UUID  `json:"provider_id"`
	SlotID      *uuid.UUID `json:"slot_id,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Status      string     `json:"status"`
	Notes       *string    `json:"notes,omitempty"`
	VideoRoomID *string    `json:"video_room_id,omitempty"`
}

// BookResponse is returned for every booking outcome. Error is set for the
// rejected ones.
type BookResponse struct {
	Outcome     string               `json:"outcome"`
	Message     string               `json:"message"`
	Error       string               `json:"error,omitempty"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
	ProviderID  uuid.UUID            `json:"provider_id"`
	Slots       []SlotResponse       `json:"slots"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s booking.Slot) SlotResponse {
	return SlotResponse{
		ID:          s.ID,
		ProviderID:  s.ProviderID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		IsAvailable: s.IsAvailable,
	}
}

func toSlotResponses(slots []booking.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toAppointmentResponse(a booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		ProviderID:  a.ProviderID,
		SlotID:      a.SlotID,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		Status:      string(a.Status),
		Notes:       a.Notes,
		VideoRoomID: a.VideoRoomID,
	}
}

func toAppointmentResponses(appts []booking.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}
