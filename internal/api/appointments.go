package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-booking/internal/auth"
	"github.com/hackgods/medical-appointment-booking/internal/booking"
)

// canManageProvider reports whether id may act on providerID's schedule.
func canManageProvider(id auth.Identity, providerID uuid.UUID) bool {
	return id.HasRole(auth.RoleAdmin) || (id.HasRole(auth.RoleDoctor) && id.UserID == providerID)
}

func createSlotsHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		if id, _ := auth.IdentityFrom(r.Context()); !canManageProvider(id, providerID) {
			writeError(w, http.StatusForbidden, "forbidden", "only the provider or an admin may open slots")
			return
		}

		var req CreateSlotsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		loc := time.UTC
		if req.Timezone != "" {
			l, err := time.LoadLocation(req.Timezone)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_timezone", err.Error())
				return
			}
			loc = l
		}
		date, err := time.ParseInLocation(time.DateOnly, req.Date, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.CreateSlots(r.Context(), providerID, booking.DailySchedule{
			Date:         date,
			FromHour:     req.FromHour,
			ToHour:       req.ToHour,
			SlotDuration: time.Duration(req.SlotMinutes) * time.Minute,
			Location:     loc,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSlotResponses(slots))
	}
}

func setSlotAvailabilityHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		slotID, ok := uuidParam(w, r, "slotID", "invalid_slot_id")
		if !ok {
			return
		}
		if id, _ := auth.IdentityFrom(r.Context()); !canManageProvider(id, providerID) {
			writeError(w, http.StatusForbidden, "forbidden", "only the provider or an admin may change slots")
			return
		}

		var req SetAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsAvailable == nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "is_available is required")
			return
		}

		slot, err := svc.SetSlotAvailability(r.Context(), providerID, slotID, *req.IsAvailable)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

func getAppointmentHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), apptID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		id, _ := auth.IdentityFrom(r.Context())
		if !id.HasRole(auth.RoleAdmin) && id.UserID != appt.PatientID && id.UserID != appt.ProviderID {
			writeError(w, http.StatusForbidden, "forbidden", "not a participant of this appointment")
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func listMyAppointmentsHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := intQuery(w, r, "limit")
		if !ok {
			return
		}
		offset, ok := intQuery(w, r, "offset")
		if !ok {
			return
		}

		id, _ := auth.IdentityFrom(r.Context())
		appts, err := svc.ListAppointmentsByPatient(r.Context(), id.UserID, limit, offset)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ListAppointmentsResponse{
			Appointments: toAppointmentResponses(appts),
			Limit:        limit,
			Offset:       offset,
		})
	}
}

func listProviderAppointmentsHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		if id, _ := auth.IdentityFrom(r.Context()); !canManageProvider(id, providerID) {
			writeError(w, http.StatusForbidden, "forbidden", "only the provider or an admin may list these appointments")
			return
		}

		limit, ok := intQuery(w, r, "limit")
		if !ok {
			return
		}
		offset, ok := intQuery(w, r, "offset")
		if !ok {
			return
		}

		var status *booking.AppointmentStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			s := booking.AppointmentStatus(raw)
			if !s.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+raw)
				return
			}
			status = &s
		}

		appts, err := svc.ListAppointmentsByProvider(r.Context(), providerID, status, limit, offset)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ListAppointmentsResponse{
			Appointments: toAppointmentResponses(appts),
			Limit:        limit,
			Offset:       offset,
		})
	}
}

func updateAppointmentStatusHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		to := booking.AppointmentStatus(req.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+req.Status)
			return
		}

		id, _ := auth.IdentityFrom(r.Context())
		appt, err := svc.TransitionAppointment(r.Context(), booking.Actor{
			ID:    id.UserID,
			Admin: id.HasRole(auth.RoleAdmin),
		}, apptID, to)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}
