package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-booking/internal/auth"
	"github.com/hackgods/medical-appointment-booking/internal/booking"
	"github.com/hackgods/medical-appointment-booking/internal/observability"
	redisclient "github.com/hackgods/medical-appointment-booking/internal/redis"
)

const (
	idempotencyHeader = "Idempotency-Key"

	// bounds storing or releasing an outcome after the client has gone
	idempotencyWriteTimeout = 2 * time.Second
)

// storedResponse is what an idempotent booking replays.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func bookSlotHandler(coord BookingCoordinator, idem redisclient.IdempotencyStore, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFrom(r.Context())
		logger := observability.LoggerFromContext(r.Context())

		slotID, ok := uuidParam(w, r, "id", "invalid_slot_id")
		if !ok {
			return
		}

		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var providerID uuid.UUID
		if req.ProviderID != "" {
			parsed, err := uuid.Parse(req.ProviderID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
				return
			}
			providerID = parsed
		}

		var reservation *redisclient.Reservation
		if key := r.Header.Get(idempotencyHeader); key != "" && idem != nil {
			res, replay, err := idem.Reserve(r.Context(), redisclient.BookingKey(id.UserID, slotID, key))
			switch {
			case errors.Is(err, redisclient.ErrRequestInFlight):
				writeError(w, http.StatusConflict, "request_in_flight", err.Error())
				return
			case err != nil:
				// Redis trouble must not block bookings; the claim is still exclusive.
				logger.Warn().Err(err).Msg("idempotency reservation failed, booking without it")
			case replay != nil:
				var stored storedResponse
				if err := json.Unmarshal(replay, &stored); err == nil {
					metrics.IdempotentReplays.Inc()
					w.Header().Set("Idempotent-Replayed", "true")
					writeRawJSON(w, stored.Status, stored.Body)
					return
				}
				logger.Warn().Msg("stored booking outcome unreadable, booking again")
			default:
				reservation = res
			}
		}

		result := coord.Book(r.Context(), booking.BookRequest{
			PatientID:  id.UserID,
			ProviderID: providerID,
			SlotID:     slotID,
			Notes:      req.Notes,
		})

		status, resp := bookResponse(result)
		body, err := json.Marshal(resp)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		if reservation != nil {
			// Recorded even when the client is gone or the server is stopping.
			idemCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), idempotencyWriteTimeout)
			// A system error is worth retrying, so it is not remembered.
			if result.Outcome == booking.OutcomeRejectedSystemError {
				if err := idem.Abandon(idemCtx, reservation); err != nil {
					logger.Warn().Err(err).Msg("release idempotency key")
				}
			} else {
				payload, _ := json.Marshal(storedResponse{Status: status, Body: body})
				if err := idem.Complete(idemCtx, reservation, payload); err != nil {
					logger.Warn().Err(err).Msg("store booking outcome")
				}
			}
			cancel()
		}

		writeRawJSON(w, status, body)
	}
}

func bookResponse(result booking.BookingResult) (int, BookResponse) {
	resp := BookResponse{
		Outcome:    string(result.Outcome),
		Message:    result.Outcome.Message(),
		ProviderID: result.ProviderID,
		Slots:      toSlotResponses(result.Slots),
	}

	switch result.Outcome {
	case booking.OutcomeBooked:
		if result.Appointment != nil {
			appt := toAppointmentResponse(*result.Appointment)
			resp.Appointment = &appt
		}
		return http.StatusCreated, resp
	case booking.OutcomeRejectedTaken:
		resp.Error = "slot_taken"
		return http.StatusConflict, resp
	case booking.OutcomeRejectedBookingFailed:
		resp.Error = "booking_failed_slot_released"
		return http.StatusConflict, resp
	default:
		resp.Error = "system_error"
		return http.StatusServiceUnavailable, resp
	}
}

func selectProviderHandler(coord BookingCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}

		view, err := coord.SelectProvider(r.Context(), providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ProviderResponse{
			ID:        view.Provider.ID,
			Name:      view.Provider.Name,
			Specialty: view.Provider.Specialty,
			Slots:     toSlotResponses(view.Slots),
		})
	}
}

func listSlotsHandler(coord BookingCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}
		limit, ok := intQuery(w, r, "limit")
		if !ok {
			return
		}

		slots, err := coord.ListSlotsFor(r.Context(), providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		if limit > 0 && limit < len(slots) {
			slots = slots[:limit]
		}

		writeJSON(w, http.StatusOK, toSlotResponses(slots))
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// handleBookingError maps the booking package sentinels to HTTP errors.
func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotOverlap):
		writeError(w, http.StatusConflict, "slot_overlap", err.Error())
	case errors.Is(err, booking.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, booking.ErrNotAppointmentProvider):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
