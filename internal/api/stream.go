package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

const heartbeatInterval = 30 * time.Second

// streamSlotsHandler sends the current slot list as a "snapshot" event and
// then relays every slot change for the provider as a "slot" event.
func streamSlotsHandler(coord BookingCoordinator, sub SlotSubscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "id", "invalid_provider_id")
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
			return
		}

		logger := observability.LoggerFromContext(r.Context())
		ctx := r.Context()

		// Subscribe before the snapshot so no change falls between the two.
		events, err := sub.SubscribeSlots(ctx, providerID)
		if err != nil {
			logger.Error().Err(err).Msg("subscribe slot events")
			writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "live updates are unavailable")
			return
		}

		slots, err := coord.ListSlotsFor(ctx, providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sendEvent(w, "snapshot", toSlotResponses(slots))
		flusher.Flush()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Debug().Str("provider_id", providerID.String()).Msg("slot stream closed")
				return
			case <-ticker.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				sendEvent(w, "slot", ev)
				flusher.Flush()
			}
		}
	}
}

func sendEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
