package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

// Reconciler releases slots left unavailable by a booking that neither
// created its appointment nor managed to compensate.
type Reconciler struct {
	repo      Repository
	publisher SlotEventPublisher
	clock     Clock
	metrics   *observability.Metrics
	grace     time.Duration
	batch     int
}

func NewReconciler(repo Repository, publisher SlotEventPublisher, clock Clock, metrics *observability.Metrics, grace time.Duration, batch int) *Reconciler {
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		metrics:   metrics,
		grace:     grace,
		batch:     batch,
	}
}

// ReleaseOrphanedSlots is intended to be called by the worker periodically.
// It returns how many slots were put back on offer.
func (r *Reconciler) ReleaseOrphanedSlots(ctx context.Context) (int, error) {
	logger := observability.LoggerFromContext(ctx)
	cutoff := r.clock.Now().Add(-r.grace)

	candidates, err := r.repo.FindOrphanedSlots(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("find orphaned slots: %w", err)
	}

	released := 0
	for _, slot := range candidates {
		ok, err := r.repo.ReleaseOrphanedSlot(ctx, slot.ID, cutoff)
		if err != nil {
			logger.Error().Err(err).Str("slot_id", slot.ID.String()).Msg("failed to release orphaned slot")
			continue
		}
		if !ok {
			// booked or released since the scan
			continue
		}

		released++
		r.metrics.ReconciledSlots.Inc()
		publishSlot(ctx, r.publisher, slot, true, "reconciled", logger)
		logEvent(ctx, r.repo, r.clock, nil, &slot.ID, EventOrphanedSlotReleased, map[string]any{
			"claimed_at": slot.ClaimedAt,
		}, logger)
	}

	return released, nil
}
