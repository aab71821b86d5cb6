package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-booking/internal/booking"
	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestMetricsRouterExposesReconciledSlots(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	claimed := now.Add(-10 * time.Minute)

	repo := booking.NewMemoryRepository()
	repo.SetClock(func() time.Time { return now })
	repo.PutSlot(booking.Slot{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		StartTime:  now.Add(time.Hour),
		EndTime:    now.Add(2 * time.Hour),
		ClaimedAt:  &claimed,
	})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := booking.NewReconciler(repo, nil, fixedClock{now}, metrics, 2*time.Minute, 10)
	runOnce(context.Background(), r)

	rec := httptest.NewRecorder()
	newMetricsRouter(metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconciled_slots_total 1")
}
