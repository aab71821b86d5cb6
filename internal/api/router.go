package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-booking/internal/auth"
	"github.com/hackgods/medical-appointment-booking/internal/booking"
	"github.com/hackgods/medical-appointment-booking/internal/observability"
	redisclient "github.com/hackgods/medical-appointment-booking/internal/redis"
)

// BookingCoordinator is implemented by *booking.Coordinator.
type BookingCoordinator interface {
	Book(ctx context.Context, req booking.BookRequest) booking.BookingResult
	SelectProvider(ctx context.Context, providerID uuid.UUID) (*booking.ProviderView, error)
	ListSlotsFor(ctx context.Context, providerID uuid.UUID) ([]booking.Slot, error)
}

// ScheduleService is implemented by *booking.Service.
type ScheduleService interface {
	CreateSlots(ctx context.Context, providerID uuid.UUID, schedule booking.DailySchedule) ([]booking.Slot, error)
	SetSlotAvailability(ctx context.Context, providerID, slotID uuid.UUID, available bool) (*booking.Slot, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.Appointment, error)
	ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *booking.AppointmentStatus, limit, offset int) ([]booking.Appointment, error)
	TransitionAppointment(ctx context.Context, actor booking.Actor, id uuid.UUID, to booking.AppointmentStatus) (*booking.Appointment, error)
}

// SlotSubscriber is implemented by *redisclient.EventBus.
type SlotSubscriber interface {
	SubscribeSlots(ctx context.Context, providerID uuid.UUID) (<-chan booking.SlotEvent, error)
}

type RouterConfig struct {
	Coordinator BookingCoordinator
	Service     ScheduleService
	Idempotency redisclient.IdempotencyStore // nil disables Idempotency-Key handling
	Slots       SlotSubscriber               // nil disables the slot stream
	Validator   *auth.Validator
	Metrics     *observability.Metrics
	Postgres    Pinger
	Redis       RedisPinger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(ObservabilityMiddleware(cfg.Metrics))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Validator))

		r.Get("/providers/{id}", selectProviderHandler(cfg.Coordinator))
		r.Get("/providers/{id}/slots", listSlotsHandler(cfg.Coordinator))
		if cfg.Slots != nil {
			r.Get("/providers/{id}/slots/stream", streamSlotsHandler(cfg.Coordinator, cfg.Slots))
		}
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RolePatient))
			r.Post("/slots/{id}/book", bookSlotHandler(cfg.Coordinator, cfg.Idempotency, cfg.Metrics))
			r.Get("/appointments/me", listMyAppointmentsHandler(cfg.Service))
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleDoctor, auth.RoleAdmin))
			r.Post("/providers/{id}/slots", createSlotsHandler(cfg.Service))
			r.Patch("/providers/{id}/slots/{slotID}", setSlotAvailabilityHandler(cfg.Service))
			r.Get("/providers/{id}/appointments", listProviderAppointmentsHandler(cfg.Service))
			r.Post("/appointments/{id}/status", updateAppointmentStatusHandler(cfg.Service))
		})
	})

	return r
}
