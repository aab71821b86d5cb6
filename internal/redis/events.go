package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/medical-appointment-booking/internal/booking"
)

func SlotChannel(providerID uuid.UUID) string {
	return "slots:provider:" + providerID.String()
}

func PatientChannel(patientID uuid.UUID) string {
	return "bookings:patient:" + patientID.String()
}

// EventBus publishes slot changes and booking notices over Redis pub/sub.
// It implements booking.SlotEventPublisher and booking.Notifier.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

type noticeMessage struct {
	Outcome       string    `json:"outcome"`
	Message       string    `json:"message"`
	SlotID        uuid.UUID `json:"slot_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	AppointmentID uuid.UUID `json:"appointment_id,omitempty"`
	At            time.Time `json:"at"`
}

func (b *EventBus) PublishSlotEvent(ctx context.Context, ev booking.SlotEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal slot event: %w", err)
	}
	if err := b.client.Publish(ctx, SlotChannel(ev.ProviderID), data).Err(); err != nil {
		return fmt.Errorf("publish slot event: %w", err)
	}
	return nil
}

func (b *EventBus) Notify(ctx context.Context, n booking.Notice) error {
	data, err := json.Marshal(noticeMessage{
		Outcome:       string(n.Outcome),
		Message:       n.Message,
		SlotID:        n.SlotID,
		ProviderID:    n.ProviderID,
		AppointmentID: n.AppointmentID,
		At:            n.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := b.client.Publish(ctx, PatientChannel(n.PatientID), data).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// SubscribeSlots streams slot events for one provider until ctx is done.
// The returned channel is closed when the subscription ends.
func (b *EventBus) SubscribeSlots(ctx context.Context, providerID uuid.UUID) (<-chan booking.SlotEvent, error) {
	sub := b.client.Subscribe(ctx, SlotChannel(providerID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe slot events: %w", err)
	}

	out := make(chan booking.SlotEvent)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev booking.SlotEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed slot event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
