package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventHoldCreated      = "hold.created"
	EventHoldCancelled    = "hold.cancelled"
	EventHoldExpired      = "hold.expired"
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingExpired   = "booking.expired"
	EventPaymentCaptured  = "payment.captured"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// Event is an outbox record written in the same transaction as the state
// change it describes.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Type          string
	Payload       []byte
	DedupeKey     string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func NewEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]interface{}, now time.Time) Event {
	data, _ := json.Marshal(payload)
	return Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       data,
		DedupeKey:     eventType + ":" + aggregateID.String(),
		CreatedAt:     now,
	}
}
