// Package queue defines the booking lifecycle messages exchanged over
// RabbitMQ and the consumer that keeps the seat catalog in sync with them.
package queue

import (
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// Exchange is the durable topic exchange booking events are published to.
const Exchange = "booking.events"

// Routing keys of the booking lifecycle.
const (
	RoutingCreated   = "booking.created"
	RoutingConfirmed = "booking.confirmed"
	RoutingCancelled = "booking.cancelled"
	RoutingExpired   = "booking.expired"
)

// BookingEvent is the payload of every booking lifecycle message.  It
// carries enough information for consumers to log, notify or update
// projections without querying the ledger.  Delivery is at least once,
// so consumers must tolerate duplicates.
type BookingEvent struct {
	Type        string    `json:"type"`
	BookingID   string    `json:"bookingId"`
	UserID      string    `json:"userId"`
	EventID     string    `json:"eventId"`
	SeatIDs     []string  `json:"seatIds"`
	Status      string    `json:"status"`
	TotalAmount int64     `json:"totalAmount"`
	PaymentID   string    `json:"paymentId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// NewBookingEvent builds the message for booking b under routing key
// kind.
func NewBookingEvent(kind string, b *model.Booking, reason string, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:        kind,
		BookingID:   b.ID,
		UserID:      b.UserID,
		EventID:     b.EventID,
		SeatIDs:     b.SeatStrings(),
		Status:      string(b.Status),
		TotalAmount: b.TotalAmount,
		Reason:      reason,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		OccurredAt:  at.UTC(),
	}
	if b.PaymentID != nil {
		ev.PaymentID = *b.PaymentID
	}
	return ev
}
