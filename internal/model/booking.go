package model

import "time"

// BookingStatus is the lifecycle state of a booking row.
type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusRefunded  BookingStatus = "refunded"
)

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Booking is the durable record of a user's intent to buy one or more
// seats of an event.  A booking starts out pending, holding its seats
// provisionally in the reservation store, and then becomes confirmed
// (payment received) or cancelled (user cancel or hold timeout).
//
// Fields:
//  ID          – opaque booking identifier ("booking_<uuid>").
//  UserID      – owner of the booking.
//  EventID     – event the seats belong to.
//  SeatIDs     – seats covered by the booking.
//  TotalAmount – total price in cents.
//  Status      – see BookingStatus.
//  PaymentID   – external payment reference once confirmed.
//  ExpiresAt   – end of the hold window while pending.
//  CreatedAt   – creation timestamp (UTC).
//  UpdatedAt   – last update timestamp (UTC).
type Booking struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId"`
	EventID     string        `json:"eventId"`
	SeatIDs     []SeatID      `json:"seatIds"`
	TotalAmount int64         `json:"totalAmount"`
	Status      BookingStatus `json:"status"`
	PaymentID   *string       `json:"paymentId,omitempty"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// IsExpired reports whether the hold window of a booking has elapsed at
// the given instant.  Bookings without an expiry never expire.
func (b *Booking) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// SeatStrings returns the canonical string form of every seat.
func (b *Booking) SeatStrings() []string {
	return SeatIDStrings(b.SeatIDs)
}

// Overlaps reports whether any of the given seats is covered by b.
func (b *Booking) Overlaps(seats []SeatID) []SeatID {
	own := make(map[SeatID]struct{}, len(b.SeatIDs))
	for _, s := range b.SeatIDs {
		own[s] = struct{}{}
	}
	var out []SeatID
	for _, s := range seats {
		if _, ok := own[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// BookingAudit is one row of the append-only booking_audit table.  The
// ledger writes an audit row in the same transaction as every state
// change.
type BookingAudit struct {
	BookingID string
	Action    string
	OldStatus *BookingStatus
	NewStatus BookingStatus
	Amount    int64
	UserID    string
	Timestamp time.Time
	Metadata  map[string]string
}
