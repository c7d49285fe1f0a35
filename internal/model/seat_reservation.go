package model

import "time"

// SeatReservation is a short lived hold on one seat kept in the
// reservation store.  It exists only between a successful reservation
// and its release, expiry or the confirmation of the owning booking.
//
// Fields:
//  SeatID    – seat being held.
//  EventID   – event of the seat.
//  UserID    – user holding the seat.
//  BookingID – pending booking the hold belongs to.
//  ExpiresAt – when the hold lapses.
type SeatReservation struct {
	SeatID    SeatID    `json:"seatId"`
	EventID   string    `json:"eventId"`
	UserID    string    `json:"userId"`
	BookingID string    `json:"bookingId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the hold is still valid at now.
func (r *SeatReservation) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// SeatAvailability summarises the state of every seat of an event.  A
// seat appears in exactly one of the three lists.
type SeatAvailability struct {
	Available []string `json:"available"`
	Reserved  []string `json:"reserved"`
	Booked    []string `json:"booked"`
}
