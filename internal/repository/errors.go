// Package repository implements the booking ledger: the durable store of
// bookings, their seats and an append-only audit trail.  Two drivers are
// provided, MySQL (BookingRepo) and Postgres (PGBookingRepo), which share
// the sentinel errors below so that higher layers such as the booking
// coordinator can tell failure scenarios apart without knowing which
// database is in use.
package repository

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a booking id does not exist.
var ErrNotFound = errors.New("booking not found")

// ErrDuplicatePending is returned when inserting a pending booking would
// give the user a second pending booking for the same event.  It is
// raised by the uq_bookings_pending_user_event unique key.
var ErrDuplicatePending = errors.New("pending booking already exists for user and event")

// ErrDuplicateConfirmedSeat is returned when a seat would end up in two
// confirmed bookings.  It is raised by the uq_booking_seats_confirmed
// unique key or by the locking check performed on insert.
var ErrDuplicateConfirmedSeat = errors.New("seat already covered by a confirmed booking")

// ErrConflict is returned for any other uniqueness violation, such as a
// reused booking id.
var ErrConflict = errors.New("conflict")

// ErrStatusMismatch is returned by Transition and UpdateExpiry when the
// stored status is not the expected one.
var ErrStatusMismatch = errors.New("booking status mismatch")

// ErrUnavailable wraps driver and network failures (lost connections,
// timeouts, deadlocks).  Callers may retry these.
var ErrUnavailable = errors.New("ledger unavailable")

// Constraint names shared by the MySQL and Postgres schemas.
const (
	constraintPendingUserEvent = "uq_bookings_pending_user_event"
	constraintConfirmedSeat    = "uq_booking_seats_confirmed"
)

// TransitionExtra carries the optional data written alongside a status
// change.  PaymentID is stored on the booking; Reason ends up in the
// audit row metadata (for example "timeout" or "user").
type TransitionExtra struct {
	PaymentID *string
	Reason    string
}

// auditMetadata builds the metadata document stored with an audit row.
func auditMetadata(extra TransitionExtra, at time.Time) map[string]string {
	md := map[string]string{"at": at.Format(time.RFC3339Nano)}
	if extra.Reason != "" {
		md["reason"] = extra.Reason
	}
	if extra.PaymentID != nil {
		md["paymentId"] = *extra.PaymentID
	}
	return md
}
