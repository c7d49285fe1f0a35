package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/ticket-booking/internal/repository"
)

// Kind classifies every failure the booking engine reports.
type Kind string

const (
	KindConflict         Kind = "conflict"
	KindDuplicateBooking Kind = "duplicate_booking"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindExpired          Kind = "expired"
	KindUnauthorized     Kind = "unauthorized"
	KindTransient        Kind = "transient"
	KindInvalidRequest   Kind = "invalid_request"
)

// Sub-kinds of KindDuplicateBooking.
const (
	ReasonPendingExists        = "pending_exists"
	ReasonConfirmedSeatOverlap = "confirmed_seat_overlap"
	ReasonAlreadyPaid          = "already_paid"
)

// Error is a classified failure.  Message is safe to show to end users;
// Err keeps the internal cause for logs and is never rendered to clients.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Seats   []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("/" + e.Reason)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels of the same kind.  A sentinel with a Reason only
// matches errors with that reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrConflict         = &Error{Kind: KindConflict}
	ErrDuplicateBooking = &Error{Kind: KindDuplicateBooking}
	ErrPendingExists    = &Error{Kind: KindDuplicateBooking, Reason: ReasonPendingExists}
	ErrConfirmedOverlap = &Error{Kind: KindDuplicateBooking, Reason: ReasonConfirmedSeatOverlap}
	ErrAlreadyPaid      = &Error{Kind: KindDuplicateBooking, Reason: ReasonAlreadyPaid}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrTransient        = &Error{Kind: KindTransient}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
)

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func transient(op string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: "Service temporarily unavailable, please retry", Err: fmt.Errorf("%s: %w", op, cause)}
}

func notFound(id string, cause error) *Error {
	return &Error{Kind: KindNotFound, Message: "Booking not found", Err: fmt.Errorf("booking %s: %w", id, cause)}
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify maps store and ledger failures that need no further context.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return transient(op, err)
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// seatPhrase renders "Seat A1 is" / "Seats A1, A2 are".
func seatPhrase(codes []string) string {
	if len(codes) == 1 {
		return "Seat " + codes[0] + " is"
	}
	return "Seats " + strings.Join(codes, ", ") + " are"
}
