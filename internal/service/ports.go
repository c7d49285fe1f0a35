package service

import (
	"context"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/queue"
	"github.com/iliyamo/ticket-booking/internal/repository"
	"github.com/iliyamo/ticket-booking/internal/reservation"
)

// Ledger is the durable booking store.  repository.BookingRepo and
// repository.PGBookingRepo implement it.
type Ledger interface {
	Create(ctx context.Context, b *model.Booking) error
	FindByID(ctx context.Context, id string) (*model.Booking, error)
	FindByUser(ctx context.Context, userID string) ([]*model.Booking, error)
	FindPendingForUserEvent(ctx context.Context, userID, eventID string) (*model.Booking, error)
	FindConfirmedForUserEvent(ctx context.Context, userID, eventID string) ([]*model.Booking, error)
	FindConfirmedByEvent(ctx context.Context, eventID string) ([]*model.Booking, error)
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
	Transition(ctx context.Context, id string, from, to model.BookingStatus, extra repository.TransitionExtra) (*model.Booking, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
}

// ReservationStore is the fast, TTL bound seat lock.  reservation.Store
// implements it.
type ReservationStore interface {
	ReserveSeats(ctx context.Context, eventID string, seats []model.SeatID, userID, bookingID string) (reservation.ReserveResult, error)
	ReleaseSeats(ctx context.Context, eventID string, seats []model.SeatID) error
	ReleaseOwned(ctx context.Context, eventID string, seats []model.SeatID, bookingID string) (int, error)
	ExtendHold(ctx context.Context, eventID string, seats []model.SeatID, bookingID string, until time.Time) (bool, error)
	GetSeatAvailability(ctx context.Context, eventID string, booked []model.SeatID) (*model.SeatAvailability, error)
	RealtimeSeatStatus(ctx context.Context, eventID string, booked []model.SeatID) (*model.SeatAvailability, error)
}

// Publisher emits booking lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, ev queue.BookingEvent) error
}
