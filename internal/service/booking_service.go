package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// Service is the booking API used by the HTTP handlers.  It scopes every
// booking operation to the calling user, parses raw seat identifiers and
// retries transient failures with a doubling backoff.
type Service struct {
	coord   *Coordinator
	ledger  Ledger
	retries int
	backoff time.Duration
	log     *zap.Logger
}

// NewService returns a Service.  retries is the number of extra attempts
// made after a transient failure.
func NewService(coord *Coordinator, ledger Ledger, retries int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if retries < 0 {
		retries = 0
	}
	return &Service{
		coord:   coord,
		ledger:  ledger,
		retries: retries,
		backoff: 100 * time.Millisecond,
		log:     log.With(zap.String("component", "booking_service")),
	}
}

// CreateBooking books the raw seat ids of eventID for userID.
func (s *Service) CreateBooking(ctx context.Context, userID, eventID string, rawSeats []string) (*model.Booking, error) {
	seats, err := model.ParseSeatIDs(rawSeats)
	if err != nil {
		return nil, newError(KindInvalidRequest, "Invalid seat id", err)
	}
	var b *model.Booking
	err = s.retry(ctx, "create booking", func() error {
		var err error
		b, err = s.coord.CreateBooking(ctx, eventID, seats, userID)
		return err
	})
	return b, err
}

// GetBooking returns the booking id if it belongs to userID.
func (s *Service) GetBooking(ctx context.Context, userID, id string) (*model.Booking, error) {
	var b *model.Booking
	err := s.retry(ctx, "get booking", func() error {
		var err error
		b, err = s.owned(ctx, userID, id)
		return err
	})
	return b, err
}

// ListBookings returns the bookings of userID, newest first.
func (s *Service) ListBookings(ctx context.Context, userID string) ([]*model.Booking, error) {
	var list []*model.Booking
	err := s.retry(ctx, "list bookings", func() error {
		qctx, cancel := s.coord.bounded(ctx)
		defer cancel()
		var err error
		list, err = s.ledger.FindByUser(qctx, userID)
		return classify("list bookings", err)
	})
	if list == nil && err == nil {
		list = []*model.Booking{}
	}
	return list, err
}

// ConfirmBooking confirms the pending booking id of userID.
func (s *Service) ConfirmBooking(ctx context.Context, userID, id, paymentID string) (*model.Booking, error) {
	var b *model.Booking
	err := s.retry(ctx, "confirm booking", func() error {
		if _, err := s.owned(ctx, userID, id); err != nil {
			return err
		}
		var err error
		b, err = s.coord.ConfirmBooking(ctx, id, paymentID)
		return err
	})
	return b, err
}

// CancelBooking cancels the pending booking id of userID.
func (s *Service) CancelBooking(ctx context.Context, userID, id string) (*model.Booking, error) {
	var b *model.Booking
	err := s.retry(ctx, "cancel booking", func() error {
		if _, err := s.owned(ctx, userID, id); err != nil {
			return err
		}
		var err error
		b, err = s.coord.CancelBooking(ctx, id)
		return err
	})
	return b, err
}

// ExtendBooking extends the hold of booking id of userID and returns the
// booking as stored afterwards.
func (s *Service) ExtendBooking(ctx context.Context, userID, id string, additional time.Duration) (bool, *model.Booking, error) {
	var (
		ok bool
		b  *model.Booking
	)
	err := s.retry(ctx, "extend booking", func() error {
		if _, err := s.owned(ctx, userID, id); err != nil {
			return err
		}
		var err error
		if ok, err = s.coord.ExtendBookingTime(ctx, id, additional); err != nil {
			return err
		}
		b, err = s.owned(ctx, userID, id)
		return err
	})
	return ok, b, err
}

// SeatAvailability returns the cached seat summary of eventID.
func (s *Service) SeatAvailability(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	var av *model.SeatAvailability
	err := s.retry(ctx, "seat availability", func() error {
		var err error
		av, err = s.coord.SeatAvailability(ctx, eventID)
		return err
	})
	return av, err
}

// RealtimeSeatStatus returns the uncached seat summary of eventID.
func (s *Service) RealtimeSeatStatus(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	var av *model.SeatAvailability
	err := s.retry(ctx, "realtime seat status", func() error {
		var err error
		av, err = s.coord.RealtimeSeatStatus(ctx, eventID)
		return err
	})
	return av, err
}

// owned loads id and hides bookings of other users behind NotFound.
func (s *Service) owned(ctx context.Context, userID, id string) (*model.Booking, error) {
	b, err := s.coord.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, notFound(id, errors.New("owned by another user"))
	}
	return b, nil
}

// retry runs fn again while it fails with a transient error, up to
// s.retries extra attempts.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	wait := s.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrTransient) || attempt >= s.retries {
			return err
		}
		s.log.Warn("transient failure, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait *= 2
	}
}
