// Package service holds the booking engine: the reservation coordinator
// that keeps the Redis seat holds and the booking ledger consistent, the
// timeout scheduler that expires unpaid bookings, the lifecycle service
// exposed to the HTTP layer and the RabbitMQ publisher for lifecycle
// events.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/queue"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

// Config holds the booking rules of the coordinator.
type Config struct {
	// Hold is the payment window of a new booking.
	Hold time.Duration
	// SeatPriceCents is charged per seat when the catalog has no price.
	SeatPriceCents int64
	// StoreTimeout bounds every reservation store and ledger call.
	StoreTimeout time.Duration
	// MaxSeats caps the seats of one booking.
	MaxSeats int
	// MaxExtension caps a single hold extension.
	MaxExtension time.Duration
	// ReconcileBatch is the number of expired bookings handled per
	// reconciler pass.
	ReconcileBatch int
}

// DefaultConfig returns the demo rules: 30 second holds at 50.00 per seat.
func DefaultConfig() Config {
	return Config{
		Hold:           30 * time.Second,
		SeatPriceCents: 5000,
		StoreTimeout:   3 * time.Second,
		MaxSeats:       10,
		MaxExtension:   10 * time.Minute,
		ReconcileBatch: 100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Hold <= 0 {
		c.Hold = def.Hold
	}
	if c.SeatPriceCents <= 0 {
		c.SeatPriceCents = def.SeatPriceCents
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.MaxSeats <= 0 {
		c.MaxSeats = def.MaxSeats
	}
	if c.MaxExtension <= 0 {
		c.MaxExtension = def.MaxExtension
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = def.ReconcileBatch
	}
	return c
}

// Coordinator is the only writer touching both the reservation store and
// the ledger.  A booking is created as a two step saga: the seats are
// reserved in the store first (undone by releasing them), then the
// pending booking is written to the ledger, which is the durability
// point.  Confirmation, cancellation and expiry act on the ledger first
// and release the store holds afterwards.
//
// Coordinator is safe for concurrent use and takes no locks of its own;
// correctness rests on the store's atomic batch reservation and the
// ledger's unique constraints.
type Coordinator struct {
	ledger  Ledger
	store   ReservationStore
	catalog catalog.Catalog
	events  Publisher
	cfg     Config
	log     *zap.Logger
	timers  *Scheduler
	now     func() time.Time
	newID   func() string
}

// NewCoordinator wires a Coordinator and its timeout scheduler.  events
// may be nil, in which case nothing is published.
func NewCoordinator(ledger Ledger, store ReservationStore, cat catalog.Catalog, events Publisher, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		ledger:  ledger,
		store:   store,
		catalog: cat,
		events:  events,
		cfg:     cfg,
		log:     log.With(zap.String("component", "coordinator")),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return "booking_" + uuid.NewString() },
	}
	c.timers = NewScheduler(c.ExpireBooking, ledger, 4*cfg.StoreTimeout, cfg.ReconcileBatch, log)
	return c
}

// Scheduler returns the timeout scheduler driving ExpireBooking.
func (c *Coordinator) Scheduler() *Scheduler { return c.timers }

func (c *Coordinator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.StoreTimeout)
}

// CreateBooking reserves seats for userID and records a pending booking
// holding them until the hold window ends.
func (c *Coordinator) CreateBooking(ctx context.Context, eventID string, seats []model.SeatID, userID string) (*model.Booking, error) {
	if userID == "" {
		return nil, newError(KindUnauthorized, "Authentication required", nil)
	}
	seats, prices, err := c.validateSeats(ctx, eventID, seats)
	if err != nil {
		return nil, err
	}
	if err := c.precheck(ctx, eventID, seats, userID); err != nil {
		return nil, err
	}

	now := c.now()
	expires := now.Add(c.cfg.Hold)
	b := &model.Booking{
		ID:          c.newID(),
		UserID:      userID,
		EventID:     eventID,
		SeatIDs:     seats,
		TotalAmount: c.total(seats, prices),
		Status:      model.StatusPending,
		ExpiresAt:   &expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = runSaga(ctx, c.log, c.cfg.StoreTimeout,
		sagaStep{
			name: "reserve_seats",
			run:  func(ctx context.Context) error { return c.reserve(ctx, b) },
			compensate: func(ctx context.Context) error {
				_, err := c.store.ReleaseOwned(ctx, b.EventID, b.SeatIDs, b.ID)
				return err
			},
		},
		sagaStep{
			name: "ledger_create",
			run:  func(ctx context.Context) error { return c.persist(ctx, b) },
		},
	)
	if err != nil {
		return nil, err
	}

	c.timers.Schedule(b.ID, expires)
	c.publish(ctx, queue.RoutingCreated, b, "")
	c.log.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.String("user_id", userID),
		zap.String("event_id", eventID),
		zap.Strings("seats", model.SeatCodes(seats)),
		zap.Int64("total_cents", b.TotalAmount))
	return b, nil
}

// validateSeats deduplicates the request and checks it against the
// catalog.  It returns the seats in layout order plus their prices.
func (c *Coordinator) validateSeats(ctx context.Context, eventID string, seats []model.SeatID) ([]model.SeatID, map[model.SeatID]int64, error) {
	if !catalog.ValidEventID(eventID) {
		return nil, nil, newError(KindInvalidRequest, "Invalid event id", nil)
	}
	if len(seats) == 0 {
		return nil, nil, newError(KindInvalidRequest, "At least one seat is required", nil)
	}
	seen := make(map[model.SeatID]struct{}, len(seats))
	unique := make([]model.SeatID, 0, len(seats))
	for _, s := range seats {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		unique = append(unique, s)
	}
	if len(unique) > c.cfg.MaxSeats {
		return nil, nil, newError(KindInvalidRequest, fmt.Sprintf("At most %d seats can be booked at once", c.cfg.MaxSeats), nil)
	}

	universe, err := c.catalog.Seats(ctx, eventID)
	if errors.Is(err, catalog.ErrUnknownEvent) {
		return nil, nil, newError(KindInvalidRequest, "Unknown event", err)
	}
	if err != nil {
		return nil, nil, transient("load seat catalog", err)
	}
	prices := make(map[model.SeatID]int64, len(universe))
	for _, s := range universe {
		prices[s.ID] = s.PriceCents
	}
	var unknown []string
	for _, s := range unique {
		if _, ok := prices[s]; !ok || s.EventID != eventID {
			unknown = append(unknown, s.String())
		}
	}
	if len(unknown) > 0 {
		return nil, nil, &Error{Kind: KindInvalidRequest, Message: "Unknown seats: " + strings.Join(unknown, ", "), Seats: unknown}
	}
	model.SortSeats(unique)
	return unique, prices, nil
}

func (c *Coordinator) total(seats []model.SeatID, prices map[model.SeatID]int64) int64 {
	var sum int64
	for _, s := range seats {
		p := prices[s]
		if p <= 0 {
			p = c.cfg.SeatPriceCents
		}
		sum += p
	}
	return sum
}

// precheck fails fast on duplicate bookings before any seat is touched.
func (c *Coordinator) precheck(ctx context.Context, eventID string, seats []model.SeatID, userID string) error {
	qctx, cancel := c.bounded(ctx)
	defer cancel()

	pending, err := c.ledger.FindPendingForUserEvent(qctx, userID, eventID)
	if err != nil {
		return classify("find pending booking", err)
	}
	if pending != nil {
		if !pending.IsExpired(c.now()) {
			return &Error{Kind: KindDuplicateBooking, Reason: ReasonPendingExists,
				Message: "You already have a pending booking for this event"}
		}
		// left behind by a missed timer
		if _, err := c.ExpireBooking(ctx, pending.ID); err != nil {
			return err
		}
	}

	own, err := c.ledger.FindConfirmedForUserEvent(qctx, userID, eventID)
	if err != nil {
		return classify("find confirmed bookings", err)
	}
	if overlap := overlapping(own, seats); len(overlap) > 0 {
		return confirmedOverlap(overlap, nil)
	}
	return nil
}

func (c *Coordinator) reserve(ctx context.Context, b *model.Booking) error {
	rctx, cancel := c.bounded(ctx)
	defer cancel()
	res, err := c.store.ReserveSeats(rctx, b.EventID, b.SeatIDs, b.UserID, b.ID)
	if err != nil {
		return transient("reserve seats", err)
	}
	if res.OK {
		return nil
	}
	if len(res.Conflicts) > 0 {
		codes := model.SeatCodes(res.Conflicts)
		return &Error{Kind: KindConflict, Message: seatPhrase(codes) + " already reserved by another user", Seats: codes}
	}
	return &Error{Kind: KindConflict, Message: "Selected seats are no longer available"}
}

func (c *Coordinator) persist(ctx context.Context, b *model.Booking) error {
	lctx, cancel := c.bounded(ctx)
	defer cancel()
	err := c.ledger.Create(lctx, b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrDuplicatePending):
		return &Error{Kind: KindDuplicateBooking, Reason: ReasonPendingExists,
			Message: "You already have a pending booking for this event", Err: err}
	case errors.Is(err, repository.ErrDuplicateConfirmedSeat):
		return c.confirmedSeatConflict(ctx, b, err)
	case errors.Is(err, repository.ErrConflict):
		return &Error{Kind: KindConflict, Message: "Booking conflicts with an existing booking", Err: err}
	case errors.Is(err, repository.ErrUnavailable):
		// the commit may have landed before the connection dropped
		if c.exists(ctx, b.ID) {
			return nil
		}
		return transient("create booking", err)
	}
	return fmt.Errorf("create booking: %w", err)
}

func (c *Coordinator) exists(ctx context.Context, id string) bool {
	qctx, cancel := c.bounded(ctx)
	defer cancel()
	_, err := c.ledger.FindByID(qctx, id)
	return err == nil
}

// confirmedSeatConflict explains a confirmed-seat constraint violation:
// either the user already owns one of the seats or somebody else does.
func (c *Coordinator) confirmedSeatConflict(ctx context.Context, b *model.Booking, cause error) error {
	qctx, cancel := c.bounded(ctx)
	defer cancel()
	if own, err := c.ledger.FindConfirmedForUserEvent(qctx, b.UserID, b.EventID); err == nil {
		if overlap := overlapping(own, b.SeatIDs); len(overlap) > 0 {
			return confirmedOverlap(overlap, cause)
		}
	}
	if all, err := c.ledger.FindConfirmedByEvent(qctx, b.EventID); err == nil {
		if overlap := overlapping(all, b.SeatIDs); len(overlap) > 0 {
			codes := model.SeatCodes(overlap)
			return &Error{Kind: KindConflict, Message: seatPhrase(codes) + " already booked", Seats: codes, Err: cause}
		}
	}
	return &Error{Kind: KindConflict, Message: "Selected seats are no longer available", Err: cause}
}

func confirmedOverlap(seats []model.SeatID, cause error) *Error {
	codes := model.SeatCodes(seats)
	noun := "seat"
	if len(codes) > 1 {
		noun = "seats"
	}
	return &Error{
		Kind:    KindDuplicateBooking,
		Reason:  ReasonConfirmedSeatOverlap,
		Message: fmt.Sprintf("You already have a confirmed booking for %s %s", noun, strings.Join(codes, ", ")),
		Seats:   codes,
		Err:     cause,
	}
}

// overlapping returns the seats of want covered by any of the bookings.
func overlapping(list []*model.Booking, want []model.SeatID) []model.SeatID {
	seen := make(map[model.SeatID]struct{})
	var out []model.SeatID
	for _, b := range list {
		for _, s := range b.Overlaps(want) {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	model.SortSeats(out)
	return out
}

// ConfirmBooking records the payment of a pending booking.  The seats
// stay taken through the ledger from now on, so their store holds are
// released.  Repeating the call with the payment id already recorded
// returns the confirmed booking, so a confirm whose reply was lost can be
// retried.
func (c *Coordinator) ConfirmBooking(ctx context.Context, id, paymentID string) (*model.Booking, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, newError(KindInvalidRequest, "Payment id is required", nil)
	}
	b, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if paidWith(b, paymentID) {
		c.confirmed(ctx, b, paymentID)
		return b, nil
	}
	if err := c.confirmable(ctx, b); err != nil {
		return nil, err
	}

	qctx, cancel := c.bounded(ctx)
	own, err := c.ledger.FindConfirmedForUserEvent(qctx, b.UserID, b.EventID)
	cancel()
	if err != nil {
		return nil, classify("find confirmed bookings", err)
	}
	if overlap := overlapping(own, b.SeatIDs); len(overlap) > 0 {
		return nil, confirmedOverlap(overlap, nil)
	}

	tctx, cancel := c.bounded(ctx)
	updated, err := c.ledger.Transition(tctx, id, model.StatusPending, model.StatusConfirmed,
		repository.TransitionExtra{PaymentID: &paymentID, Reason: "payment"})
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) {
			// the same payment may have been recorded by a concurrent call
			if cur, lerr := c.load(ctx, id); lerr == nil && paidWith(cur, paymentID) {
				c.confirmed(ctx, cur, paymentID)
				return cur, nil
			}
		}
		return nil, c.confirmFailed(ctx, b, err)
	}
	c.confirmed(ctx, updated, paymentID)
	return updated, nil
}

// confirmed runs the steps that follow a recorded payment.  Each of them
// is safe to repeat.
func (c *Coordinator) confirmed(ctx context.Context, b *model.Booking, paymentID string) {
	c.timers.Cancel(b.ID)
	c.releaseHold(ctx, b)
	c.publish(ctx, queue.RoutingConfirmed, b, "")
	c.log.Info("booking confirmed",
		zap.String("booking_id", b.ID),
		zap.String("user_id", b.UserID),
		zap.String("payment_id", paymentID))
}

func paidWith(b *model.Booking, paymentID string) bool {
	return b.Status == model.StatusConfirmed && b.PaymentID != nil && *b.PaymentID == paymentID
}

// confirmable rejects bookings that cannot be confirmed.  A pending
// booking past its hold window is expired on the spot.
func (c *Coordinator) confirmable(ctx context.Context, b *model.Booking) error {
	switch b.Status {
	case model.StatusPending:
	case model.StatusConfirmed:
		return &Error{Kind: KindDuplicateBooking, Reason: ReasonAlreadyPaid, Message: "Booking is already confirmed"}
	default:
		return newError(KindInvalidState, fmt.Sprintf("Booking is %s and cannot be confirmed", b.Status), nil)
	}
	if b.IsExpired(c.now()) {
		if _, err := c.ExpireBooking(ctx, b.ID); err != nil {
			c.log.Warn("expire on confirm failed", zap.String("booking_id", b.ID), zap.Error(err))
		}
		return newError(KindExpired, "Booking hold has expired", nil)
	}
	return nil
}

func (c *Coordinator) confirmFailed(ctx context.Context, b *model.Booking, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return notFound(b.ID, err)
	case errors.Is(err, repository.ErrStatusMismatch):
		// lost a race; report against the state that won
		cur, lerr := c.load(ctx, b.ID)
		if lerr != nil {
			return lerr
		}
		if cerr := c.confirmable(ctx, cur); cerr != nil {
			return cerr
		}
		return newError(KindInvalidState, "Booking changed concurrently, please retry", err)
	case errors.Is(err, repository.ErrDuplicateConfirmedSeat):
		return c.confirmedSeatConflict(ctx, b, err)
	}
	return classify("confirm booking", err)
}

// CancelBooking cancels a pending booking and frees its seats.
// Cancelling an already cancelled booking returns it unchanged.
func (c *Coordinator) CancelBooking(ctx context.Context, id string) (*model.Booking, error) {
	b, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, err := cancellable(b); done || err != nil {
		return b, err
	}

	tctx, cancel := c.bounded(ctx)
	updated, err := c.ledger.Transition(tctx, id, model.StatusPending, model.StatusCancelled,
		repository.TransitionExtra{Reason: "user"})
	cancel()
	switch {
	case errors.Is(err, repository.ErrStatusMismatch):
		cur, lerr := c.load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if done, cerr := cancellable(cur); done || cerr != nil {
			return cur, cerr
		}
		return nil, newError(KindInvalidState, "Booking changed concurrently, please retry", err)
	case errors.Is(err, repository.ErrNotFound):
		return nil, notFound(id, err)
	case err != nil:
		return nil, classify("cancel booking", err)
	}

	c.timers.Cancel(id)
	c.releaseHold(ctx, updated)
	c.publish(ctx, queue.RoutingCancelled, updated, "user")
	c.log.Info("booking cancelled", zap.String("booking_id", id), zap.String("user_id", updated.UserID))
	return updated, nil
}

// cancellable reports done for bookings already cancelled and an error
// for bookings that can no longer be cancelled.
func cancellable(b *model.Booking) (bool, error) {
	switch b.Status {
	case model.StatusPending:
		return false, nil
	case model.StatusCancelled:
		return true, nil
	case model.StatusConfirmed:
		return false, newError(KindInvalidState, "Confirmed bookings cannot be cancelled", nil)
	}
	return false, newError(KindInvalidState, fmt.Sprintf("Booking is %s and cannot be cancelled", b.Status), nil)
}

// ExtendBookingTime moves the hold of a pending booking to now plus
// additional, for the seat holds and the ledger alike.  A hold that
// already runs past that point keeps its deadline.  It reports false
// without error when the booking is not pending or one of its holds is
// gone, in which case nothing is extended.
func (c *Coordinator) ExtendBookingTime(ctx context.Context, id string, additional time.Duration) (bool, error) {
	if additional <= 0 || additional > c.cfg.MaxExtension {
		return false, newError(KindInvalidRequest,
			fmt.Sprintf("Extension must be between 1s and %s", c.cfg.MaxExtension), nil)
	}
	b, err := c.load(ctx, id)
	if err != nil {
		return false, err
	}
	if b.Status != model.StatusPending {
		return false, nil
	}
	now := c.now()
	if b.IsExpired(now) {
		if _, err := c.ExpireBooking(ctx, id); err != nil {
			c.log.Warn("expire on extend failed", zap.String("booking_id", id), zap.Error(err))
		}
		return false, nil
	}

	expires := now.Add(additional)
	if b.ExpiresAt != nil && b.ExpiresAt.After(expires) {
		expires = *b.ExpiresAt
	}
	sctx, cancel := c.bounded(ctx)
	ok, err := c.store.ExtendHold(sctx, b.EventID, b.SeatIDs, id, expires)
	cancel()
	if err != nil {
		return false, transient("extend reservation", err)
	}
	if !ok {
		c.log.Info("extend skipped, seat hold gone", zap.String("booking_id", id))
		return false, nil
	}

	uctx, cancel := c.bounded(ctx)
	err = c.ledger.UpdateExpiry(uctx, id, expires)
	cancel()
	switch {
	case errors.Is(err, repository.ErrStatusMismatch):
		return false, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, notFound(id, err)
	case err != nil:
		return false, classify("extend booking", err)
	}
	c.timers.Schedule(id, expires)
	c.log.Info("booking extended", zap.String("booking_id", id), zap.Time("expires_at", expires))
	return true, nil
}

// ExpireBooking cancels a pending booking whose hold window has elapsed.
// It is idempotent: bookings that are gone, no longer pending or not yet
// expired are left alone and false is returned.  A booking that is not
// yet due is rescheduled.
func (c *Coordinator) ExpireBooking(ctx context.Context, id string) (bool, error) {
	qctx, cancel := c.bounded(ctx)
	b, err := c.ledger.FindByID(qctx, id)
	cancel()
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("load booking", err)
	}
	if b.Status != model.StatusPending {
		return false, nil
	}
	if !b.IsExpired(c.now()) {
		if b.ExpiresAt != nil {
			c.timers.Schedule(id, *b.ExpiresAt)
		}
		return false, nil
	}

	tctx, cancel := c.bounded(ctx)
	updated, err := c.ledger.Transition(tctx, id, model.StatusPending, model.StatusCancelled,
		repository.TransitionExtra{Reason: "timeout"})
	cancel()
	if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("expire booking", err)
	}

	c.timers.Cancel(id)
	c.releaseHold(ctx, updated)
	c.publish(ctx, queue.RoutingExpired, updated, "timeout")
	c.log.Info("booking expired", zap.String("booking_id", id), zap.String("user_id", updated.UserID))
	return true, nil
}

// SeatAvailability returns the cached availability summary of an event.
func (c *Coordinator) SeatAvailability(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	booked, err := c.bookedSeats(ctx, eventID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := c.bounded(ctx)
	defer cancel()
	av, err := c.store.GetSeatAvailability(sctx, eventID, booked)
	if err != nil {
		return nil, transient("seat availability", err)
	}
	return av, nil
}

// RealtimeSeatStatus returns the availability summary computed from the
// live holds, bypassing the cache.
func (c *Coordinator) RealtimeSeatStatus(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	booked, err := c.bookedSeats(ctx, eventID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := c.bounded(ctx)
	defer cancel()
	av, err := c.store.RealtimeSeatStatus(sctx, eventID, booked)
	if err != nil {
		return nil, transient("realtime seat status", err)
	}
	return av, nil
}

func (c *Coordinator) bookedSeats(ctx context.Context, eventID string) ([]model.SeatID, error) {
	if !catalog.ValidEventID(eventID) {
		return nil, newError(KindInvalidRequest, "Invalid event id", nil)
	}
	qctx, cancel := c.bounded(ctx)
	defer cancel()
	confirmed, err := c.ledger.FindConfirmedByEvent(qctx, eventID)
	if err != nil {
		return nil, classify("find confirmed bookings", err)
	}
	var booked []model.SeatID
	for _, b := range confirmed {
		booked = append(booked, b.SeatIDs...)
	}
	return booked, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*model.Booking, error) {
	if id == "" {
		return nil, newError(KindInvalidRequest, "Booking id is required", nil)
	}
	qctx, cancel := c.bounded(ctx)
	defer cancel()
	b, err := c.ledger.FindByID(qctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound(id, err)
	}
	if err != nil {
		return nil, classify("load booking", err)
	}
	return b, nil
}

// releaseHold drops the store holds still owned by b.  Failures are only
// logged; the holds lapse on their own TTL.
func (c *Coordinator) releaseHold(ctx context.Context, b *model.Booking) {
	rctx, cancel := c.bounded(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := c.store.ReleaseOwned(rctx, b.EventID, b.SeatIDs, b.ID); err != nil {
		c.log.Warn("release seat holds failed", zap.String("booking_id", b.ID), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, kind string, b *model.Booking, reason string) {
	if c.events == nil {
		return
	}
	pctx, cancel := c.bounded(context.WithoutCancel(ctx))
	defer cancel()
	if err := c.events.Publish(pctx, kind, queue.NewBookingEvent(kind, b, reason, c.now())); err != nil {
		c.log.Warn("publish booking event failed",
			zap.String("routing_key", kind), zap.String("booking_id", b.ID), zap.Error(err))
	}
}
