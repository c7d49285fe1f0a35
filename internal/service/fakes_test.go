package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/queue"
	"github.com/iliyamo/ticket-booking/internal/repository"
	"github.com/iliyamo/ticket-booking/internal/reservation"
)

// memLedger is an in-memory Ledger with the same uniqueness rules as the
// SQL schemas: one pending booking per (user, event) and one confirmed
// booking per seat.
type memLedger struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
	order    []string

	// createErr, when set, is returned by Create instead of storing.
	createErr error
	// failFindByUser makes the next n FindByUser calls fail as unavailable.
	failFindByUser int
	// lostTransitionReplies makes the next n Transition calls apply the
	// change and then report the ledger as unavailable.
	lostTransitionReplies int
}

func newMemLedger() *memLedger {
	return &memLedger{bookings: make(map[string]*model.Booking)}
}

func clone(b *model.Booking) *model.Booking {
	cp := *b
	cp.SeatIDs = append([]model.SeatID(nil), b.SeatIDs...)
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cp.ExpiresAt = &t
	}
	if b.PaymentID != nil {
		p := *b.PaymentID
		cp.PaymentID = &p
	}
	return &cp
}

func (l *memLedger) confirmedSeatTaken(eventID, exceptID string, seats []model.SeatID) bool {
	for _, b := range l.bookings {
		if b.ID == exceptID || b.EventID != eventID || b.Status != model.StatusConfirmed {
			continue
		}
		if len(b.Overlaps(seats)) > 0 {
			return true
		}
	}
	return false
}

func (l *memLedger) Create(_ context.Context, b *model.Booking) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return l.createErr
	}
	if _, ok := l.bookings[b.ID]; ok {
		return fmt.Errorf("insert %s: %w", b.ID, repository.ErrConflict)
	}
	for _, other := range l.bookings {
		if other.UserID == b.UserID && other.EventID == b.EventID && other.Status == model.StatusPending {
			return fmt.Errorf("insert %s: %w", b.ID, repository.ErrDuplicatePending)
		}
	}
	if l.confirmedSeatTaken(b.EventID, "", b.SeatIDs) {
		return fmt.Errorf("insert %s: %w", b.ID, repository.ErrDuplicateConfirmedSeat)
	}
	l.bookings[b.ID] = clone(b)
	l.order = append(l.order, b.ID)
	return nil
}

func (l *memLedger) FindByID(_ context.Context, id string) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, repository.ErrNotFound)
	}
	return clone(b), nil
}

func (l *memLedger) filter(keep func(*model.Booking) bool) []*model.Booking {
	var out []*model.Booking
	for i := len(l.order) - 1; i >= 0; i-- {
		if b := l.bookings[l.order[i]]; keep(b) {
			out = append(out, clone(b))
		}
	}
	return out
}

func (l *memLedger) FindByUser(_ context.Context, userID string) ([]*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFindByUser > 0 {
		l.failFindByUser--
		return nil, fmt.Errorf("select bookings: %w", repository.ErrUnavailable)
	}
	return l.filter(func(b *model.Booking) bool { return b.UserID == userID }), nil
}

func (l *memLedger) FindPendingForUserEvent(_ context.Context, userID, eventID string) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.filter(func(b *model.Booking) bool {
		return b.UserID == userID && b.EventID == eventID && b.Status == model.StatusPending
	})
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (l *memLedger) FindConfirmedForUserEvent(_ context.Context, userID, eventID string) ([]*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter(func(b *model.Booking) bool {
		return b.UserID == userID && b.EventID == eventID && b.Status == model.StatusConfirmed
	}), nil
}

func (l *memLedger) FindConfirmedByEvent(_ context.Context, eventID string) ([]*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter(func(b *model.Booking) bool {
		return b.EventID == eventID && b.Status == model.StatusConfirmed
	}), nil
}

func (l *memLedger) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.filter(func(b *model.Booking) bool {
		return b.Status == model.StatusPending && b.IsExpired(now)
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(*list[j].ExpiresAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (l *memLedger) Transition(_ context.Context, id string, from, to model.BookingStatus, extra repository.TransitionExtra) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, repository.ErrNotFound)
	}
	if b.Status != from {
		return nil, fmt.Errorf("booking %s is %s: %w", id, b.Status, repository.ErrStatusMismatch)
	}
	if to == model.StatusConfirmed && l.confirmedSeatTaken(b.EventID, id, b.SeatIDs) {
		return nil, fmt.Errorf("confirm %s: %w", id, repository.ErrDuplicateConfirmedSeat)
	}
	b.Status = to
	if extra.PaymentID != nil {
		p := *extra.PaymentID
		b.PaymentID = &p
	}
	b.UpdatedAt = time.Now().UTC()
	if l.lostTransitionReplies > 0 {
		l.lostTransitionReplies--
		return nil, fmt.Errorf("commit transition: %w", repository.ErrUnavailable)
	}
	return clone(b), nil
}

func (l *memLedger) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, repository.ErrNotFound)
	}
	if b.Status != model.StatusPending {
		return fmt.Errorf("booking %s is %s: %w", id, b.Status, repository.ErrStatusMismatch)
	}
	b.ExpiresAt = &expiresAt
	return nil
}

func (l *memLedger) status(t *testing.T, id string) model.BookingStatus {
	t.Helper()
	b, err := l.FindByID(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

// recordingPublisher keeps the routing keys of every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, ev queue.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types(bookingID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.BookingID == bookingID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	coord  *Coordinator
	svc    *Service
	ledger *memLedger
	store  *reservation.Store
	pub    *recordingPublisher
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, hold time.Duration) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	layout := catalog.NewLayout(5000, 100, nil)
	store := reservation.NewStore(rdb, layout, reservation.Options{HoldTTL: hold, CacheTTL: time.Minute}, nil)
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	coord := NewCoordinator(ledger, store, layout, pub, Config{Hold: hold, StoreTimeout: time.Second}, nil)
	t.Cleanup(coord.Scheduler().Stop)

	svc := NewService(coord, ledger, 2, nil)
	svc.backoff = time.Millisecond
	return &harness{coord: coord, svc: svc, ledger: ledger, store: store, pub: pub, mr: mr}
}

func seatIDs(codes ...string) []model.SeatID {
	out := make([]model.SeatID, len(codes))
	for i, c := range codes {
		s, err := model.ParseSeatID("evt1_" + c)
		if err != nil {
			panic(err)
		}
		out[i] = s
	}
	return out
}
