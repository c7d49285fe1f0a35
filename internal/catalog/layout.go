// Package catalog provides the event seat catalog consumed by the booking
// engine: the seat universe of an event with prices and types, plus a
// display status that follows confirmed and released bookings.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// ErrUnknownEvent is returned for an empty or malformed event id.
var ErrUnknownEvent = errors.New("unknown event")

// Catalog is the seat catalog collaborator.
type Catalog interface {
	// Seats returns the full seat universe of an event.
	Seats(ctx context.Context, eventID string) ([]model.Seat, error)
	// ConfirmSeats marks seats as booked by bookingID for display.
	ConfirmSeats(ctx context.Context, eventID, bookingID string, seats []model.SeatID) error
	// ReleaseSeats marks the seats still attributed to bookingID as
	// available again.
	ReleaseSeats(ctx context.Context, eventID, bookingID string, seats []model.SeatID) error
}

// rowCount is the number of rows of every generated layout.
const rowCount = 10

// Layout is a Catalog that derives the seat map of an event from its
// capacity: rows A..J, ceil(capacity/10) seats per row, the first two
// rows VIP at 1.5x the base price, the next two premium at 1.25x.  The
// display status is kept in memory; it is a projection of the booking
// events and can be rebuilt by replaying them.
type Layout struct {
	mu         sync.RWMutex
	basePrice  int64
	defaultCap int
	capacities map[string]int
	booked     map[string]map[model.SeatID]string // event -> seat -> booking
}

// NewLayout returns a Layout.  capacities overrides defaultCapacity for
// individual events and may be nil.
func NewLayout(basePriceCents int64, defaultCapacity int, capacities map[string]int) *Layout {
	if defaultCapacity <= 0 {
		defaultCapacity = 100
	}
	caps := make(map[string]int, len(capacities))
	for k, v := range capacities {
		caps[k] = v
	}
	return &Layout{
		basePrice:  basePriceCents,
		defaultCap: defaultCapacity,
		capacities: caps,
		booked:     make(map[string]map[model.SeatID]string),
	}
}

func (l *Layout) capacity(eventID string) int {
	if c, ok := l.capacities[eventID]; ok && c > 0 {
		return c
	}
	return l.defaultCap
}

// SeatIDs returns the seat universe of an event in layout order.
func (l *Layout) SeatIDs(ctx context.Context, eventID string) ([]model.SeatID, error) {
	seats, err := l.Seats(ctx, eventID)
	if err != nil {
		return nil, err
	}
	ids := make([]model.SeatID, len(seats))
	for i, s := range seats {
		ids[i] = s.ID
	}
	return ids, nil
}

// Seats implements Catalog.
func (l *Layout) Seats(_ context.Context, eventID string) ([]model.Seat, error) {
	if !ValidEventID(eventID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventID)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := l.capacity(eventID)
	perRow := (total + rowCount - 1) / rowCount
	booked := l.booked[eventID]

	seats := make([]model.Seat, 0, total)
	for r := 0; r < rowCount && len(seats) < total; r++ {
		row := model.RowLabel(r)
		for n := 1; n <= perRow && len(seats) < total; n++ {
			seatType, price := model.SeatRegular, l.basePrice
			switch {
			case r < 2:
				seatType, price = model.SeatVIP, l.basePrice*3/2
			case r < 4:
				seatType, price = model.SeatPremium, l.basePrice*5/4
			}
			id := model.NewSeatID(eventID, row, n)
			status := model.DisplayAvailable
			if _, ok := booked[id]; ok {
				status = model.DisplayBooked
			}
			seats = append(seats, model.Seat{ID: id, PriceCents: price, SeatType: seatType, Status: status})
		}
	}
	return seats, nil
}

// ConfirmSeats implements Catalog.  Replaying a confirmation is a no-op.
func (l *Layout) ConfirmSeats(_ context.Context, eventID, bookingID string, seats []model.SeatID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.booked[eventID]
	if !ok {
		set = make(map[model.SeatID]string)
		l.booked[eventID] = set
	}
	for _, s := range seats {
		set[s] = bookingID
	}
	return nil
}

// ReleaseSeats implements Catalog.  Seats attributed to another booking,
// or not booked at all, are left alone.
func (l *Layout) ReleaseSeats(_ context.Context, eventID, bookingID string, seats []model.SeatID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.booked[eventID]
	for _, s := range seats {
		if set[s] == bookingID {
			delete(set, s)
		}
	}
	return nil
}

// ValidEventID reports whether id is usable as an event id: 1 to 64
// characters from [A-Za-z0-9_-].  The restriction keeps ids safe inside
// Redis key patterns.
func ValidEventID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
