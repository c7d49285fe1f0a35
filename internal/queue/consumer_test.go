package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
)

func sampleBooking(t *testing.T, status model.BookingStatus) *model.Booking {
	t.Helper()
	seats, err := model.ParseSeatIDs([]string{"evt1_A1", "evt1_A2"})
	require.NoError(t, err)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Booking{
		ID: "booking_1", UserID: "u1", EventID: "evt1", SeatIDs: seats,
		TotalAmount: 15000, Status: status, CreatedAt: created, UpdatedAt: created,
	}
}

func encode(t *testing.T, kind string, b *model.Booking, reason string) []byte {
	t.Helper()
	body, err := json.Marshal(NewBookingEvent(kind, b, reason, b.UpdatedAt))
	require.NoError(t, err)
	return body
}

func statusOf(t *testing.T, layout *catalog.Layout, seatID string) string {
	t.Helper()
	seats, err := layout.Seats(context.Background(), "evt1")
	require.NoError(t, err)
	for _, s := range seats {
		if s.ID.String() == seatID {
			return s.Status
		}
	}
	t.Fatalf("seat %s not in layout", seatID)
	return ""
}

func TestNewBookingEvent(t *testing.T) {
	b := sampleBooking(t, model.StatusConfirmed)
	pay := "pay_1"
	b.PaymentID = &pay

	ev := NewBookingEvent(RoutingConfirmed, b, "", b.UpdatedAt)
	assert.Equal(t, RoutingConfirmed, ev.Type)
	assert.Equal(t, []string{"evt1_A1", "evt1_A2"}, ev.SeatIDs)
	assert.Equal(t, "confirmed", ev.Status)
	assert.Equal(t, "pay_1", ev.PaymentID)
}

func TestHandle_ConfirmThenCancel(t *testing.T) {
	layout := catalog.NewLayout(5000, 100, nil)
	var out bytes.Buffer
	c := NewConsumer("", layout, &out, nil)
	ctx := context.Background()

	confirmed := sampleBooking(t, model.StatusConfirmed)
	pay := "pay_1"
	confirmed.PaymentID = &pay
	require.NoError(t, c.Handle(ctx, RoutingConfirmed, encode(t, RoutingConfirmed, confirmed, "")))
	assert.Equal(t, model.DisplayBooked, statusOf(t, layout, "evt1_A1"))

	// redelivery is harmless
	require.NoError(t, c.Handle(ctx, RoutingConfirmed, encode(t, RoutingConfirmed, confirmed, "")))
	assert.Equal(t, model.DisplayBooked, statusOf(t, layout, "evt1_A2"))

	// a release for some other booking leaves the seats booked
	other := sampleBooking(t, model.StatusCancelled)
	other.ID = "booking_2"
	require.NoError(t, c.Handle(ctx, RoutingCancelled, encode(t, RoutingCancelled, other, "user")))
	assert.Equal(t, model.DisplayBooked, statusOf(t, layout, "evt1_A1"))

	expired := sampleBooking(t, model.StatusCancelled)
	require.NoError(t, c.Handle(ctx, RoutingExpired, encode(t, RoutingExpired, expired, "timeout")))
	assert.Equal(t, model.DisplayAvailable, statusOf(t, layout, "evt1_A1"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t,
		"[2026-03-01T12:00:00Z] Booking confirmed | booking_id=booking_1 | user_id=u1 | event_id=evt1 | status=confirmed | total=15000 cents | seats=[A1,A2] | payment_id=pay_1",
		lines[0])
	assert.Contains(t, lines[3], "Booking expired")
	assert.True(t, strings.HasSuffix(lines[3], "| reason=timeout"))
}

func TestHandle_CreatedOnlyLogs(t *testing.T) {
	layout := catalog.NewLayout(5000, 100, nil)
	var out bytes.Buffer
	c := NewConsumer("", layout, &out, nil)

	b := sampleBooking(t, model.StatusPending)
	body, err := json.Marshal(NewBookingEvent(RoutingCreated, b, "", b.UpdatedAt))
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), RoutingCreated, body))

	assert.Equal(t, model.DisplayAvailable, statusOf(t, layout, "evt1_A1"))
	assert.Contains(t, out.String(), "Booking created")
}

func TestHandle_Malformed(t *testing.T) {
	c := NewConsumer("", catalog.NewLayout(5000, 100, nil), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		body string
	}{
		{"not json", RoutingConfirmed, `{`},
		{"no booking id", RoutingConfirmed, `{"type":"booking.confirmed","eventId":"evt1","seatIds":["evt1_A1"]}`},
		{"bad seat", RoutingConfirmed, `{"type":"booking.confirmed","bookingId":"b","eventId":"evt1","seatIds":["A1"]}`},
		{"unknown type", "booking.refunded", `{"bookingId":"b","eventId":"evt1","seatIds":["evt1_A1"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Handle(ctx, tt.key, []byte(tt.body)), ErrMalformed)
		})
	}
}

func TestHandle_TypeFallsBackToRoutingKey(t *testing.T) {
	layout := catalog.NewLayout(5000, 100, nil)
	c := NewConsumer("", layout, nil, nil)
	body := `{"bookingId":"b9","eventId":"evt1","seatIds":["evt1_C3"],"status":"confirmed"}`
	require.NoError(t, c.Handle(context.Background(), RoutingConfirmed, []byte(body)))
	assert.Equal(t, model.DisplayBooked, statusOf(t, layout, "evt1_C3"))
}
