package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/queue"
)

func TestService_RoundTrip(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()

	b, err := h.svc.CreateBooking(ctx, "u1", "evt1", []string{"evt1_A1", "evt1_A2"})
	require.NoError(t, err)

	got, err := h.svc.GetBooking(ctx, "u1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.SeatStrings(), got.SeatStrings())

	ok, extended, err := h.svc.ExtendBooking(ctx, "u1", b.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, extended.ExpiresAt.After(*b.ExpiresAt))

	confirmed, err := h.svc.ConfirmBooking(ctx, "u1", b.ID, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)

	list, err := h.svc.ListBookings(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusConfirmed, list[0].Status)

	av, err := h.svc.SeatAvailability(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt1_A1", "evt1_A2"}, av.Booked)

	rt, err := h.svc.RealtimeSeatStatus(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, av.Booked, rt.Booked)
}

func TestService_OtherUsersBookingsAreHidden(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()

	b, err := h.svc.CreateBooking(ctx, "u1", "evt1", []string{"evt1_A1"})
	require.NoError(t, err)

	_, err = h.svc.GetBooking(ctx, "u2", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ConfirmBooking(ctx, "u2", b.ID, "pay")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.CancelBooking(ctx, "u2", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = h.svc.ExtendBooking(ctx, "u2", b.ID, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, model.StatusPending, h.ledger.status(t, b.ID))

	list, err := h.svc.ListBookings(ctx, "u2")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	cancelled, err := h.svc.CancelBooking(ctx, "u1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
}

func TestService_RejectsMalformedSeatIDs(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	_, err := h.svc.CreateBooking(context.Background(), "u1", "evt1", []string{"A1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()

	h.ledger.failFindByUser = 2
	list, err := h.svc.ListBookings(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	h.ledger.failFindByUser = 3
	_, err = h.svc.ListBookings(ctx, "u1")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Zero(t, h.ledger.failFindByUser)
}

func TestService_DoesNotRetryBusinessErrors(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	calls := 0
	err := h.svc.retry(context.Background(), "op", func() error {
		calls++
		return newError(KindConflict, "taken", nil)
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestService_RetryStopsWithContext(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	h.svc.backoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := h.svc.retry(ctx, "op", func() error {
		calls++
		return transient("op", errors.New("down"))
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, calls)
}

func TestService_ConfirmRetryAfterLostReply(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()

	b, err := h.svc.CreateBooking(ctx, "u1", "evt1", []string{"evt1_A1"})
	require.NoError(t, err)

	// the payment is stored but the caller only sees a transient failure
	h.ledger.lostTransitionReplies = 1
	confirmed, err := h.svc.ConfirmBooking(ctx, "u1", b.ID, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.PaymentID)
	assert.Equal(t, "pay_1", *confirmed.PaymentID)
	assert.Zero(t, h.coord.Scheduler().Pending())
	assert.Equal(t, []string{queue.RoutingCreated, queue.RoutingConfirmed}, h.pub.types(b.ID))

	av, err := h.svc.RealtimeSeatStatus(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt1_A1"}, av.Booked)
	assert.Empty(t, av.Reserved)
}
