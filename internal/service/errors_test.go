package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/repository"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindDuplicateBooking, Reason: ReasonPendingExists, Message: "dup"})

	assert.ErrorIs(t, err, ErrDuplicateBooking)
	assert.ErrorIs(t, err, ErrPendingExists)
	assert.NotErrorIs(t, err, ErrAlreadyPaid)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, KindDuplicateBooking, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", fmt.Errorf("q: %w", repository.ErrUnavailable)), ErrTransient)
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), ErrTransient)

	conflict := newError(KindConflict, "taken", nil)
	assert.Same(t, conflict, classify("op", conflict))

	plain := errors.New("boom")
	got := classify("op", plain)
	assert.ErrorIs(t, got, plain)
	assert.Empty(t, KindOf(got))
}

func TestSeatPhrase(t *testing.T) {
	assert.Equal(t, "Seat A1 is", seatPhrase([]string{"A1"}))
	assert.Equal(t, "Seats A1, B2 are", seatPhrase([]string{"A1", "B2"}))
}

func TestRunSaga_CompensatesInReverse(t *testing.T) {
	var trail []string
	step := func(name string, fail bool) sagaStep {
		return sagaStep{
			name: name,
			run: func(context.Context) error {
				trail = append(trail, "run "+name)
				if fail {
					return errors.New(name + " failed")
				}
				return nil
			},
			compensate: func(context.Context) error {
				trail = append(trail, "undo "+name)
				return nil
			},
		}
	}

	err := runSaga(context.Background(), zap.NewNop(), time.Second,
		step("a", false), step("b", false), step("c", true), step("d", false))
	assert.EqualError(t, err, "c failed")
	assert.Equal(t, []string{"run a", "run b", "run c", "undo b", "undo a"}, trail)
}

func TestRunSaga_CompensationSurvivesCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var undoErr error
	err := runSaga(ctx, zap.NewNop(), time.Second,
		sagaStep{
			name: "reserve",
			run:  func(context.Context) error { return nil },
			compensate: func(ctx context.Context) error {
				undoErr = ctx.Err()
				return nil
			},
		},
		sagaStep{
			name: "persist",
			run: func(context.Context) error {
				cancel()
				return context.Canceled
			},
		},
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, undoErr)
}
