package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/service"
)

type mockBookingService struct {
	mock.Mock
}

func (m *mockBookingService) CreateBooking(ctx context.Context, userID, eventID string, seats []string) (*model.Booking, error) {
	args := m.Called(ctx, userID, eventID, seats)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) GetBooking(ctx context.Context, userID, id string) (*model.Booking, error) {
	args := m.Called(ctx, userID, id)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) ListBookings(ctx context.Context, userID string) ([]*model.Booking, error) {
	args := m.Called(ctx, userID)
	list, _ := args.Get(0).([]*model.Booking)
	return list, args.Error(1)
}

func (m *mockBookingService) ConfirmBooking(ctx context.Context, userID, id, paymentID string) (*model.Booking, error) {
	args := m.Called(ctx, userID, id, paymentID)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) CancelBooking(ctx context.Context, userID, id string) (*model.Booking, error) {
	args := m.Called(ctx, userID, id)
	b, _ := args.Get(0).(*model.Booking)
	return b, args.Error(1)
}

func (m *mockBookingService) ExtendBooking(ctx context.Context, userID, id string, additional time.Duration) (bool, *model.Booking, error) {
	args := m.Called(ctx, userID, id, additional)
	b, _ := args.Get(1).(*model.Booking)
	return args.Bool(0), b, args.Error(2)
}

func (m *mockBookingService) SeatAvailability(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	args := m.Called(ctx, eventID)
	av, _ := args.Get(0).(*model.SeatAvailability)
	return av, args.Error(1)
}

func (m *mockBookingService) RealtimeSeatStatus(ctx context.Context, eventID string) (*model.SeatAvailability, error) {
	args := m.Called(ctx, eventID)
	av, _ := args.Get(0).(*model.SeatAvailability)
	return av, args.Error(1)
}

// newTestServer wires the handler with a stand-in for JWTAuth that trusts
// the X-User header.
func newTestServer(svc BookingService) *echo.Echo {
	e := echo.New()
	h := NewBookingHandler(svc, catalog.NewLayout(5000, 20, nil), nil)
	fakeAuth := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if u := c.Request().Header.Get("X-User"); u != "" {
				c.Set("user_id", u)
			}
			return next(c)
		}
	}
	g := e.Group("/v1/bookings", fakeAuth)
	g.POST("", h.CreateBooking)
	g.GET("", h.ListBookings)
	g.GET("/:id", h.GetBooking)
	g.PUT("/:id/confirm", h.ConfirmBooking)
	g.PUT("/:id/cancel", h.CancelBooking)
	g.POST("/:id/confirm", h.ConfirmBooking)
	g.POST("/:id/cancel", h.CancelBooking)
	g.PUT("/:id/extend", h.ExtendBooking)
	e.GET("/v1/events/:id/seats", h.SeatAvailability)
	e.GET("/v1/events/:id/seats/realtime", h.RealtimeSeatStatus)
	e.GET("/v1/events/:id/seats/map", h.SeatMap)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, user, body string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func pendingBooking() *model.Booking {
	exp := time.Now().Add(30 * time.Second).UTC()
	seat, _ := model.ParseSeatID("evt1_A1")
	return &model.Booking{ID: "booking_1", UserID: "u1", EventID: "evt1", SeatIDs: []model.SeatID{seat},
		TotalAmount: 7500, Status: model.StatusPending, ExpiresAt: &exp}
}

func TestCreateBooking_Created(t *testing.T) {
	svc := new(mockBookingService)
	svc.On("CreateBooking", mock.Anything, "u1", "evt1", []string{"evt1_A1"}).Return(pendingBooking(), nil)
	e := newTestServer(svc)

	rec, env := do(t, e, http.MethodPost, "/v1/bookings", "u1", `{"eventId":"evt1","seatIds":["evt1_A1"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)
	data := env.Data.(map[string]any)
	assert.Equal(t, "booking_1", data["id"])
	assert.Equal(t, []any{"evt1_A1"}, data["seatIds"])
	assert.Equal(t, "pending", data["status"])
	svc.AssertExpectations(t)
}

func TestCreateBooking_Validation(t *testing.T) {
	svc := new(mockBookingService)
	e := newTestServer(svc)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing event", `{"seatIds":["evt1_A1"]}`, "eventId"},
		{"no seats", `{"eventId":"evt1","seatIds":[]}`, "seatIds"},
		{"empty seat", `{"eventId":"evt1","seatIds":[""]}`, "seatIds[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, e, http.MethodPost, "/v1/bookings", "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(service.KindInvalidRequest), env.Error.Kind)
			assert.Contains(t, env.Error.Fields, tt.field)
		})
	}

	rec, _ := do(t, e, http.MethodPost, "/v1/bookings", "u1", `{"eventId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBookingRoutes_RequireUser(t *testing.T) {
	svc := new(mockBookingService)
	e := newTestServer(svc)

	for _, r := range []struct{ method, path, body string }{
		{http.MethodPost, "/v1/bookings", `{"eventId":"evt1","seatIds":["evt1_A1"]}`},
		{http.MethodGet, "/v1/bookings", ""},
		{http.MethodGet, "/v1/bookings/b1", ""},
		{http.MethodPost, "/v1/bookings/b1/confirm", `{"paymentId":"p"}`},
		{http.MethodPost, "/v1/bookings/b1/cancel", ""},
		{http.MethodPut, "/v1/bookings/b1/confirm", `{"paymentId":"p"}`},
		{http.MethodPut, "/v1/bookings/b1/cancel", ""},
		{http.MethodPut, "/v1/bookings/b1/extend", `{"additionalSeconds":60}`},
	} {
		rec, env := do(t, e, r.method, r.path, "", r.body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, r.path)
		require.NotNil(t, env.Error)
		assert.Equal(t, "unauthorized", env.Error.Kind)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"conflict", &service.Error{Kind: service.KindConflict, Message: "Seat A1 is already reserved by another user", Seats: []string{"A1"}}, http.StatusConflict, "conflict"},
		{"duplicate", &service.Error{Kind: service.KindDuplicateBooking, Reason: service.ReasonAlreadyPaid, Message: "Booking is already confirmed"}, http.StatusConflict, "duplicate_booking"},
		{"invalid state", &service.Error{Kind: service.KindInvalidState, Message: "nope"}, http.StatusConflict, "invalid_state"},
		{"not found", &service.Error{Kind: service.KindNotFound, Message: "Booking not found"}, http.StatusNotFound, "not_found"},
		{"expired", &service.Error{Kind: service.KindExpired, Message: "Booking hold has expired"}, http.StatusGone, "expired"},
		{"transient", &service.Error{Kind: service.KindTransient, Message: "retry"}, http.StatusServiceUnavailable, "transient"},
		{"unclassified", errors.New("db password is hunter2"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockBookingService)
			svc.On("ConfirmBooking", mock.Anything, "u1", "booking_1", "pay_1").Return(nil, tt.err)
			e := newTestServer(svc)

			rec, env := do(t, e, http.MethodPut, "/v1/bookings/booking_1/confirm", "u1", `{"paymentId":"pay_1"}`)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.kind, env.Error.Kind)
			assert.NotContains(t, rec.Body.String(), "hunter2")
		})
	}

	t.Run("conflict carries seats and reason", func(t *testing.T) {
		svc := new(mockBookingService)
		svc.On("CreateBooking", mock.Anything, "u1", "evt1", []string{"evt1_A1"}).
			Return(nil, &service.Error{Kind: service.KindDuplicateBooking, Reason: service.ReasonConfirmedSeatOverlap,
				Message: "You already have a confirmed booking for seat A1", Seats: []string{"A1"}})
		e := newTestServer(svc)

		rec, env := do(t, e, http.MethodPost, "/v1/bookings", "u1", `{"eventId":"evt1","seatIds":["evt1_A1"]}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "You already have a confirmed booking for seat A1", env.Message)
		assert.Equal(t, service.ReasonConfirmedSeatOverlap, env.Error.Reason)
		assert.Equal(t, []string{"A1"}, env.Error.Seats)
	})
}

func TestExtendBooking(t *testing.T) {
	svc := new(mockBookingService)
	svc.On("ExtendBooking", mock.Anything, "u1", "booking_1", 90*time.Second).Return(true, pendingBooking(), nil)
	svc.On("ExtendBooking", mock.Anything, "u1", "booking_2", time.Minute).Return(false, pendingBooking(), nil)
	e := newTestServer(svc)

	rec, env := do(t, e, http.MethodPut, "/v1/bookings/booking_1/extend", "u1", `{"additionalSeconds":90}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Data.(map[string]any)["extended"])

	rec, env = do(t, e, http.MethodPut, "/v1/bookings/booking_2/extend", "u1", `{"additionalSeconds":60}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, env.Data.(map[string]any)["extended"])

	rec, _ = do(t, e, http.MethodPut, "/v1/bookings/booking_1/extend", "u1", `{"additionalSeconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestExtendBooking_DefaultsToThirtySeconds(t *testing.T) {
	svc := new(mockBookingService)
	svc.On("ExtendBooking", mock.Anything, "u1", "booking_1", 30*time.Second).Return(true, pendingBooking(), nil).Twice()
	e := newTestServer(svc)

	for _, body := range []string{`{}`, `{"additionalSeconds":0}`} {
		rec, env := do(t, e, http.MethodPut, "/v1/bookings/booking_1/extend", "u1", body)
		assert.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, true, env.Data.(map[string]any)["extended"], body)
	}
	svc.AssertExpectations(t)
}

func TestCancelAndList(t *testing.T) {
	cancelled := pendingBooking()
	cancelled.Status = model.StatusCancelled
	svc := new(mockBookingService)
	svc.On("CancelBooking", mock.Anything, "u1", "booking_1").Return(cancelled, nil)
	svc.On("ListBookings", mock.Anything, "u1").Return([]*model.Booking{cancelled}, nil)
	svc.On("GetBooking", mock.Anything, "u1", "other").Return(nil, &service.Error{Kind: service.KindNotFound, Message: "Booking not found"})
	e := newTestServer(svc)

	for _, method := range []string{http.MethodPut, http.MethodPost} {
		rec, env := do(t, e, method, "/v1/bookings/booking_1/cancel", "u1", "")
		assert.Equal(t, http.StatusOK, rec.Code, method)
		assert.Equal(t, "cancelled", env.Data.(map[string]any)["status"], method)
	}

	rec, env := do(t, e, http.MethodGet, "/v1/bookings", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Data.([]any), 1)

	rec, _ = do(t, e, http.MethodGet, "/v1/bookings/other", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	svc.AssertExpectations(t)
}

func TestSeatEndpoints(t *testing.T) {
	av := &model.SeatAvailability{Available: []string{"evt1_A2"}, Reserved: []string{"evt1_A1"}, Booked: []string{}}
	svc := new(mockBookingService)
	svc.On("SeatAvailability", mock.Anything, "evt1").Return(av, nil)
	svc.On("RealtimeSeatStatus", mock.Anything, "evt1").Return(av, nil)
	svc.On("SeatAvailability", mock.Anything, "bad").Return(nil, &service.Error{Kind: service.KindInvalidRequest, Message: "Invalid event id"})
	e := newTestServer(svc)

	for _, path := range []string{"/v1/events/evt1/seats", "/v1/events/evt1/seats/realtime"} {
		rec, env := do(t, e, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		data := env.Data.(map[string]any)
		assert.Equal(t, []any{"evt1_A1"}, data["reserved"])
	}

	rec, _ := do(t, e, http.MethodGet, "/v1/events/bad/seats", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, e, http.MethodGet, "/v1/events/evt1/seats/map", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Data.([]any), 20)
	svc.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	e := echo.New()
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("refused") }

	e.GET("/up", NewHealth(map[string]Check{"ledger": ok, "redis": ok}).Ready)
	e.GET("/down", NewHealth(map[string]Check{"ledger": ok, "redis": down}).Ready)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/up", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)
}
