package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/service"
)

// BookingService is the booking API the handlers call.  service.Service
// implements it.
type BookingService interface {
	CreateBooking(ctx context.Context, userID, eventID string, seats []string) (*model.Booking, error)
	GetBooking(ctx context.Context, userID, id string) (*model.Booking, error)
	ListBookings(ctx context.Context, userID string) ([]*model.Booking, error)
	ConfirmBooking(ctx context.Context, userID, id, paymentID string) (*model.Booking, error)
	CancelBooking(ctx context.Context, userID, id string) (*model.Booking, error)
	ExtendBooking(ctx context.Context, userID, id string, additional time.Duration) (bool, *model.Booking, error)
	SeatAvailability(ctx context.Context, eventID string) (*model.SeatAvailability, error)
	RealtimeSeatStatus(ctx context.Context, eventID string) (*model.SeatAvailability, error)
}

// BookingHandler serves the booking and seat availability endpoints.  The
// booking routes assume JWTAuth has stored the caller in "user_id".
type BookingHandler struct {
	svc     BookingService
	catalog catalog.Catalog
	log     *zap.Logger
}

// NewBookingHandler returns a BookingHandler.  cat may be nil, which
// disables the seat map endpoint.
func NewBookingHandler(svc BookingService, cat catalog.Catalog, log *zap.Logger) *BookingHandler {
	if svc == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BookingHandler{svc: svc, catalog: cat, log: log.With(zap.String("component", "http"))}
}

type createBookingRequest struct {
	EventID string   `json:"eventId" validate:"required,max=64"`
	SeatIDs []string `json:"seatIds" validate:"required,min=1,max=50,dive,required"`
}

type confirmBookingRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=128"`
}

type extendBookingRequest struct {
	AdditionalSeconds int `json:"additionalSeconds" validate:"omitempty,min=1"`
}

// defaultExtension applies when additionalSeconds is omitted or zero.
const defaultExtension = 30 * time.Second

// CreateBooking handles POST /v1/bookings.  On success the seats are held
// for the booking's payment window and 201 is returned.
func (h *BookingHandler) CreateBooking(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req createBookingRequest
	if valid, err := bindAndValidate(c, &req); !valid {
		return err
	}
	b, err := h.svc.CreateBooking(c.Request().Context(), userID, req.EventID, req.SeatIDs)
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusCreated, "Booking created, complete payment before the hold expires", b)
}

// ListBookings handles GET /v1/bookings.
func (h *BookingHandler) ListBookings(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	list, err := h.svc.ListBookings(c.Request().Context(), userID)
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Bookings retrieved", list)
}

// GetBooking handles GET /v1/bookings/:id.
func (h *BookingHandler) GetBooking(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	b, err := h.svc.GetBooking(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Booking retrieved", b)
}

// ConfirmBooking handles PUT (or POST) /v1/bookings/:id/confirm.
func (h *BookingHandler) ConfirmBooking(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req confirmBookingRequest
	if valid, err := bindAndValidate(c, &req); !valid {
		return err
	}
	b, err := h.svc.ConfirmBooking(c.Request().Context(), userID, c.Param("id"), req.PaymentID)
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Booking confirmed", b)
}

// CancelBooking handles PUT (or POST) /v1/bookings/:id/cancel.
func (h *BookingHandler) CancelBooking(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Booking cancelled", b)
}

// ExtendBooking handles PUT /v1/bookings/:id/extend.  A booking that is no
// longer pending is reported with extended=false rather than an error.
func (h *BookingHandler) ExtendBooking(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req extendBookingRequest
	if valid, err := bindAndValidate(c, &req); !valid {
		return err
	}
	additional := defaultExtension
	if req.AdditionalSeconds > 0 {
		additional = time.Duration(req.AdditionalSeconds) * time.Second
	}
	extended, b, err := h.svc.ExtendBooking(c.Request().Context(), userID, c.Param("id"), additional)
	if err != nil {
		return h.respondError(c, err)
	}
	msg := "Booking hold extended"
	if !extended {
		msg = "Booking hold could not be extended"
	}
	return respond(c, http.StatusOK, msg, echo.Map{"extended": extended, "booking": b})
}

// SeatAvailability handles GET /v1/events/:id/seats.  The summary may be
// a few seconds old.
func (h *BookingHandler) SeatAvailability(c echo.Context) error {
	av, err := h.svc.SeatAvailability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Seat availability retrieved", av)
}

// RealtimeSeatStatus handles GET /v1/events/:id/seats/realtime.
func (h *BookingHandler) RealtimeSeatStatus(c echo.Context) error {
	av, err := h.svc.RealtimeSeatStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respond(c, http.StatusOK, "Realtime seat status retrieved", av)
}

// SeatMap handles GET /v1/events/:id/seats/map: the seat layout with
// prices, types and the catalog's display status.
func (h *BookingHandler) SeatMap(c echo.Context) error {
	if h.catalog == nil {
		return fail(c, http.StatusNotFound, "Seat map not available", &ErrorBody{Kind: string(service.KindNotFound)})
	}
	seats, err := h.catalog.Seats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid event id", &ErrorBody{Kind: string(service.KindInvalidRequest)})
	}
	return respond(c, http.StatusOK, "Seat map retrieved", seats)
}

func currentUser(c echo.Context) (string, bool) {
	s, ok := c.Get("user_id").(string)
	return s, ok && s != ""
}

func unauthorized(c echo.Context) error {
	return fail(c, http.StatusUnauthorized, "Authentication required", &ErrorBody{Kind: string(service.KindUnauthorized)})
}
