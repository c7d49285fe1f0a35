package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking/internal/handler"
)

// RegisterRoutes registers routes that do not require authentication:
// the readiness check and the seat availability reads.
func RegisterRoutes(e *echo.Echo, health *handler.Health, b *handler.BookingHandler, mw ...echo.MiddlewareFunc) {
	e.GET("/healthz", health.Ready)

	events := e.Group("/v1/events", mw...)
	events.GET("/:id/seats", b.SeatAvailability)
	events.GET("/:id/seats/realtime", b.RealtimeSeatStatus)
	events.GET("/:id/seats/map", b.SeatMap)
}

// RegisterBookings registers the booking lifecycle routes.  auth must
// authenticate the caller; it runs before any other middleware in mw so
// rate limit keys can include the user.
func RegisterBookings(e *echo.Echo, b *handler.BookingHandler, auth echo.MiddlewareFunc, mw ...echo.MiddlewareFunc) {
	g := e.Group("/v1/bookings", append([]echo.MiddlewareFunc{auth}, mw...)...)
	g.POST("", b.CreateBooking)
	g.GET("", b.ListBookings)
	g.GET("/:id", b.GetBooking)
	g.PUT("/:id/confirm", b.ConfirmBooking)
	g.PUT("/:id/cancel", b.CancelBooking)
	// POST aliases for clients written against the first release
	g.POST("/:id/confirm", b.ConfirmBooking)
	g.POST("/:id/cancel", b.CancelBooking)
	g.PUT("/:id/extend", b.ExtendBooking)
}
