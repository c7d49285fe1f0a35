package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking/internal/identity"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// with v and stores the caller's user id in the context under "user_id".
// Requests without a valid token are answered with 401 in the booking
// response envelope.
func JWTAuth(v identity.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return deny(c, "missing bearer token")
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			userID, err := v.Verify(c.Request().Context(), raw)
			if err != nil {
				return deny(c, "invalid token")
			}
			c.Set("user_id", userID)
			return next(c)
		}
	}
}

func deny(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{
		"success": false,
		"message": msg,
		"error":   echo.Map{"kind": "unauthorized"},
	})
}
