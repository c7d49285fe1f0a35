package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// Check pings one dependency and returns nil when it is reachable.
type Check func(ctx context.Context) error

// Health is the readiness endpoint used by load balancers.  It runs every
// check with a short timeout and answers 200 when all pass, 503 otherwise.
type Health struct {
	checks map[string]Check
}

// NewHealth returns a Health handler over the named checks.
func NewHealth(checks map[string]Check) *Health {
	return &Health{checks: checks}
}

// Ready handles GET /healthz.
func (h *Health) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	return c.JSON(status, echo.Map{"status": http.StatusText(status), "checks": results})
}
