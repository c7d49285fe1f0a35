package handler

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking/internal/service"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Envelope is the body of every JSON response.
type Envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failure in machine readable form.
type ErrorBody struct {
	Kind   string            `json:"kind"`
	Reason string            `json:"reason,omitempty"`
	Seats  []string          `json:"seats,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respond(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

func fail(c echo.Context, status int, message string, body *ErrorBody) error {
	return c.JSON(status, Envelope{Success: false, Message: message, Error: body})
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind service.Kind) int {
	switch kind {
	case service.KindConflict, service.KindDuplicateBooking, service.KindInvalidState:
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindExpired:
		return http.StatusGone
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	case service.KindInvalidRequest:
		return http.StatusBadRequest
	case service.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError renders a service error.  Unclassified errors become a bare
// 500 so internal details never reach the client.
func (h *BookingHandler) respondError(c echo.Context, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		h.log.Error("unclassified error", zap.String("route", c.Path()), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "internal error", &ErrorBody{Kind: "internal"})
	}
	status := statusOf(se.Kind)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", zap.String("route", c.Path()), zap.String("kind", string(se.Kind)), zap.Error(err))
	}
	return fail(c, status, se.Message, &ErrorBody{Kind: string(se.Kind), Reason: se.Reason, Seats: se.Seats})
}

// bindAndValidate decodes the JSON body into v and runs the struct tags.
// When it reports false the 400 response has already been written and
// the returned error is the result of writing it.
func bindAndValidate(c echo.Context, v any) (bool, error) {
	if err := c.Bind(v); err != nil {
		return false, fail(c, http.StatusBadRequest, "invalid request body", &ErrorBody{Kind: string(service.KindInvalidRequest)})
	}
	if err := validate.Struct(v); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fieldMessage(fe)
			}
		}
		return false, fail(c, http.StatusBadRequest, formatFields(fields), &ErrorBody{Kind: string(service.KindInvalidRequest), Fields: fields})
	}
	return true, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Minimum is %s", fe.Param())
	case "max":
		return fmt.Sprintf("Maximum is %s", fe.Param())
	case "dive", "excludesall":
		return "Invalid value"
	}
	return fmt.Sprintf("Invalid %s field", fe.Field())
}

func formatFields(fields map[string]string) string {
	msgs := make([]string, 0, len(fields))
	for f, m := range fields {
		msgs = append(msgs, f+": "+m)
	}
	sort.Strings(msgs)
	if len(msgs) == 0 {
		return "invalid request"
	}
	return strings.Join(msgs, "; ")
}
