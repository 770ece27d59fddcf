package server

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/middleware"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectionResponse is returned when a command is rejected.
type RejectionResponse struct {
	Code      string            `json:"code"`
	Rejection *domain.Rejection `json:"rejection"`
}

// statusFor maps domain errors to an HTTP status and error code.
func statusFor(err error) (int, string, bool) {
	var (
		rej     *domain.Rejection
		verrs   validator.ValidationErrors
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, http.StatusText(httpErr.Code), true
	case errors.Is(err, domain.ErrGameNotFound), errors.Is(err, domain.ErrMatchNotFound):
		return http.StatusNotFound, "notFound", true
	case errors.Is(err, domain.ErrMatchClosed):
		return http.StatusGone, "matchClosed", true
	case errors.Is(err, domain.ErrNothingToUndo), errors.Is(err, domain.ErrGameUnavailable):
		return http.StatusConflict, "conflict", true
	case errors.As(err, &verrs):
		return http.StatusBadRequest, "invalidRequest", true
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity, string(rej.Reason), true
	}
	return http.StatusInternalServerError, "internal", false
}

// setupErrorHandling installs the JSON error handler. Unmapped errors are
// logged with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code, known := statusFor(err)
		msg := err.Error()
		if !known {
			middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err.Error(),
				"path", c.Path(),
				"stack_trace", string(debug.Stack()))
			msg = http.StatusText(status)
		}
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			if m, ok := httpErr.Message.(string); ok {
				msg = m
			}
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, ErrorResponse{Code: code, Message: msg})
	}
}
