package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// msgIncomplete is what a client sees when leg 1 moved funds but leg 2 did not.
const msgIncomplete = "settlement incomplete: funds are held in the pool, support will reconcile"

// NotFoundJSON returns a custom HTTP error handler that returns JSON responses
// This ensures all errors (including 404s and 429s) have consistent JSON format
func NotFoundJSON() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, ErrorResponse{
				Error: http.StatusText(he.Code),
				Code:  he.Code,
			})
			return
		}

		_ = c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  http.StatusInternalServerError,
		})
	}
}

// statusFor maps the domain error taxonomy onto HTTP. ErrSettlementIncomplete
// is checked first because it wraps the cause of the failed leg 2.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrSettlementIncomplete):
		return http.StatusInternalServerError
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrDuplicatePair):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientLiquidity), errors.Is(err, models.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTransientLedger), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail answers with the status of a domain error. Client errors carry their
// message; server errors only show it in dev mode.
func (h *Handlers) fail(c echo.Context, err error, msg string) error {
	code := statusFor(err)
	switch {
	case errors.Is(err, models.ErrSettlementIncomplete):
		h.Logger.WithError(err).WithField("path", c.Path()).Error(msg)
		return h.err(c, code, msgIncomplete, map[string]any{"err": err.Error()})
	case code < http.StatusInternalServerError:
		return h.err(c, code, err.Error(), nil)
	default:
		h.Logger.WithError(err).WithField("path", c.Path()).Error(msg)
		return h.err(c, code, msg, map[string]any{"err": err.Error()})
	}
}
