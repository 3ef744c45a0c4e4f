package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/anchor-dex/internal/flags"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/settlement"
)

// Reconciliations lists failed leg 2 records; ?status=open|resolved filters
func (h *Handlers) Reconciliations(c echo.Context) error {
	status := models.ReconciliationStatus(strings.TrimSpace(c.QueryParam("status")))

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Coordinator.ListReconciliations(ctx, status)
	if err != nil {
		return h.fail(c, err, "failed to list reconciliations")
	}
	if items == nil {
		items = []*models.Reconciliation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Replay retries a failed leg 2 on operator request
func (h *Handlers) Replay(c echo.Context) error {
	var req ReplayRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()

	res, err := h.Coordinator.Replay(ctx, c.Param("id"), settlement.ReplayOptions{WaiveMinimum: req.WaiveMinimum})
	if err != nil {
		if res != nil && errors.Is(err, models.ErrSettlementIncomplete) {
			h.Logger.WithError(err).WithField("transaction_id", res.TransactionID).Error("replay failed")
			return c.JSON(http.StatusInternalServerError, res)
		}
		return h.fail(c, err, "failed to replay settlement")
	}
	return c.JSON(http.StatusOK, res)
}

// Sweep moves accrued protocol fees to the treasury now
func (h *Handlers) Sweep(c echo.Context) error {
	if h.Sweeper == nil {
		return h.err(c, http.StatusBadRequest, "sweeper is not configured", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 2*time.Minute)
	defer cancel()

	report, err := h.Sweeper.Run(ctx)
	if err != nil {
		return h.fail(c, err, "fee sweep failed")
	}
	return c.JSON(http.StatusOK, report)
}

// FlagsUpsert creates or updates a feature flag with the given key and value
// Validates key format and returns the created/updated flag
func (h *Handlers) FlagsUpsert(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusBadRequest, "flags are not configured", nil)
	}
	var req FlagUpsertRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if err := flags.ValidateKey(req.Key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, req.Key, req.Value, req.UpdatedBy)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to upsert flag", map[string]any{"err": err.Error()})
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsUpdate updates an existing feature flag with the given key
func (h *Handlers) FlagsUpdate(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusBadRequest, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}
	var req FlagUpdateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, key, req.Value, req.UpdatedBy)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to update flag", map[string]any{"err": err.Error()})
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsGet retrieves a feature flag by its key
// Returns 404 if flag doesn't exist
func (h *Handlers) FlagsGet(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusBadRequest, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Get(ctx, key)
	if err != nil {
		if errors.Is(err, flags.ErrNotFound) {
			return h.err(c, http.StatusNotFound, "flag not found", nil)
		}
		return h.err(c, http.StatusInternalServerError, "failed to get flag", nil)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsList returns all feature flags in the system
func (h *Handlers) FlagsList(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusBadRequest, "flags are not configured", nil)
	}
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Flags.List(ctx)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to list flags", nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// FlagsDelete removes a feature flag by its key
// Returns 204 No Content on successful deletion
func (h *Handlers) FlagsDelete(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusBadRequest, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.Flags.Delete(ctx, key); err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to delete flag", nil)
	}
	return c.NoContent(http.StatusNoContent)
}
