package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/aggregator"
	"github.com/aman-zulfiqar/anchor-dex/internal/flags"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
	"github.com/aman-zulfiqar/anchor-dex/internal/settlement"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
	"github.com/aman-zulfiqar/anchor-dex/internal/sweeper"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Registry    *registry.Registry
	Coordinator *settlement.Coordinator
	Aggregator  *aggregator.Aggregator
	Positions   storage.PositionStore
	Volume      storage.VolumeReader
	Ledger      ledger.Client
	Store       Pinger

	Sweeper *sweeper.Sweeper // optional
	Flags   *flags.Store     // optional, needs Redis

	DevMode bool
	Logger  *logrus.Logger
	Now     func() time.Time
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Health probes the ledger and the store; either failing answers 503
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, Ledger: "ok", Store: "ok"}
	if err := h.Ledger.Ping(ctx); err != nil {
		resp.OK, resp.Ledger = false, err.Error()
	}
	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			resp.OK, resp.Store = false, err.Error()
		}
	}
	if !resp.OK {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// Quote prices an exact-in swap against the canonical pool of the pair
func (h *Handlers) Quote(c echo.Context) error {
	var req QuoteRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	req.TokenIn = strings.TrimSpace(req.TokenIn)
	req.TokenOut = strings.TrimSpace(req.TokenOut)
	if err := models.ValidateAddress("token_in", req.TokenIn); err != nil {
		return h.fail(c, err, "invalid token_in")
	}
	if err := models.ValidateAddress("token_out", req.TokenOut); err != nil {
		return h.fail(c, err, "invalid token_out")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return h.err(c, http.StatusBadRequest, "invalid amount_in", map[string]any{"amount_in": "must be > 0"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	pool, err := h.Registry.GetPool(ctx, req.TokenIn, req.TokenOut)
	if err != nil {
		return h.fail(c, err, "failed to find pool")
	}
	q, err := aggregator.NewPoolProvider(pool).Quote(ctx, models.QuoteRequest{
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Amount:   req.AmountIn,
		Affinity: models.AffinityFrom,
	})
	if err != nil {
		return h.fail(c, err, "failed to quote")
	}
	return c.JSON(http.StatusOK, QuoteResponse{
		AmountOut:   q.AmountOut,
		FeeAmount:   q.FeeAmount,
		PriceImpact: q.PriceImpact,
		PoolAddress: q.PoolAddress,
	})
}

// Preflight answers whether leg 2 would succeed before the client signs leg 1.
// A negative answer is still a 200.
func (h *Handlers) Preflight(c echo.Context) error {
	var req SettlementRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	out, err := h.Coordinator.ValidateCompletion(ctx, req.Kind, req.params())
	if err != nil {
		return h.fail(c, err, "preflight failed")
	}
	return c.JSON(http.StatusOK, out)
}

// Complete runs leg 2. It answers 202 while leg 2 is still running and 500
// with the reconciliation message once leg 2 has failed for good.
func (h *Handlers) Complete(c echo.Context) error {
	var req SettlementRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	res, err := h.Coordinator.CompleteLeg2(c.Request().Context(), req.TransactionID, req.Kind, req.params())
	if err != nil {
		if res != nil && errors.Is(err, models.ErrSettlementIncomplete) {
			h.Logger.WithError(err).WithField("transaction_id", res.TransactionID).Error("leg 2 failed")
			res.Error = msgIncomplete
			return c.JSON(http.StatusInternalServerError, res)
		}
		return h.fail(c, err, "failed to complete settlement")
	}
	if res.Status == settlement.StatusPending {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

// GetSettlement returns the stored state of one settlement
func (h *Handlers) GetSettlement(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return h.err(c, http.StatusBadRequest, "invalid id", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	st, err := h.Coordinator.GetSettlement(ctx, id)
	if err != nil {
		return h.fail(c, err, "failed to get settlement")
	}
	return c.JSON(http.StatusOK, st)
}
