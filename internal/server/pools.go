package server

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
)

// statsWindow is the trailing window pool stats are computed over.
const statsWindow = 24 * time.Hour

// PoolsList returns every pool; ?active=true keeps only active ones
func (h *Handlers) PoolsList(c echo.Context) error {
	activeOnly := false
	if v := strings.TrimSpace(c.QueryParam("active")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid active", map[string]any{"active": "must be a boolean"})
		}
		activeOnly = b
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Registry.ListPools(ctx, activeOnly)
	if err != nil {
		return h.fail(c, err, "failed to list pools")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// PoolsCreate registers an empty pool for a pair
func (h *Handlers) PoolsCreate(c echo.Context) error {
	var req CreatePoolRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pool, err := h.Registry.CreatePool(ctx, registry.CreatePoolParams{
		TokenA:  strings.TrimSpace(req.TokenA),
		TokenB:  strings.TrimSpace(req.TokenB),
		Creator: strings.TrimSpace(req.Creator),
		FeeBps:  req.FeeBps,
		Kind:    req.Kind,
	})
	if err != nil {
		return h.fail(c, err, "failed to create pool")
	}
	return c.JSON(http.StatusCreated, pool)
}

func (h *Handlers) PoolsGet(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	pool, err := h.Registry.GetPoolByAddress(ctx, c.Param("address"))
	if err != nil {
		return h.fail(c, err, "failed to get pool")
	}
	return c.JSON(http.StatusOK, pool)
}

// PoolsUpdateStatus pauses, resumes or closes a pool. Creator only.
func (h *Handlers) PoolsUpdateStatus(c echo.Context) error {
	var req PoolStatusRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pool, err := h.Registry.UpdateStatus(ctx, c.Param("address"), strings.TrimSpace(req.Caller), req.Status)
	if err != nil {
		return h.fail(c, err, "failed to update pool status")
	}
	return c.JSON(http.StatusOK, pool)
}

// PoolsUpdateFee changes the trading fee. Creator only.
func (h *Handlers) PoolsUpdateFee(c echo.Context) error {
	var req PoolFeeRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pool, err := h.Registry.UpdateFee(ctx, c.Param("address"), strings.TrimSpace(req.Caller), req.FeeBps)
	if err != nil {
		return h.fail(c, err, "failed to update pool fee")
	}
	return c.JSON(http.StatusOK, pool)
}

// PoolsRefresh re-reads reserves from the store and reports ledger drift
func (h *Handlers) PoolsRefresh(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	pool, drifts, err := h.Registry.RefreshReserves(ctx, c.Param("address"))
	if err != nil {
		return h.fail(c, err, "failed to refresh reserves")
	}
	if drifts == nil {
		drifts = []*registry.Drift{}
	}
	return c.JSON(http.StatusOK, RefreshResponse{Pool: pool, Drifts: drifts})
}

func (h *Handlers) PoolsPosition(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	pos, err := h.Positions.GetPosition(ctx, c.Param("address"), c.Param("user"))
	if err != nil {
		return h.fail(c, err, "failed to get position")
	}
	return c.JSON(http.StatusOK, pos)
}

// PoolsStats returns the last 24h of swap volume and a naive fee APY per
// side: fees of the window, annualised, over the current reserve.
func (h *Handlers) PoolsStats(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	pool, err := h.Registry.GetPoolByAddress(ctx, c.Param("address"))
	if err != nil {
		return h.fail(c, err, "failed to get pool")
	}
	vol, err := h.Volume.PoolVolume(ctx, pool, h.now().Add(-statsWindow).UTC())
	if err != nil {
		return h.fail(c, err, "failed to read pool volume")
	}

	return c.JSON(http.StatusOK, PoolStatsResponse{
		Pool:    pool,
		Volume:  vol,
		FeeAPYA: feeAPY(vol.FeesA, pool.ReserveA),
		FeeAPYB: feeAPY(vol.FeesB, pool.ReserveB),
	})
}

func feeAPY(fees, reserve *big.Int) float64 {
	if fees == nil || reserve == nil || reserve.Sign() == 0 {
		return 0
	}
	periods := float64(365*24*time.Hour) / float64(statsWindow)
	ratio := new(big.Float).Quo(new(big.Float).SetInt(fees), new(big.Float).SetInt(reserve))
	out, _ := ratio.Mul(ratio, big.NewFloat(periods)).Float64()
	return out
}
