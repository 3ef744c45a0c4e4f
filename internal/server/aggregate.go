package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// AggregateQuote queries every enabled provider for a pair and ranks the
// answers. No usable quote at all is a 404.
func (h *Handlers) AggregateQuote(c echo.Context) error {
	var req AggregateQuoteRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if req.Affinity == "" {
		req.Affinity = models.AffinityFrom
	}

	// Providers answer within their own timeout; this only bounds discovery.
	ctx, cancel := h.withTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	agg, err := h.Aggregator.GetAllQuotes(ctx, strings.TrimSpace(req.From), strings.TrimSpace(req.To), req.Amount, req.Affinity)
	if err != nil {
		return h.fail(c, err, "failed to aggregate quotes")
	}
	if agg.BestQuote == nil {
		return h.err(c, http.StatusNotFound, "no quotes available", map[string]any{"providers_queried": agg.ProvidersQueried})
	}

	all := agg.Quotes
	if all == nil {
		all = []*models.Quote{}
	}
	return c.JSON(http.StatusOK, AggregateQuoteResponse{
		BestQuote:        agg.BestQuote,
		AllQuotes:        all,
		ProvidersQueried: agg.ProvidersQueried,
	})
}

// AggregateExchange asks the provider behind a chosen quote where leg 1
// should be deposited
func (h *Handlers) AggregateExchange(c echo.Context) error {
	var req ExchangeRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if req.Quote == nil {
		return h.err(c, http.StatusBadRequest, "quote is required", map[string]any{"quote": "required"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	ex, err := h.Aggregator.CreateExchange(ctx, req.Quote, strings.TrimSpace(req.UserAddress))
	if err != nil {
		return h.fail(c, err, "failed to create exchange")
	}
	return c.JSON(http.StatusOK, ex)
}
