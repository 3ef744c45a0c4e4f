package server

import (
	"math/big"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
)

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse reports the reachability of the ledger and the store
type HealthResponse struct {
	OK     bool   `json:"ok"`
	Ledger string `json:"ledger"`
	Store  string `json:"store"`
}

// QuoteRequest asks the canonical pool of a pair for an exact-in quote
type QuoteRequest struct {
	TokenIn  string   `json:"token_in"`
	TokenOut string   `json:"token_out"`
	AmountIn *big.Int `json:"amount_in"`
}

type QuoteResponse struct {
	AmountOut   *big.Int `json:"amount_out"`
	FeeAmount   *big.Int `json:"fee_amount"`
	PriceImpact float64  `json:"price_impact"`
	PoolAddress string   `json:"pool_address"`
}

// SettlementRequest is the body of both preflight and complete. AmountB is
// the second deposit of an add-liquidity; LPShares the shares of a remove.
type SettlementRequest struct {
	TransactionID string                `json:"transaction_id,omitempty"`
	Kind          models.SettlementKind `json:"kind,omitempty"`
	UserAddress   string                `json:"user_address"`
	PoolAddress   string                `json:"pool_address"`
	TokenIn       string                `json:"token_in,omitempty"`
	TokenOut      string                `json:"token_out,omitempty"`
	AmountIn      *big.Int              `json:"amount_in,omitempty"`
	AmountB       *big.Int              `json:"amount_b,omitempty"`
	LPShares      *big.Int              `json:"lp_shares,omitempty"`
	AmountOut     *big.Int              `json:"amount_out,omitempty"` // quoted output shown to the user
	MinAmountOut  *big.Int              `json:"min_amount_out,omitempty"`
	Leg1Signature string                `json:"leg1_signature,omitempty"`
}

func (r *SettlementRequest) params() models.SettlementParams {
	return models.SettlementParams{
		UserAddress:     r.UserAddress,
		PoolAddress:     r.PoolAddress,
		TokenIn:         r.TokenIn,
		TokenOut:        r.TokenOut,
		AmountIn:        r.AmountIn,
		AmountInOther:   r.AmountB,
		LPShares:        r.LPShares,
		QuotedAmountOut: r.AmountOut,
		MinAmountOut:    r.MinAmountOut,
		Leg1Signature:   r.Leg1Signature,
	}
}

// AggregateQuoteRequest fans a quote out to every enabled provider
type AggregateQuoteRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Amount   *big.Int        `json:"amount"`
	Affinity models.Affinity `json:"affinity"`
}

type AggregateQuoteResponse struct {
	BestQuote        *models.Quote   `json:"best_quote"`
	AllQuotes        []*models.Quote `json:"all_quotes"`
	ProvidersQueried int             `json:"providers_queried"`
}

// ExchangeRequest turns a chosen aggregate quote into leg 1 deposit instructions
type ExchangeRequest struct {
	Quote       *models.Quote `json:"quote"`
	UserAddress string        `json:"user_address"`
}

type CreatePoolRequest struct {
	TokenA  string          `json:"token_a"`
	TokenB  string          `json:"token_b"`
	Creator string          `json:"creator"`
	FeeBps  uint16          `json:"fee_bps"`
	Kind    models.PoolKind `json:"kind,omitempty"`
}

type PoolStatusRequest struct {
	Caller string            `json:"caller"`
	Status models.PoolStatus `json:"status"`
}

type PoolFeeRequest struct {
	Caller string `json:"caller"`
	FeeBps uint16 `json:"fee_bps"`
}

// RefreshResponse is the pool after a reserve refresh and the drift found
type RefreshResponse struct {
	Pool   *models.Pool      `json:"pool"`
	Drifts []*registry.Drift `json:"drifts"`
}

// PoolStatsResponse is 24h activity with a naive annualised fee yield per side
type PoolStatsResponse struct {
	Pool    *models.Pool       `json:"pool"`
	Volume  *models.PoolVolume `json:"volume_24h"`
	FeeAPYA float64            `json:"fee_apy_a"`
	FeeAPYB float64            `json:"fee_apy_b"`
}

type ReplayRequest struct {
	WaiveMinimum bool `json:"waive_minimum"`
}

// FlagUpsertRequest represents a request to create or update a feature flag
type FlagUpsertRequest struct {
	Key       string `json:"key"`
	Value     bool   `json:"value"`
	UpdatedBy string `json:"updated_by"`
}

// FlagUpdateRequest represents a request to update an existing feature flag
type FlagUpdateRequest struct {
	Value     bool   `json:"value"`
	UpdatedBy string `json:"updated_by"`
}
