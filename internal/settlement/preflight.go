package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/amm"
	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// Preflight tells the client whether leg 2 would succeed right now, before
// it signs leg 1.
type Preflight struct {
	CanProceed      bool     `json:"can_proceed"`
	Reason          string   `json:"reason,omitempty"`
	EstimatedOutput *big.Int `json:"estimated_output,omitempty"`
	PriceImpact     float64  `json:"price_impact,omitempty"`
}

// Rejection codes, used as metric labels.
const (
	rejectLedger       = "ledger_unavailable"
	rejectPoolNotFound = "pool_not_found"
	rejectPoolInactive = "pool_inactive"
	rejectZeroReserves = "zero_reserves"
	rejectLiquidity    = "insufficient_liquidity"
	rejectBalance      = "insufficient_balance"
	rejectShares       = "insufficient_shares"
	rejectSlippage     = "slippage"
)

// ValidateCompletion runs the read-only checks, in order: the ledger and
// service signer are reachable, the pool exists and is active, its reserves
// are non-zero, and the output is non-zero and covered by the pool. A failed
// check is an answer, not an error; errors are reserved for malformed
// requests and storage failures.
func (c *Coordinator) ValidateCompletion(ctx context.Context, kind models.SettlementKind, params models.SettlementParams) (*Preflight, error) {
	if kind == "" {
		kind = models.KindSwap
	}
	if params.PoolAddress == "" && kind == models.KindSwap && params.TokenIn != "" && params.TokenOut != "" {
		pool, err := c.reg.GetPool(ctx, params.TokenIn, params.TokenOut)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return c.reject(rejectPoolNotFound, "no pool for %s/%s", params.TokenIn, params.TokenOut), nil
			}
			return nil, err
		}
		params.PoolAddress = pool.Address
	}
	if err := validateParams(kind, &params); err != nil {
		return nil, err
	}

	if err := c.ledger.Ping(ctx); err != nil {
		c.logger.WithError(err).Warn("preflight: ledger unreachable")
		return c.reject(rejectLedger, "ledger or service signer unreachable"), nil
	}

	pool, err := c.reg.GetPoolByAddress(ctx, params.PoolAddress)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.reject(rejectPoolNotFound, "pool %s not found", params.PoolAddress), nil
		}
		return nil, err
	}
	// Liquidity can always leave a paused or closed pool.
	if !pool.IsActive() && kind != models.KindRemoveLiquidity {
		return c.reject(rejectPoolInactive, "pool %s is %s", pool.Address, pool.Status), nil
	}

	switch kind {
	case models.KindSwap:
		return c.preflightSwap(ctx, pool, params)
	case models.KindAddLiquidity:
		return c.preflightAdd(pool, params)
	default:
		return c.preflightRemove(ctx, pool, params)
	}
}

func (c *Coordinator) preflightSwap(ctx context.Context, pool *models.Pool, prm models.SettlementParams) (*Preflight, error) {
	reserveIn, reserveOut, _, err := pool.Direction(prm.TokenIn, prm.TokenOut)
	if err != nil {
		return nil, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return c.reject(rejectZeroReserves, "pool %s has no liquidity", pool.Address), nil
	}

	q, err := amm.QuoteSwap(reserveIn, reserveOut, prm.AmountIn, pool.FeeBps)
	if err != nil {
		return nil, err
	}
	if q.AmountOut.Sign() == 0 {
		return c.reject(rejectLiquidity, "amount too small, output would be zero"), nil
	}
	if q.AmountOut.Cmp(reserveOut) >= 0 {
		return c.reject(rejectLiquidity, "output %s exceeds reserve %s", q.AmountOut, reserveOut), nil
	}
	if err := checkMinimum(q.AmountOut, prm, false); err != nil {
		return c.reject(rejectSlippage, "%s", err.Error()), nil
	}
	if ok, err := c.covered(ctx, pool.Address, prm.TokenOut, q.AmountOut); err != nil || !ok {
		return c.uncovered(err, prm.TokenOut), nil
	}

	return &Preflight{
		CanProceed:      true,
		EstimatedOutput: q.AmountOut,
		PriceImpact:     q.PriceImpact,
	}, nil
}

// preflightAdd only needs the pool state: minting shares draws nothing
// from pool balances.
func (c *Coordinator) preflightAdd(pool *models.Pool, prm models.SettlementParams) (*Preflight, error) {
	seeded := pool.TotalLPSupply != nil && pool.TotalLPSupply.Sign() > 0
	if seeded && (pool.ReserveA.Sign() == 0 || pool.ReserveB.Sign() == 0) {
		return c.reject(rejectZeroReserves, "pool %s has supply but no reserves", pool.Address), nil
	}

	amountA, amountB, err := depositSides(pool, prm)
	if err != nil {
		return nil, err
	}
	q, err := amm.QuoteLiquidity(pool.ReserveA, pool.ReserveB, pool.TotalLPSupply, amountA, amountB)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientLiquidity) {
			return c.reject(rejectLiquidity, "%s", err.Error()), nil
		}
		return nil, err
	}
	if err := checkMinimum(q.Shares, prm, false); err != nil {
		return c.reject(rejectSlippage, "%s", err.Error()), nil
	}

	return &Preflight{CanProceed: true, EstimatedOutput: q.Shares}, nil
}

func (c *Coordinator) preflightRemove(ctx context.Context, pool *models.Pool, prm models.SettlementParams) (*Preflight, error) {
	if pool.ReserveA.Sign() == 0 || pool.ReserveB.Sign() == 0 {
		return c.reject(rejectZeroReserves, "pool %s has no liquidity", pool.Address), nil
	}

	held, err := c.shares(ctx, pool.Address, prm.UserAddress)
	if err != nil {
		return nil, err
	}
	if held.Cmp(prm.LPShares) < 0 {
		return c.reject(rejectShares, "user holds %s shares, %s requested", held, prm.LPShares), nil
	}

	amountA, amountB, err := amm.QuoteWithdrawal(pool.ReserveA, pool.ReserveB, pool.TotalLPSupply, prm.LPShares)
	if err != nil {
		return nil, err
	}
	if amountA.Sign() == 0 && amountB.Sign() == 0 {
		return c.reject(rejectLiquidity, "%s shares withdraw nothing", prm.LPShares), nil
	}

	out := amountA
	if prm.TokenOut == pool.TokenB {
		out = amountB
	}
	if err := checkMinimum(out, prm, false); err != nil {
		return c.reject(rejectSlippage, "%s", err.Error()), nil
	}

	for _, side := range []struct {
		token  string
		amount *big.Int
	}{{pool.TokenA, amountA}, {pool.TokenB, amountB}} {
		if side.amount.Sign() == 0 {
			continue
		}
		if ok, err := c.covered(ctx, pool.Address, side.token, side.amount); err != nil || !ok {
			return c.uncovered(err, side.token), nil
		}
	}

	return &Preflight{CanProceed: true, EstimatedOutput: out}, nil
}

// covered reports whether the pool's ledger balance of token covers amount.
func (c *Coordinator) covered(ctx context.Context, pool, token string, amount *big.Int) (bool, error) {
	bal, err := c.ledger.GetBalance(ctx, pool, token)
	if err != nil {
		return false, err
	}
	return bal.Cmp(amount) >= 0, nil
}

func (c *Coordinator) uncovered(err error, token string) *Preflight {
	if err != nil {
		c.logger.WithError(err).WithField("token", token).Warn("preflight: balance lookup failed")
		return c.reject(rejectLedger, "could not read pool balance of %s", token)
	}
	return c.reject(rejectBalance, "pool balance of %s does not cover the output", token)
}

func (c *Coordinator) reject(code, format string, args ...interface{}) *Preflight {
	reason := fmt.Sprintf(format, args...)
	metrics.PreflightRejections.WithLabelValues(code).Inc()
	c.logger.WithFields(logrus.Fields{
		"code":   code,
		"reason": reason,
	}).Debug("preflight rejected")
	return &Preflight{Reason: reason}
}
