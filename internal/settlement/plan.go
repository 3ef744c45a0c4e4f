package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/aman-zulfiqar/anchor-dex/internal/amm"
	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// plan is a fully computed leg 2: the instructions to send and the
// bookkeeping to commit once they are confirmed.
type plan struct {
	result *models.SettlementResult
	ixs    []ledger.Instruction
	commit *storage.Commit
}

func (c *Coordinator) plan(ctx context.Context, st *models.Settlement, pool *models.Pool, waiveMinimum bool) (*plan, error) {
	var (
		p   *plan
		err error
	)
	switch st.Kind {
	case models.KindSwap:
		p, err = c.planSwap(st, pool, waiveMinimum)
	case models.KindAddLiquidity:
		p, err = c.planAdd(st, pool, waiveMinimum)
	case models.KindRemoveLiquidity:
		p, err = c.planRemove(ctx, st, pool, waiveMinimum)
	default:
		err = fmt.Errorf("%w: unknown settlement kind %q", models.ErrInvalidInput, st.Kind)
	}
	if err != nil {
		return nil, err
	}

	if p.commit, err = c.bookkeeping(ctx, st, pool, p.result); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) planSwap(st *models.Settlement, pool *models.Pool, waiveMinimum bool) (*plan, error) {
	prm := st.Params
	if !pool.IsActive() {
		return nil, fmt.Errorf("%w: pool %s is %s", models.ErrInvalidInput, pool.Address, pool.Status)
	}
	reserveIn, reserveOut, _, err := pool.Direction(prm.TokenIn, prm.TokenOut)
	if err != nil {
		return nil, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool %s has no reserves", models.ErrInsufficientLiquidity, pool.Address)
	}

	q, err := amm.QuoteSwap(reserveIn, reserveOut, prm.AmountIn, pool.FeeBps)
	if err != nil {
		return nil, err
	}
	if q.AmountOut.Sign() == 0 || q.AmountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: swap of %s yields %s from reserve %s",
			models.ErrInsufficientLiquidity, prm.AmountIn, q.AmountOut, reserveOut)
	}
	if err := checkMinimum(q.AmountOut, prm, waiveMinimum); err != nil {
		return nil, err
	}

	protocolFee := amm.ProtocolFee(q.FeeAmount, c.cfg.ProtocolFeeBps)
	inline := c.cfg.InlineProtocolFee && protocolFee.Sign() > 0

	ixs := []ledger.Instruction{
		ledger.Transfer(prm.TokenOut, pool.Address, prm.UserAddress, q.AmountOut),
	}
	if inline {
		ixs = append(ixs, ledger.Transfer(prm.TokenIn, pool.Address, c.cfg.Treasury, protocolFee))
	}

	return &plan{
		result: &models.SettlementResult{
			AmountOut:       q.AmountOut,
			FeeAmount:       q.FeeAmount,
			ProtocolFee:     protocolFee,
			ProtocolFeePaid: inline,
			PriceImpact:     q.PriceImpact,
		},
		ixs: ixs,
	}, nil
}

// planAdd mints LP shares for a deposit. AmountIn is the deposit of
// TokenIn and AmountInOther the deposit of the other pool token.
func (c *Coordinator) planAdd(st *models.Settlement, pool *models.Pool, waiveMinimum bool) (*plan, error) {
	prm := st.Params
	if !pool.IsActive() {
		return nil, fmt.Errorf("%w: pool %s is %s", models.ErrInvalidInput, pool.Address, pool.Status)
	}
	amountA, amountB, err := depositSides(pool, prm)
	if err != nil {
		return nil, err
	}

	q, err := amm.QuoteLiquidity(pool.ReserveA, pool.ReserveB, pool.TotalLPSupply, amountA, amountB)
	if err != nil {
		return nil, err
	}
	if err := checkMinimum(q.Shares, prm, waiveMinimum); err != nil {
		return nil, err
	}

	return &plan{
		result: &models.SettlementResult{
			AmountOut: q.Shares,
			AmountA:   q.AmountA,
			AmountB:   q.AmountB,
			LPShares:  q.Shares,
		},
		ixs: []ledger.Instruction{
			ledger.Mint(pool.LPTokenAddress, prm.UserAddress, q.Shares),
		},
	}, nil
}

// planRemove burns the shares the user returned in leg 1 and pays out both
// tokens. MinAmountOut applies to the TokenOut side, TokenA when unset.
func (c *Coordinator) planRemove(ctx context.Context, st *models.Settlement, pool *models.Pool, waiveMinimum bool) (*plan, error) {
	prm := st.Params

	held, err := c.shares(ctx, pool.Address, prm.UserAddress)
	if err != nil {
		return nil, err
	}
	if held.Cmp(prm.LPShares) < 0 {
		return nil, fmt.Errorf("%w: user holds %s shares, %s requested",
			models.ErrInsufficientLiquidity, held, prm.LPShares)
	}

	amountA, amountB, err := amm.QuoteWithdrawal(pool.ReserveA, pool.ReserveB, pool.TotalLPSupply, prm.LPShares)
	if err != nil {
		return nil, err
	}
	if amountA.Sign() == 0 && amountB.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s shares withdraw nothing", models.ErrInsufficientLiquidity, prm.LPShares)
	}

	out := amountA
	if prm.TokenOut == pool.TokenB {
		out = amountB
	}
	if err := checkMinimum(out, prm, waiveMinimum); err != nil {
		return nil, err
	}

	ixs := []ledger.Instruction{ledger.Burn(pool.LPTokenAddress, pool.Address, prm.LPShares)}
	if amountA.Sign() > 0 {
		ixs = append(ixs, ledger.Transfer(pool.TokenA, pool.Address, prm.UserAddress, amountA))
	}
	if amountB.Sign() > 0 {
		ixs = append(ixs, ledger.Transfer(pool.TokenB, pool.Address, prm.UserAddress, amountB))
	}

	return &plan{
		result: &models.SettlementResult{
			AmountOut: out,
			AmountA:   amountA,
			AmountB:   amountB,
			LPShares:  new(big.Int).Set(prm.LPShares),
		},
		ixs: ixs,
	}, nil
}

// bookkeeping derives the commit for a settlement result from the given
// pool state. Replay uses it again when leg 2 landed but was never committed.
func (c *Coordinator) bookkeeping(ctx context.Context, st *models.Settlement, pool *models.Pool, res *models.SettlementResult) (*storage.Commit, error) {
	prm := st.Params
	commit := &storage.Commit{
		PoolAddress:   pool.Address,
		ReserveA:      models.CloneInt(pool.ReserveA),
		ReserveB:      models.CloneInt(pool.ReserveB),
		TotalLPSupply: models.CloneInt(pool.TotalLPSupply),
	}

	switch st.Kind {
	case models.KindSwap:
		_, _, aToB, err := pool.Direction(prm.TokenIn, prm.TokenOut)
		if err != nil {
			return nil, err
		}
		// The protocol fee never joins the reserves: it either left in leg 2
		// or waits in the pool for the sweeper.
		credited := new(big.Int).Sub(prm.AmountIn, models.CloneInt(res.ProtocolFee))
		reserveIn, reserveOut := commit.ReserveA, commit.ReserveB
		if !aToB {
			reserveIn, reserveOut = commit.ReserveB, commit.ReserveA
		}
		reserveIn.Add(reserveIn, credited)
		reserveOut.Sub(reserveOut, res.AmountOut)
		if reserveOut.Sign() < 0 {
			return nil, fmt.Errorf("%w: payout exceeds reserve", models.ErrInsufficientLiquidity)
		}

		rec := &models.SwapRecord{
			ID:               uuid.NewString(),
			SettlementID:     st.TransactionID,
			PoolAddress:      pool.Address,
			UserAddress:      st.UserAddress,
			TokenIn:          prm.TokenIn,
			TokenOut:         prm.TokenOut,
			AmountIn:         new(big.Int).Set(prm.AmountIn),
			AmountOut:        new(big.Int).Set(res.AmountOut),
			FeeCollected:     models.CloneInt(res.FeeAmount),
			ProtocolFee:      models.CloneInt(res.ProtocolFee),
			ProtocolFeeToken: prm.TokenIn,
			Swept:            res.ProtocolFeePaid,
		}
		commit.Swap = rec

	case models.KindAddLiquidity:
		held, err := c.shares(ctx, pool.Address, st.UserAddress)
		if err != nil {
			return nil, err
		}
		commit.ReserveA.Add(commit.ReserveA, res.AmountA)
		commit.ReserveB.Add(commit.ReserveB, res.AmountB)
		if commit.TotalLPSupply.Sign() == 0 {
			// The first deposit locks MinimumLiquidity in the supply forever.
			commit.TotalLPSupply.Add(commit.TotalLPSupply, amm.MinimumLiquidity)
		}
		commit.TotalLPSupply.Add(commit.TotalLPSupply, res.LPShares)
		commit.Positions = []*models.LPPosition{{
			PoolAddress: pool.Address,
			UserAddress: st.UserAddress,
			Shares:      held.Add(held, res.LPShares),
		}}

	case models.KindRemoveLiquidity:
		held, err := c.shares(ctx, pool.Address, st.UserAddress)
		if err != nil {
			return nil, err
		}
		held.Sub(held, res.LPShares)
		commit.ReserveA.Sub(commit.ReserveA, res.AmountA)
		commit.ReserveB.Sub(commit.ReserveB, res.AmountB)
		commit.TotalLPSupply.Sub(commit.TotalLPSupply, res.LPShares)
		if held.Sign() < 0 || commit.ReserveA.Sign() < 0 || commit.ReserveB.Sign() < 0 || commit.TotalLPSupply.Sign() < 0 {
			return nil, fmt.Errorf("%w: withdrawal exceeds pool state", models.ErrInsufficientLiquidity)
		}
		commit.Positions = []*models.LPPosition{{
			PoolAddress: pool.Address,
			UserAddress: st.UserAddress,
			Shares:      held,
		}}
	}
	return commit, nil
}

func (c *Coordinator) shares(ctx context.Context, pool, user string) (*big.Int, error) {
	pos, err := c.store.GetPosition(ctx, pool, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return models.CloneInt(pos.Shares), nil
}

// depositSides maps a deposit onto the pool's canonical token order.
func depositSides(pool *models.Pool, prm models.SettlementParams) (*big.Int, *big.Int, error) {
	switch prm.TokenIn {
	case "", pool.TokenA:
		return prm.AmountIn, prm.AmountInOther, nil
	case pool.TokenB:
		return prm.AmountInOther, prm.AmountIn, nil
	}
	return nil, nil, fmt.Errorf("%w: token %s is not in pool %s", models.ErrInvalidInput, prm.TokenIn, pool.Address)
}

// minimumOut is MinAmountOut, else the quoted amount less the default
// slippage, else nil when the client gave neither.
func minimumOut(prm models.SettlementParams) *big.Int {
	if prm.MinAmountOut != nil {
		return prm.MinAmountOut
	}
	if prm.QuotedAmountOut != nil && prm.QuotedAmountOut.Sign() > 0 {
		return amm.ApplySlippage(prm.QuotedAmountOut, constants.DefaultSlippageBps)
	}
	return nil
}

func checkMinimum(out *big.Int, prm models.SettlementParams, waive bool) error {
	if waive {
		return nil
	}
	if floor := minimumOut(prm); floor != nil && out.Cmp(floor) < 0 {
		return fmt.Errorf("%w: output %s is below minimum %s", models.ErrSlippageExceeded, out, floor)
	}
	return nil
}

// validateParams rejects requests that cannot describe a settlement.
func validateParams(kind models.SettlementKind, prm *models.SettlementParams) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown settlement kind %q", models.ErrInvalidInput, kind)
	}
	if err := models.ValidateAddress("userAddress", prm.UserAddress); err != nil {
		return err
	}
	if err := models.ValidateAddress("poolAddress", prm.PoolAddress); err != nil {
		return err
	}
	if prm.MinAmountOut != nil && prm.MinAmountOut.Sign() < 0 {
		return fmt.Errorf("%w: minAmountOut must not be negative", models.ErrInvalidInput)
	}

	switch kind {
	case models.KindSwap:
		if err := models.ValidateAddress("tokenIn", prm.TokenIn); err != nil {
			return err
		}
		if err := models.ValidateAddress("tokenOut", prm.TokenOut); err != nil {
			return err
		}
		if prm.TokenIn == prm.TokenOut {
			return fmt.Errorf("%w: tokenIn and tokenOut must differ", models.ErrInvalidInput)
		}
		if !positive(prm.AmountIn) {
			return fmt.Errorf("%w: amountIn must be positive", models.ErrInvalidInput)
		}
	case models.KindAddLiquidity:
		if !positive(prm.AmountIn) || !positive(prm.AmountInOther) {
			return fmt.Errorf("%w: both deposit amounts must be positive", models.ErrInvalidInput)
		}
	case models.KindRemoveLiquidity:
		if !positive(prm.LPShares) {
			return fmt.Errorf("%w: lpShares must be positive", models.ErrInvalidInput)
		}
	}
	return nil
}

func positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }
