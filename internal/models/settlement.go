package models

import (
	"math/big"
	"time"
)

type SettlementKind string

const (
	KindSwap            SettlementKind = "swap"
	KindAddLiquidity    SettlementKind = "add-liquidity"
	KindRemoveLiquidity SettlementKind = "remove-liquidity"
)

func (k SettlementKind) Valid() bool {
	switch k {
	case KindSwap, KindAddLiquidity, KindRemoveLiquidity:
		return true
	}
	return false
}

type LegStatus string

const (
	LegPending  LegStatus = "pending"
	LegComplete LegStatus = "complete"
	LegFailed   LegStatus = "failed"
)

// SettlementState tracks a two-leg settlement. INITIATED happens on the
// client; the coordinator records instances from LEG1_CONFIRMED onward.
type SettlementState string

const (
	StateInitiated     SettlementState = "INITIATED"
	StateLeg1Confirmed SettlementState = "LEG1_CONFIRMED"
	StateLeg2Pending   SettlementState = "LEG2_PENDING"
	StateLeg2Complete  SettlementState = "LEG2_COMPLETE"
	StateLeg2Failed    SettlementState = "LEG2_FAILED"
)

// Terminal reports whether no further automatic transition is possible.
func (s SettlementState) Terminal() bool {
	return s == StateLeg2Complete || s == StateLeg2Failed
}

// SettlementParams carries what the user committed to in leg 1.
type SettlementParams struct {
	UserAddress string `json:"user_address"`
	PoolAddress string `json:"pool_address"`
	TokenIn     string `json:"token_in,omitempty"`
	TokenOut    string `json:"token_out,omitempty"`

	// AmountIn is the swap input, or the deposit of TokenIn when adding liquidity.
	AmountIn *big.Int `json:"amount_in,omitempty"`
	// AmountInOther is the deposit of TokenOut when adding liquidity.
	AmountInOther *big.Int `json:"amount_in_other,omitempty"`
	// LPShares are the shares returned to the pool when removing liquidity.
	LPShares *big.Int `json:"lp_shares,omitempty"`

	// QuotedAmountOut is what the client was shown. It is never trusted for
	// payout, only used to derive a minimum when MinAmountOut is absent.
	QuotedAmountOut *big.Int `json:"quoted_amount_out,omitempty"`
	MinAmountOut    *big.Int `json:"min_amount_out,omitempty"`

	Leg1Signature string `json:"leg1_signature,omitempty"`
}

// SettlementResult is what leg 2 actually paid out.
type SettlementResult struct {
	AmountOut   *big.Int `json:"amount_out,omitempty"`
	FeeAmount   *big.Int `json:"fee_amount,omitempty"`
	ProtocolFee *big.Int `json:"protocol_fee,omitempty"`
	PriceImpact float64  `json:"price_impact,omitempty"`
	AmountA     *big.Int `json:"amount_a,omitempty"`
	AmountB     *big.Int `json:"amount_b,omitempty"`
	LPShares    *big.Int `json:"lp_shares,omitempty"`

	// ProtocolFeePaid is set when the fee went to the treasury inside leg 2.
	ProtocolFeePaid bool `json:"protocol_fee_paid,omitempty"`

	// Set once leg 2 is confirmed on the ledger.
	Signature string `json:"signature,omitempty"`
	BlockHash string `json:"block_hash,omitempty"`
}

type Settlement struct {
	TransactionID string            `json:"transaction_id"`
	Kind          SettlementKind    `json:"kind"`
	UserAddress   string            `json:"user_address"`
	PoolAddress   string            `json:"pool_address"`
	State         SettlementState   `json:"state"`
	Leg1Status    LegStatus         `json:"leg1_status"`
	Leg2Status    LegStatus         `json:"leg2_status"`
	Params        SettlementParams  `json:"params"`
	Result        *SettlementResult `json:"result,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	// Leg2Signatures lists every signed leg 2 submission, oldest first.
	Leg2Signatures []string `json:"leg2_signatures,omitempty"`
}

// Clone returns a copy safe to hand out of a store.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = s.Params.clone()
	if s.Leg2Signatures != nil {
		out.Leg2Signatures = append([]string(nil), s.Leg2Signatures...)
	}
	if s.Result != nil {
		r := *s.Result
		r.AmountOut = cloneOpt(s.Result.AmountOut)
		r.FeeAmount = cloneOpt(s.Result.FeeAmount)
		r.ProtocolFee = cloneOpt(s.Result.ProtocolFee)
		r.AmountA = cloneOpt(s.Result.AmountA)
		r.AmountB = cloneOpt(s.Result.AmountB)
		r.LPShares = cloneOpt(s.Result.LPShares)
		out.Result = &r
	}
	return &out
}

func (p SettlementParams) clone() SettlementParams {
	p.AmountIn = cloneOpt(p.AmountIn)
	p.AmountInOther = cloneOpt(p.AmountInOther)
	p.LPShares = cloneOpt(p.LPShares)
	p.QuotedAmountOut = cloneOpt(p.QuotedAmountOut)
	p.MinAmountOut = cloneOpt(p.MinAmountOut)
	return p
}

type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// Reconciliation is the operator-facing record of a leg 2 that could not be
// completed after leg 1 moved user funds into the pool.
type Reconciliation struct {
	TransactionID string               `json:"transaction_id"`
	Kind          SettlementKind       `json:"kind"`
	PoolAddress   string               `json:"pool_address"`
	UserAddress   string               `json:"user_address"`
	Params        SettlementParams     `json:"params"`
	Reason        string               `json:"reason"`
	Status        ReconciliationStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	ResolvedAt    *time.Time           `json:"resolved_at,omitempty"`
}

func (r *Reconciliation) Clone() *Reconciliation {
	if r == nil {
		return nil
	}
	out := *r
	out.Params = r.Params.clone()
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// SettlementEvent is published after every terminal transition.
type SettlementEvent struct {
	TransactionID string            `json:"transaction_id"`
	Kind          SettlementKind    `json:"kind"`
	PoolAddress   string            `json:"pool_address"`
	UserAddress   string            `json:"user_address"`
	State         SettlementState   `json:"state"`
	Result        *SettlementResult `json:"result,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

func cloneOpt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
