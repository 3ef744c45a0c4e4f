package models

import (
	"math/big"
	"time"
)

// SwapRecord is the append-only volume entry written for every completed swap.
// Only the sweep bookkeeping columns change after insert.
type SwapRecord struct {
	ID               string     `json:"id"`
	SettlementID     string     `json:"settlement_id"`
	PoolAddress      string     `json:"pool_address"`
	UserAddress      string     `json:"user_address"`
	TokenIn          string     `json:"token_in"`
	TokenOut         string     `json:"token_out"`
	AmountIn         *big.Int   `json:"amount_in"`
	AmountOut        *big.Int   `json:"amount_out"`
	FeeCollected     *big.Int   `json:"fee_collected"`
	ProtocolFee      *big.Int   `json:"protocol_fee"`
	ProtocolFeeToken string     `json:"protocol_fee_token"`
	Timestamp        time.Time  `json:"timestamp"`
	Swept            bool       `json:"swept"`
	SweptAt          *time.Time `json:"swept_at,omitempty"`
}

func (r *SwapRecord) Clone() *SwapRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.AmountIn = cloneInt(r.AmountIn)
	out.AmountOut = cloneInt(r.AmountOut)
	out.FeeCollected = cloneInt(r.FeeCollected)
	out.ProtocolFee = cloneInt(r.ProtocolFee)
	if r.SweptAt != nil {
		t := *r.SweptAt
		out.SweptAt = &t
	}
	return &out
}
