package models

import (
	"fmt"
	"math/big"
	"time"
)

type PoolStatus string

const (
	PoolStatusActive PoolStatus = "active"
	PoolStatusPaused PoolStatus = "paused"
	PoolStatusClosed PoolStatus = "closed"
)

func (s PoolStatus) Valid() bool {
	switch s {
	case PoolStatusActive, PoolStatusPaused, PoolStatusClosed:
		return true
	}
	return false
}

// PoolKind separates the canonical AMM pool of a pair from user-created
// anchor pools that also take part in external quote discovery.
type PoolKind string

const (
	PoolKindPrimary PoolKind = "primary"
	PoolKindAnchor  PoolKind = "anchor"
)

func (k PoolKind) Valid() bool {
	return k == PoolKindPrimary || k == PoolKindAnchor
}

type Pool struct {
	Address        string     `json:"address"`
	TokenA         string     `json:"token_a"`
	TokenB         string     `json:"token_b"`
	LPTokenAddress string     `json:"lp_token_address"`
	FeeBps         uint16     `json:"fee_bps"`
	Creator        string     `json:"creator"`
	Status         PoolStatus `json:"status"`
	Kind           PoolKind   `json:"kind"`
	ReserveA       *big.Int   `json:"reserve_a"`
	ReserveB       *big.Int   `json:"reserve_b"`
	TotalLPSupply  *big.Int   `json:"total_lp_supply"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy; reserves are never shared between copies.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	out := *p
	out.ReserveA = cloneInt(p.ReserveA)
	out.ReserveB = cloneInt(p.ReserveB)
	out.TotalLPSupply = cloneInt(p.TotalLPSupply)
	return &out
}

func (p *Pool) IsActive() bool { return p.Status == PoolStatusActive }

func (p *Pool) HasToken(token string) bool {
	return token == p.TokenA || token == p.TokenB
}

// Direction returns (reserveIn, reserveOut, aToB) for a swap of tokenIn into tokenOut.
func (p *Pool) Direction(tokenIn, tokenOut string) (*big.Int, *big.Int, bool, error) {
	switch {
	case tokenIn == p.TokenA && tokenOut == p.TokenB:
		return cloneInt(p.ReserveA), cloneInt(p.ReserveB), true, nil
	case tokenIn == p.TokenB && tokenOut == p.TokenA:
		return cloneInt(p.ReserveB), cloneInt(p.ReserveA), false, nil
	default:
		return nil, nil, false, fmt.Errorf("%w: pair %s/%s does not match pool %s", ErrInvalidInput, tokenIn, tokenOut, p.Address)
	}
}

// ReserveOf returns the cached reserve held for token.
func (p *Pool) ReserveOf(token string) *big.Int {
	switch token {
	case p.TokenA:
		return cloneInt(p.ReserveA)
	case p.TokenB:
		return cloneInt(p.ReserveB)
	}
	return new(big.Int)
}

// CanonicalPair orders two token addresses lexicographically.
func CanonicalPair(tokenA, tokenB string) (string, string) {
	if tokenB < tokenA {
		return tokenB, tokenA
	}
	return tokenA, tokenB
}

// PoolVolume aggregates completed swaps of one pool over a window.
type PoolVolume struct {
	PoolAddress  string    `json:"pool_address"`
	Since        time.Time `json:"since"`
	SwapCount    uint64    `json:"swap_count"`
	VolumeA      *big.Int  `json:"volume_a"`
	VolumeB      *big.Int  `json:"volume_b"`
	FeesA        *big.Int  `json:"fees_a"`
	FeesB        *big.Int  `json:"fees_b"`
	ProtocolA    *big.Int  `json:"protocol_fees_a"`
	ProtocolB    *big.Int  `json:"protocol_fees_b"`
}

// NewPoolVolume returns an empty aggregate with zeroed amounts.
func NewPoolVolume(pool string, since time.Time) *PoolVolume {
	return &PoolVolume{
		PoolAddress: pool,
		Since:       since,
		VolumeA:     new(big.Int),
		VolumeB:     new(big.Int),
		FeesA:       new(big.Int),
		FeesB:       new(big.Int),
		ProtocolA:   new(big.Int),
		ProtocolB:   new(big.Int),
	}
}

// Add folds one swap into the aggregate. Volume and fees are counted on the
// input side of the swap.
func (v *PoolVolume) Add(tokenA string, r *SwapRecord) {
	v.SwapCount++
	if r.TokenIn == tokenA {
		v.VolumeA.Add(v.VolumeA, r.AmountIn)
		v.FeesA.Add(v.FeesA, r.FeeCollected)
		v.ProtocolA.Add(v.ProtocolA, r.ProtocolFee)
		return
	}
	v.VolumeB.Add(v.VolumeB, r.AmountIn)
	v.FeesB.Add(v.FeesB, r.FeeCollected)
	v.ProtocolB.Add(v.ProtocolB, r.ProtocolFee)
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// CloneInt copies x, mapping nil to zero.
func CloneInt(x *big.Int) *big.Int { return cloneInt(x) }
