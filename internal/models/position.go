package models

import (
	"math/big"
	"time"
)

type LPPosition struct {
	PoolAddress string    `json:"pool_address"`
	UserAddress string    `json:"user_address"`
	Shares      *big.Int  `json:"shares"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *LPPosition) Clone() *LPPosition {
	if p == nil {
		return nil
	}
	out := *p
	out.Shares = cloneInt(p.Shares)
	return &out
}
