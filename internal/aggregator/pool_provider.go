package aggregator

import (
	"context"
	"fmt"

	"github.com/aman-zulfiqar/anchor-dex/internal/amm"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// PrimaryProviderName names the canonical AMM pool among providers.
const PrimaryProviderName = "amm"

// PoolProvider quotes a single internal pool from its cached reserves.
type PoolProvider struct {
	name string
	pool *models.Pool
}

func NewPoolProvider(pool *models.Pool) *PoolProvider {
	name := PrimaryProviderName
	if pool.Kind == models.PoolKindAnchor {
		name = "anchor:" + pool.Address
	}
	return &PoolProvider{name: name, pool: pool.Clone()}
}

func (p *PoolProvider) Name() string { return p.name }

func (p *PoolProvider) Quote(_ context.Context, req models.QuoteRequest) (*models.Quote, error) {
	if !p.pool.IsActive() {
		return nil, fmt.Errorf("%w: pool %s is %s", models.ErrInvalidInput, p.pool.Address, p.pool.Status)
	}
	reserveIn, reserveOut, _, err := p.pool.Direction(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool %s has no liquidity", models.ErrInsufficientLiquidity, p.pool.Address)
	}

	var q *amm.SwapQuote
	if req.Affinity == models.AffinityTo {
		q, err = amm.QuoteSwapExactOut(reserveIn, reserveOut, req.Amount, p.pool.FeeBps)
	} else {
		q, err = amm.QuoteSwap(reserveIn, reserveOut, req.Amount, p.pool.FeeBps)
	}
	if err != nil {
		return nil, err
	}
	if q.AmountOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: output rounds to zero", models.ErrInsufficientLiquidity)
	}

	return &models.Quote{
		Provider:    p.name,
		PoolAddress: p.pool.Address,
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    q.AmountIn,
		AmountOut:   q.AmountOut,
		FeeBps:      p.pool.FeeBps,
		FeeAmount:   q.FeeAmount,
		PriceImpact: q.PriceImpact,
	}, nil
}

// CreateExchange points leg 1 at the pool itself.
func (p *PoolProvider) CreateExchange(_ context.Context, q *models.Quote, _ string) (*models.Exchange, error) {
	return &models.Exchange{
		Provider:       p.name,
		PoolAddress:    p.pool.Address,
		DepositAddress: p.pool.Address,
		TokenIn:        q.TokenIn,
		TokenOut:       q.TokenOut,
		AmountIn:       models.CloneInt(q.AmountIn),
		AmountOut:      models.CloneInt(q.AmountOut),
	}, nil
}
