package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// Drift compares one side of a pool with the ledger. Expected is the
// bookkept reserve plus protocol fees not yet swept.
type Drift struct {
	PoolAddress string   `json:"pool_address"`
	Token       string   `json:"token"`
	Reserve     *big.Int `json:"reserve"`
	Unswept     *big.Int `json:"unswept"`
	Ledger      *big.Int `json:"ledger"`
	// Delta is Ledger - (Reserve + Unswept).
	Delta *big.Int `json:"delta"`
}

func (d *Drift) InSync() bool { return d.Delta.Sign() == 0 }

// unsweptFees sums accrued protocol fees of one pool per token.
func (r *Registry) unsweptFees(ctx context.Context, address string) (map[string]*big.Int, error) {
	records, err := r.store.ListUnswept(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unswept: %w", err)
	}
	out := make(map[string]*big.Int)
	for _, rec := range records {
		if rec.PoolAddress != address {
			continue
		}
		sum, ok := out[rec.ProtocolFeeToken]
		if !ok {
			sum = new(big.Int)
			out[rec.ProtocolFeeToken] = sum
		}
		sum.Add(sum, rec.ProtocolFee)
	}
	return out, nil
}

func (r *Registry) drift(ctx context.Context, p *models.Pool) ([]*Drift, error) {
	unswept, err := r.unsweptFees(ctx, p.Address)
	if err != nil {
		return nil, err
	}

	out := make([]*Drift, 0, 2)
	for _, side := range []struct {
		token   string
		reserve *big.Int
	}{{p.TokenA, p.ReserveA}, {p.TokenB, p.ReserveB}} {
		bal, err := r.ledger.GetBalance(ctx, p.Address, side.token)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", side.token, err)
		}
		fees := models.CloneInt(unswept[side.token])
		expected := new(big.Int).Add(models.CloneInt(side.reserve), fees)
		out = append(out, &Drift{
			PoolAddress: p.Address,
			Token:       side.token,
			Reserve:     models.CloneInt(side.reserve),
			Unswept:     fees,
			Ledger:      bal,
			Delta:       new(big.Int).Sub(bal, expected),
		})
	}
	return out, nil
}

// RefreshReserves lowers the bookkept reserves of a pool to what the ledger
// holds: reserve = min(reserve, balance - unswept protocol fees). A surplus
// is reported as drift and left alone, since it may be a leg 1 deposit whose
// settlement will credit it. It refuses while the pool has settlements
// between the legs. It is an operator action for repairing drift;
// settlements never depend on it.
func (r *Registry) RefreshReserves(ctx context.Context, address string) (*models.Pool, []*Drift, error) {
	unlock, err := r.LockPool(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	p, err := r.Reload(ctx, address)
	if err != nil {
		return nil, nil, err
	}

	open, err := r.store.ListOpenSettlements(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("list open settlements: %w", err)
	}
	if len(open) > 0 {
		return nil, nil, fmt.Errorf("%w: pool %s has %d settlements in progress, first %s",
			models.ErrInvalidInput, address, len(open), open[0].TransactionID)
	}

	drifts, err := r.drift(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	reserves := make([]*big.Int, 2)
	for i, d := range drifts {
		v := new(big.Int).Sub(d.Ledger, d.Unswept)
		if v.Sign() < 0 {
			return nil, nil, fmt.Errorf("%w: ledger balance of %s is below unswept fees", models.ErrInsufficientLiquidity, d.Token)
		}
		if v.Cmp(d.Reserve) > 0 {
			v.Set(d.Reserve)
		}
		reserves[i] = v
	}

	if err := r.store.UpdateReserves(ctx, address, reserves[0], reserves[1]); err != nil {
		return nil, nil, fmt.Errorf("update reserves: %w", err)
	}
	p.ReserveA, p.ReserveB = reserves[0], reserves[1]
	p.UpdatedAt = time.Now().UTC()
	r.put(p)

	r.logger.WithFields(logrus.Fields{
		"pool":      address,
		"reserve_a": p.ReserveA.String(),
		"reserve_b": p.ReserveB.String(),
		"delta_a":   drifts[0].Delta.String(),
		"delta_b":   drifts[1].Delta.String(),
	}).Warn("reserves refreshed from ledger")

	return p.Clone(), drifts, nil
}

// Auditor periodically compares bookkept reserves with ledger balances. It
// reports drift and never writes reserves.
type Auditor struct {
	registry *Registry
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
}

func NewAuditor(r *Registry, interval time.Duration) *Auditor {
	return &Auditor{registry: r, interval: interval, logger: r.logger}
}

// Start runs the audit loop until ctx is cancelled.
func (a *Auditor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("auditor already running")
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.WithField("interval", a.interval).Info("starting reserve auditor")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.WithError(err).Error("reserve audit failed")
			}
		}
	}
}

// RunOnce audits every active pool and returns the sides out of sync.
// A failure on one pool is logged and does not stop the others.
func (a *Auditor) RunOnce(ctx context.Context) ([]*Drift, error) {
	pools, err := a.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Drift
	for _, p := range pools {
		drifts, err := a.auditPool(ctx, p.Address)
		if err != nil {
			a.logger.WithError(err).WithField("pool", p.Address).Warn("audit pool failed")
			continue
		}
		for _, d := range drifts {
			delta, _ := new(big.Float).SetInt(d.Delta).Float64()
			metrics.ReserveDrift.WithLabelValues(d.PoolAddress, d.Token).Set(delta)
			if d.InSync() {
				continue
			}
			out = append(out, d)
			a.logger.WithFields(logrus.Fields{
				"pool":    d.PoolAddress,
				"token":   d.Token,
				"reserve": d.Reserve.String(),
				"unswept": d.Unswept.String(),
				"ledger":  d.Ledger.String(),
				"delta":   d.Delta.String(),
			}).Warn("reserve drift detected")
		}
	}
	return out, nil
}

// auditPool holds the pool lock so an in-flight leg 2 is never reported as drift.
func (a *Auditor) auditPool(ctx context.Context, address string) ([]*Drift, error) {
	unlock, err := a.registry.LockPool(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := a.registry.Reload(ctx, address)
	if err != nil {
		return nil, err
	}
	return a.registry.drift(ctx, p)
}
