// Package sweeper moves accrued protocol fees from pools to the treasury.
package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

type GroupStatus string

const (
	GroupSwept        GroupStatus = "swept"
	GroupUncovered    GroupStatus = "uncovered"
	GroupFailed       GroupStatus = "failed"
	GroupUnrecorded   GroupStatus = "unrecorded"
	GroupPoolNotFound GroupStatus = "pool_not_found"
)

// Group is one (pool, token) batch of accrued fees.
type Group struct {
	PoolAddress string      `json:"pool_address"`
	Token       string      `json:"token"`
	Amount      *big.Int    `json:"amount"`
	Records     int         `json:"records"`
	Status      GroupStatus `json:"status"`
	Signature   string      `json:"signature,omitempty"`
	Error       string      `json:"error,omitempty"`

	ids []string
}

type Report struct {
	StartedAt time.Time `json:"started_at"`
	Groups    []*Group  `json:"groups"`
}

// Swept sums what reached the treasury in this run, per token.
func (r *Report) Swept() map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, g := range r.Groups {
		if g.Status != GroupSwept && g.Status != GroupUnrecorded {
			continue
		}
		if _, ok := out[g.Token]; !ok {
			out[g.Token] = new(big.Int)
		}
		out[g.Token].Add(out[g.Token], g.Amount)
	}
	return out
}

type Config struct {
	Store    storage.SwapRecordStore
	Registry *registry.Registry
	Ledger   ledger.Client
	Treasury string
	Interval time.Duration
	Logger   *logrus.Logger
}

type Sweeper struct {
	store    storage.SwapRecordStore
	registry *registry.Registry
	ledger   ledger.Client
	treasury string
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("sweeper: store, registry and ledger are required")
	}
	if err := models.ValidateAddress("treasury", cfg.Treasury); err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Sweeper{
		store:    cfg.Store,
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		treasury: cfg.Treasury,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}, nil
}

// Start sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweeper: interval must be > 0")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("starting fee sweeper")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.WithError(err).Error("fee sweep failed")
			}
		}
	}
}

// Run sweeps every (pool, token) group once. A failing group is reported and
// does not stop the others; rerunning picks up whatever is still unswept.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	records, err := s.store.ListUnswept(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unswept: %w", err)
	}

	report := &Report{StartedAt: time.Now().UTC(), Groups: group(records)}
	for _, g := range report.Groups {
		s.sweep(ctx, g)
		metrics.FeesSwept.WithLabelValues(string(g.Status)).Inc()

		log := s.logger.WithFields(logrus.Fields{
			"pool":    g.PoolAddress,
			"token":   g.Token,
			"amount":  g.Amount.String(),
			"records": g.Records,
			"status":  g.Status,
		})
		switch g.Status {
		case GroupSwept:
			log.WithField("signature", g.Signature).Info("protocol fees swept")
		case GroupUnrecorded:
			log.WithField("signature", g.Signature).Error("fees transferred but records not marked swept, mark them manually")
		default:
			log.WithField("error", g.Error).Warn("fee group not swept")
		}
	}
	return report, nil
}

// sweep holds the pool lock so the balance check and transfer cannot
// interleave with a leg 2 on the same pool.
func (s *Sweeper) sweep(ctx context.Context, g *Group) {
	unlock, err := s.registry.LockPool(ctx, g.PoolAddress)
	if err != nil {
		g.Status, g.Error = GroupFailed, err.Error()
		return
	}
	defer unlock()

	pool, err := s.registry.Reload(ctx, g.PoolAddress)
	if err != nil {
		g.Status, g.Error = GroupPoolNotFound, err.Error()
		return
	}

	reserve := pool.ReserveA
	if g.Token == pool.TokenB {
		reserve = pool.ReserveB
	}
	need := new(big.Int).Add(reserve, g.Amount)

	balance, err := s.ledger.GetBalance(ctx, g.PoolAddress, g.Token)
	if err != nil {
		g.Status, g.Error = GroupFailed, err.Error()
		return
	}
	if balance.Cmp(need) < 0 {
		g.Status = GroupUncovered
		g.Error = fmt.Sprintf("ledger balance %s below reserve %s plus fees %s", balance, reserve, g.Amount)
		return
	}

	receipt, err := s.ledger.BuildAndSend(ctx,
		[]ledger.Instruction{ledger.Transfer(g.Token, g.PoolAddress, s.treasury, g.Amount)},
		ledger.SignerContext{OnBehalfOf: g.PoolAddress})
	if err != nil {
		g.Status, g.Error = GroupFailed, err.Error()
		return
	}
	g.Signature = receipt.Signature

	if err := s.store.MarkSwept(context.WithoutCancel(ctx), g.ids, time.Now().UTC()); err != nil {
		g.Status, g.Error = GroupUnrecorded, err.Error()
		return
	}
	g.Status = GroupSwept
}

// group buckets records by pool and token in a stable order.
func group(records []*models.SwapRecord) []*Group {
	byKey := make(map[string]*Group)
	for _, r := range records {
		if r.ProtocolFee == nil || r.ProtocolFee.Sign() <= 0 {
			continue
		}
		key := r.PoolAddress + "/" + r.ProtocolFeeToken
		g, ok := byKey[key]
		if !ok {
			g = &Group{PoolAddress: r.PoolAddress, Token: r.ProtocolFeeToken, Amount: new(big.Int)}
			byKey[key] = g
		}
		g.Amount.Add(g.Amount, r.ProtocolFee)
		g.Records++
		g.ids = append(g.ids, r.ID)
	}

	out := make([]*Group, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolAddress != out[j].PoolAddress {
			return out[i].PoolAddress < out[j].PoolAddress
		}
		return out[i].Token < out[j].Token
	})
	return out
}
