// Package registry owns pool identity, the cached bookkept reserves and the
// per-pool serialization used at the settlement boundary.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/amm"
	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// Store is the persistence the registry needs.
type Store interface {
	storage.PoolStore
	storage.SwapRecordStore
	storage.SettlementCommitter
	// ListOpenSettlements guards RefreshReserves.
	ListOpenSettlements(ctx context.Context, pool string) ([]*models.Settlement, error)
}

// Config holds registry dependencies
type Config struct {
	Store  Store
	Ledger ledger.Client
	// Locker defaults to an in-process KeyedMutex.
	Locker Locker
	// ProgramID seeds pool and LP mint address derivation.
	ProgramID string
	Logger    *logrus.Logger
}

// Registry caches pools by address. Cached pools are replaced, never
// mutated in place, and always handed out as clones.
type Registry struct {
	store   Store
	ledger  ledger.Client
	locker  Locker
	program solana.PublicKey
	logger  *logrus.Logger

	mu      sync.RWMutex
	pools   map[string]*models.Pool
	primary map[string]string // pair key -> address
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("registry: ledger is required")
	}
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid program id: %w", err)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Registry{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		locker:  cfg.Locker,
		program: program,
		logger:  cfg.Logger,
		pools:   make(map[string]*models.Pool),
		primary: make(map[string]string),
	}, nil
}

func pairKey(tokenA, tokenB string) string {
	a, b := models.CanonicalPair(tokenA, tokenB)
	return a + "/" + b
}

// GetPool returns the canonical primary pool of a pair in either order.
func (r *Registry) GetPool(ctx context.Context, tokenA, tokenB string) (*models.Pool, error) {
	key := pairKey(tokenA, tokenB)

	r.mu.RLock()
	if addr, ok := r.primary[key]; ok {
		p := r.pools[addr].Clone()
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	pools, err := r.store.FindPools(ctx, tokenA, tokenB)
	if err != nil {
		return nil, fmt.Errorf("find pools: %w", err)
	}
	for _, p := range pools {
		r.cacheIfAbsent(p)
		if p.Kind == models.PoolKindPrimary {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no pool for %s", models.ErrNotFound, key)
}

func (r *Registry) GetPoolByAddress(ctx context.Context, address string) (*models.Pool, error) {
	r.mu.RLock()
	if p, ok := r.pools[address]; ok {
		out := p.Clone()
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	p, err := r.store.GetPool(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: pool %s", models.ErrNotFound, address)
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	r.cacheIfAbsent(p)
	return p.Clone(), nil
}

// Reload reads the pool from the store and replaces the cached copy. The
// coordinator calls it under the pool lock so another instance's commit is
// never missed.
func (r *Registry) Reload(ctx context.Context, address string) (*models.Pool, error) {
	p, err := r.store.GetPool(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: pool %s", models.ErrNotFound, address)
		}
		return nil, fmt.Errorf("reload pool: %w", err)
	}
	r.put(p)
	return p.Clone(), nil
}

// CreatePoolParams are the inputs of CreatePool
type CreatePoolParams struct {
	TokenA  string
	TokenB  string
	Creator string
	FeeBps  uint16
	Kind    models.PoolKind
}

// CreatePool registers an empty pool. The pair is stored in canonical order.
func (r *Registry) CreatePool(ctx context.Context, params CreatePoolParams) (*models.Pool, error) {
	if err := models.ValidateAddress("tokenA", params.TokenA); err != nil {
		return nil, err
	}
	if err := models.ValidateAddress("tokenB", params.TokenB); err != nil {
		return nil, err
	}
	if err := models.ValidateAddress("creator", params.Creator); err != nil {
		return nil, err
	}
	if params.TokenA == params.TokenB {
		return nil, fmt.Errorf("%w: tokens must differ", models.ErrInvalidInput)
	}
	if params.FeeBps < amm.MinPoolFeeBps || params.FeeBps > amm.MaxPoolFeeBps {
		return nil, fmt.Errorf("%w: fee must be between %d and %d bps",
			models.ErrInvalidInput, amm.MinPoolFeeBps, amm.MaxPoolFeeBps)
	}
	if params.Kind == "" {
		params.Kind = models.PoolKindPrimary
	}
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown pool kind %q", models.ErrInvalidInput, params.Kind)
	}

	tokenA, tokenB := models.CanonicalPair(params.TokenA, params.TokenB)
	address, lpMint, err := r.DeriveAddresses(tokenA, tokenB, params.Creator, params.Kind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pool := &models.Pool{
		Address:        address,
		TokenA:         tokenA,
		TokenB:         tokenB,
		LPTokenAddress: lpMint,
		FeeBps:         params.FeeBps,
		Creator:        params.Creator,
		Status:         models.PoolStatusActive,
		Kind:           params.Kind,
		ReserveA:       new(big.Int),
		ReserveB:       new(big.Int),
		TotalLPSupply:  new(big.Int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.InsertPool(ctx, pool); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s %s/%s", models.ErrDuplicatePair, params.Kind, tokenA, tokenB)
		}
		return nil, fmt.Errorf("insert pool: %w", err)
	}
	r.put(pool)

	r.logger.WithFields(logrus.Fields{
		"pool":    pool.Address,
		"pair":    tokenA + "/" + tokenB,
		"kind":    pool.Kind,
		"fee_bps": pool.FeeBps,
	}).Info("pool created")

	return pool.Clone(), nil
}

// DeriveAddresses returns the pool and LP mint program addresses. Primary
// pools derive from the pair alone, so a second primary collides on address.
func (r *Registry) DeriveAddresses(tokenA, tokenB, creator string, kind models.PoolKind) (string, string, error) {
	mintA, err := solana.PublicKeyFromBase58(tokenA)
	if err != nil {
		return "", "", fmt.Errorf("%w: tokenA: %v", models.ErrInvalidInput, err)
	}
	mintB, err := solana.PublicKeyFromBase58(tokenB)
	if err != nil {
		return "", "", fmt.Errorf("%w: tokenB: %v", models.ErrInvalidInput, err)
	}

	seeds := [][]byte{[]byte(constants.SeedPool), mintA.Bytes(), mintB.Bytes()}
	if kind == models.PoolKindAnchor {
		owner, err := solana.PublicKeyFromBase58(creator)
		if err != nil {
			return "", "", fmt.Errorf("%w: creator: %v", models.ErrInvalidInput, err)
		}
		seeds = append(seeds, []byte(constants.SeedAnchor), owner.Bytes())
	} else {
		seeds = append(seeds, []byte(constants.SeedPrimary))
	}

	pool, _, err := solana.FindProgramAddress(seeds, r.program)
	if err != nil {
		return "", "", fmt.Errorf("derive pool address: %w", err)
	}
	lp, _, err := solana.FindProgramAddress([][]byte{[]byte(constants.SeedLPMint), pool.Bytes()}, r.program)
	if err != nil {
		return "", "", fmt.Errorf("derive lp mint: %w", err)
	}
	return pool.String(), lp.String(), nil
}

// UpdateStatus changes the status of a pool. Only the creator may do so and
// a closed pool stays closed.
func (r *Registry) UpdateStatus(ctx context.Context, address, caller string, status models.PoolStatus) (*models.Pool, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
	}
	return r.mutate(ctx, address, caller, func(p *models.Pool) error {
		if p.Status == models.PoolStatusClosed && status != models.PoolStatusClosed {
			return fmt.Errorf("%w: pool %s is closed", models.ErrInvalidInput, address)
		}
		if err := r.store.UpdatePoolStatus(ctx, address, status); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		p.Status = status
		return nil
	})
}

// UpdateFee changes the trading fee. Creator only.
func (r *Registry) UpdateFee(ctx context.Context, address, caller string, feeBps uint16) (*models.Pool, error) {
	if feeBps < amm.MinPoolFeeBps || feeBps > amm.MaxPoolFeeBps {
		return nil, fmt.Errorf("%w: fee must be between %d and %d bps",
			models.ErrInvalidInput, amm.MinPoolFeeBps, amm.MaxPoolFeeBps)
	}
	return r.mutate(ctx, address, caller, func(p *models.Pool) error {
		if err := r.store.UpdatePoolFee(ctx, address, feeBps); err != nil {
			return fmt.Errorf("update fee: %w", err)
		}
		p.FeeBps = feeBps
		return nil
	})
}

func (r *Registry) mutate(ctx context.Context, address, caller string, fn func(*models.Pool) error) (*models.Pool, error) {
	unlock, err := r.LockPool(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := r.Reload(ctx, address)
	if err != nil {
		return nil, err
	}
	if caller != p.Creator {
		return nil, fmt.Errorf("%w: only the pool creator may change pool %s", models.ErrUnauthorized, address)
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	r.put(p)
	return p.Clone(), nil
}

// ListAnchorPools returns active anchor pools of a pair.
func (r *Registry) ListAnchorPools(ctx context.Context, tokenA, tokenB string) ([]*models.Pool, error) {
	pools, err := r.store.FindPools(ctx, tokenA, tokenB)
	if err != nil {
		return nil, fmt.Errorf("find pools: %w", err)
	}
	var out []*models.Pool
	for _, p := range pools {
		r.cacheIfAbsent(p)
		if p.Kind == models.PoolKindAnchor && p.IsActive() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// ListPools returns every pool, optionally only active ones.
func (r *Registry) ListPools(ctx context.Context, activeOnly bool) ([]*models.Pool, error) {
	pools, err := r.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]*models.Pool, 0, len(pools))
	for _, p := range pools {
		r.cacheIfAbsent(p)
		if activeOnly && !p.IsActive() {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

// ListActive returns every active pool.
func (r *Registry) ListActive(ctx context.Context) ([]*models.Pool, error) {
	return r.ListPools(ctx, true)
}

// LockPool serializes all bookkeeping on one pool.
func (r *Registry) LockPool(ctx context.Context, address string) (func(), error) {
	unlock, err := r.locker.Lock(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lock pool %s: %w", address, err)
	}
	return unlock, nil
}

// Commit persists a settlement outcome and then swaps in the new cached
// reserves. The caller must hold the pool lock.
func (r *Registry) Commit(ctx context.Context, c *storage.Commit) (*models.Pool, error) {
	if err := r.store.CommitSettlement(ctx, c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cached, ok := r.pools[c.PoolAddress]; ok {
		next := cached.Clone()
		next.ReserveA = models.CloneInt(c.ReserveA)
		next.ReserveB = models.CloneInt(c.ReserveB)
		next.TotalLPSupply = models.CloneInt(c.TotalLPSupply)
		next.UpdatedAt = time.Now().UTC()
		r.pools[next.Address] = next
		r.mu.Unlock()
		return next.Clone(), nil
	}
	r.mu.Unlock()

	return r.Reload(ctx, c.PoolAddress)
}

// Invalidate drops a cached pool so the next read goes to the store.
func (r *Registry) Invalidate(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[address]; ok {
		if r.primary[pairKey(p.TokenA, p.TokenB)] == address {
			delete(r.primary, pairKey(p.TokenA, p.TokenB))
		}
		delete(r.pools, address)
	}
}

func (r *Registry) put(p *models.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheLocked(p)
}

func (r *Registry) cacheIfAbsent(p *models.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Address]; ok {
		return
	}
	r.cacheLocked(p)
}

// cacheLocked requires r.mu.
func (r *Registry) cacheLocked(p *models.Pool) {
	r.pools[p.Address] = p.Clone()
	if p.Kind == models.PoolKindPrimary {
		r.primary[pairKey(p.TokenA, p.TokenB)] = p.Address
	}
}
