package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// Store is an in-memory implementation of storage.Store. Every value is
// copied on the way in and on the way out.
type Store struct {
	mu              sync.RWMutex
	pools           map[string]*models.Pool
	positions       map[string]*models.LPPosition // keyed by pool|user
	settlements     map[string]*models.Settlement
	reconciliations map[string]*models.Reconciliation
	swaps           []*models.SwapRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		pools:           make(map[string]*models.Pool),
		positions:       make(map[string]*models.LPPosition),
		settlements:     make(map[string]*models.Settlement),
		reconciliations: make(map[string]*models.Reconciliation),
	}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

func positionKey(pool, user string) string {
	return pool + "|" + user
}

func (s *Store) Ping(_ context.Context) error { return nil }
func (s *Store) Close() error                 { return nil }

// InsertPool enforces the same uniqueness rules as the postgres indexes.
func (s *Store) InsertPool(_ context.Context, pool *models.Pool) error {
	if pool == nil || pool.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[pool.Address]; exists {
		return storage.ErrDuplicateKey
	}
	for _, p := range s.pools {
		if p.TokenA != pool.TokenA || p.TokenB != pool.TokenB || p.Kind != pool.Kind {
			continue
		}
		if pool.Kind == models.PoolKindPrimary || p.Creator == pool.Creator {
			return storage.ErrDuplicateKey
		}
	}

	s.pools[pool.Address] = pool.Clone()
	return nil
}

func (s *Store) GetPool(_ context.Context, address string) (*models.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) FindPools(_ context.Context, tokenA, tokenB string) ([]*models.Pool, error) {
	a, b := models.CanonicalPair(tokenA, tokenB)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Pool
	for _, p := range s.pools {
		if p.TokenA == a && p.TokenB == b {
			out = append(out, p.Clone())
		}
	}
	sortPools(out)
	return out, nil
}

func (s *Store) ListPools(_ context.Context) ([]*models.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Clone())
	}
	sortPools(out)
	return out, nil
}

func (s *Store) UpdatePoolStatus(_ context.Context, address string, status models.PoolStatus) error {
	return s.mutatePool(address, func(p *models.Pool) { p.Status = status })
}

func (s *Store) UpdatePoolFee(_ context.Context, address string, feeBps uint16) error {
	return s.mutatePool(address, func(p *models.Pool) { p.FeeBps = feeBps })
}

func (s *Store) UpdateReserves(_ context.Context, address string, reserveA, reserveB *big.Int) error {
	return s.mutatePool(address, func(p *models.Pool) {
		p.ReserveA = models.CloneInt(reserveA)
		p.ReserveB = models.CloneInt(reserveB)
	})
}

func (s *Store) mutatePool(address string, fn func(*models.Pool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[address]
	if !ok {
		return storage.ErrNotFound
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetPosition(_ context.Context, pool, user string) (*models.LPPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[positionKey(pool, user)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return pos.Clone(), nil
}

func (s *Store) ListPositions(_ context.Context, pool string) ([]*models.LPPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LPPosition
	for _, pos := range s.positions {
		if pos.PoolAddress == pool {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserAddress < out[j].UserAddress })
	return out, nil
}

func (s *Store) CreateSettlement(_ context.Context, st *models.Settlement) error {
	if st == nil || st.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlements[st.TransactionID]; exists {
		return storage.ErrDuplicateKey
	}
	if sig := st.Params.Leg1Signature; sig != "" {
		for _, other := range s.settlements {
			if other.Params.Leg1Signature == sig {
				return storage.ErrDuplicateKey
			}
		}
	}
	s.settlements[st.TransactionID] = st.Clone()
	return nil
}

func (s *Store) GetSettlement(_ context.Context, transactionID string) (*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) GetSettlementByLeg1(_ context.Context, signature string) (*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if signature != "" {
		for _, st := range s.settlements {
			if st.Params.Leg1Signature == signature {
				return st.Clone(), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListOpenSettlements(_ context.Context, pool string) ([]*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Settlement
	for _, st := range s.settlements {
		if st.PoolAddress == pool && (st.State == models.StateLeg1Confirmed || st.State == models.StateLeg2Pending) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSettlement(_ context.Context, st *models.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.TransactionID]; !ok {
		return storage.ErrNotFound
	}
	s.settlements[st.TransactionID] = st.Clone()
	return nil
}

func (s *Store) FailSettlement(_ context.Context, st *models.Settlement, r *models.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.TransactionID]; !ok {
		return storage.ErrNotFound
	}
	s.settlements[st.TransactionID] = st.Clone()
	s.reconciliations[r.TransactionID] = r.Clone()
	return nil
}

func (s *Store) ListReconciliations(_ context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reconciliation
	for _, r := range s.reconciliations {
		if status == "" || r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolveReconciliation(_ context.Context, transactionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reconciliations[transactionID]
	if !ok {
		return storage.ErrNotFound
	}
	r.Status = models.ReconciliationResolved
	t := at
	r.ResolvedAt = &t
	return nil
}

func (s *Store) ListUnswept(_ context.Context) ([]*models.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SwapRecord
	for _, r := range s.swaps {
		if !r.Swept && r.ProtocolFee != nil && r.ProtocolFee.Sign() > 0 {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) MarkSwept(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.swaps {
		if _, ok := want[r.ID]; !ok || r.Swept {
			continue
		}
		r.Swept = true
		t := at
		r.SweptAt = &t
	}
	return nil
}

func (s *Store) ListSwaps(_ context.Context, pool string, since time.Time) ([]*models.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SwapRecord
	for _, r := range s.swaps {
		if r.PoolAddress == pool && !r.Timestamp.Before(since) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) PoolVolume(ctx context.Context, pool *models.Pool, since time.Time) (*models.PoolVolume, error) {
	swaps, err := s.ListSwaps(ctx, pool.Address, since)
	if err != nil {
		return nil, err
	}
	v := models.NewPoolVolume(pool.Address, since)
	for _, r := range swaps {
		v.Add(pool.TokenA, r)
	}
	return v, nil
}

// CommitSettlement validates everything before mutating so a failed commit
// leaves the store unchanged.
func (s *Store) CommitSettlement(_ context.Context, c *storage.Commit) error {
	if c == nil || c.Settlement == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[c.PoolAddress]
	if !ok {
		return fmt.Errorf("commit pool %s: %w", c.PoolAddress, storage.ErrNotFound)
	}
	if _, ok := s.settlements[c.Settlement.TransactionID]; !ok {
		return fmt.Errorf("commit settlement %s: %w", c.Settlement.TransactionID, storage.ErrNotFound)
	}
	if c.Swap != nil {
		for _, r := range s.swaps {
			if r.ID == c.Swap.ID || r.SettlementID == c.Swap.SettlementID {
				return storage.ErrDuplicateKey
			}
		}
	}

	now := time.Now().UTC()
	p.ReserveA = models.CloneInt(c.ReserveA)
	p.ReserveB = models.CloneInt(c.ReserveB)
	p.TotalLPSupply = models.CloneInt(c.TotalLPSupply)
	p.UpdatedAt = now

	for _, pos := range c.Positions {
		cp := pos.Clone()
		cp.UpdatedAt = now
		s.positions[positionKey(pos.PoolAddress, pos.UserAddress)] = cp
	}
	if c.Swap != nil {
		s.swaps = append(s.swaps, c.Swap.Clone())
	}
	s.settlements[c.Settlement.TransactionID] = c.Settlement.Clone()
	return nil
}

func sortPools(pools []*models.Pool) {
	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].CreatedAt.Before(pools[j].CreatedAt)
		}
		return pools[i].Address < pools[j].Address
	})
}
