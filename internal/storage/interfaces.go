package storage

import (
	"context"
	"io"
	"math/big"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// PoolStore persists pool identity and the bookkept reserves.
type PoolStore interface {
	// InsertPool adds a pool. Returns ErrDuplicateKey when the address or the
	// pair uniqueness rule for its kind is already taken.
	InsertPool(ctx context.Context, pool *models.Pool) error

	// GetPool returns ErrNotFound if no pool has this address.
	GetPool(ctx context.Context, address string) (*models.Pool, error)

	// FindPools returns every pool for the canonical pair, any kind or status.
	FindPools(ctx context.Context, tokenA, tokenB string) ([]*models.Pool, error)

	ListPools(ctx context.Context) ([]*models.Pool, error)

	UpdatePoolStatus(ctx context.Context, address string, status models.PoolStatus) error
	UpdatePoolFee(ctx context.Context, address string, feeBps uint16) error

	// UpdateReserves overwrites cached reserves, used by explicit reconciliation only.
	UpdateReserves(ctx context.Context, address string, reserveA, reserveB *big.Int) error
}

// PositionStore reads LP positions. Writes go through SettlementCommitter.
type PositionStore interface {
	// GetPosition returns ErrNotFound if the user holds no position.
	GetPosition(ctx context.Context, pool, user string) (*models.LPPosition, error)
	ListPositions(ctx context.Context, pool string) ([]*models.LPPosition, error)
}

// SettlementStore tracks two-leg settlement instances and reconciliations.
type SettlementStore interface {
	// CreateSettlement returns ErrDuplicateKey if the transaction id exists
	// or another settlement already claimed the same leg 1 signature.
	CreateSettlement(ctx context.Context, s *models.Settlement) error
	GetSettlement(ctx context.Context, transactionID string) (*models.Settlement, error)
	// GetSettlementByLeg1 returns ErrNotFound if no settlement claimed the signature.
	GetSettlementByLeg1(ctx context.Context, signature string) (*models.Settlement, error)
	UpdateSettlement(ctx context.Context, s *models.Settlement) error

	// ListOpenSettlements returns the pool's settlements between the legs:
	// LEG1_CONFIRMED or LEG2_PENDING.
	ListOpenSettlements(ctx context.Context, pool string) ([]*models.Settlement, error)

	// FailSettlement marks the settlement failed and opens its reconciliation
	// record in one step.
	FailSettlement(ctx context.Context, s *models.Settlement, r *models.Reconciliation) error

	ListReconciliations(ctx context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error)
	ResolveReconciliation(ctx context.Context, transactionID string, at time.Time) error
}

// SwapRecordStore exposes the volume ledger and the fee-sweep bookkeeping.
type SwapRecordStore interface {
	// ListUnswept returns records with a positive protocol fee not yet swept.
	ListUnswept(ctx context.Context) ([]*models.SwapRecord, error)
	// MarkSwept sets swept/swept_at on the given records; already swept ones are left untouched.
	MarkSwept(ctx context.Context, ids []string, at time.Time) error
	ListSwaps(ctx context.Context, pool string, since time.Time) ([]*models.SwapRecord, error)
}

// Commit is the full bookkeeping outcome of one completed leg 2.
type Commit struct {
	Settlement    *models.Settlement
	PoolAddress   string
	ReserveA      *big.Int
	ReserveB      *big.Int
	TotalLPSupply *big.Int
	// Positions hold absolute share balances after the settlement.
	Positions []*models.LPPosition
	// Swap is nil for liquidity settlements.
	Swap *models.SwapRecord
}

// SettlementCommitter applies a Commit atomically: reserves, positions,
// the swap record and the settlement state either all change or none do.
type SettlementCommitter interface {
	CommitSettlement(ctx context.Context, c *Commit) error
}

// VolumeReader aggregates the swap ledger for pool statistics.
type VolumeReader interface {
	PoolVolume(ctx context.Context, pool *models.Pool, since time.Time) (*models.PoolVolume, error)
}

// VolumeWriter mirrors swap records into an analytics sink.
type VolumeWriter interface {
	InsertSwap(ctx context.Context, r *models.SwapRecord) error
}

// Store is the primary persistence backend.
type Store interface {
	PoolStore
	PositionStore
	SettlementStore
	SwapRecordStore
	SettlementCommitter
	VolumeReader

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error

	io.Closer
}
