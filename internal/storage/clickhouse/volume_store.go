package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// VolumeStore mirrors completed swaps into ClickHouse for pool statistics.
type VolumeStore struct {
	conn *Conn
}

func NewVolumeStore(conn *Conn) *VolumeStore {
	return &VolumeStore{conn: conn}
}

var (
	_ storage.VolumeWriter = (*VolumeStore)(nil)
	_ storage.VolumeReader = (*VolumeStore)(nil)
)

// InsertSwap appends one record. Replays of the same id collapse on merge.
func (s *VolumeStore) InsertSwap(ctx context.Context, r *models.SwapRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO swap_volume (
			id, settlement_id, pool_address, user_address, token_in, token_out,
			amount_in, amount_out, fee_collected, protocol_fee, protocol_fee_token, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		r.ID, r.SettlementID, r.PoolAddress, r.UserAddress, r.TokenIn, r.TokenOut,
		models.CloneInt(r.AmountIn), models.CloneInt(r.AmountOut),
		models.CloneInt(r.FeeCollected), models.CloneInt(r.ProtocolFee),
		r.ProtocolFeeToken, r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert swap volume: %w", err)
	}
	return nil
}

// PoolVolume aggregates swaps since the given time. Sums are read back as
// decimal strings so UInt256 totals never pass through a float.
func (s *VolumeStore) PoolVolume(ctx context.Context, pool *models.Pool, since time.Time) (*models.PoolVolume, error) {
	query := `
		SELECT
			count(),
			toString(sumIf(amount_in, token_in = ?)),
			toString(sumIf(amount_in, token_in != ?)),
			toString(sumIf(fee_collected, token_in = ?)),
			toString(sumIf(fee_collected, token_in != ?)),
			toString(sumIf(protocol_fee, token_in = ?)),
			toString(sumIf(protocol_fee, token_in != ?))
		FROM swap_volume FINAL
		WHERE pool_address = ? AND timestamp >= ?
	`

	var (
		count                                  uint64
		volA, volB, feeA, feeB, protoA, protoB string
	)
	a := pool.TokenA
	err := s.conn.QueryRow(ctx, query, a, a, a, a, a, a, pool.Address, since.UTC()).
		Scan(&count, &volA, &volB, &feeA, &feeB, &protoA, &protoB)
	if err != nil {
		return nil, fmt.Errorf("query pool volume: %w", err)
	}

	v := models.NewPoolVolume(pool.Address, since)
	v.SwapCount = count
	fields := []struct {
		dst *big.Int
		src string
	}{
		{v.VolumeA, volA}, {v.VolumeB, volB},
		{v.FeesA, feeA}, {v.FeesB, feeB},
		{v.ProtocolA, protoA}, {v.ProtocolB, protoB},
	}
	for _, f := range fields {
		if _, ok := f.dst.SetString(f.src, 10); !ok {
			return nil, fmt.Errorf("invalid volume sum %q", f.src)
		}
	}
	return v, nil
}
