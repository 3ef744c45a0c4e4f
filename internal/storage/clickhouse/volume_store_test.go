package clickhouse

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeStore_PoolVolume(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewVolumeStore(conn)
	ctx := context.Background()
	pool := &models.Pool{Address: "pool1", TokenA: "mintA", TokenB: "mintB"}
	now := time.Now().UTC()

	huge, _ := new(big.Int).SetString("100000000000000000000000", 10)
	records := []*models.SwapRecord{
		{ID: "s1", SettlementID: "t1", PoolAddress: "pool1", TokenIn: "mintA", TokenOut: "mintB",
			AmountIn: huge, AmountOut: big.NewInt(5), FeeCollected: big.NewInt(30), ProtocolFee: big.NewInt(6),
			ProtocolFeeToken: "mintA", Timestamp: now},
		{ID: "s2", SettlementID: "t2", PoolAddress: "pool1", TokenIn: "mintB", TokenOut: "mintA",
			AmountIn: big.NewInt(1000), AmountOut: big.NewInt(900), FeeCollected: big.NewInt(3), ProtocolFee: big.NewInt(0),
			ProtocolFeeToken: "mintB", Timestamp: now},
		{ID: "s3", SettlementID: "t3", PoolAddress: "pool2", TokenIn: "mintA", TokenOut: "mintB",
			AmountIn: big.NewInt(1), AmountOut: big.NewInt(1), FeeCollected: big.NewInt(0), ProtocolFee: big.NewInt(0),
			ProtocolFeeToken: "mintA", Timestamp: now},
	}
	for _, r := range records {
		require.NoError(t, store.InsertSwap(ctx, r))
	}

	v, err := store.PoolVolume(ctx, pool, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.SwapCount)
	assert.Equal(t, huge.String(), v.VolumeA.String())
	assert.Equal(t, int64(1000), v.VolumeB.Int64())
	assert.Equal(t, int64(30), v.FeesA.Int64())
	assert.Equal(t, int64(6), v.ProtocolA.Int64())
}
