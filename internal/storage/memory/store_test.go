package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(addr string, kind models.PoolKind, creator string) *models.Pool {
	return &models.Pool{
		Address:        addr,
		TokenA:         "mintA",
		TokenB:         "mintB",
		LPTokenAddress: addr + "-lp",
		FeeBps:         30,
		Creator:        creator,
		Status:         models.PoolStatusActive,
		Kind:           kind,
		ReserveA:       big.NewInt(0),
		ReserveB:       big.NewInt(0),
		TotalLPSupply:  big.NewInt(0),
		CreatedAt:      time.Now().UTC(),
	}
}

func TestStore_InsertPoolUniqueness(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.InsertPool(ctx, testPool("p1", models.PoolKindPrimary, "alice")))
	assert.ErrorIs(t, s.InsertPool(ctx, testPool("p2", models.PoolKindPrimary, "bob")), storage.ErrDuplicateKey)

	require.NoError(t, s.InsertPool(ctx, testPool("p3", models.PoolKindAnchor, "alice")))
	require.NoError(t, s.InsertPool(ctx, testPool("p4", models.PoolKindAnchor, "bob")))
	assert.ErrorIs(t, s.InsertPool(ctx, testPool("p5", models.PoolKindAnchor, "alice")), storage.ErrDuplicateKey)

	pools, err := s.FindPools(ctx, "mintB", "mintA")
	require.NoError(t, err)
	assert.Len(t, pools, 3)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.InsertPool(ctx, testPool("p1", models.PoolKindPrimary, "alice")))

	p, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	p.ReserveA.SetInt64(999)

	again, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.ReserveA.Int64())
}

func TestStore_CommitSettlement(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.InsertPool(ctx, testPool("p1", models.PoolKindPrimary, "alice")))

	st := &models.Settlement{TransactionID: "tx1", Kind: models.KindSwap, State: models.StateLeg2Pending}
	require.NoError(t, s.CreateSettlement(ctx, st))
	assert.ErrorIs(t, s.CreateSettlement(ctx, st), storage.ErrDuplicateKey)

	done := st.Clone()
	done.State = models.StateLeg2Complete
	commit := &storage.Commit{
		Settlement:    done,
		PoolAddress:   "p1",
		ReserveA:      big.NewInt(100),
		ReserveB:      big.NewInt(200),
		TotalLPSupply: big.NewInt(50),
		Positions: []*models.LPPosition{
			{PoolAddress: "p1", UserAddress: "u1", Shares: big.NewInt(50)},
		},
		Swap: &models.SwapRecord{
			ID: "s1", SettlementID: "tx1", PoolAddress: "p1", TokenIn: "mintA",
			AmountIn: big.NewInt(10), AmountOut: big.NewInt(9), FeeCollected: big.NewInt(1),
			ProtocolFee: big.NewInt(1), ProtocolFeeToken: "mintA", Timestamp: time.Now().UTC(),
		},
	}
	require.NoError(t, s.CommitSettlement(ctx, commit))

	p, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "100", p.ReserveA.String())
	assert.Equal(t, "50", p.TotalLPSupply.String())

	pos, err := s.GetPosition(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "50", pos.Shares.String())

	got, err := s.GetSettlement(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, models.StateLeg2Complete, got.State)

	assert.ErrorIs(t, s.CommitSettlement(ctx, commit), storage.ErrDuplicateKey)
}

func TestStore_SweepBookkeeping(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.InsertPool(ctx, testPool("p1", models.PoolKindPrimary, "alice")))

	for i, fee := range []int64{5, 0, 7} {
		id := string(rune('a' + i))
		require.NoError(t, s.CreateSettlement(ctx, &models.Settlement{TransactionID: id}))
		require.NoError(t, s.CommitSettlement(ctx, &storage.Commit{
			Settlement:  &models.Settlement{TransactionID: id, State: models.StateLeg2Complete},
			PoolAddress: "p1",
			Swap: &models.SwapRecord{
				ID: id, SettlementID: id, PoolAddress: "p1", TokenIn: "mintA",
				AmountIn: big.NewInt(100), AmountOut: big.NewInt(90), FeeCollected: big.NewInt(10),
				ProtocolFee: big.NewInt(fee), ProtocolFeeToken: "mintA", Timestamp: time.Now().UTC(),
			},
		}))
	}

	unswept, err := s.ListUnswept(ctx)
	require.NoError(t, err)
	assert.Len(t, unswept, 2)

	require.NoError(t, s.MarkSwept(ctx, []string{"a"}, time.Now().UTC()))
	unswept, err = s.ListUnswept(ctx)
	require.NoError(t, err)
	require.Len(t, unswept, 1)
	assert.Equal(t, "c", unswept[0].ID)

	p, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	vol, err := s.PoolVolume(ctx, p, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), vol.SwapCount)
	assert.Equal(t, "300", vol.VolumeA.String())
	assert.Equal(t, "12", vol.ProtocolA.String())
}

func TestStore_Reconciliations(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	st := &models.Settlement{TransactionID: "tx1"}
	require.NoError(t, s.CreateSettlement(ctx, st))

	st.State = models.StateLeg2Failed
	require.NoError(t, s.FailSettlement(ctx, st, &models.Reconciliation{
		TransactionID: "tx1", Reason: "boom", Status: models.ReconciliationOpen, CreatedAt: time.Now().UTC(),
	}))

	open, err := s.ListReconciliations(ctx, models.ReconciliationOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, s.ResolveReconciliation(ctx, "tx1", time.Now().UTC()))
	open, err = s.ListReconciliations(ctx, models.ReconciliationOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, s.ResolveReconciliation(ctx, "nope", time.Now()), storage.ErrNotFound)
}

func TestStore_Leg1SignatureUnique(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a := &models.Settlement{
		TransactionID: "tx-a", PoolAddress: "p1", State: models.StateLeg1Confirmed,
		Params: models.SettlementParams{Leg1Signature: "sig-1"}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateSettlement(ctx, a))

	b := a.Clone()
	b.TransactionID = "tx-b"
	assert.ErrorIs(t, s.CreateSettlement(ctx, b), storage.ErrDuplicateKey)

	got, err := s.GetSettlementByLeg1(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-a", got.TransactionID)
	_, err = s.GetSettlementByLeg1(ctx, "sig-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Settlements without a leg 1 signature never collide.
	require.NoError(t, s.CreateSettlement(ctx, &models.Settlement{TransactionID: "tx-c", PoolAddress: "p1", State: models.StateLeg2Complete}))
	require.NoError(t, s.CreateSettlement(ctx, &models.Settlement{TransactionID: "tx-d", PoolAddress: "p1", State: models.StateLeg2Pending}))

	open, err := s.ListOpenSettlements(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.ElementsMatch(t, []string{"tx-a", "tx-d"}, []string{open[0].TransactionID, open[1].TransactionID})

	open, err = s.ListOpenSettlements(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, open)
}
