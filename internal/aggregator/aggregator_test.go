package aggregator

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

const (
	usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	sol  = "So11111111111111111111111111111111111111112"
)

type fakePools struct {
	primary *models.Pool
	anchors []*models.Pool
}

func (f *fakePools) GetPool(context.Context, string, string) (*models.Pool, error) {
	if f.primary == nil {
		return nil, models.ErrNotFound
	}
	return f.primary, nil
}

func (f *fakePools) ListAnchorPools(context.Context, string, string) ([]*models.Pool, error) {
	return f.anchors, nil
}

// brokenPools fails every lookup, as a store outage would.
type brokenPools struct{ err error }

func (b brokenPools) GetPool(context.Context, string, string) (*models.Pool, error) {
	return nil, b.err
}

func (b brokenPools) ListAnchorPools(context.Context, string, string) ([]*models.Pool, error) {
	return nil, b.err
}

// staticProvider answers every request with a fixed output.
type staticProvider struct {
	name  string
	out   int64
	delay time.Duration
	err   error
}

func (s *staticProvider) Name() string { return s.name }

func (s *staticProvider) Quote(ctx context.Context, req models.QuoteRequest) (*models.Quote, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &models.Quote{
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  new(big.Int).Set(req.Amount),
		AmountOut: big.NewInt(s.out),
	}, nil
}

// signingProvider signs its quotes with key and may tamper with them.
type signingProvider struct {
	key     solana.PrivateKey
	signer  string
	expires time.Duration
	tamper  bool
}

func (s *signingProvider) Name() string      { return "fx" }
func (s *signingProvider) SignerKey() string { return s.signer }

func (s *signingProvider) Quote(_ context.Context, req models.QuoteRequest) (*models.Quote, error) {
	exp := time.Now().Add(s.expires)
	q := &models.Quote{
		QuoteID:   "q-1",
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  new(big.Int).Set(req.Amount),
		AmountOut: big.NewInt(500),
		Rate:      "5",
		ExpiresAt: &exp,
		Signer:    s.key.PublicKey().String(),
	}
	sig, err := s.key.Sign(q.SigningPayload())
	if err != nil {
		return nil, err
	}
	q.Signature = sig.String()
	if s.tamper {
		q.AmountOut = big.NewInt(5000)
	}
	return q, nil
}

type toggles map[string]bool

func (t toggles) Enabled(_ context.Context, key string, def bool) bool {
	if v, ok := t[key]; ok {
		return v
	}
	return def
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newAggregator(t *testing.T, pools Pools, external ...QuoteProvider) *Aggregator {
	t.Helper()
	a, err := New(Config{
		Pools:           pools,
		External:        external,
		ProviderTimeout: 100 * time.Millisecond,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	return a
}

func TestGetAllQuotes_PicksHighestOutput(t *testing.T) {
	a := newAggregator(t, &fakePools{},
		&staticProvider{name: "a", out: 90},
		&staticProvider{name: "b", out: 120},
		&staticProvider{name: "c", out: 80},
	)

	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), "")
	require.NoError(t, err)
	assert.Equal(t, 3, agg.ProvidersQueried)
	require.Len(t, agg.Quotes, 3)
	require.NotNil(t, agg.BestQuote)
	assert.Equal(t, "b", agg.BestQuote.Provider)
	assert.Equal(t, "120", agg.BestQuote.AmountOut.String())
	assert.Equal(t, []string{"b", "a", "c"}, providerNames(agg.Quotes))
}

func TestGetAllQuotes_TiesKeepDiscoveryOrder(t *testing.T) {
	a := newAggregator(t, &fakePools{},
		&staticProvider{name: "first", out: 100},
		&staticProvider{name: "second", out: 100},
	)
	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(1), models.AffinityFrom)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, providerNames(agg.Quotes))
}

func TestGetAllQuotes_ExcludesFailuresAndTimeouts(t *testing.T) {
	a := newAggregator(t, &fakePools{},
		&staticProvider{name: "slow", out: 1_000, delay: time.Second},
		&staticProvider{name: "broken", err: errors.New("boom")},
		&staticProvider{name: "ok", out: 10},
	)

	start := time.Now()
	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), models.AffinityFrom)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 3, agg.ProvidersQueried)
	assert.Equal(t, []string{"ok"}, providerNames(agg.Quotes))
}

func TestGetAllQuotes_NoQuotes(t *testing.T) {
	a := newAggregator(t, &fakePools{}, &staticProvider{name: "broken", err: errors.New("boom")})
	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), models.AffinityFrom)
	require.NoError(t, err)
	assert.Nil(t, agg.BestQuote)
	assert.Empty(t, agg.Quotes)
}

func TestGetAllQuotes_InternalPools(t *testing.T) {
	primary := &models.Pool{
		Address: solana.NewWallet().PublicKey().String(), TokenA: usdc, TokenB: sol,
		FeeBps: 30, Status: models.PoolStatusActive, Kind: models.PoolKindPrimary,
		ReserveA: big.NewInt(1_000_000_000), ReserveB: big.NewInt(1_000_000_000),
	}
	anchor := &models.Pool{
		Address: solana.NewWallet().PublicKey().String(), TokenA: usdc, TokenB: sol,
		FeeBps: 5, Status: models.PoolStatusActive, Kind: models.PoolKindAnchor,
		ReserveA: big.NewInt(1_000_000_000), ReserveB: big.NewInt(1_000_000_000),
	}
	a := newAggregator(t, &fakePools{primary: primary, anchors: []*models.Pool{anchor}})

	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(10_000_000), models.AffinityFrom)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.ProvidersQueried)
	require.Len(t, agg.Quotes, 2)
	assert.Equal(t, "9871580", agg.Quotes[1].AmountOut.String())
	assert.Equal(t, PrimaryProviderName, agg.Quotes[1].Provider)
	assert.Equal(t, "anchor:"+anchor.Address, agg.BestQuote.Provider, "lower fee wins")
	assert.Equal(t, anchor.Address, agg.BestQuote.PoolAddress)
}

func TestGetAllQuotes_AffinityTo(t *testing.T) {
	primary := &models.Pool{
		Address: solana.NewWallet().PublicKey().String(), TokenA: usdc, TokenB: sol,
		FeeBps: 30, Status: models.PoolStatusActive, Kind: models.PoolKindPrimary,
		ReserveA: big.NewInt(1_000_000_000), ReserveB: big.NewInt(1_000_000_000),
	}
	cheap := &models.Pool{
		Address: solana.NewWallet().PublicKey().String(), TokenA: usdc, TokenB: sol,
		FeeBps: 1, Status: models.PoolStatusActive, Kind: models.PoolKindAnchor,
		ReserveA: big.NewInt(1_000_000_000), ReserveB: big.NewInt(1_000_000_000),
	}
	a := newAggregator(t, &fakePools{primary: primary, anchors: []*models.Pool{cheap}})

	want := big.NewInt(9_871_580)
	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, want, models.AffinityTo)
	require.NoError(t, err)
	require.Len(t, agg.Quotes, 2)
	for _, q := range agg.Quotes {
		assert.GreaterOrEqual(t, q.AmountOut.Cmp(want), 0)
	}
	assert.Equal(t, "anchor:"+cheap.Address, agg.BestQuote.Provider)
	assert.Less(t, agg.Quotes[0].AmountIn.Cmp(agg.Quotes[1].AmountIn), 0)
}

func TestGetAllQuotes_SignedQuotes(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tests := []struct {
		name     string
		provider *signingProvider
		accepted bool
	}{
		{"valid", &signingProvider{key: key, signer: key.PublicKey().String(), expires: time.Minute}, true},
		{"expired", &signingProvider{key: key, signer: key.PublicKey().String(), expires: -time.Second}, false},
		{"tampered", &signingProvider{key: key, signer: key.PublicKey().String(), expires: time.Minute, tamper: true}, false},
		{"wrong signer", &signingProvider{key: other, signer: key.PublicKey().String(), expires: time.Minute}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator(t, &fakePools{}, tt.provider)
			agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), models.AffinityFrom)
			require.NoError(t, err)
			if tt.accepted {
				require.NotNil(t, agg.BestQuote)
				assert.Equal(t, "q-1", agg.BestQuote.QuoteID)
			} else {
				assert.Nil(t, agg.BestQuote)
			}
		})
	}
}

func TestGetAllQuotes_RejectsMismatchedAnswers(t *testing.T) {
	a := newAggregator(t, &fakePools{}, &mismatchProvider{})
	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), models.AffinityFrom)
	require.NoError(t, err)
	assert.Nil(t, agg.BestQuote)
}

type mismatchProvider struct{}

func (mismatchProvider) Name() string { return "liar" }

func (mismatchProvider) Quote(_ context.Context, req models.QuoteRequest) (*models.Quote, error) {
	return &models.Quote{
		TokenIn: req.TokenIn, TokenOut: req.TokenOut,
		AmountIn: big.NewInt(1), AmountOut: big.NewInt(1_000_000),
	}, nil
}

func TestGetAllQuotes_Toggles(t *testing.T) {
	a, err := New(Config{
		Pools: &fakePools{},
		External: []QuoteProvider{
			&staticProvider{name: "a", out: 90},
			&staticProvider{name: "b", out: 120},
		},
		Toggles: toggles{ToggleKey("b"): false},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), models.AffinityFrom)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.ProvidersQueried)
	assert.Equal(t, "a", agg.BestQuote.Provider)
}

func TestGetAllQuotes_InvalidInput(t *testing.T) {
	a := newAggregator(t, &fakePools{})
	ctx := context.Background()

	_, err := a.GetAllQuotes(ctx, usdc, sol, big.NewInt(0), models.AffinityFrom)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = a.GetAllQuotes(ctx, usdc, usdc, big.NewInt(1), models.AffinityFrom)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = a.GetAllQuotes(ctx, "nope", sol, big.NewInt(1), models.AffinityFrom)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = a.GetAllQuotes(ctx, usdc, sol, big.NewInt(1), "sideways")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCreateExchange(t *testing.T) {
	primary := &models.Pool{
		Address: solana.NewWallet().PublicKey().String(), TokenA: usdc, TokenB: sol,
		FeeBps: 30, Status: models.PoolStatusActive, Kind: models.PoolKindPrimary,
		ReserveA: big.NewInt(1_000_000), ReserveB: big.NewInt(1_000_000),
	}
	a := newAggregator(t, &fakePools{primary: primary}, &staticProvider{name: "static", out: 1})
	ctx := context.Background()
	user := solana.NewWallet().PublicKey().String()

	agg, err := a.GetAllQuotes(ctx, usdc, sol, big.NewInt(1_000), models.AffinityFrom)
	require.NoError(t, err)
	require.Equal(t, PrimaryProviderName, agg.BestQuote.Provider)

	ex, err := a.CreateExchange(ctx, agg.BestQuote, user)
	require.NoError(t, err)
	assert.Equal(t, primary.Address, ex.DepositAddress)

	_, err = a.CreateExchange(ctx, &models.Quote{Provider: "static", TokenIn: usdc, TokenOut: sol}, user)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = a.CreateExchange(ctx, &models.Quote{Provider: "ghost", TokenIn: usdc, TokenOut: sol}, user)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func providerNames(quotes []*models.Quote) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.Provider)
	}
	return out
}

func TestGetAllQuotes_StoreErrorKeepsExternalProviders(t *testing.T) {
	a := newAggregator(t, brokenPools{err: errors.New("connection refused")},
		&staticProvider{name: "fx", out: 95},
	)

	agg, err := a.GetAllQuotes(context.Background(), usdc, sol, big.NewInt(100), "")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.ProvidersQueried)
	require.NotNil(t, agg.BestQuote)
	assert.Equal(t, "fx", agg.BestQuote.Provider)
	assert.Equal(t, "95", agg.BestQuote.AmountOut.String())
}
