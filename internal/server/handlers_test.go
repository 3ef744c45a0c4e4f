package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/anchor-dex/internal/aggregator"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
	"github.com/aman-zulfiqar/anchor-dex/internal/settlement"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage/memory"
	"github.com/aman-zulfiqar/anchor-dex/internal/sweeper"
)

const adminKey = "test-admin-key"

func newAddr() string { return solana.NewWallet().PublicKey().String() }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type testEnv struct {
	e      *echo.Echo
	store  *memory.Store
	ledger *ledger.MemoryLedger
	reg    *registry.Registry
	coord  *settlement.Coordinator
	pool   *models.Pool
	user   string
}

type envOpts struct {
	server     ServerConfig
	settlement func(*settlement.Config)
	sweeper    bool
}

// newEnv serves one primary pool holding 1e9 of each side.
func newEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{store: memory.NewStore(), ledger: ledger.NewMemoryLedger(), user: newAddr()}

	reg, err := registry.New(registry.Config{Store: env.store, Ledger: env.ledger, ProgramID: newAddr(), Logger: quietLogger()})
	require.NoError(t, err)
	env.reg = reg

	pool, err := reg.CreatePool(ctx, registry.CreatePoolParams{TokenA: newAddr(), TokenB: newAddr(), Creator: newAddr(), FeeBps: 30})
	require.NoError(t, err)
	reserve := big.NewInt(1_000_000_000)
	require.NoError(t, env.store.UpdateReserves(ctx, pool.Address, reserve, reserve))
	env.ledger.SetBalance(pool.Address, pool.TokenA, reserve)
	env.ledger.SetBalance(pool.Address, pool.TokenB, reserve)
	env.pool, err = reg.Reload(ctx, pool.Address)
	require.NoError(t, err)

	scfg := settlement.Config{
		Registry:        reg,
		Store:           env.store,
		Ledger:          env.ledger,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		CompleteTimeout: 5 * time.Second,
		Logger:          quietLogger(),
	}
	if opts.settlement != nil {
		opts.settlement(&scfg)
	}
	env.coord, err = settlement.New(scfg)
	require.NoError(t, err)

	agg, err := aggregator.New(aggregator.Config{Pools: reg, Logger: quietLogger()})
	require.NoError(t, err)

	h := &Handlers{
		Registry:    reg,
		Coordinator: env.coord,
		Aggregator:  agg,
		Positions:   env.store,
		Volume:      env.store,
		Ledger:      env.ledger,
		Store:       env.store,
		Logger:      quietLogger(),
	}
	if opts.sweeper {
		h.Sweeper, err = sweeper.New(sweeper.Config{Store: env.store, Registry: reg, Ledger: env.ledger, Treasury: newAddr(), Logger: quietLogger()})
		require.NoError(t, err)
	}
	if opts.server.AdminKey == "" {
		opts.server.AdminKey = adminKey
	}
	env.e = New(h, opts.server)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// swapBody performs the user's leg 1 and returns the complete request.
func (env *testEnv) swapBody(txID string, amountIn int64) map[string]any {
	sig := env.ledger.Deposit(env.user, env.pool.Address, map[string]*big.Int{env.pool.TokenA: big.NewInt(amountIn)})
	return map[string]any{
		"transaction_id": txID,
		"kind":           "swap",
		"user_address":   env.user,
		"pool_address":   env.pool.Address,
		"token_in":       env.pool.TokenA,
		"token_out":      env.pool.TokenB,
		"amount_in":      amountIn,
		"leg1_signature": sig,
	}
}

func TestQuote(t *testing.T) {
	env := newEnv(t, envOpts{})

	rec := env.do(t, http.MethodPost, "/v1/quote", map[string]any{
		"token_in":  env.pool.TokenA,
		"token_out": env.pool.TokenB,
		"amount_in": 10_000_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[QuoteResponse](t, rec)
	assert.Equal(t, "9871580", out.AmountOut.String())
	assert.Equal(t, "30000", out.FeeAmount.String())
	assert.Equal(t, env.pool.Address, out.PoolAddress)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestQuote_Errors(t *testing.T) {
	env := newEnv(t, envOpts{})

	empty, err := env.reg.CreatePool(context.Background(), registry.CreatePoolParams{
		TokenA: newAddr(), TokenB: newAddr(), Creator: newAddr(), FeeBps: 30,
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"unknown pair", map[string]any{"token_in": newAddr(), "token_out": newAddr(), "amount_in": 1}, http.StatusNotFound},
		{"zero reserves", map[string]any{"token_in": empty.TokenA, "token_out": empty.TokenB, "amount_in": 1000}, http.StatusUnprocessableEntity},
		{"bad token", map[string]any{"token_in": "nope", "token_out": env.pool.TokenB, "amount_in": 1}, http.StatusBadRequest},
		{"zero amount", map[string]any{"token_in": env.pool.TokenA, "token_out": env.pool.TokenB, "amount_in": 0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/quote", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestPreflight_ZeroReservesNeverSends(t *testing.T) {
	env := newEnv(t, envOpts{})
	empty, err := env.reg.CreatePool(context.Background(), registry.CreatePoolParams{
		TokenA: newAddr(), TokenB: newAddr(), Creator: newAddr(), FeeBps: 30,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/preflight", map[string]any{
		"user_address": env.user,
		"pool_address": empty.Address,
		"token_in":     empty.TokenA,
		"token_out":    empty.TokenB,
		"amount_in":    1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[settlement.Preflight](t, rec)
	assert.False(t, out.CanProceed)
	assert.NotEmpty(t, out.Reason)
	assert.Zero(t, env.ledger.Sends())
}

func TestComplete_Swap(t *testing.T) {
	env := newEnv(t, envOpts{})
	body := env.swapBody("tx-1", 10_000_000)

	rec := env.do(t, http.MethodPost, "/v1/complete", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[settlement.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, settlement.StatusComplete, res.Status)
	assert.Equal(t, "9871580", res.AmountOut.String())
	assert.NotEmpty(t, res.BlockHash)

	// A retried request returns the stored outcome without a second send.
	rec = env.do(t, http.MethodPost, "/v1/complete", body)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[settlement.Result](t, rec)
	assert.Equal(t, res.BlockHash, again.BlockHash)
	assert.Equal(t, int64(1), env.ledger.Sends())

	rec = env.do(t, http.MethodGet, "/v1/settlements/tx-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[models.Settlement](t, rec)
	assert.Equal(t, models.StateLeg2Complete, st.State)

	rec = env.do(t, http.MethodGet, "/v1/settlements/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestComplete_FailureThenOperatorReplay(t *testing.T) {
	env := newEnv(t, envOpts{})
	env.ledger.FailNext(errors.New("transaction rejected"))

	rec := env.do(t, http.MethodPost, "/v1/complete", env.swapBody("tx-fail", 10_000_000))
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	res := decode[settlement.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, settlement.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "support will reconcile")

	rec = env.do(t, http.MethodGet, "/v1/admin/reconciliations?status=open", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/reconciliations?status=open", nil, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[struct {
		Items []*models.Reconciliation `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "tx-fail", list.Items[0].TransactionID)

	rec = env.do(t, http.MethodPost, "/v1/admin/settlements/tx-fail/replay", nil, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replayed := decode[settlement.Result](t, rec)
	assert.True(t, replayed.Success)
	assert.Equal(t, "9871580", replayed.AmountOut.String())
}

func TestComplete_PendingAnswers202(t *testing.T) {
	env := newEnv(t, envOpts{settlement: func(c *settlement.Config) { c.CompleteTimeout = 30 * time.Millisecond }})

	release := make(chan struct{})
	env.ledger.BeforeSend = func([]ledger.Instruction) { <-release }

	rec := env.do(t, http.MethodPost, "/v1/complete", env.swapBody("tx-slow", 10_000_000))
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[settlement.Result](t, rec)
	assert.Equal(t, settlement.StatusPending, res.Status)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.coord.Close(ctx))
}

func TestComplete_InvalidInput(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodPost, "/v1/complete", map[string]any{"kind": "swap", "user_address": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.ledger.Sends())
}

func TestComplete_RequiresLeg1(t *testing.T) {
	env := newEnv(t, envOpts{})

	// No leg 1 on the ledger at all.
	body := env.swapBody("tx-free", 10_000_000)
	body["leg1_signature"] = "made-up"
	rec := env.do(t, http.MethodPost, "/v1/complete", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// Neither an id nor a signature: a retry could never be recognised.
	body = env.swapBody("", 10_000_000)
	delete(body, "transaction_id")
	delete(body, "leg1_signature")
	for i := 0; i < 2; i++ {
		rec = env.do(t, http.MethodPost, "/v1/complete", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	// One leg 1 pays out once, whatever id it is presented under.
	body = env.swapBody("tx-a", 10_000_000)
	rec = env.do(t, http.MethodPost, "/v1/complete", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body["transaction_id"] = "tx-b"
	rec = env.do(t, http.MethodPost, "/v1/complete", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	assert.Equal(t, int64(1), env.ledger.Sends())
}

func TestAggregateQuote(t *testing.T) {
	env := newEnv(t, envOpts{})

	rec := env.do(t, http.MethodPost, "/v1/aggregate/quote", map[string]any{
		"from":     env.pool.TokenA,
		"to":       env.pool.TokenB,
		"amount":   10_000_000,
		"affinity": "from",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[AggregateQuoteResponse](t, rec)
	require.NotNil(t, out.BestQuote)
	assert.Equal(t, aggregator.PrimaryProviderName, out.BestQuote.Provider)
	assert.Equal(t, "9871580", out.BestQuote.AmountOut.String())
	assert.Equal(t, 1, out.ProvidersQueried)
	assert.Len(t, out.AllQuotes, 1)

	rec = env.do(t, http.MethodPost, "/v1/aggregate/exchange", map[string]any{
		"quote":        out.BestQuote,
		"user_address": env.user,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ex := decode[models.Exchange](t, rec)
	assert.Equal(t, env.pool.Address, ex.DepositAddress)

	rec = env.do(t, http.MethodPost, "/v1/aggregate/quote", map[string]any{
		"from": newAddr(), "to": newAddr(), "amount": 1, "affinity": "from",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPools_Lifecycle(t *testing.T) {
	env := newEnv(t, envOpts{})
	creator := newAddr()
	tokenA, tokenB := newAddr(), newAddr()

	create := map[string]any{"token_a": tokenA, "token_b": tokenB, "creator": creator, "fee_bps": 30}
	rec := env.do(t, http.MethodPost, "/v1/pools", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pool := decode[models.Pool](t, rec)
	assert.Equal(t, models.PoolStatusActive, pool.Status)

	rec = env.do(t, http.MethodPost, "/v1/pools", create)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/pools/"+pool.Address, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/pools/"+pool.Address+"/status", map[string]any{"caller": newAddr(), "status": "paused"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/pools/"+pool.Address+"/status", map[string]any{"caller": creator, "status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.PoolStatusPaused, decode[models.Pool](t, rec).Status)

	rec = env.do(t, http.MethodPut, "/v1/pools/"+pool.Address+"/fee", map[string]any{"caller": creator, "fee_bps": 50})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint16(50), decode[models.Pool](t, rec).FeeBps)

	rec = env.do(t, http.MethodGet, "/v1/pools?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []*models.Pool `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, env.pool.Address, list.Items[0].Address)

	rec = env.do(t, http.MethodGet, "/v1/pools/"+newAddr(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPools_StatsAndRefresh(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodPost, "/v1/complete", env.swapBody("tx-1", 10_000_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/pools/"+env.pool.Address+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[PoolStatsResponse](t, rec)
	assert.Equal(t, uint64(1), stats.Volume.SwapCount)
	assert.Equal(t, "10000000", stats.Volume.VolumeA.String())
	assert.Greater(t, stats.FeeAPYA, 0.0)
	assert.Zero(t, stats.FeeAPYB)

	rec = env.do(t, http.MethodPost, "/v1/pools/"+env.pool.Address+"/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/pools/"+env.pool.Address+"/refresh", nil, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refreshed := decode[RefreshResponse](t, rec)
	for _, d := range refreshed.Drifts {
		assert.Equal(t, "0", d.Delta.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/pools/"+env.pool.Address+"/positions/"+env.user, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeeAPY(t *testing.T) {
	assert.InDelta(t, 0.365, feeAPY(big.NewInt(1_000), big.NewInt(1_000_000)), 1e-9)
	assert.Zero(t, feeAPY(big.NewInt(1_000), big.NewInt(0)))
	assert.Zero(t, feeAPY(nil, big.NewInt(1)))
}

func TestSweep(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodPost, "/v1/admin/sweep", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env = newEnv(t, envOpts{sweeper: true})
	rec = env.do(t, http.MethodPost, "/v1/admin/sweep", nil, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[sweeper.Report](t, rec)
	assert.Empty(t, report.Groups)
}

func TestFlags_NotConfigured(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodGet, "/v1/admin/flags", nil, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "flags are not configured", decode[ErrorResponse](t, rec).Error)
}

func TestHealth(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[HealthResponse](t, rec).OK)

	env.ledger.SetDown(true)
	rec = env.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode[HealthResponse](t, rec)
	assert.False(t, out.OK)
	assert.Equal(t, "ok", out.Store)
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, envOpts{server: ServerConfig{RateLimit: 0.01, RateBurst: 1}})
	body := map[string]any{
		"user_address": env.user,
		"pool_address": env.pool.Address,
		"token_in":     env.pool.TokenA,
		"token_out":    env.pool.TokenB,
		"amount_in":    1000,
	}

	rec := env.do(t, http.MethodPost, "/v1/preflight", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/v1/preflight", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, decode[ErrorResponse](t, rec).Code)

	// Quotes are not limited.
	rec = env.do(t, http.MethodPost, "/v1/quote", map[string]any{
		"token_in": env.pool.TokenA, "token_out": env.pool.TokenB, "amount_in": 1000,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFoundJSON(t *testing.T) {
	env := newEnv(t, envOpts{})
	rec := env.do(t, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, rec).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrUnauthorized, http.StatusForbidden},
		{models.ErrDuplicatePair, http.StatusConflict},
		{models.ErrInsufficientLiquidity, http.StatusUnprocessableEntity},
		{models.ErrSlippageExceeded, http.StatusUnprocessableEntity},
		{models.ErrTransientLedger, http.StatusServiceUnavailable},
		{settlement.ErrClosing, http.StatusServiceUnavailable},
		{errors.Join(models.ErrSettlementIncomplete, models.ErrSlippageExceeded), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
