// Package settlement executes the service-signed second leg of swaps and
// liquidity changes once the user's first leg has moved funds into a pool.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// ErrClosing is returned for new completions once Close has been called.
var ErrClosing = fmt.Errorf("%w: settlement coordinator is shutting down", models.ErrTransientLedger)

// Store is the persistence the coordinator needs besides the registry.
type Store interface {
	storage.SettlementStore
	storage.PositionStore
}

// Publisher broadcasts terminal settlement transitions.
type Publisher interface {
	PublishSettlement(ctx context.Context, ev *models.SettlementEvent) error
}

// Config holds coordinator dependencies and settlement policy.
type Config struct {
	Registry *registry.Registry
	Store    Store
	Ledger   ledger.Client

	// Publisher and Volume are optional.
	Publisher Publisher
	Volume    storage.VolumeWriter

	// Treasury receives protocol fees.
	Treasury string
	// ProtocolFeeBps is the treasury's share of each trading fee.
	ProtocolFeeBps uint16
	// InlineProtocolFee pays the treasury inside leg 2 instead of leaving
	// the fee in the pool for the sweeper.
	InlineProtocolFee bool
	// SkipLeg1Check trusts the client's leg 1 instead of reading it back
	// from the ledger. A leg 1 signature still settles at most once.
	SkipLeg1Check bool

	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// CompleteTimeout bounds how long CompleteLeg2 waits before answering pending.
	CompleteTimeout time.Duration

	Logger *logrus.Logger
}

type Status string

const (
	StatusComplete Status = "complete"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

// Result is what a caller of CompleteLeg2 or Replay gets back.
type Result struct {
	TransactionID string                 `json:"transaction_id"`
	Success       bool                   `json:"success"`
	Status        Status                 `json:"status"`
	State         models.SettlementState `json:"state"`
	BlockHash     string                 `json:"block_hash,omitempty"`
	AmountOut     *big.Int               `json:"amount_out,omitempty"`
	Error         string                 `json:"error,omitempty"`

	Settlement *models.Settlement       `json:"-"`
	Details    *models.SettlementResult `json:"-"`
}

// Coordinator runs leg 2. Work for one pool is serialized through the
// registry pool lock; work for one transaction id is deduplicated in process.
type Coordinator struct {
	cfg    Config
	reg    *registry.Registry
	store  Store
	ledger ledger.Client
	logger *logrus.Logger

	flight singleflight.Group

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("settlement: registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("settlement: store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("settlement: ledger is required")
	}
	if cfg.ProtocolFeeBps > 0 && cfg.InlineProtocolFee {
		if err := models.ValidateAddress("treasury", cfg.Treasury); err != nil {
			return nil, fmt.Errorf("settlement: inline protocol fee: %w", err)
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = constants.DefaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = constants.DefaultMaxRetryBackoff
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = constants.DefaultCompleteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Coordinator{
		cfg:    cfg,
		reg:    cfg.Registry,
		store:  cfg.Store,
		ledger: cfg.Ledger,
		logger: cfg.Logger,
	}, nil
}

// CompleteLeg2 executes leg 2 for a settlement whose leg 1 the user has
// already signed. It is idempotent on the transaction id: a completed
// settlement returns its stored result and a concurrent duplicate joins the
// running attempt. Execution is detached from ctx; if ctx ends or the
// completion timeout passes first the caller gets a pending result while
// leg 2 carries on.
func (c *Coordinator) CompleteLeg2(ctx context.Context, txID string, kind models.SettlementKind, params models.SettlementParams) (*Result, error) {
	if kind == "" {
		kind = models.KindSwap
	}
	if err := validateParams(kind, &params); err != nil {
		return nil, err
	}
	txID, err := transactionID(txID, params)
	if err != nil {
		return nil, err
	}

	done, err := c.track()
	if err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	outcome := make(chan singleflight.Result, 1)
	go func() {
		defer done()
		v, err, shared := c.flight.Do(txID, func() (interface{}, error) {
			return c.execute(detached, txID, kind, params)
		})
		outcome <- singleflight.Result{Val: v, Err: err, Shared: shared}
	}()

	timer := time.NewTimer(c.cfg.CompleteTimeout)
	defer timer.Stop()

	select {
	case res := <-outcome:
		r, _ := res.Val.(*Result)
		return r, res.Err
	case <-ctx.Done():
	case <-timer.C:
	}

	c.logger.WithFields(logrus.Fields{
		"transaction_id": txID,
		"kind":           kind,
	}).Warn("leg 2 still running, answering pending")
	metrics.SettlementsTotal.WithLabelValues(string(kind), string(StatusPending)).Inc()

	return &Result{
		TransactionID: txID,
		Status:        StatusPending,
		State:         models.StateLeg2Pending,
	}, nil
}

// GetSettlement returns the stored settlement record.
func (c *Coordinator) GetSettlement(ctx context.Context, txID string) (*models.Settlement, error) {
	st, err := c.store.GetSettlement(ctx, txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: settlement %s", models.ErrNotFound, txID)
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return st, nil
}

// ListReconciliations lists reconciliation records, all of them when status is empty.
func (c *Coordinator) ListReconciliations(ctx context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error) {
	if status != "" && status != models.ReconciliationOpen && status != models.ReconciliationResolved {
		return nil, fmt.Errorf("%w: unknown reconciliation status %q", models.ErrInvalidInput, status)
	}
	return c.store.ListReconciliations(ctx, status)
}

// Close stops accepting completions and waits for running ones.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running settlements: %w", ctx.Err())
	}
}

func (c *Coordinator) track() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, ErrClosing
	}
	c.wg.Add(1)
	return c.wg.Done, nil
}

// execute runs one settlement to a terminal state.
func (c *Coordinator) execute(ctx context.Context, txID string, kind models.SettlementKind, params models.SettlementParams) (*Result, error) {
	log := c.logger.WithFields(logrus.Fields{
		"transaction_id": txID,
		"kind":           kind,
		"pool":           params.PoolAddress,
	})

	st, err := c.lookup(ctx, txID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if st.State.Terminal() {
			return c.stored(st)
		}
		params = st.Params
		kind = st.Kind
	}

	unlock, err := c.reg.LockPool(ctx, params.PoolAddress)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another instance may have finished while we waited for the lock.
	if st, err = c.lookup(ctx, txID); err != nil {
		return nil, err
	}
	if st != nil && st.State.Terminal() {
		return c.stored(st)
	}

	pool, err := c.reg.Reload(ctx, params.PoolAddress)
	if err != nil {
		if st == nil {
			return nil, err
		}
		return c.fail(ctx, st, err)
	}

	if st == nil {
		if err := c.verifyLeg1(ctx, txID, kind, params, pool); err != nil {
			return nil, err
		}
		if st, err = c.open(ctx, txID, kind, params); err != nil {
			return nil, err
		}
	} else if st.State == models.StateLeg2Pending {
		// The previous owner of this settlement stopped after leg 2 may have
		// been submitted. Replay settles it from the stored signatures.
		return c.fail(ctx, st, errors.New("leg 2 outcome unknown after interrupted attempt"))
	}

	log.Debug("executing leg 2")
	return c.settle(ctx, st, pool, false)
}

func (c *Coordinator) lookup(ctx context.Context, txID string) (*models.Settlement, error) {
	st, err := c.store.GetSettlement(ctx, txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return st, nil
}

// open records a settlement whose leg 1 is confirmed.
func (c *Coordinator) open(ctx context.Context, txID string, kind models.SettlementKind, params models.SettlementParams) (*models.Settlement, error) {
	now := time.Now().UTC()
	st := &models.Settlement{
		TransactionID: txID,
		Kind:          kind,
		UserAddress:   params.UserAddress,
		PoolAddress:   params.PoolAddress,
		State:         models.StateLeg1Confirmed,
		Leg1Status:    models.LegComplete,
		Leg2Status:    models.LegPending,
		Params:        params,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateSettlement(ctx, st); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: transaction id %s or leg 1 signature %s already used",
				models.ErrInvalidInput, txID, params.Leg1Signature)
		}
		return nil, fmt.Errorf("create settlement: %w", err)
	}
	return st, nil
}

// settle plans leg 2 from the current reserves, sends it and commits the
// bookkeeping. The caller holds the pool lock.
func (c *Coordinator) settle(ctx context.Context, st *models.Settlement, pool *models.Pool, waiveMinimum bool) (*Result, error) {
	start := time.Now()

	p, err := c.plan(ctx, st, pool, waiveMinimum)
	if err != nil {
		return c.fail(ctx, st, err)
	}

	// The planned result is stored with the pending state so a replay can
	// commit it if one of the signed leg 2 transactions turns out to have landed.
	st.State = models.StateLeg2Pending
	st.Leg2Status = models.LegPending
	st.Result = p.result
	st.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateSettlement(ctx, st); err != nil {
		return nil, fmt.Errorf("mark leg 2 pending: %w", err)
	}

	receipt, attempts, err := c.send(ctx, st, p.ixs)
	st.Attempts += attempts
	if err != nil {
		return c.fail(ctx, st, fmt.Errorf("leg 2: %w", err))
	}

	p.result.Signature = receipt.Signature
	p.result.BlockHash = receipt.BlockHash

	res, err := c.finish(ctx, st, p.commit)
	metrics.SettlementDuration.WithLabelValues(string(st.Kind)).Observe(time.Since(start).Seconds())
	return res, err
}

// finish commits a settlement whose leg 2 is on the ledger. Bookkeeping
// failures are retried, then handed to an operator with the block hash.
func (c *Coordinator) finish(ctx context.Context, st *models.Settlement, commit *storage.Commit) (*Result, error) {
	now := time.Now().UTC()
	st.State = models.StateLeg2Complete
	st.Leg2Status = models.LegComplete
	st.FailureReason = ""
	st.UpdatedAt = now
	commit.Settlement = st
	if commit.Swap != nil {
		commit.Swap.Timestamp = now
		if commit.Swap.Swept {
			commit.Swap.SweptAt = &now
		}
	}

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				break
			}
		}
		if _, err = c.reg.Commit(ctx, commit); err == nil {
			break
		}
		c.logger.WithFields(logrus.Fields{
			"transaction_id": st.TransactionID,
			"attempt":        attempt + 1,
		}).WithError(err).Warn("settlement commit failed")
	}
	if err != nil {
		return c.fail(ctx, st, fmt.Errorf("leg 2 confirmed in block %s but bookkeeping failed: %w", st.Result.BlockHash, err))
	}

	if commit.Swap != nil && c.cfg.Volume != nil {
		if err := c.cfg.Volume.InsertSwap(ctx, commit.Swap); err != nil {
			c.logger.WithError(err).WithField("swap_id", commit.Swap.ID).Warn("failed to mirror swap volume")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"transaction_id": st.TransactionID,
		"kind":           st.Kind,
		"pool":           st.PoolAddress,
		"amount_out":     st.Result.AmountOut,
		"block_hash":     st.Result.BlockHash,
		"attempts":       st.Attempts,
	}).Info("settlement complete")
	metrics.SettlementsTotal.WithLabelValues(string(st.Kind), string(StatusComplete)).Inc()
	c.publish(ctx, st)

	return resultOf(st), nil
}

// fail marks the settlement LEG2_FAILED and opens its reconciliation
// record. The returned error wraps ErrSettlementIncomplete and the cause.
func (c *Coordinator) fail(ctx context.Context, st *models.Settlement, cause error) (*Result, error) {
	now := time.Now().UTC()
	st.State = models.StateLeg2Failed
	st.Leg2Status = models.LegFailed
	st.FailureReason = cause.Error()
	st.UpdatedAt = now

	rec := &models.Reconciliation{
		TransactionID: st.TransactionID,
		Kind:          st.Kind,
		PoolAddress:   st.PoolAddress,
		UserAddress:   st.UserAddress,
		Params:        st.Params,
		Reason:        st.FailureReason,
		Status:        models.ReconciliationOpen,
		CreatedAt:     now,
	}

	log := c.logger.WithFields(logrus.Fields{
		"transaction_id": st.TransactionID,
		"kind":           st.Kind,
		"pool":           st.PoolAddress,
		"user":           st.UserAddress,
		"attempts":       st.Attempts,
	})
	if err := c.store.FailSettlement(ctx, st, rec); err != nil {
		log.WithError(err).Error("failed to record failed settlement")
	}
	log.WithError(cause).Error("leg 2 failed, funds are held in the pool pending reconciliation")

	metrics.SettlementsTotal.WithLabelValues(string(st.Kind), string(StatusFailed)).Inc()
	c.publish(ctx, st)

	return resultOf(st), fmt.Errorf("%w: %w", models.ErrSettlementIncomplete, cause)
}

// stored answers a duplicate completion from the persisted record.
func (c *Coordinator) stored(st *models.Settlement) (*Result, error) {
	res := resultOf(st)
	if st.State == models.StateLeg2Failed {
		return res, fmt.Errorf("%w: %s", models.ErrSettlementIncomplete, st.FailureReason)
	}
	return res, nil
}

// send submits leg 2, retrying transient ledger errors with capped
// exponential backoff. It reports how many submissions were made. Every
// signature is stored on the settlement before its transaction is submitted.
func (c *Coordinator) send(ctx context.Context, st *models.Settlement, ixs []ledger.Instruction) (*ledger.Receipt, int, error) {
	txID := st.TransactionID
	signer := ledger.SignerContext{
		OnBehalfOf: st.PoolAddress,
		OnSigned: func(sig string) error {
			st.Leg2Signatures = append(st.Leg2Signatures, sig)
			st.UpdatedAt = time.Now().UTC()
			return c.store.UpdateSettlement(ctx, st)
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.Leg2Retries.Inc()
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, attempt, err
			}
		}

		receipt, err := c.ledger.BuildAndSend(ctx, ixs, signer)
		if err == nil {
			return receipt, attempt + 1, nil
		}
		lastErr = err
		if !ledger.IsTransient(err) {
			return nil, attempt + 1, err
		}

		c.logger.WithFields(logrus.Fields{
			"transaction_id": txID,
			"attempt":        attempt + 1,
		}).WithError(err).Warn("transient ledger error, retrying leg 2")
	}
	return nil, c.cfg.MaxRetries + 1, fmt.Errorf("gave up after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

// backoff is RetryBackoff * 2^(attempt-1), capped at MaxRetryBackoff.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxRetryBackoff {
			return c.cfg.MaxRetryBackoff
		}
	}
	if d > c.cfg.MaxRetryBackoff {
		return c.cfg.MaxRetryBackoff
	}
	return d
}

// verifyLeg1 checks that leg 1 has not paid out under another transaction id
// and, unless the check is skipped, that it is confirmed on the ledger and
// moved the stated amounts from the user into the pool. The caller holds the
// pool lock.
func (c *Coordinator) verifyLeg1(ctx context.Context, txID string, kind models.SettlementKind, params models.SettlementParams, pool *models.Pool) error {
	sig := params.Leg1Signature
	if sig != "" {
		other, err := c.store.GetSettlementByLeg1(ctx, sig)
		switch {
		case err == nil && other.TransactionID != txID:
			return fmt.Errorf("%w: leg 1 %s already settled by %s", models.ErrInvalidInput, sig, other.TransactionID)
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get settlement by leg 1: %w", err)
		}
	}
	if c.cfg.SkipLeg1Check {
		return nil
	}
	if sig == "" {
		return fmt.Errorf("%w: leg1Signature is required", models.ErrInvalidInput)
	}

	tx, err := c.ledger.GetTransaction(ctx, sig)
	if err != nil {
		return fmt.Errorf("leg 1 transaction: %w", err)
	}
	switch tx.State {
	case ledger.SignatureConfirmed:
	case ledger.SignaturePending:
		return fmt.Errorf("%w: leg 1 %s is not confirmed yet", models.ErrTransientLedger, sig)
	case ledger.SignatureFailed:
		return fmt.Errorf("%w: leg 1 %s failed on the ledger", models.ErrInvalidInput, sig)
	default:
		return fmt.Errorf("%w: leg 1 %s not found on the ledger", models.ErrInvalidInput, sig)
	}

	var deposits []deposit
	switch kind {
	case models.KindSwap:
		deposits = []deposit{{params.TokenIn, params.AmountIn}}
	case models.KindAddLiquidity:
		amountA, amountB, err := depositSides(pool, params)
		if err != nil {
			return err
		}
		deposits = []deposit{{pool.TokenA, amountA}, {pool.TokenB, amountB}}
	case models.KindRemoveLiquidity:
		deposits = []deposit{{pool.LPTokenAddress, params.LPShares}}
	}
	for _, d := range deposits {
		in := tx.Moved(pool.Address, d.token)
		out := new(big.Int).Neg(tx.Moved(params.UserAddress, d.token))
		if in.Cmp(d.amount) < 0 || out.Cmp(d.amount) < 0 {
			return fmt.Errorf("%w: leg 1 %s moved %s of %s from %s into %s, expected %s",
				models.ErrInvalidInput, sig, minInt(in, out), d.token, params.UserAddress, pool.Address, d.amount)
		}
	}
	return nil
}

type deposit struct {
	token  string
	amount *big.Int
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

func (c *Coordinator) publish(ctx context.Context, st *models.Settlement) {
	if c.cfg.Publisher == nil {
		return
	}
	ev := &models.SettlementEvent{
		TransactionID: st.TransactionID,
		Kind:          st.Kind,
		PoolAddress:   st.PoolAddress,
		UserAddress:   st.UserAddress,
		State:         st.State,
		Result:        st.Result,
		Reason:        st.FailureReason,
		Timestamp:     st.UpdatedAt,
	}
	if err := c.cfg.Publisher.PublishSettlement(ctx, ev); err != nil {
		c.logger.WithError(err).WithField("transaction_id", st.TransactionID).Warn("failed to publish settlement event")
	}
}

func resultOf(st *models.Settlement) *Result {
	res := &Result{
		TransactionID: st.TransactionID,
		State:         st.State,
		Settlement:    st.Clone(),
	}
	switch st.State {
	case models.StateLeg2Complete:
		res.Success = true
		res.Status = StatusComplete
	case models.StateLeg2Failed:
		res.Status = StatusFailed
		res.Error = st.FailureReason
	default:
		res.Status = StatusPending
	}
	// A failed settlement keeps its planned result for replay; it is only
	// reported once leg 2 is known to have landed.
	if st.Result != nil && (st.State != models.StateLeg2Failed || st.Result.BlockHash != "") {
		res.BlockHash = st.Result.BlockHash
		res.AmountOut = models.CloneInt(st.Result.AmountOut)
		res.Details = res.Settlement.Result
	}
	return res
}

// transactionID picks the idempotency key: the client's id, else the leg 1
// signature. A request with neither could never be retried safely.
func transactionID(txID string, params models.SettlementParams) (string, error) {
	if txID != "" {
		return txID, nil
	}
	if params.Leg1Signature != "" {
		return params.Leg1Signature, nil
	}
	return "", fmt.Errorf("%w: transaction_id or leg1_signature is required", models.ErrInvalidInput)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
