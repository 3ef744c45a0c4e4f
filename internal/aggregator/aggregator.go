// Package aggregator fans a quote request out to every provider of a pair
// and ranks the answers.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

type QuoteProvider interface {
	Name() string
	Quote(ctx context.Context, req models.QuoteRequest) (*models.Quote, error)
}

// ExchangeCreator is implemented by providers that can turn a quote into
// deposit instructions for leg 1.
type ExchangeCreator interface {
	CreateExchange(ctx context.Context, q *models.Quote, user string) (*models.Exchange, error)
}

// SignedProvider is implemented by providers whose quotes must carry a
// signature by a known key.
type SignedProvider interface {
	SignerKey() string
}

// Pools is the slice of the registry the aggregator reads.
type Pools interface {
	GetPool(ctx context.Context, tokenA, tokenB string) (*models.Pool, error)
	ListAnchorPools(ctx context.Context, tokenA, tokenB string) ([]*models.Pool, error)
}

// Toggles switches providers on and off at runtime.
type Toggles interface {
	Enabled(ctx context.Context, key string, def bool) bool
}

type Config struct {
	Pools           Pools
	External        []QuoteProvider
	Toggles         Toggles
	ProviderTimeout time.Duration
	Logger          *logrus.Logger
	Now             func() time.Time
}

type Aggregator struct {
	pools    Pools
	external []QuoteProvider
	toggles  Toggles
	timeout  time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// Aggregation is the ranked outcome of one fan-out. BestQuote is nil when
// no provider answered.
type Aggregation struct {
	Quotes           []*models.Quote
	BestQuote        *models.Quote
	ProvidersQueried int
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.Pools == nil {
		return nil, fmt.Errorf("aggregator: pools are required")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = constants.DefaultProviderTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		pools:    cfg.Pools,
		external: cfg.External,
		toggles:  cfg.Toggles,
		timeout:  cfg.ProviderTimeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// ToggleKey is the flag key that switches a provider.
func ToggleKey(provider string) string {
	return "provider." + strings.ReplaceAll(provider, ":", ".")
}

// Providers discovers every enabled provider of a pair: the canonical pool,
// active anchor pools and configured external providers. A failed pool
// lookup drops the pools from this round; external providers still answer.
func (a *Aggregator) Providers(ctx context.Context, tokenIn, tokenOut string) []QuoteProvider {
	var out []QuoteProvider
	log := a.logger.WithFields(logrus.Fields{"token_in": tokenIn, "token_out": tokenOut})

	primary, err := a.pools.GetPool(ctx, tokenIn, tokenOut)
	switch {
	case err == nil:
		out = append(out, NewPoolProvider(primary))
	case errors.Is(err, models.ErrNotFound):
	default:
		log.WithError(err).Warn("primary pool lookup failed, skipping")
	}

	anchors, err := a.pools.ListAnchorPools(ctx, tokenIn, tokenOut)
	if err != nil {
		log.WithError(err).Warn("anchor pool lookup failed, skipping")
	}
	for _, p := range anchors {
		out = append(out, NewPoolProvider(p))
	}
	out = append(out, a.external...)

	enabled := out[:0]
	for _, p := range out {
		if a.toggles == nil || a.toggles.Enabled(ctx, ToggleKey(p.Name()), true) {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// GetAllQuotes queries every provider concurrently, each under its own
// timeout, and ranks the quotes that came back valid. Affinity "from" ranks
// by output descending, "to" by required input ascending. Ties keep
// discovery order.
func (a *Aggregator) GetAllQuotes(ctx context.Context, tokenIn, tokenOut string, amount *big.Int, affinity models.Affinity) (*Aggregation, error) {
	if affinity == "" {
		affinity = models.AffinityFrom
	}
	if !affinity.Valid() {
		return nil, fmt.Errorf("%w: affinity must be from or to", models.ErrInvalidInput)
	}
	if err := models.ValidateAddress("from", tokenIn); err != nil {
		return nil, err
	}
	if err := models.ValidateAddress("to", tokenOut); err != nil {
		return nil, err
	}
	if tokenIn == tokenOut {
		return nil, fmt.Errorf("%w: from and to must differ", models.ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	}

	providers := a.Providers(ctx, tokenIn, tokenOut)

	req := models.QuoteRequest{TokenIn: tokenIn, TokenOut: tokenOut, Amount: amount, Affinity: affinity}
	results := make([]*models.Quote, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			results[i] = a.query(ctx, p, req)
			return nil
		})
	}
	_ = g.Wait()

	agg := &Aggregation{ProvidersQueried: len(providers)}
	for _, q := range results {
		if q != nil {
			agg.Quotes = append(agg.Quotes, q)
		}
	}
	rank(agg.Quotes, affinity)
	if len(agg.Quotes) > 0 {
		agg.BestQuote = agg.Quotes[0]
	}

	a.logger.WithFields(logrus.Fields{
		"token_in":  tokenIn,
		"token_out": tokenOut,
		"amount":    amount.String(),
		"affinity":  affinity,
		"queried":   agg.ProvidersQueried,
		"quoted":    len(agg.Quotes),
	}).Debug("aggregated quotes")

	return agg, nil
}

// query runs one provider under the per-provider timeout. A provider that
// ignores its context is abandoned when the deadline passes.
func (a *Aggregator) query(ctx context.Context, p QuoteProvider, req models.QuoteRequest) *models.Quote {
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type answer struct {
		q   *models.Quote
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		q, err := p.Quote(pctx, req)
		ch <- answer{q, err}
	}()

	log := a.logger.WithField("provider", p.Name())

	var ans answer
	select {
	case ans = <-ch:
	case <-pctx.Done():
		ans = answer{err: pctx.Err()}
	}

	if ans.err != nil {
		status := "error"
		if errors.Is(ans.err, context.DeadlineExceeded) {
			status = "timeout"
		}
		metrics.RecordProviderQuote(p.Name(), status)
		log.WithError(ans.err).Debug("provider quote failed")
		return nil
	}
	if err := a.accept(p, req, ans.q); err != nil {
		metrics.RecordProviderQuote(p.Name(), "rejected")
		log.WithError(err).Warn("provider quote rejected")
		return nil
	}

	metrics.RecordProviderQuote(p.Name(), "ok")
	ans.q.Provider = p.Name()
	return ans.q
}

// accept checks that a quote answers the request and, when signed, that the
// signature is valid and the quote has not expired.
func (a *Aggregator) accept(p QuoteProvider, req models.QuoteRequest, q *models.Quote) error {
	if q == nil || q.AmountIn == nil || q.AmountOut == nil {
		return fmt.Errorf("incomplete quote")
	}
	if q.TokenIn != req.TokenIn || q.TokenOut != req.TokenOut {
		return fmt.Errorf("quote for %s/%s, asked %s/%s", q.TokenIn, q.TokenOut, req.TokenIn, req.TokenOut)
	}
	if q.AmountIn.Sign() <= 0 || q.AmountOut.Sign() <= 0 {
		return fmt.Errorf("non-positive amounts")
	}
	switch req.Affinity {
	case models.AffinityTo:
		if q.AmountOut.Cmp(req.Amount) < 0 {
			return fmt.Errorf("output %s below requested %s", q.AmountOut, req.Amount)
		}
	default:
		if q.AmountIn.Cmp(req.Amount) != 0 {
			return fmt.Errorf("input %s differs from requested %s", q.AmountIn, req.Amount)
		}
	}

	if sp, ok := p.(SignedProvider); ok && sp.SignerKey() != "" {
		if !q.Signed() {
			return fmt.Errorf("unsigned quote from signed provider")
		}
		if q.Signer != sp.SignerKey() {
			return fmt.Errorf("quote signed by %s, expected %s", q.Signer, sp.SignerKey())
		}
	}
	if !q.Signed() {
		return nil
	}

	if q.ExpiresAt == nil || !q.ExpiresAt.After(a.now()) {
		return fmt.Errorf("quote expired")
	}
	signer, err := solana.PublicKeyFromBase58(q.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}
	sig, err := solana.SignatureFromBase58(q.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !sig.Verify(signer, q.SigningPayload()) {
		return fmt.Errorf("signature does not match quote")
	}
	return nil
}

func rank(quotes []*models.Quote, affinity models.Affinity) {
	if affinity == models.AffinityTo {
		sort.SliceStable(quotes, func(i, j int) bool {
			return quotes[i].AmountIn.Cmp(quotes[j].AmountIn) < 0
		})
		return
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].AmountOut.Cmp(quotes[j].AmountOut) > 0
	})
}

// CreateExchange hands a chosen quote back to the provider that issued it.
func (a *Aggregator) CreateExchange(ctx context.Context, q *models.Quote, user string) (*models.Exchange, error) {
	if q == nil || q.Provider == "" {
		return nil, fmt.Errorf("%w: quote provider is required", models.ErrInvalidInput)
	}
	if err := models.ValidateAddress("user", user); err != nil {
		return nil, err
	}

	for _, p := range a.Providers(ctx, q.TokenIn, q.TokenOut) {
		if p.Name() != q.Provider {
			continue
		}
		ec, ok := p.(ExchangeCreator)
		if !ok {
			return nil, fmt.Errorf("%w: provider %s does not create exchanges", models.ErrInvalidInput, q.Provider)
		}
		return ec.CreateExchange(ctx, q, user)
	}
	return nil, fmt.Errorf("%w: provider %s", models.ErrNotFound, q.Provider)
}
