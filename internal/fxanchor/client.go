// Package fxanchor is an HTTP client for external FX anchors that sell
// firm, signed quotes for a token pair.
package fxanchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// maxPriceDrift is how far buy_amount may stray from sell_amount * price.
var maxPriceDrift = decimal.New(1, -3)

type Config struct {
	// Name identifies the anchor among quote providers.
	Name    string
	BaseURL string
	APIKey  string
	// Signer is the base58 key the anchor signs quotes with.
	Signer  string
	Timeout time.Duration
	// RateLimit is requests per second, zero for no limit.
	RateLimit float64
	Burst     int
}

type Client struct {
	name    string
	baseURL string
	apiKey  string
	signer  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("fxanchor: base url is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("fxanchor: name is required")
	}
	if cfg.Signer != "" {
		if err := models.ValidateAddress("signer", cfg.Signer); err != nil {
			return nil, fmt.Errorf("fxanchor: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &Client{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		signer:  cfg.Signer,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}, nil
}

type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("fxanchor http %d", e.StatusCode)
	}
	return fmt.Sprintf("fxanchor http %d: %s", e.StatusCode, b)
}

func (c *Client) Name() string { return c.name }

// SignerKey is the key every quote from this anchor must be signed with.
func (c *Client) SignerKey() string { return c.signer }

// RequestQuote asks the anchor for a firm quote.
func (c *Client) RequestQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if strings.TrimSpace(req.SellAsset) == "" {
		return nil, fmt.Errorf("sell_asset is required")
	}
	if strings.TrimSpace(req.BuyAsset) == "" {
		return nil, fmt.Errorf("buy_asset is required")
	}
	if (req.SellAmount == "") == (req.BuyAmount == "") {
		return nil, fmt.Errorf("exactly one of sell_amount and buy_amount is required")
	}

	var out QuoteResponse
	if err := c.post(ctx, "/quote", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quote implements the aggregator provider contract.
func (c *Client) Quote(ctx context.Context, req models.QuoteRequest) (*models.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	}

	qr := QuoteRequest{SellAsset: req.TokenIn, BuyAsset: req.TokenOut}
	if req.Affinity == models.AffinityTo {
		qr.BuyAmount = req.Amount.String()
	} else {
		qr.SellAmount = req.Amount.String()
	}

	resp, err := c.RequestQuote(ctx, qr)
	if err != nil {
		return nil, err
	}
	return c.toQuote(resp)
}

// CreateExchange accepts a quote and returns where the user funds leg 1.
func (c *Client) CreateExchange(ctx context.Context, q *models.Quote, user string) (*models.Exchange, error) {
	if q == nil || q.QuoteID == "" {
		return nil, fmt.Errorf("%w: quote id is required", models.ErrInvalidInput)
	}

	var out ExchangeResponse
	if err := c.post(ctx, "/exchanges", ExchangeRequest{QuoteID: q.QuoteID, Account: user}, &out); err != nil {
		return nil, err
	}
	if err := models.ValidateAddress("deposit_address", out.DepositAddress); err != nil {
		return nil, fmt.Errorf("fxanchor %s: %w", c.name, err)
	}

	expires := out.ExpiresAt
	return &models.Exchange{
		Provider:       c.name,
		ExchangeID:     out.ID,
		DepositAddress: out.DepositAddress,
		TokenIn:        q.TokenIn,
		TokenOut:       q.TokenOut,
		AmountIn:       models.CloneInt(q.AmountIn),
		AmountOut:      models.CloneInt(q.AmountOut),
		ExpiresAt:      &expires,
	}, nil
}

// toQuote converts the wire quote and checks that its amounts agree with
// its price.
func (c *Client) toQuote(resp *QuoteResponse) (*models.Quote, error) {
	sell, err := parseAmount("sell_amount", resp.SellAmount)
	if err != nil {
		return nil, err
	}
	buy, err := parseAmount("buy_amount", resp.BuyAmount)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("fxanchor %s: invalid price %q", c.name, resp.Price)
	}

	implied := decimal.NewFromBigInt(sell, 0).Mul(price)
	actual := decimal.NewFromBigInt(buy, 0)
	if implied.Sub(actual).Abs().Div(actual).GreaterThan(maxPriceDrift) {
		return nil, fmt.Errorf("fxanchor %s: buy amount %s inconsistent with price %s", c.name, buy, price)
	}

	expires := resp.ExpiresAt
	return &models.Quote{
		Provider:  c.name,
		TokenIn:   resp.SellAsset,
		TokenOut:  resp.BuyAsset,
		AmountIn:  sell,
		AmountOut: buy,
		FeeBps:    resp.FeeBps,
		QuoteID:   resp.ID,
		Rate:      resp.Price,
		Signature: resp.Signature,
		Signer:    resp.Signer,
		ExpiresAt: &expires,
	}, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return nil, fmt.Errorf("fxanchor: %s must be a positive integer, got %q", field, s)
	}
	return d.BigInt(), nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("accept", "application/json")
	httpReq.Header.Set("content-type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &HTTPError{StatusCode: res.StatusCode, Body: raw}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode fxanchor response: %w", err)
	}
	return nil
}
