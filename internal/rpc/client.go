package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is an HTTP client with retry and timeout support for Solana RPC
type Client struct {
	httpClient   *http.Client
	baseURL      string
	maxRetries   int
	retryBackoff time.Duration
	logger       *logrus.Logger
}

// ClientConfig holds configuration for the RPC client
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *logrus.Logger
}

// NewClient creates a new RPC client with retry support
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:      cfg.BaseURL,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
	}
}

// IsTransient reports whether err is worth retrying at a higher level:
// transport failures, 429/5xx responses and node-side RPC errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Transient()
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transportErr *transportError
	return errors.As(err, &transportErr) || errors.Is(err, context.DeadlineExceeded)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Call makes a JSON-RPC call with retry logic. Only transport failures and
// transient HTTP statuses are retried here; RPC-level errors are left in
// result for the caller.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
				"method":  method,
			}).Debug("retrying RPC call")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.doRequest(ctx, data)
		if err != nil {
			lastErr = err
			if !IsTransient(err) {
				return err
			}
			continue
		}

		if err := json.Unmarshal(resp, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}

	return body, nil
}

// GetHealth returns nil when the node reports "ok".
func (c *Client) GetHealth(ctx context.Context) error {
	var resp HealthResponse
	if err := c.Call(ctx, "getHealth", []any{}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.Result != "ok" {
		return fmt.Errorf("node health: %s", resp.Result)
	}
	return nil
}

// GetTokenAccountBalance returns the raw base-unit amount of a token account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account, commitment string) (string, error) {
	params := []any{account, map[string]any{"commitment": commitment}}

	var resp TokenBalanceResponse
	if err := c.Call(ctx, "getTokenAccountBalance", params, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	if resp.Result == nil {
		return "", fmt.Errorf("getTokenAccountBalance: empty result")
	}
	return resp.Result.Value.Amount, nil
}

// GetAccountInfo returns nil, nil when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, account, commitment string) (*AccountInfo, error) {
	params := []any{
		account,
		map[string]any{
			"encoding":   "base64",
			"commitment": commitment,
		},
	}

	var resp AccountInfoResponse
	if err := c.Call(ctx, "getAccountInfo", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, nil
	}
	return resp.Result.Value, nil
}

// GetLatestBlockhash returns the base58 blockhash at the given commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment string) (string, error) {
	params := []any{map[string]any{"commitment": commitment}}

	var resp BlockhashResponse
	if err := c.Call(ctx, "getLatestBlockhash", params, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	if resp.Result == nil {
		return "", fmt.Errorf("getLatestBlockhash: empty result")
	}
	return resp.Result.Value.Blockhash, nil
}

// SendTransaction submits a base64 encoded signed transaction.
func (c *Client) SendTransaction(ctx context.Context, encodedTx, preflightCommitment string) (string, error) {
	params := []any{
		encodedTx,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": preflightCommitment,
			"maxRetries":          0,
		},
	}

	var resp SendResponse
	if err := c.Call(ctx, "sendTransaction", params, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	return resp.Result, nil
}

// GetSignatureStatus returns nil when the signature is unknown to the node.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	params := []any{
		[]string{signature},
		map[string]any{"searchTransactionHistory": true},
	}

	var resp SignatureStatusesResponse
	if err := c.Call(ctx, "getSignatureStatuses", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil || len(resp.Result.Value) == 0 {
		return nil, nil
	}
	return resp.Result.Value[0], nil
}

// GetTransaction returns nil, nil when the signature is not known at the
// given commitment. Only "confirmed" and "finalized" are accepted by the node.
func (c *Client) GetTransaction(ctx context.Context, signature, commitment string) (*Transaction, error) {
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var resp TransactionResponse
	if err := c.Call(ctx, "getTransaction", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
