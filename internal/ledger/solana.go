package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/rpc"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

// rpc error code returned when a token account does not exist.
const codeInvalidParams = -32602

// SolanaConfig holds configuration for the Solana ledger client
type SolanaConfig struct {
	RPC *rpc.Client

	// ServiceKey signs leg 2. It is the delegate of every pool vault and the
	// mint authority of every LP token.
	ServiceKey solana.PrivateKey

	Commitment     string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *logrus.Logger
}

// SolanaClient implements Client against Solana JSON-RPC.
type SolanaClient struct {
	rpc            *rpc.Client
	priv           solana.PrivateKey
	pub            solana.PublicKey
	commitment     string
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *logrus.Logger
}

var _ Client = (*SolanaClient)(nil)

func NewSolanaClient(cfg SolanaConfig) (*SolanaClient, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("ledger: rpc client is required")
	}
	if len(cfg.ServiceKey) == 0 {
		return nil, fmt.Errorf("ledger: service key is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &SolanaClient{
		rpc:            cfg.RPC,
		priv:           cfg.ServiceKey,
		pub:            cfg.ServiceKey.PublicKey(),
		commitment:     cfg.Commitment,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         cfg.Logger,
	}, nil
}

// ServiceAddress is the public key that signs leg 2.
func (c *SolanaClient) ServiceAddress() string { return c.pub.String() }

func (c *SolanaClient) Ping(ctx context.Context) error {
	if err := c.rpc.GetHealth(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// GetBalance reads the owner's associated token account. A missing account
// has a zero balance.
func (c *SolanaClient) GetBalance(ctx context.Context, account, token string) (*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("%w: account: %v", models.ErrInvalidInput, err)
	}
	mint, err := solana.PublicKeyFromBase58(token)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %v", models.ErrInvalidInput, err)
	}
	ata, err := FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("derive token account: %w", err)
	}

	raw, err := c.rpc.GetTokenAccountBalance(ctx, ata.String(), c.commitment)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeInvalidParams {
			return new(big.Int), nil
		}
		return nil, classify("get balance", err)
	}

	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("get balance: invalid amount %q", raw)
	}
	return amount, nil
}

func (c *SolanaClient) GetAccountInfo(ctx context.Context, account string) (*AccountInfo, error) {
	if _, err := solana.PublicKeyFromBase58(account); err != nil {
		return nil, fmt.Errorf("%w: account: %v", models.ErrInvalidInput, err)
	}
	info, err := c.rpc.GetAccountInfo(ctx, account, c.commitment)
	if err != nil {
		return nil, classify("get account info", err)
	}
	if info == nil {
		return &AccountInfo{Address: account}, nil
	}
	return &AccountInfo{
		Address:  account,
		Exists:   true,
		Lamports: info.Lamports,
		Owner:    info.Owner,
	}, nil
}

// BuildAndSend signs and submits the batch, then polls until the configured
// commitment is reached. Only failures that happen before the node accepted
// the transaction are transient; once it may have landed, errors are
// permanent so a retry never pays twice.
func (c *SolanaClient) BuildAndSend(ctx context.Context, ixs []Instruction, signer SignerContext) (*Receipt, error) {
	if err := validate(ixs, signer); err != nil {
		return nil, err
	}
	compiled, err := compile(ixs, c.pub)
	if err != nil {
		return nil, err
	}

	hashStr, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return nil, classify("get blockhash", err)
	}
	blockhash, err := solana.HashFromBase58(hashStr)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash format: %w", err)
	}

	tx, err := solana.NewTransaction(compiled, blockhash, solana.TransactionPayer(c.pub))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.pub) {
			return &c.priv
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	sig := tx.Signatures[0].String()

	log := c.logger.WithFields(logrus.Fields{
		"signature":    sig,
		"on_behalf_of": signer.OnBehalfOf,
		"instructions": len(ixs),
	})

	if signer.OnSigned != nil {
		if err := signer.OnSigned(sig); err != nil {
			return nil, fmt.Errorf("record signature %s: %w", sig, err)
		}
	}

	if _, err := c.rpc.SendTransaction(ctx, base64.StdEncoding.EncodeToString(txBytes), c.commitment); err != nil {
		var rpcErr *rpc.RPCError
		var statusErr *rpc.StatusError
		if errors.As(err, &rpcErr) || errors.As(err, &statusErr) {
			// The node answered, so the transaction was rejected, not lost.
			return nil, classify("send transaction", err)
		}
		log.WithError(err).Error("send outcome unknown")
		return nil, fmt.Errorf("send transaction %s: outcome unknown: %w", sig, err)
	}
	log.Debug("transaction submitted")

	if err := c.confirm(ctx, sig); err != nil {
		return nil, err
	}
	log.Info("transaction confirmed")

	return &Receipt{Signature: sig, BlockHash: blockhash.String()}, nil
}

// confirm polls getSignatureStatuses with capped exponential backoff.
func (c *SolanaClient) confirm(ctx context.Context, sig string) error {
	deadline := time.Now().Add(c.confirmTimeout)
	backoff := c.pollInterval
	maxBackoff := 4 * time.Second

	for time.Now().Before(deadline) {
		state, err := c.SignatureStatus(ctx, sig)
		switch {
		case err != nil && !IsTransient(err):
			return fmt.Errorf("confirm %s: %w", sig, err)
		case state == SignatureConfirmed:
			return nil
		case state == SignatureFailed:
			return fmt.Errorf("transaction %s failed on ledger", sig)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	return fmt.Errorf("transaction %s not confirmed after %v", sig, c.confirmTimeout)
}

func (c *SolanaClient) SignatureStatus(ctx context.Context, signature string) (SignatureState, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return SignatureUnknown, fmt.Errorf("%w: signature: %v", models.ErrInvalidInput, err)
	}

	status, err := c.rpc.GetSignatureStatus(ctx, signature)
	if err != nil {
		return SignatureUnknown, classify("signature status", err)
	}
	if status == nil || status.ConfirmationStatus == "" {
		return SignatureUnknown, nil
	}
	if status.Err != nil {
		return SignatureFailed, nil
	}

	switch c.commitment {
	case "finalized":
		if status.ConfirmationStatus == "finalized" {
			return SignatureConfirmed, nil
		}
	case "processed":
		return SignatureConfirmed, nil
	default:
		if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
			return SignatureConfirmed, nil
		}
	}
	return SignaturePending, nil
}

// GetTransaction derives per owner token movements from the pre and post
// token balances. The node serves getTransaction at confirmed or finalized
// only, so a processed commitment is read as confirmed.
func (c *SolanaClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", models.ErrInvalidInput, err)
	}

	commitment := c.commitment
	if commitment == "processed" {
		commitment = "confirmed"
	}
	raw, err := c.rpc.GetTransaction(ctx, signature, commitment)
	if err != nil {
		return nil, classify("get transaction", err)
	}

	tx := &Transaction{Signature: signature, State: SignatureUnknown}
	if raw == nil || raw.Meta == nil {
		// Not at our commitment yet; the status tells pending from unknown.
		state, err := c.SignatureStatus(ctx, signature)
		if err != nil {
			return nil, err
		}
		if state == SignatureConfirmed {
			state = SignaturePending
		}
		tx.State = state
		return tx, nil
	}
	if raw.Meta.Err != nil {
		tx.State = SignatureFailed
		return tx, nil
	}
	tx.State = SignatureConfirmed

	changes, err := balanceChanges(raw.Meta.PreTokenBalances, raw.Meta.PostTokenBalances)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", signature, err)
	}
	tx.Changes = changes
	return tx, nil
}

// balanceChanges nets post minus pre per token account and folds accounts
// into their owners. Accounts created in the transaction have no pre entry.
func balanceChanges(pre, post []rpc.TokenBalance) ([]BalanceChange, error) {
	type key struct{ owner, mint string }
	deltas := make(map[key]*big.Int)
	var order []key

	add := func(b rpc.TokenBalance, sign int) error {
		amt, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10)
		if !ok {
			return fmt.Errorf("invalid token amount %q", b.UITokenAmount.Amount)
		}
		k := key{b.Owner, b.Mint}
		d, seen := deltas[k]
		if !seen {
			d = new(big.Int)
			deltas[k] = d
			order = append(order, k)
		}
		if sign < 0 {
			d.Sub(d, amt)
		} else {
			d.Add(d, amt)
		}
		return nil
	}
	for _, b := range pre {
		if err := add(b, -1); err != nil {
			return nil, err
		}
	}
	for _, b := range post {
		if err := add(b, 1); err != nil {
			return nil, err
		}
	}

	out := make([]BalanceChange, 0, len(order))
	for _, k := range order {
		if d := deltas[k]; d.Sign() != 0 {
			out = append(out, BalanceChange{Owner: k.owner, Token: k.mint, Delta: d})
		}
	}
	return out, nil
}

// classify tags retryable rpc failures with models.ErrTransientLedger.
func classify(op string, err error) error {
	if rpc.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrTransientLedger, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
