// Package ledger is the adapter between the settlement logic and the
// account-based ledger. Amounts are raw base units.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

type InstructionKind string

const (
	KindTransfer InstructionKind = "transfer"
	KindMint     InstructionKind = "mint"
	KindBurn     InstructionKind = "burn"
)

// Instruction moves, creates or destroys Amount of Token.
//
//	transfer: From -> To
//	mint:     new supply -> To
//	burn:     From -> destroyed
//
// From and To are account owners; the adapter resolves token accounts.
type Instruction struct {
	Kind   InstructionKind
	Token  string
	From   string
	To     string
	Amount *big.Int
}

func Transfer(token, from, to string, amount *big.Int) Instruction {
	return Instruction{Kind: KindTransfer, Token: token, From: from, To: to, Amount: amount}
}

func Mint(token, to string, amount *big.Int) Instruction {
	return Instruction{Kind: KindMint, Token: token, To: to, Amount: amount}
}

func Burn(token, from string, amount *big.Int) Instruction {
	return Instruction{Kind: KindBurn, Token: token, From: from, Amount: amount}
}

// SignerContext names the account the service signs for. Every transfer and
// burn in a batch must debit that account.
type SignerContext struct {
	OnBehalfOf string

	// OnSigned, when set, runs after the transaction is signed and before it
	// is submitted. An error aborts the submission.
	OnSigned func(signature string) error
}

// Receipt identifies a confirmed ledger transaction.
type Receipt struct {
	Signature string `json:"signature"`
	BlockHash string `json:"block_hash"`
}

type AccountInfo struct {
	Address  string `json:"address"`
	Exists   bool   `json:"exists"`
	Lamports uint64 `json:"lamports"`
	Owner    string `json:"owner,omitempty"`
}

// BalanceChange is the net change of one owner's balance of one token
// within a transaction.
type BalanceChange struct {
	Owner string   `json:"owner"`
	Token string   `json:"token"`
	Delta *big.Int `json:"delta"`
}

// Transaction is a ledger transaction as seen by the adapter.
type Transaction struct {
	Signature string          `json:"signature"`
	State     SignatureState  `json:"state"`
	Changes   []BalanceChange `json:"changes,omitempty"`
}

// Moved sums the changes of owner in token. Credits are positive.
func (t *Transaction) Moved(owner, token string) *big.Int {
	sum := new(big.Int)
	for _, ch := range t.Changes {
		if ch.Owner == owner && ch.Token == token && ch.Delta != nil {
			sum.Add(sum, ch.Delta)
		}
	}
	return sum
}

type SignatureState string

const (
	SignatureUnknown   SignatureState = "unknown"
	SignaturePending   SignatureState = "pending"
	SignatureConfirmed SignatureState = "confirmed"
	SignatureFailed    SignatureState = "failed"
)

// Client is what the coordinator, registry and sweeper need from the ledger.
// Errors worth retrying wrap models.ErrTransientLedger.
type Client interface {
	// Ping checks the node and the service signer.
	Ping(ctx context.Context) error
	GetBalance(ctx context.Context, account, token string) (*big.Int, error)
	GetAccountInfo(ctx context.Context, account string) (*AccountInfo, error)
	// BuildAndSend submits all instructions as one transaction and waits for
	// confirmation.
	BuildAndSend(ctx context.Context, ixs []Instruction, signer SignerContext) (*Receipt, error)
	SignatureStatus(ctx context.Context, signature string) (SignatureState, error)
	// GetTransaction returns the transaction's state and token balance
	// changes. An unknown signature has state SignatureUnknown and no changes.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrTransientLedger)
}

// validate checks a batch before anything is signed.
func validate(ixs []Instruction, signer SignerContext) error {
	if len(ixs) == 0 {
		return fmt.Errorf("%w: empty instruction batch", models.ErrInvalidInput)
	}
	if signer.OnBehalfOf == "" {
		return fmt.Errorf("%w: signer context has no account", models.ErrInvalidInput)
	}
	for i, ix := range ixs {
		if ix.Token == "" {
			return fmt.Errorf("%w: instruction %d has no token", models.ErrInvalidInput, i)
		}
		if ix.Amount == nil || ix.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: instruction %d amount must be positive", models.ErrInvalidInput, i)
		}
		switch ix.Kind {
		case KindTransfer:
			if ix.To == "" {
				return fmt.Errorf("%w: transfer %d has no destination", models.ErrInvalidInput, i)
			}
			fallthrough
		case KindBurn:
			if ix.From != signer.OnBehalfOf {
				return fmt.Errorf("%w: instruction %d debits %s, signer acts for %s",
					models.ErrInvalidInput, i, ix.From, signer.OnBehalfOf)
			}
		case KindMint:
			if ix.To == "" {
				return fmt.Errorf("%w: mint %d has no destination", models.ErrInvalidInput, i)
			}
		default:
			return fmt.Errorf("%w: unknown instruction kind %q", models.ErrInvalidInput, ix.Kind)
		}
	}
	return nil
}
