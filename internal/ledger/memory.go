package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// MemoryLedger is an in-process ledger for development and tests. A batch
// applies all of its instructions or none.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]map[string]*big.Int
	signatures map[string]SignatureState
	txs        map[string]*Transaction
	failures   []error
	lost       []error
	down       bool

	sends        atomic.Int64
	balanceReads atomic.Int64

	// BeforeSend runs outside the lock before each batch is applied.
	BeforeSend func(ixs []Instruction)
}

var _ Client = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[string]map[string]*big.Int),
		signatures: make(map[string]SignatureState),
		txs:        make(map[string]*Transaction),
	}
}

// SetBalance overwrites the balance of account in token.
func (m *MemoryLedger) SetBalance(account, token string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(account)[token] = new(big.Int).Set(amount)
}

// Credit adds amount, as a user's leg 1 would.
func (m *MemoryLedger) Credit(account, token string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balance(account, token)
	bal.Add(bal, amount)
}

// FailNext queues errors returned by the next BuildAndSend calls, in order.
func (m *MemoryLedger) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetDown makes Ping fail.
func (m *MemoryLedger) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// LoseNextReceipts makes the next BuildAndSend calls land on the ledger but
// return the given errors, as when confirmation is lost in transit.
func (m *MemoryLedger) LoseNextReceipts(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, errs...)
}

// RecordSignature sets the state the ledger reports for sig.
func (m *MemoryLedger) RecordSignature(sig string, state SignatureState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[sig] = state
	if tx, ok := m.txs[sig]; ok {
		tx.State = state
	}
}

// Deposit applies a user-signed transfer of amounts from one owner to
// another, the way a leg 1 lands, and returns its signature. The sender is
// not debited, as if funded from outside the ledger.
func (m *MemoryLedger) Deposit(from, to string, amounts map[string]*big.Int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := uuid.NewString()
	tx := &Transaction{Signature: sig, State: SignatureConfirmed}
	for token, amt := range amounts {
		bal := m.balance(to, token)
		bal.Add(bal, amt)
		tx.Changes = append(tx.Changes,
			BalanceChange{Owner: from, Token: token, Delta: new(big.Int).Neg(amt)},
			BalanceChange{Owner: to, Token: token, Delta: new(big.Int).Set(amt)},
		)
	}
	m.txs[sig] = tx
	m.signatures[sig] = SignatureConfirmed
	return sig
}

// Sends counts BuildAndSend calls, including failed ones.
func (m *MemoryLedger) Sends() int64 { return m.sends.Load() }

// BalanceReads counts GetBalance calls.
func (m *MemoryLedger) BalanceReads() int64 { return m.balanceReads.Load() }

func (m *MemoryLedger) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return fmt.Errorf("ping: %w: ledger unavailable", models.ErrTransientLedger)
	}
	return nil
}

func (m *MemoryLedger) GetBalance(_ context.Context, account, token string) (*big.Int, error) {
	m.balanceReads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(account, token)), nil
}

func (m *MemoryLedger) GetAccountInfo(_ context.Context, account string) (*AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.balances[account]
	return &AccountInfo{Address: account, Exists: ok}, nil
}

func (m *MemoryLedger) BuildAndSend(_ context.Context, ixs []Instruction, signer SignerContext) (*Receipt, error) {
	m.sends.Add(1)
	if err := validate(ixs, signer); err != nil {
		return nil, err
	}
	sig := uuid.NewString()
	if signer.OnSigned != nil {
		if err := signer.OnSigned(sig); err != nil {
			return nil, fmt.Errorf("record signature %s: %w", sig, err)
		}
	}
	if hook := m.BeforeSend; hook != nil {
		hook(ixs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}

	// Dry run on copies first so a failing instruction leaves no trace.
	staged := make(map[[2]string]*big.Int)
	var order [][2]string
	get := func(account, token string) *big.Int {
		k := [2]string{account, token}
		if v, ok := staged[k]; ok {
			return v
		}
		v := new(big.Int).Set(m.balance(account, token))
		staged[k] = v
		order = append(order, k)
		return v
	}
	for i, ix := range ixs {
		switch ix.Kind {
		case KindTransfer:
			from := get(ix.From, ix.Token)
			if from.Cmp(ix.Amount) < 0 {
				return nil, fmt.Errorf("instruction %d: insufficient funds in %s: have %s, need %s", i, ix.From, from, ix.Amount)
			}
			from.Sub(from, ix.Amount)
			to := get(ix.To, ix.Token)
			to.Add(to, ix.Amount)
		case KindMint:
			to := get(ix.To, ix.Token)
			to.Add(to, ix.Amount)
		case KindBurn:
			from := get(ix.From, ix.Token)
			if from.Cmp(ix.Amount) < 0 {
				return nil, fmt.Errorf("instruction %d: burn exceeds balance of %s", i, ix.From)
			}
			from.Sub(from, ix.Amount)
		}
	}

	tx := &Transaction{Signature: sig, State: SignatureConfirmed}
	for _, k := range order {
		before := m.balance(k[0], k[1])
		if d := new(big.Int).Sub(staged[k], before); d.Sign() != 0 {
			tx.Changes = append(tx.Changes, BalanceChange{Owner: k[0], Token: k[1], Delta: d})
		}
		m.account(k[0])[k[1]] = staged[k]
	}
	m.txs[sig] = tx
	m.signatures[sig] = SignatureConfirmed

	if len(m.lost) > 0 {
		err := m.lost[0]
		m.lost = m.lost[1:]
		return nil, err
	}
	return &Receipt{Signature: sig, BlockHash: fmt.Sprintf("mem-%d", m.sends.Load())}, nil
}

func (m *MemoryLedger) SignatureStatus(_ context.Context, signature string) (SignatureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.signatures[signature]; ok {
		return st, nil
	}
	return SignatureUnknown, nil
}

func (m *MemoryLedger) GetTransaction(_ context.Context, signature string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &Transaction{Signature: signature, State: SignatureUnknown}
	if st, ok := m.signatures[signature]; ok {
		out.State = st
	}
	if tx, ok := m.txs[signature]; ok && out.State == SignatureConfirmed {
		for _, ch := range tx.Changes {
			out.Changes = append(out.Changes, BalanceChange{Owner: ch.Owner, Token: ch.Token, Delta: new(big.Int).Set(ch.Delta)})
		}
	}
	return out, nil
}

func (m *MemoryLedger) account(account string) map[string]*big.Int {
	acct, ok := m.balances[account]
	if !ok {
		acct = make(map[string]*big.Int)
		m.balances[account] = acct
	}
	return acct
}

func (m *MemoryLedger) balance(account, token string) *big.Int {
	acct := m.account(account)
	bal, ok := acct[token]
	if !ok {
		bal = new(big.Int)
		acct[token] = bal
	}
	return bal
}
