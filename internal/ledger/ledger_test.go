package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/rpc"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAddress() string { return solana.NewWallet().PublicKey().String() }

func TestParsePrivateKey(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	fromB58, err := ParsePrivateKey(base58.Encode(key))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromB58.PublicKey())

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, _ := json.Marshal(ints)
	fromJSON, err := ParsePrivateKey(string(raw))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromJSON.PublicKey())

	_, err = ParsePrivateKey("")
	assert.Error(t, err)
	_, err = ParsePrivateKey("[1,2,3]")
	assert.Error(t, err)
	_, err = ParsePrivateKey("not-base58-0OIl")
	assert.Error(t, err)
}

func TestValidate_SignerMustOwnDebits(t *testing.T) {
	pool, user, token := newAddress(), newAddress(), newAddress()

	err := validate([]Instruction{Transfer(token, pool, user, big.NewInt(5))}, SignerContext{OnBehalfOf: pool})
	assert.NoError(t, err)

	err = validate([]Instruction{Transfer(token, user, pool, big.NewInt(5))}, SignerContext{OnBehalfOf: pool})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = validate([]Instruction{Burn(token, user, big.NewInt(5))}, SignerContext{OnBehalfOf: pool})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = validate([]Instruction{Mint(token, user, big.NewInt(0))}, SignerContext{OnBehalfOf: pool})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = validate(nil, SignerContext{OnBehalfOf: pool})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCompile(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	pool, user, token, lp := newAddress(), newAddress(), newAddress(), newAddress()

	ixs, err := compile([]Instruction{
		Transfer(token, pool, user, big.NewInt(1000)),
		Mint(lp, user, big.NewInt(10)),
	}, authority)
	require.NoError(t, err)
	// create ATA + transfer + create ATA + mint
	require.Len(t, ixs, 4)

	data, err := ixs[1].Data()
	require.NoError(t, err)
	assert.Equal(t, byte(tokenIxTransfer), data[0])
	assert.Equal(t, solana.TokenProgramID, ixs[1].ProgramID())

	data, err = ixs[3].Data()
	require.NoError(t, err)
	assert.Equal(t, byte(tokenIxMintTo), data[0])

	tooBig := new(big.Int).Lsh(big.NewInt(1), 64)
	_, err = compile([]Instruction{Transfer(token, pool, user, tooBig)}, authority)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestMemoryLedger_AllOrNothing(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()
	m.SetBalance("pool", "A", big.NewInt(100))

	_, err := m.BuildAndSend(ctx, []Instruction{
		Transfer("A", "pool", "user", big.NewInt(60)),
		Transfer("A", "pool", "treasury", big.NewInt(60)),
	}, SignerContext{OnBehalfOf: "pool"})
	require.Error(t, err)

	bal, _ := m.GetBalance(ctx, "pool", "A")
	assert.Equal(t, int64(100), bal.Int64())
	bal, _ = m.GetBalance(ctx, "user", "A")
	assert.Zero(t, bal.Sign())

	r, err := m.BuildAndSend(ctx, []Instruction{
		Transfer("A", "pool", "user", big.NewInt(60)),
		Mint("LP", "user", big.NewInt(7)),
	}, SignerContext{OnBehalfOf: "pool"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.BlockHash)

	state, err := m.SignatureStatus(ctx, r.Signature)
	require.NoError(t, err)
	assert.Equal(t, SignatureConfirmed, state)
	assert.Equal(t, int64(2), m.Sends())
}

func TestMemoryLedger_FailNext(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()
	m.SetBalance("pool", "A", big.NewInt(100))
	transient := fmt.Errorf("send: %w", models.ErrTransientLedger)
	m.FailNext(transient)

	ixs := []Instruction{Transfer("A", "pool", "user", big.NewInt(1))}
	_, err := m.BuildAndSend(ctx, ixs, SignerContext{OnBehalfOf: "pool"})
	assert.True(t, IsTransient(err))

	_, err = m.BuildAndSend(ctx, ixs, SignerContext{OnBehalfOf: "pool"})
	assert.NoError(t, err)
}

// fakeNode answers the JSON-RPC methods SolanaClient uses.
func fakeNode(t *testing.T, blockhash solana.Hash, sendErr *rpc.RPCError) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		var rpcErr *rpc.RPCError
		switch req.Method {
		case "getHealth":
			result = "ok"
		case "getLatestBlockhash":
			result = map[string]any{"value": map[string]any{"blockhash": blockhash.String(), "lastValidBlockHeight": 100}}
		case "sendTransaction":
			result, rpcErr = "sig", sendErr
		case "getSignatureStatuses":
			result = map[string]any{"value": []any{map[string]any{"slot": 1, "confirmationStatus": "confirmed"}}}
		case "getTokenAccountBalance":
			rpcErr = &rpc.RPCError{Code: -32602, Message: "could not find account"}
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newSolanaClient(t *testing.T, url string) *SolanaClient {
	c, err := NewSolanaClient(SolanaConfig{
		RPC:            rpc.NewClient(rpc.ClientConfig{BaseURL: url, RetryBackoff: time.Millisecond}),
		ServiceKey:     solana.NewWallet().PrivateKey,
		ConfirmTimeout: time.Second,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestSolanaClient_BuildAndSend(t *testing.T) {
	blockhash := solana.Hash{1, 2, 3}
	srv := fakeNode(t, blockhash, nil)
	defer srv.Close()

	c := newSolanaClient(t, srv.URL)
	pool, user, token := newAddress(), newAddress(), newAddress()

	require.NoError(t, c.Ping(context.Background()))

	r, err := c.BuildAndSend(context.Background(),
		[]Instruction{Transfer(token, pool, user, big.NewInt(42))},
		SignerContext{OnBehalfOf: pool})
	require.NoError(t, err)
	assert.Equal(t, blockhash.String(), r.BlockHash)
	assert.NotEmpty(t, r.Signature)

	bal, err := c.GetBalance(context.Background(), pool, token)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestSolanaClient_SendRejected(t *testing.T) {
	srv := fakeNode(t, solana.Hash{9}, &rpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"})
	defer srv.Close()

	c := newSolanaClient(t, srv.URL)
	pool, user, token := newAddress(), newAddress(), newAddress()

	_, err := c.BuildAndSend(context.Background(),
		[]Instruction{Transfer(token, pool, user, big.NewInt(42))},
		SignerContext{OnBehalfOf: pool})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestMemoryLedger_DepositAndGetTransaction(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	sig := m.Deposit("user", "pool", map[string]*big.Int{"A": big.NewInt(40), "B": big.NewInt(7)})
	tx, err := m.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignatureConfirmed, tx.State)
	assert.Equal(t, "40", tx.Moved("pool", "A").String())
	assert.Equal(t, "-40", tx.Moved("user", "A").String())
	assert.Equal(t, "7", tx.Moved("pool", "B").String())
	assert.Zero(t, tx.Moved("pool", "C").Sign())

	bal, _ := m.GetBalance(ctx, "pool", "A")
	assert.Equal(t, int64(40), bal.Int64())

	// Only a confirmed transaction reports movements.
	m.RecordSignature(sig, SignatureFailed)
	tx, err = m.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignatureFailed, tx.State)
	assert.Empty(t, tx.Changes)

	tx, err = m.GetTransaction(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, SignatureUnknown, tx.State)
}

func TestMemoryLedger_SignedBeforeSubmit(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()
	m.SetBalance("pool", "A", big.NewInt(100))
	ixs := []Instruction{Transfer("A", "pool", "user", big.NewInt(10))}

	var signed []string
	record := SignerContext{OnBehalfOf: "pool", OnSigned: func(sig string) error {
		signed = append(signed, sig)
		return nil
	}}

	// The receipt is lost but the transfer landed under the recorded signature.
	m.LoseNextReceipts(fmt.Errorf("confirmation lost"))
	_, err := m.BuildAndSend(ctx, ixs, record)
	require.Error(t, err)
	require.Len(t, signed, 1)
	state, err := m.SignatureStatus(ctx, signed[0])
	require.NoError(t, err)
	assert.Equal(t, SignatureConfirmed, state)
	bal, _ := m.GetBalance(ctx, "user", "A")
	assert.Equal(t, int64(10), bal.Int64())

	// A failing hook stops the submission.
	_, err = m.BuildAndSend(ctx, ixs, SignerContext{OnBehalfOf: "pool", OnSigned: func(string) error {
		return fmt.Errorf("store down")
	}})
	require.Error(t, err)
	bal, _ = m.GetBalance(ctx, "user", "A")
	assert.Equal(t, int64(10), bal.Int64())
}

func TestBalanceChanges(t *testing.T) {
	amount := func(v string) rpc.TokenAmount { return rpc.TokenAmount{Amount: v} }
	pre := []rpc.TokenBalance{
		{AccountIndex: 1, Mint: "A", Owner: "user", UITokenAmount: amount("500")},
		{AccountIndex: 2, Mint: "A", Owner: "pool", UITokenAmount: amount("1000")},
		{AccountIndex: 3, Mint: "B", Owner: "pool", UITokenAmount: amount("9")},
	}
	post := []rpc.TokenBalance{
		{AccountIndex: 1, Mint: "A", Owner: "user", UITokenAmount: amount("400")},
		{AccountIndex: 2, Mint: "A", Owner: "pool", UITokenAmount: amount("1100")},
		{AccountIndex: 3, Mint: "B", Owner: "pool", UITokenAmount: amount("9")},
		// Created in the transaction, no pre entry.
		{AccountIndex: 4, Mint: "C", Owner: "user", UITokenAmount: amount("3")},
	}

	changes, err := balanceChanges(pre, post)
	require.NoError(t, err)
	tx := &Transaction{Changes: changes}
	assert.Len(t, changes, 3, "unchanged balances are dropped")
	assert.Equal(t, "-100", tx.Moved("user", "A").String())
	assert.Equal(t, "100", tx.Moved("pool", "A").String())
	assert.Equal(t, "3", tx.Moved("user", "C").String())

	_, err = balanceChanges([]rpc.TokenBalance{{Mint: "A", Owner: "x", UITokenAmount: amount("1.5")}}, nil)
	assert.Error(t, err)
}

func TestSolanaClient_GetTransaction(t *testing.T) {
	pool, user, mint := newAddress(), newAddress(), newAddress()
	var meta map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		switch req.Method {
		case "getTransaction":
			if meta == nil {
				resp["result"] = nil
			} else {
				resp["result"] = map[string]any{"slot": 7, "meta": meta}
			}
		case "getSignatureStatuses":
			resp["result"] = map[string]any{"value": []any{nil}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newSolanaClient(t, srv.URL)
	sig := solana.Signature{1, 2, 3}.String()
	ctx := context.Background()

	tx, err := c.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignatureUnknown, tx.State)

	balance := func(idx int, owner, amt string) map[string]any {
		return map[string]any{"accountIndex": idx, "mint": mint, "owner": owner, "uiTokenAmount": map[string]any{"amount": amt, "decimals": 6}}
	}
	meta = map[string]any{
		"err":               nil,
		"preTokenBalances":  []any{balance(1, user, "50000"), balance(2, pool, "0")},
		"postTokenBalances": []any{balance(1, user, "40000"), balance(2, pool, "10000")},
	}
	tx, err = c.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignatureConfirmed, tx.State)
	assert.Equal(t, "10000", tx.Moved(pool, mint).String())
	assert.Equal(t, "-10000", tx.Moved(user, mint).String())

	meta["err"] = map[string]any{"InstructionError": []any{0, "Custom"}}
	tx, err = c.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignatureFailed, tx.State)
	assert.Empty(t, tx.Changes)

	_, err = c.GetTransaction(ctx, "not-a-signature")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
