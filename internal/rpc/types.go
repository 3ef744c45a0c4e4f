package rpc

import (
	"fmt"
	"strings"
)

// RPCError represents a JSON-RPC error response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node-side error codes that clear up on their own.
const (
	codeBlockNotAvailable = -32004
	codeNodeUnhealthy     = -32005
	codeSlotSkipped       = -32007
	codeMinContextSlot    = -32016
)

// Transient reports whether retrying the same request can succeed.
func (e *RPCError) Transient() bool {
	switch e.Code {
	case codeBlockNotAvailable, codeNodeUnhealthy, codeSlotSkipped, codeMinContextSlot:
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "blockhash not found")
}

// StatusError is returned for non-200 HTTP responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.StatusCode == 429 {
		return "rate limited (429)"
	}
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Transient is true for rate limiting and server-side failures.
func (e *StatusError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TokenAmount represents token balance information
type TokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int    `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

// TokenBalanceResponse is the response from getTokenAccountBalance
type TokenBalanceResponse struct {
	Result *struct {
		Value TokenAmount `json:"value"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}

// AccountInfo is the subset of getAccountInfo the service reads.
type AccountInfo struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Executable bool     `json:"executable"`
	Data       []string `json:"data"`
}

// AccountInfoResponse is the response from getAccountInfo. Value is nil
// when the account does not exist.
type AccountInfoResponse struct {
	Result *struct {
		Value *AccountInfo `json:"value"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}

// BlockhashResponse is the response from getLatestBlockhash
type BlockhashResponse struct {
	Result *struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}

// SendResponse is the response from sendTransaction
type SendResponse struct {
	Result string    `json:"result"`
	Error  *RPCError `json:"error"`
}

// SignatureStatus is one entry of getSignatureStatuses
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *int        `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// SignatureStatusesResponse is the response from getSignatureStatuses
type SignatureStatusesResponse struct {
	Result *struct {
		Value []*SignatureStatus `json:"value"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}

// HealthResponse is the response from getHealth
type HealthResponse struct {
	Result string    `json:"result"`
	Error  *RPCError `json:"error"`
}

// TokenBalance is one entry of a transaction's pre or post token balances.
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta is the subset of getTransaction meta the service reads.
type TransactionMeta struct {
	Err               interface{}    `json:"err"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
}

// Transaction is the subset of getTransaction the service reads.
type Transaction struct {
	Slot uint64           `json:"slot"`
	Meta *TransactionMeta `json:"meta"`
}

// TransactionResponse is the response from getTransaction. Result is nil
// when the node does not know the signature at the requested commitment.
type TransactionResponse struct {
	Result *Transaction `json:"result"`
	Error  *RPCError    `json:"error"`
}
