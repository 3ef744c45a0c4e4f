package models

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with fmt.Errorf
// and match them with errors.Is.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrDuplicatePair         = errors.New("pool already exists for pair")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrTransientLedger       = errors.New("transient ledger failure")
	ErrSettlementIncomplete  = errors.New("settlement incomplete")
)
