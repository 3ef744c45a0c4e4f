package models

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ValidateAddress checks that s is a base58 ledger public key.
func ValidateAddress(field, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if _, err := solana.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("%w: %s is not a valid address", ErrInvalidInput, field)
	}
	return nil
}
