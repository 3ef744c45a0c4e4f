package models

import (
	"fmt"
	"math/big"
	"time"
)

// Affinity says which side of a quote request is fixed.
type Affinity string

const (
	// AffinityFrom fixes the input amount and asks for the output.
	AffinityFrom Affinity = "from"
	// AffinityTo fixes the desired output and asks for the required input.
	AffinityTo Affinity = "to"
)

func (a Affinity) Valid() bool { return a == AffinityFrom || a == AffinityTo }

type QuoteRequest struct {
	TokenIn  string
	TokenOut string
	Amount   *big.Int
	Affinity Affinity
}

// Quote is computed per request and never persisted.
type Quote struct {
	Provider    string   `json:"provider"`
	PoolAddress string   `json:"pool_address,omitempty"`
	TokenIn     string   `json:"token_in"`
	TokenOut    string   `json:"token_out"`
	AmountIn    *big.Int `json:"amount_in"`
	AmountOut   *big.Int `json:"amount_out"`
	FeeBps      uint16   `json:"fee_bps"`
	FeeAmount   *big.Int `json:"fee_amount,omitempty"`
	PriceImpact float64  `json:"price_impact"`

	// Signed quotes from external providers.
	QuoteID   string     `json:"quote_id,omitempty"`
	Rate      string     `json:"rate,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Signer    string     `json:"signer,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (q *Quote) Signed() bool { return q.Signature != "" }

// SigningPayload is the message an external provider signs for a quote.
func (q *Quote) SigningPayload() []byte {
	var expires int64
	if q.ExpiresAt != nil {
		expires = q.ExpiresAt.Unix()
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		q.QuoteID, q.TokenIn, CloneInt(q.AmountIn), q.TokenOut, CloneInt(q.AmountOut), q.Rate, expires))
}

// Exchange describes how the client funds leg 1 against a chosen quote.
type Exchange struct {
	Provider       string     `json:"provider"`
	ExchangeID     string     `json:"exchange_id,omitempty"`
	PoolAddress    string     `json:"pool_address,omitempty"`
	DepositAddress string     `json:"deposit_address"`
	TokenIn        string     `json:"token_in"`
	TokenOut       string     `json:"token_out"`
	AmountIn       *big.Int   `json:"amount_in"`
	AmountOut      *big.Int   `json:"amount_out"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
