package fxanchor

import "time"

// QuoteRequest fixes exactly one of SellAmount and BuyAmount. Amounts are
// raw integer base units as strings.
type QuoteRequest struct {
	SellAsset  string `json:"sell_asset"`
	BuyAsset   string `json:"buy_asset"`
	SellAmount string `json:"sell_amount,omitempty"`
	BuyAmount  string `json:"buy_amount,omitempty"`
}

// QuoteResponse is a firm quote, signed by the anchor over the fields the
// aggregator checks.
type QuoteResponse struct {
	ID         string    `json:"id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Price      string    `json:"price"`
	SellAsset  string    `json:"sell_asset"`
	SellAmount string    `json:"sell_amount"`
	BuyAsset   string    `json:"buy_asset"`
	BuyAmount  string    `json:"buy_amount"`
	FeeBps     uint16    `json:"fee_bps"`
	Signature  string    `json:"signature"`
	Signer     string    `json:"signer"`
}

type ExchangeRequest struct {
	QuoteID string `json:"quote_id"`
	Account string `json:"account"`
}

// ExchangeResponse tells the user where to send leg 1.
type ExchangeResponse struct {
	ID             string    `json:"id"`
	QuoteID        string    `json:"quote_id"`
	DepositAddress string    `json:"deposit_address"`
	ExpiresAt      time.Time `json:"expires_at"`
}
