package constants

import "time"

// Redis keys
const (
	RedisKeyPoolLockPrefix = "lock:pool:"
	RedisKeyFlagsIndex     = "flags:index"
	RedisKeyFlagPrefix     = "flags:"
)

// Redis Pub/Sub channels
const (
	PubSubChannelSettlements     = "settlements:all"
	PubSubChannelPoolPrefix      = "settlements:pool:"
	PubSubChannelStatePrefix     = "settlements:state:"
	PubSubChannelReconciliations = "settlements:reconciliations"
)

// Settlement defaults
const (
	DefaultSlippageBps     = 50
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultMaxRetryBackoff = 5 * time.Second
	DefaultCompleteTimeout = 20 * time.Second
	DefaultPoolLockTTL     = 2 * time.Minute
)

// Aggregator defaults
const (
	DefaultProviderTimeout = 3 * time.Second
	DefaultQuoteValidity   = 30 * time.Second
)

// Background jobs
const (
	DefaultAuditInterval = 5 * time.Minute
	DefaultSweepInterval = 1 * time.Hour
)

// Seeds for program-derived addresses.
const (
	SeedPool    = "pool"
	SeedLPMint  = "lp_mint"
	SeedAnchor  = "anchor"
	SeedPrimary = "primary"
)

// Well-known token mints to symbols, used by the quote CLI.
var TokenSymbols = map[string]string{
	"So11111111111111111111111111111111111111112":  "SOL",
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT",
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  "mSOL",
	"7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs": "ETH",
	"3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh": "BTC",
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": "BONK",
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  "JUP",
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": "RAY",
}

// MintForSymbol returns the mint for a known symbol.
func MintForSymbol(symbol string) (string, bool) {
	for mint, s := range TokenSymbols {
		if s == symbol {
			return mint, true
		}
	}
	return "", false
}
