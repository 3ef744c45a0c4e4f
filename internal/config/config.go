package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

type Config struct {
	LogLevel string
	DevMode  bool

	// HTTP API
	APIAddr   string
	AdminKey  string
	RateLimit float64
	RateBurst int

	// Storage. An empty DatabaseURL runs on the in-memory store.
	DatabaseURL   string
	RedisURL      string
	ClickHouseDSN string

	// Ledger
	RPCURL         string
	RPCTimeout     time.Duration
	RPCMaxRetries  int
	ServiceKey     string
	Commitment     string
	ConfirmTimeout time.Duration
	ProgramID      string

	// Settlement
	Treasury          string
	ProtocolFeeBps    uint16
	InlineProtocolFee bool
	VerifyLeg1        bool
	MaxRetries        int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	CompleteTimeout   time.Duration
	PoolLockTTL       time.Duration

	// Aggregator
	ProviderTimeout time.Duration
	FlagCacheTTL    time.Duration
	FXAnchors       []FXAnchor

	// Background jobs
	AuditInterval time.Duration
	SweepInterval time.Duration
}

// FXAnchor configures one external quote provider.
type FXAnchor struct {
	Name      string
	BaseURL   string
	Signer    string
	APIKey    string
	RateLimit float64
}

// Load merges config file, environment variables (ANCHORDEX_ prefix) and
// flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANCHORDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("api-addr", ":8090")
	v.SetDefault("rate-limit", 20.0)
	v.SetDefault("rate-burst", 40)
	v.SetDefault("rpc-url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("rpc-max-retries", 3)
	v.SetDefault("commitment", "confirmed")
	v.SetDefault("confirm-timeout", 60*time.Second)
	v.SetDefault("protocol-fee-bps", 0)
	v.SetDefault("verify-leg1", true)
	v.SetDefault("settlement-max-retries", constants.DefaultMaxRetries)
	v.SetDefault("retry-backoff", constants.DefaultRetryBackoff)
	v.SetDefault("max-retry-backoff", constants.DefaultMaxRetryBackoff)
	v.SetDefault("complete-timeout", constants.DefaultCompleteTimeout)
	v.SetDefault("pool-lock-ttl", constants.DefaultPoolLockTTL)
	v.SetDefault("provider-timeout", constants.DefaultProviderTimeout)
	v.SetDefault("flag-cache-ttl", 5*time.Second)
	v.SetDefault("audit-interval", constants.DefaultAuditInterval)
	v.SetDefault("sweep-interval", constants.DefaultSweepInterval)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		LogLevel:          v.GetString("log-level"),
		DevMode:           v.GetBool("dev-mode"),
		APIAddr:           v.GetString("api-addr"),
		AdminKey:          v.GetString("admin-key"),
		RateLimit:         v.GetFloat64("rate-limit"),
		RateBurst:         v.GetInt("rate-burst"),
		DatabaseURL:       v.GetString("database-url"),
		RedisURL:          v.GetString("redis-url"),
		ClickHouseDSN:     v.GetString("clickhouse-dsn"),
		RPCURL:            v.GetString("rpc-url"),
		RPCTimeout:        v.GetDuration("rpc-timeout"),
		RPCMaxRetries:     v.GetInt("rpc-max-retries"),
		ServiceKey:        v.GetString("service-key"),
		Commitment:        v.GetString("commitment"),
		ConfirmTimeout:    v.GetDuration("confirm-timeout"),
		ProgramID:         v.GetString("program-id"),
		Treasury:          v.GetString("treasury"),
		ProtocolFeeBps:    uint16(v.GetUint("protocol-fee-bps")),
		InlineProtocolFee: v.GetBool("inline-protocol-fee"),
		VerifyLeg1:        v.GetBool("verify-leg1"),
		MaxRetries:        v.GetInt("settlement-max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		MaxRetryBackoff:   v.GetDuration("max-retry-backoff"),
		CompleteTimeout:   v.GetDuration("complete-timeout"),
		PoolLockTTL:       v.GetDuration("pool-lock-ttl"),
		ProviderTimeout:   v.GetDuration("provider-timeout"),
		FlagCacheTTL:      v.GetDuration("flag-cache-ttl"),
		AuditInterval:     v.GetDuration("audit-interval"),
		SweepInterval:     v.GetDuration("sweep-interval"),
	}

	anchors, err := fxAnchors(v)
	if err != nil {
		return nil, err
	}
	cfg.FXAnchors = anchors
	return cfg, nil
}

// fxAnchors reads "fx-anchors" (name=url pairs) with optional per-name
// signer, api key and rate limit maps.
func fxAnchors(v *viper.Viper) ([]FXAnchor, error) {
	urls := getStringMap(v, "fx-anchors")
	signers := getStringMap(v, "fx-anchor-signers")
	keys := getStringMap(v, "fx-anchor-keys")
	limits := getStringMap(v, "fx-anchor-rate-limits")

	out := make([]FXAnchor, 0, len(urls))
	for _, name := range sortedKeys(urls) {
		a := FXAnchor{Name: name, BaseURL: urls[name], Signer: signers[name], APIKey: keys[name]}
		if l, ok := limits[name]; ok {
			if _, err := fmt.Sscanf(l, "%g", &a.RateLimit); err != nil {
				return nil, fmt.Errorf("fx anchor %s: invalid rate limit %q", name, l)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// Validate checks values the service cannot start without.
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api-addr is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc-url is required")
	}
	if c.ServiceKey == "" {
		return fmt.Errorf("service-key is required")
	}
	if err := models.ValidateAddress("program-id", c.ProgramID); err != nil {
		return err
	}
	if c.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("protocol-fee-bps must be <= 10000")
	}
	if c.ProtocolFeeBps > 0 {
		if err := models.ValidateAddress("treasury", c.Treasury); err != nil {
			return err
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("settlement-max-retries must be >= 0")
	}
	if c.RetryBackoff <= 0 || c.MaxRetryBackoff < c.RetryBackoff {
		return fmt.Errorf("retry-backoff must be > 0 and <= max-retry-backoff")
	}
	if c.CompleteTimeout <= 0 || c.ProviderTimeout <= 0 {
		return fmt.Errorf("complete-timeout and provider-timeout must be > 0")
	}
	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("commitment must be processed, confirmed or finalized")
	}
	for _, a := range c.FXAnchors {
		if a.BaseURL == "" {
			return fmt.Errorf("fx anchor %s: url is required", a.Name)
		}
		if a.Signer == "" {
			return fmt.Errorf("fx anchor %s: signer is required", a.Name)
		}
	}
	return nil
}
