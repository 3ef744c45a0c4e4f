package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aman-zulfiqar/anchor-dex/internal/app"
	"github.com/aman-zulfiqar/anchor-dex/internal/config"
	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

func loadEnv() {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	_ = godotenv.Load(filepath.Join(projectRoot, ".env"))
}

// resolveToken accepts a known symbol or a mint address.
func resolveToken(s string) string {
	if mint, ok := constants.MintForSymbol(strings.ToUpper(s)); ok {
		return mint
	}
	return s
}

func symbol(mint string) string {
	if s, ok := constants.TokenSymbols[mint]; ok {
		return s
	}
	return mint
}

func main() {
	loadEnv()

	fs := pflag.NewFlagSet("quote", pflag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	inTok := fs.String("in", "SOL", "input token symbol or mint")
	outTok := fs.String("out", "USDC", "output token symbol or mint")
	amt := fs.String("amt", "", "amount in base units")
	affinity := fs.String("affinity", "from", "from: amount is the input, to: amount is the desired output")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = fs.Parse(os.Args[1:])

	amount, ok := new(big.Int).SetString(*amt, 10)
	if !ok || amount.Sign() <= 0 {
		fmt.Println("missing --amt (base units, must be > 0)")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgFile, fs)
	if err != nil {
		fmt.Println("failed to load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("invalid config:", err)
		os.Exit(1)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Println("failed to init:", err)
		os.Exit(1)
	}
	defer a.Close()

	tokenIn, tokenOut := resolveToken(*inTok), resolveToken(*outTok)
	agg, err := a.Aggregator.GetAllQuotes(ctx, tokenIn, tokenOut, amount, models.Affinity(*affinity))
	if err != nil {
		fmt.Println("quote failed:", err)
		os.Exit(1)
	}

	fmt.Printf("%s -> %s, %d providers queried, %d quoted\n",
		symbol(tokenIn), symbol(tokenOut), agg.ProvidersQueried, len(agg.Quotes))
	for i, q := range agg.Quotes {
		best := " "
		if i == 0 {
			best = "*"
		}
		fmt.Printf("%s provider=%s amount_in=%s amount_out=%s fee_bps=%d price_impact=%.4f\n",
			best, q.Provider, q.AmountIn, q.AmountOut, q.FeeBps, q.PriceImpact)
	}
	if agg.BestQuote == nil {
		os.Exit(1)
	}
}
