package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aman-zulfiqar/anchor-dex/internal/app"
	"github.com/aman-zulfiqar/anchor-dex/internal/config"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

func loadEnv() {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	_ = godotenv.Load(filepath.Join(projectRoot, ".env"))
}

func main() {
	loadEnv()

	root := &cobra.Command{
		Use:          "sweeper",
		Short:        "Protocol fee sweeper and operator tools",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("treasury", "", "treasury address receiving protocol fees")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep accrued protocol fees once and print the report",
		RunE:  runOnce,
	}
	root.AddCommand(runCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Sweep on an interval until interrupted",
		RunE:  runWatch,
	}
	watchCmd.Flags().Duration("sweep-interval", time.Hour, "time between sweeps")
	root.AddCommand(watchCmd)

	reconCmd := &cobra.Command{
		Use:   "reconciliations",
		Short: "List failed settlements awaiting reconciliation",
		RunE:  runReconciliations,
	}
	reconCmd.Flags().String("status", "open", "open, resolved or empty for all")
	root.AddCommand(reconCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *app.App, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, a, nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	if a.Sweeper == nil {
		return fmt.Errorf("treasury is required to sweep")
	}
	report, err := a.Sweeper.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	if a.Sweeper == nil {
		return fmt.Errorf("treasury is required to sweep")
	}
	if err := a.Sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runReconciliations(cmd *cobra.Command, _ []string) error {
	ctx, stop, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	status, _ := cmd.Flags().GetString("status")
	items, err := a.Coordinator.ListReconciliations(ctx, models.ReconciliationStatus(status))
	if err != nil {
		return err
	}
	return printJSON(items)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
