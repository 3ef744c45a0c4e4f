package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/aman-zulfiqar/anchor-dex/internal/app"
	"github.com/aman-zulfiqar/anchor-dex/internal/config"
	"github.com/aman-zulfiqar/anchor-dex/internal/server"
)

// env bootstrap function
func loadEnv(logger *logrus.Logger) {
	// Get the project root directory (where go.mod is)
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

func main() {
	bootLogger, _ := app.NewLogger("info")

	// load .env BEFORE config reads the environment
	loadEnv(bootLogger)

	fs := pflag.NewFlagSet("api", pflag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.String("api-addr", ":8090", "HTTP bind address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("dev-mode", false, "include error details in responses")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgFile, fs)
	if err != nil {
		bootLogger.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.WithError(err).Fatal("invalid configuration")
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		bootLogger.WithError(err).Fatal("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("error closing backends")
		}
	}()

	// Background jobs stop with ctx.
	go func() {
		if err := a.Auditor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("reserve auditor stopped")
		}
	}()
	if a.Sweeper != nil {
		go func() {
			if err := a.Sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("fee sweeper stopped")
			}
		}()
	} else {
		logger.Warn("no treasury configured, protocol fees are not swept")
	}

	h := &server.Handlers{
		Registry:    a.Registry,
		Coordinator: a.Coordinator,
		Aggregator:  a.Aggregator,
		Positions:   a.Store,
		Volume:      a.Volume,
		Ledger:      a.Ledger,
		Store:       a.Store,
		Sweeper:     a.Sweeper,
		Flags:       a.Flags,
		DevMode:     cfg.DevMode,
		Logger:      logger,
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:      cfg.APIAddr,
			DevMode:   cfg.DevMode,
			AdminKey:  cfg.AdminKey,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}
	if cfg.AdminKey == "" {
		logger.Warn("no admin key configured, operator routes are disabled")
	}

	// Stop taking requests first, then let running leg 2 work finish.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("shutting down")
		_ = srv.Shutdown(context.Background())

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.CompleteTimeout+30*time.Second)
		defer cancel()
		if err := a.Coordinator.Close(drainCtx); err != nil {
			logger.WithError(err).Error("settlements still running at shutdown, check reconciliations")
		}
	}()

	logger.WithField("addr", cfg.APIAddr).Info("api server starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("api server failed")
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.WaitClosed(waitCtx); err != nil {
		logger.WithError(err).Warn("server did not close in time")
	}
	<-drained
}
