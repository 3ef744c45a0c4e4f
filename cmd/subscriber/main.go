// Command subscriber tails settlement events from Redis, for operators
// watching failures as they happen.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/aman-zulfiqar/anchor-dex/internal/app"
	"github.com/aman-zulfiqar/anchor-dex/internal/cache"
	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

func main() {
	redisURL := pflag.String("redis-url", os.Getenv("ANCHORDEX_REDIS_URL"), "redis url")
	pool := pflag.String("pool", "", "only events of this pool")
	failedOnly := pflag.Bool("failed-only", false, "only events that need reconciliation")
	pflag.Parse()

	logger, _ := app.NewLogger("info")
	if *redisURL == "" {
		logger.Fatal("--redis-url or ANCHORDEX_REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := cache.NewClient(ctx, *redisURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer rc.Close()

	events := cache.NewEventPublisher(rc, logger)

	channel := constants.PubSubChannelSettlements
	switch {
	case *failedOnly:
		channel = constants.PubSubChannelReconciliations
	case *pool != "":
		channel = constants.PubSubChannelPoolPrefix + *pool
	}

	logger.WithField("channel", channel).Info("subscriber running, press Ctrl+C to stop")
	err = events.Subscribe(ctx, channel, func(ev *models.SettlementEvent) {
		log := logger.WithFields(logrus.Fields{
			"transaction_id": ev.TransactionID,
			"kind":           ev.Kind,
			"pool":           ev.PoolAddress,
			"user":           ev.UserAddress,
			"state":          ev.State,
		})
		if ev.State == models.StateLeg2Failed {
			log.WithField("reason", ev.Reason).Warn("settlement failed")
			return
		}
		if ev.Result != nil && ev.Result.AmountOut != nil {
			log = log.WithField("amount_out", ev.Result.AmountOut.String())
		}
		log.Info("settlement event")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("subscription failed")
	}
	logger.Info("shutting down subscriber")
}
