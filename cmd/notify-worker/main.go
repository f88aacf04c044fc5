// notify-worker consumes notification events from the broker, records them
// in the cache, and keeps running through broker outages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bugnotify/relay-go"
	"github.com/bugnotify/relay-go/config"
	"github.com/bugnotify/relay-go/contracts"
	"github.com/bugnotify/relay-go/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "notify-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := relay.NewLogger(cfg.LogLevel, cfg.LogFormat)

	client, err := relay.NewClient(cfg, relay.WithClientLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A broker that is down at boot is not fatal: we start degraded and
	// keep trying to attach the consumer until it sticks.
	if err := client.Connect(ctx); err != nil {
		logger.Warn("starting degraded, broker unavailable", "error", err)
	}

	handler := messaging.NotificationHandler(logger, func(ctx context.Context, event contracts.NotificationEvent) messaging.Outcome {
		logger.Info("notification received",
			"item_id", event.ItemID,
			"message", event.Message,
			"timestamp", event.Timestamp)

		if client.Cache().Available() {
			if _, err := client.Cache().Increment(ctx, "notifications_processed", 1); err != nil {
				logger.Warn("failed to bump processed counter", "error", err)
			}
		}
		return messaging.Success
	})

	// Keep the consumer attached for the lifetime of the process. Start
	// failures and dropped delivery streams both come back here; the delay
	// between attempts reuses the broker retry cadence.
	for {
		if err := client.Consumer().Start(ctx, client.Queue(), cfg.Prefetch, handler); err != nil {
			logger.Warn("failed to start consumer, retrying", "error", err, "delay", cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.RetryDelay):
			}
			continue
		}
		logger.Info("notify-worker started", "queue", client.Queue().Name, "prefetch", cfg.Prefetch)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			client.Consumer().Stop()
			return nil
		case <-client.Consumer().Done():
			logger.Warn("delivery stream ended, reattaching")
			client.Consumer().Stop()
		}
	}
}
