// Package relay assembles the notification relay: a resilient broker
// connection with publish/consume paths, a best-effort cache store, and
// health reconciliation over both.
package relay

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bugnotify/relay-go/cache"
	"github.com/bugnotify/relay-go/config"
	"github.com/bugnotify/relay-go/health"
	"github.com/bugnotify/relay-go/internal/rabbitmq"
	"github.com/bugnotify/relay-go/messaging"
)

// Client is the main entry point. It owns the connection manager shared by
// the publisher, consumer and health probes, plus the optional cache store.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	publisher *messaging.Publisher
	consumer  *messaging.Consumer
	store     *cache.Store
	registry  *health.Registry
}

type clientConfig struct {
	logger *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger shared by every component.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// NewClient builds a client from configuration. The broker is not dialed
// here; call Connect. A cache URL that fails to parse leaves the store in
// degraded no-op mode rather than failing construction.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}
	logger := cc.logger

	manager := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxRetries(cfg.MaxRetries),
		rabbitmq.WithRetryDelay(cfg.RetryDelay),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithQueue(cfg.QueueName, true),
	)

	var redisClient *redis.Client
	if cfg.CacheURL != "" {
		opts, err := redis.ParseURL(cfg.CacheURL)
		if err != nil {
			logger.Warn("invalid cache URL, caching disabled", "error", err)
		} else {
			redisClient = redis.NewClient(opts)
		}
	}
	store := cache.New(redisClient, cache.WithStoreLogger(logger))

	publisher := messaging.NewPublisher(manager,
		messaging.WithPublisherLogger(logger),
		messaging.WithPublisherQueue(cfg.QueueName),
	)
	consumer := messaging.NewConsumer(manager,
		messaging.WithConsumerLogger(logger),
	)

	registry := health.NewRegistry(
		health.NewBrokerChecker(manager, logger),
		health.NewCacheChecker(store, logger),
	)

	return &Client{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		publisher: publisher,
		consumer:  consumer,
		store:     store,
		registry:  registry,
	}, nil
}

// Connect establishes the broker connection (bounded retry) and probes the
// cache. A failed cache probe only logs: caching is a best-effort
// accelerator, never a startup dependency.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("cache store not reachable, running in degraded mode", "error", err)
	} else {
		c.logger.Info("connected to cache store")
	}

	return c.manager.Connect(ctx)
}

// Publisher returns the notification publisher.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Consumer returns the notification consumer.
func (c *Client) Consumer() *messaging.Consumer {
	return c.consumer
}

// Cache returns the cache store.
func (c *Client) Cache() *cache.Store {
	return c.store
}

// Queue returns the descriptor of the notification queue.
func (c *Client) Queue() messaging.Queue {
	return messaging.Queue{Name: c.cfg.QueueName, Durable: true}
}

// Health runs every health probe and aggregates the overall status.
func (c *Client) Health(ctx context.Context) health.Report {
	return c.registry.Check(ctx)
}

// Close stops the consumer, closes the broker connection and releases the
// cache client. Pending publishes are abandoned.
func (c *Client) Close() error {
	c.consumer.Stop()
	err := c.manager.Close()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// NewLogger builds a slog logger for the configured level and format.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
