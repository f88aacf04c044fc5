package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/bugnotify/relay-go/cache"
	"github.com/bugnotify/relay-go/internal/rabbitmq"
)

// BrokerChecker reconciles the broker connection: when the manager is not
// connected it invokes a single reconnect sequence and reports the outcome
// rather than looping. Worst-case latency is the manager's retry budget.
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// NewBrokerChecker creates a broker health checker.
func NewBrokerChecker(manager *rabbitmq.ConnectionManager, logger *slog.Logger) *BrokerChecker {
	return &BrokerChecker{
		manager: manager,
		logger:  logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if c.manager.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
		result.Details["state"] = c.manager.State().String()
		if messages, consumers, err := c.manager.QueueStats(ctx); err == nil {
			result.Details["messages"] = messages
			result.Details["consumers"] = consumers
		}
		result.Duration = time.Since(start)
		return result
	}

	c.logger.Warn("broker connection lost, attempting to reconnect")
	if err := c.manager.Connect(ctx); err != nil {
		result.Status = StatusDegraded
		result.Message = "disconnected"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "reconnected"
	}

	result.Details["state"] = c.manager.State().String()
	result.Duration = time.Since(start)
	return result
}

// CacheChecker probes the cache store with a liveness command.
type CacheChecker struct {
	store  *cache.Store
	logger *slog.Logger
}

// NewCacheChecker creates a cache health checker.
func NewCacheChecker(store *cache.Store, logger *slog.Logger) *CacheChecker {
	return &CacheChecker{
		store:  store,
		logger: logger,
	}
}

func (c *CacheChecker) Name() string {
	return "redis"
}

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if !c.store.Available() {
		result.Status = StatusDegraded
		result.Message = "not initialized"
		result.Duration = time.Since(start)
		return result
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusDegraded
		result.Message = "unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "connected"
	}

	result.Duration = time.Since(start)
	return result
}
