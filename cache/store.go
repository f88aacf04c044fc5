package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned for every operation when the underlying store is
// not configured or not reachable. Callers treat it as a cache miss and fall
// back to the source of truth.
var ErrUnavailable = errors.New("cache: store unavailable")

// OperationError describes a failed cache operation.
type OperationError struct {
	Op  string
	Key string
	Err error
}

func (e *OperationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache: %s %q failed: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache: %s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Key namespaces. Entries are grouped by purpose so diagnostics can count
// them per namespace.
const (
	itemNamespace    = "item"
	counterNamespace = "counter"
	sessionNamespace = "session"
)

// ItemKey builds the cache key for a record.
func ItemKey(id string) string {
	return itemNamespace + ":" + id
}

// CounterKey builds the cache key for a named counter.
func CounterKey(name string) string {
	return counterNamespace + ":" + name
}

// SessionKey builds the cache key for a session blob.
func SessionKey(id string) string {
	return sessionNamespace + ":" + id
}

// ServerSummary is a diagnostic snapshot of the cache server.
type ServerSummary struct {
	Version          string
	UsedMemory       string
	ConnectedClients string
	UptimeSeconds    string
	Keyspace         map[string]int
}

// Store is a TTL-keyed value store with atomic counters, backed by an
// external in-memory data store. The client is optional: a Store built over a
// nil client degrades every operation to ErrUnavailable instead of failing
// the caller's primary write path.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store over the given client. client may be nil.
func New(client *redis.Client, options ...StoreOption) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Available reports whether a client is configured.
func (s *Store) Available() bool {
	return s.client != nil
}

// Ping issues a liveness command.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return ErrUnavailable
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &OperationError{Op: "ping", Err: err}
	}
	return nil
}

// Set writes a JSON-serialized value under key, overwriting any previous
// value and resetting the TTL.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s.client == nil {
		return ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return &OperationError{Op: "set", Key: key, Err: err}
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return &OperationError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Get reads the raw value under key. Absence (including TTL expiry) is not an
// error: it is reported through the boolean.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, ErrUnavailable
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, &OperationError{Op: "get", Key: key, Err: err}
	}
	return data, true, nil
}

// GetJSON reads and deserializes the value under key into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, &OperationError{Op: "get", Key: key, Err: err}
	}
	return true, nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		return false, ErrUnavailable
	}

	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, &OperationError{Op: "delete", Key: key, Err: err}
	}
	return removed > 0, nil
}

// Increment atomically adjusts the named counter by the given amount and
// returns the new value. An absent counter starts at zero.
func (s *Store) Increment(ctx context.Context, name string, by int64) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}

	key := CounterKey(name)
	value, err := s.client.IncrBy(ctx, key, by).Result()
	if err != nil {
		return 0, &OperationError{Op: "increment", Key: key, Err: err}
	}
	return value, nil
}

// Counter reads the named counter; a counter that was never set reads as 0.
func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}

	key := CounterKey(name)
	value, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, &OperationError{Op: "counter", Key: key, Err: err}
	}
	return value, nil
}

// Keys returns all keys matching a glob-style pattern. Diagnostic only.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.client == nil {
		return nil, ErrUnavailable
	}

	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, &OperationError{Op: "keys", Key: pattern, Err: err}
	}
	return keys, nil
}

// Info returns a diagnostic summary of the server, including per-namespace
// key counts.
func (s *Store) Info(ctx context.Context) (ServerSummary, error) {
	if s.client == nil {
		return ServerSummary{}, ErrUnavailable
	}

	blob, err := s.client.Info(ctx).Result()
	if err != nil {
		return ServerSummary{}, &OperationError{Op: "info", Err: err}
	}
	summary := parseInfo(blob)

	for _, ns := range []string{itemNamespace, counterNamespace, sessionNamespace} {
		keys, err := s.client.Keys(ctx, ns+":*").Result()
		if err != nil {
			s.logger.Warn("failed to count namespace keys", "namespace", ns, "error", err)
			continue
		}
		summary.Keyspace[ns] = len(keys)
	}

	return summary, nil
}

// SetItem caches a record under its identifier.
func (s *Store) SetItem(ctx context.Context, id string, value interface{}, ttl time.Duration) error {
	return s.Set(ctx, ItemKey(id), value, ttl)
}

// GetItem reads a cached record into dest.
func (s *Store) GetItem(ctx context.Context, id string, dest interface{}) (bool, error) {
	return s.GetJSON(ctx, ItemKey(id), dest)
}

// DeleteItem evicts a cached record and reports whether it existed.
func (s *Store) DeleteItem(ctx context.Context, id string) (bool, error) {
	return s.Delete(ctx, ItemKey(id))
}

// SetSession stores a session blob.
func (s *Store) SetSession(ctx context.Context, id string, value interface{}, ttl time.Duration) error {
	return s.Set(ctx, SessionKey(id), value, ttl)
}

// GetSession reads a session blob into dest.
func (s *Store) GetSession(ctx context.Context, id string, dest interface{}) (bool, error) {
	return s.GetJSON(ctx, SessionKey(id), dest)
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// parseInfo extracts the diagnostic fields from an INFO response.
func parseInfo(blob string) ServerSummary {
	summary := ServerSummary{Keyspace: make(map[string]int)}
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch key {
		case "redis_version":
			summary.Version = value
		case "used_memory_human":
			summary.UsedMemory = value
		case "connected_clients":
			summary.ConnectedClients = value
		case "uptime_in_seconds":
			summary.UptimeSeconds = value
		}
	}
	return summary
}
