package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bugnotify/relay-go/messaging"
)

// State describes the broker connection lifecycle.
type State int

const (
	// StateDisconnected means no transport is held and the last connect
	// attempt (if any) exhausted its retry budget.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt sequence is in flight.
	StateConnecting
	// StateConnected means the cached channel handle is valid.
	StateConnected
	// StateDegraded means the transport was connected but a probe or
	// operation failed; the next EnsureConnected reconnects.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connectAttempt is the shared outcome of one in-flight connect sequence.
// Concurrent callers wait on done instead of starting their own sequence.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// ConnectionManager owns the single broker connection and channel shared by
// the publisher, consumer and health probes. Reconnect execution is mutually
// exclusive: at most one attempt sequence runs at a time.
type ConnectionManager struct {
	url            string
	dial           Dialer
	maxRetries     int
	retryDelay     time.Duration
	connectTimeout time.Duration
	heartbeat      time.Duration
	queueName      string
	queueDurable   bool
	logger         *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Connection
	channel  messaging.Channel
	inflight *connectAttempt
	closed   bool
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithMaxRetries sets the bounded number of attempts per connect sequence.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithRetryDelay sets the fixed delay between connect attempts.
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithConnectTimeout sets the per-attempt transport dial timeout.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the keep-alive heartbeat interval.
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithQueue sets the queue declared on every successful connect.
func WithQueue(name string, durable bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.queueName = name
		cm.queueDurable = durable
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           defaultDialer,
		maxRetries:     5,
		retryDelay:     2 * time.Second,
		connectTimeout: 10 * time.Second,
		heartbeat:      600 * time.Second,
		queueName:      "notifications",
		queueDurable:   true,
		logger:         slog.Default(),
		state:          StateDisconnected,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// QueueName returns the name of the queue declared at connect time.
func (cm *ConnectionManager) QueueName() string {
	return cm.queueName
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether the cached handle is valid and the transport
// reports itself open.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected && cm.transportOpen()
}

// Connect runs one bounded attempt sequence: each attempt dials the
// transport, opens a channel and declares the durable queue. On success the
// state becomes Connected and the handle is cached; on exhaustion the state
// becomes Disconnected and the error is surfaced. Concurrent callers join the
// in-flight sequence and observe its single outcome.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.state == StateConnected && cm.transportOpen() {
		cm.mu.Unlock()
		return nil
	}
	if attempt := cm.inflight; attempt != nil {
		cm.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	cm.inflight = attempt
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, ch, err := cm.establish(ctx)

	cm.mu.Lock()
	if cm.closed {
		// Lost the race with Close; drop whatever we opened.
		if err == nil {
			ch.Close()
			conn.Close()
			err = ErrManagerClosed
		}
		cm.state = StateDisconnected
	} else if err != nil {
		cm.releaseTransportLocked()
		cm.state = StateDisconnected
	} else {
		// A channel-level failure leaves the previous connection and its
		// heartbeat goroutines open; release it before swapping handles.
		cm.releaseTransportLocked()
		cm.conn = conn
		cm.channel = ch
		cm.state = StateConnected
	}
	attempt.err = err
	cm.inflight = nil
	cm.mu.Unlock()
	close(attempt.done)

	return err
}

// EnsureConnected is the single entry point used by the publisher, consumer
// and health reconciliation. It returns the cached handle when connected,
// otherwise it runs Connect and returns its outcome. The handle is only valid
// until the next detected disconnect.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) (messaging.Channel, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if cm.state == StateConnected {
		if cm.transportOpen() {
			ch := cm.channel
			cm.mu.Unlock()
			return ch, nil
		}
		cm.state = StateDegraded
		cm.logger.Warn("broker transport dropped, reconnecting")
	}
	cm.mu.Unlock()

	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != StateConnected || cm.channel == nil {
		return nil, ErrNotConnected
	}
	return cm.channel, nil
}

// QueueStats inspects the declared queue and returns its current message and
// consumer counts.
func (cm *ConnectionManager) QueueStats(ctx context.Context) (messages, consumers int, err error) {
	ch, err := cm.EnsureConnected(ctx)
	if err != nil {
		return 0, 0, err
	}
	q, err := ch.QueueInspect(cm.queueName)
	if err != nil {
		cm.MarkDegraded(err)
		return 0, 0, fmt.Errorf("inspect queue %q: %w", cm.queueName, err)
	}
	return q.Messages, q.Consumers, nil
}

// MarkDegraded records a failed operation on the current transport. The next
// EnsureConnected call reconnects.
func (cm *ConnectionManager) MarkDegraded(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != StateConnected {
		return
	}
	cm.state = StateDegraded
	cm.logger.Warn("broker connection degraded", "error", err)
}

// Close releases the channel and transport if open. Safe to call repeatedly.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.state = StateDisconnected

	var err error
	if cm.channel != nil {
		if cerr := cm.channel.Close(); cerr != nil {
			err = cerr
		}
		cm.channel = nil
	}
	if cm.conn != nil {
		if cerr := cm.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		cm.conn = nil
	}

	cm.logger.Info("connection manager closed")
	return err
}

// releaseTransportLocked closes and drops the held channel and connection,
// channel first. Callers must hold cm.mu.
func (cm *ConnectionManager) releaseTransportLocked() {
	if cm.channel != nil {
		cm.channel.Close()
		cm.channel = nil
	}
	if cm.conn != nil {
		cm.conn.Close()
		cm.conn = nil
	}
}

// transportOpen reports whether both the connection and channel are held and
// open. Callers must hold cm.mu.
func (cm *ConnectionManager) transportOpen() bool {
	return cm.conn != nil && !cm.conn.IsClosed() &&
		cm.channel != nil && !cm.channel.IsClosed()
}

// establish runs the bounded retry loop. It never holds cm.mu.
func (cm *ConnectionManager) establish(ctx context.Context) (Connection, messaging.Channel, error) {
	var lastErr error
	for attempt := 1; attempt <= cm.maxRetries; attempt++ {
		cm.logger.Info("connecting to broker",
			"attempt", attempt,
			"maxRetries", cm.maxRetries,
			"url", SanitizeURL(cm.url))

		conn, ch, err := cm.attemptOnce()
		if err == nil {
			cm.logger.Info("connected to broker",
				"attempt", attempt,
				"queue", cm.queueName)
			return conn, ch, nil
		}
		lastErr = err
		cm.logger.Error("broker connection attempt failed",
			"attempt", attempt,
			"error", err)

		if attempt < cm.maxRetries {
			select {
			case <-time.After(cm.retryDelay):
			case <-ctx.Done():
				return nil, nil, &ConnectError{
					Op:       "connect",
					URL:      SanitizeURL(cm.url),
					Attempts: attempt,
					Err:      ctx.Err(),
				}
			}
		}
	}

	return nil, nil, &ConnectError{
		Op:       "connect",
		URL:      SanitizeURL(cm.url),
		Attempts: cm.maxRetries,
		Err:      fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr),
	}
}

// attemptOnce performs a single handshake: dial, open channel, declare queue.
// Redeclaring an existing queue with matching properties is a no-op on the
// broker side.
func (cm *ConnectionManager) attemptOnce() (Connection, messaging.Channel, error) {
	conn, err := cm.dial(cm.url, cm.connectTimeout, cm.heartbeat)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cm.queueName, cm.queueDurable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %q: %w", cm.queueName, err)
	}

	return conn, ch, nil
}
