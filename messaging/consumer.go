package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bugnotify/relay-go/contracts"
)

// Outcome is the result of processing one delivered message.
type Outcome int

const (
	// Success acknowledges the message, removing it from the queue.
	Success Outcome = iota
	// Failure negatively acknowledges with requeue, so the broker
	// redelivers the message.
	Failure
)

// Handler processes a raw message payload. It is invoked once per delivery;
// panics are caught at the dispatch boundary and converted to Failure.
type Handler func(ctx context.Context, body []byte) Outcome

// NotificationHandler adapts a typed handler to the raw payload interface.
// A payload that fails to deserialize yields Failure.
func NotificationHandler(logger *slog.Logger, fn func(ctx context.Context, event contracts.NotificationEvent) Outcome) Handler {
	return func(ctx context.Context, body []byte) Outcome {
		event, err := contracts.UnmarshalNotification(body)
		if err != nil {
			logger.Error("failed to decode notification", "error", err)
			return Failure
		}
		return fn(ctx, event)
	}
}

// Queue identifies the subscription target.
type Queue struct {
	Name    string
	Durable bool
}

// DefaultQueue is the notification queue declared at connect time.
func DefaultQueue() Queue {
	return Queue{Name: "notifications", Durable: true}
}

// ConsumeError describes a failed subscription setup.
type ConsumeError struct {
	Queue string
	Op    string
	Err   error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("messaging: %s on queue %q failed: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// Consumer subscribes to the durable queue and dispatches each delivery to a
// handler, converting the outcome into ack or nack-with-requeue. Prefetch
// bounds the number of unacknowledged messages in flight; it is the system's
// backpressure mechanism.
type Consumer struct {
	provider ChannelProvider
	logger   *slog.Logger

	mu       sync.Mutex
	starting bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// ConsumerOption configures the Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer bound to the given channel provider.
func NewConsumer(provider ChannelProvider, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		provider: provider,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Start declares the queue, applies the prefetch bound and begins dispatching
// deliveries to the handler on a dedicated goroutine. It returns once the
// subscription is established. Cancel ctx or call Stop to shut down; the
// in-flight handler finishes, then no further deliveries are dispatched.
func (c *Consumer) Start(ctx context.Context, queue Queue, prefetch int, handler Handler) error {
	if handler == nil {
		return &ConsumeError{Queue: queue.Name, Op: "start", Err: fmt.Errorf("handler cannot be nil")}
	}
	if prefetch < 1 {
		prefetch = 1
	}

	c.mu.Lock()
	if c.starting || c.done != nil {
		c.mu.Unlock()
		return &ConsumeError{Queue: queue.Name, Op: "start", Err: fmt.Errorf("consumer already started")}
	}
	// The lock is not held across the connect sequence: EnsureConnected can
	// block for the whole retry budget and Stop must stay responsive.
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	ch, err := c.provider.EnsureConnected(ctx)
	if err != nil {
		return &ConsumeError{Queue: queue.Name, Op: "connect", Err: err}
	}

	// Redeclare is idempotent when the properties match.
	if _, err := ch.QueueDeclare(queue.Name, queue.Durable, false, false, false, nil); err != nil {
		return &ConsumeError{Queue: queue.Name, Op: "declare queue", Err: err}
	}

	// The prefetch bound must be in place before the subscription starts.
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return &ConsumeError{Queue: queue.Name, Op: "set qos", Err: err}
	}

	tag := fmt.Sprintf("relay-%s", uuid.New().String()[:8])
	deliveries, err := ch.Consume(queue.Name, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumeError{Queue: queue.Name, Op: "consume", Err: err}
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Info("consumer started",
		"queue", queue.Name,
		"consumerTag", tag,
		"prefetch", prefetch)

	go c.dispatch(dispatchCtx, queue.Name, deliveries, handler, done)
	return nil
}

// Done returns a channel closed when the dispatch loop exits, whether from
// Stop, context cancellation or a dropped delivery stream. Returns nil when
// the consumer has not started.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Stop cancels the dispatch loop and waits for it to finish. Safe to call
// when the consumer never started.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// dispatch is the only place messages are processed.
func (c *Consumer) dispatch(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler, done chan struct{}) {
	defer close(done)
	defer c.logger.Info("consumer stopped", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", queue)
				c.provider.MarkDegraded(fmt.Errorf("delivery stream closed for queue %q", queue))
				return
			}
			c.handleDelivery(ctx, queue, delivery, handler)
		}
	}
}

// handleDelivery invokes the handler and settles the message. A Failure
// outcome requeues the message; the broker keeps redelivering it until the
// outcome becomes Success. There is no redelivery cap or dead-letter routing.
func (c *Consumer) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler Handler) {
	outcome := c.invoke(ctx, delivery.Body, handler)

	switch outcome {
	case Success:
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack message",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
		}
	default:
		if err := delivery.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
		}
	}
}

// invoke runs the handler with panic containment so a misbehaving handler
// never aborts the subscription loop.
func (c *Consumer) invoke(ctx context.Context, body []byte, handler Handler) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "panic", r)
			outcome = Failure
		}
	}()
	return handler(ctx, body)
}
