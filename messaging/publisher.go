package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bugnotify/relay-go/contracts"
)

// ErrUnavailable is returned when no connected channel handle could be
// produced for an operation.
var ErrUnavailable = errors.New("messaging: broker unavailable")

// PublishError describes a failed publish.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: publish to %q failed: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher publishes notification events to the durable queue through the
// default exchange with persistent delivery mode.
type Publisher struct {
	provider ChannelProvider
	queue    string
	logger   *slog.Logger
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherQueue sets the target queue; the routing key on the default
// exchange equals the queue name.
func WithPublisherQueue(queue string) PublisherOption {
	return func(p *Publisher) {
		p.queue = queue
	}
}

// NewPublisher creates a publisher bound to the given channel provider.
func NewPublisher(provider ChannelProvider, options ...PublisherOption) *Publisher {
	p := &Publisher{
		provider: provider,
		queue:    DefaultQueue().Name,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes the event and publishes it with persistent delivery
// mode. There is no retry here: retry responsibility lives at the connection
// manager's reconnect boundary only.
func (p *Publisher) Publish(ctx context.Context, event contracts.NotificationEvent) error {
	ch, err := p.provider.EnsureConnected(ctx)
	if err != nil {
		return &PublishError{Queue: p.queue, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	body, err := event.Marshal()
	if err != nil {
		return &PublishError{Queue: p.queue, Err: err}
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key equals queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    event.Timestamp,
			Body:         body,
		})
	if err != nil {
		p.provider.MarkDegraded(err)
		return &PublishError{Queue: p.queue, Err: err}
	}

	p.logger.Debug("published notification",
		"queue", p.queue,
		"itemId", event.ItemID)
	return nil
}

// PublishMessage is a convenience wrapper that stamps and publishes a new
// event for the given item.
func (p *Publisher) PublishMessage(ctx context.Context, message, itemID string) error {
	event := contracts.NotificationEvent{
		Message:   message,
		ItemID:    itemID,
		Timestamp: time.Now().UTC(),
	}
	return p.Publish(ctx, event)
}
