package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugnotify/relay-go/contracts"
)

// settlement records how one delivery was settled.
type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcknowledger implements amqp.Acknowledger and reports settlements on a
// channel so tests can synchronize on them.
type fakeAcknowledger struct {
	settled chan settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan settlement, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.settled <- settlement{tag: tag, ack: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.settled <- settlement{tag: tag, ack: false, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.settled <- settlement{tag: tag, ack: false, requeue: requeue}
	return nil
}

// consumeChannel is a hand-rolled channel fake that records subscription
// setup and feeds deliveries.
type consumeChannel struct {
	mu         sync.Mutex
	declared   []string
	qosCalls   []int
	consumed   bool
	qosBefore  bool
	deliveries chan amqp.Delivery
	consumeErr error
	qosErr     error
}

func newConsumeChannel() *consumeChannel {
	return &consumeChannel{deliveries: make(chan amqp.Delivery)}
}

func (c *consumeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *consumeChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *consumeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qosErr != nil {
		return c.qosErr
	}
	c.qosCalls = append(c.qosCalls, prefetchCount)
	return nil
}

func (c *consumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.consumed = true
	c.qosBefore = len(c.qosCalls) > 0
	return c.deliveries, nil
}

func (c *consumeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (c *consumeChannel) IsClosed() bool { return false }
func (c *consumeChannel) Close() error   { return nil }

// stubProvider returns a fixed channel and counts degradation reports.
type stubProvider struct {
	mu       sync.Mutex
	channel  Channel
	err      error
	degraded []error
}

func (p *stubProvider) EnsureConnected(ctx context.Context) (Channel, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.channel, nil
}

func (p *stubProvider) MarkDegraded(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = append(p.degraded, err)
}

func (p *stubProvider) degradedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.degraded)
}

// blockingProvider parks EnsureConnected callers on a gate, signalling entry.
type blockingProvider struct {
	entered chan struct{}
	gate    chan struct{}
	channel *consumeChannel
	once    sync.Once
}

func (p *blockingProvider) EnsureConnected(ctx context.Context) (Channel, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.gate
	return p.channel, nil
}

func (p *blockingProvider) MarkDegraded(err error) {}

func deliver(ch *consumeChannel, ack *fakeAcknowledger, tag uint64, body []byte) {
	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         body,
	}
}

func waitSettlement(t *testing.T, ack *fakeAcknowledger) settlement {
	t.Helper()
	select {
	case s := <-ack.settled:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settlement")
		return settlement{}
	}
}

func TestConsumerStart(t *testing.T) {
	t.Run("sets prefetch before subscribing", func(t *testing.T) {
		channel := newConsumeChannel()
		provider := &stubProvider{channel: channel}
		consumer := NewConsumer(provider)

		err := consumer.Start(context.Background(), DefaultQueue(), 5, func(ctx context.Context, body []byte) Outcome {
			return Success
		})
		require.NoError(t, err)
		defer consumer.Stop()

		assert.Equal(t, []int{5}, channel.qosCalls)
		assert.True(t, channel.qosBefore)
		assert.Equal(t, []string{"notifications"}, channel.declared)
	})

	t.Run("defaults prefetch to one", func(t *testing.T) {
		channel := newConsumeChannel()
		provider := &stubProvider{channel: channel}
		consumer := NewConsumer(provider)

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 0, func(ctx context.Context, body []byte) Outcome {
			return Success
		}))
		defer consumer.Stop()

		assert.Equal(t, []int{1}, channel.qosCalls)
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		consumer := NewConsumer(&stubProvider{channel: newConsumeChannel()})

		err := consumer.Start(context.Background(), DefaultQueue(), 1, nil)
		var consumeErr *ConsumeError
		require.ErrorAs(t, err, &consumeErr)
		assert.Equal(t, "start", consumeErr.Op)
	})

	t.Run("rejects a second start", func(t *testing.T) {
		consumer := NewConsumer(&stubProvider{channel: newConsumeChannel()})
		handler := func(ctx context.Context, body []byte) Outcome { return Success }

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, handler))
		defer consumer.Stop()

		assert.Error(t, consumer.Start(context.Background(), DefaultQueue(), 1, handler))
	})

	t.Run("Stop stays responsive while a start attempt is connecting", func(t *testing.T) {
		provider := &blockingProvider{
			entered: make(chan struct{}),
			gate:    make(chan struct{}),
			channel: newConsumeChannel(),
		}
		consumer := NewConsumer(provider)
		handler := func(ctx context.Context, body []byte) Outcome { return Success }

		started := make(chan error, 1)
		go func() {
			started <- consumer.Start(context.Background(), DefaultQueue(), 1, handler)
		}()
		<-provider.entered

		// The connect sequence is still in flight; Stop and a second Start
		// must not wait for it.
		stopped := make(chan struct{})
		go func() {
			consumer.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("Stop blocked behind a connecting start attempt")
		}
		assert.Error(t, consumer.Start(context.Background(), DefaultQueue(), 1, handler))

		close(provider.gate)
		require.NoError(t, <-started)
		consumer.Stop()
	})

	t.Run("surfaces connect failure", func(t *testing.T) {
		provider := &stubProvider{err: errors.New("retries exhausted")}
		consumer := NewConsumer(provider)

		err := consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			return Success
		})
		var consumeErr *ConsumeError
		require.ErrorAs(t, err, &consumeErr)
		assert.Equal(t, "connect", consumeErr.Op)
	})

	t.Run("surfaces subscription setup failure", func(t *testing.T) {
		channel := newConsumeChannel()
		channel.consumeErr = errors.New("access refused")
		consumer := NewConsumer(&stubProvider{channel: channel})

		err := consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			return Success
		})
		var consumeErr *ConsumeError
		require.ErrorAs(t, err, &consumeErr)
		assert.Equal(t, "consume", consumeErr.Op)
	})
}

func TestConsumerDispatch(t *testing.T) {
	t.Run("acks on success", func(t *testing.T) {
		channel := newConsumeChannel()
		ack := newFakeAcknowledger()
		consumer := NewConsumer(&stubProvider{channel: channel})

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			return Success
		}))
		defer consumer.Stop()

		deliver(channel, ack, 1, []byte(`{}`))
		s := waitSettlement(t, ack)
		assert.True(t, s.ack)
		assert.Equal(t, uint64(1), s.tag)
	})

	t.Run("nacks with requeue on failure until success", func(t *testing.T) {
		channel := newConsumeChannel()
		ack := newFakeAcknowledger()
		consumer := NewConsumer(&stubProvider{channel: channel})

		var attempts int32
		var mu sync.Mutex
		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return Failure
			}
			return Success
		}))
		defer consumer.Stop()

		payload := []byte(`{"message":"m","item_id":"i"}`)

		// The broker redelivers after each nack; simulate that loop.
		deliver(channel, ack, 1, payload)
		s := waitSettlement(t, ack)
		assert.False(t, s.ack)
		assert.True(t, s.requeue)

		deliver(channel, ack, 1, payload)
		s = waitSettlement(t, ack)
		assert.False(t, s.ack)
		assert.True(t, s.requeue)

		deliver(channel, ack, 1, payload)
		s = waitSettlement(t, ack)
		assert.True(t, s.ack)
	})

	t.Run("converts handler panic to failure", func(t *testing.T) {
		channel := newConsumeChannel()
		ack := newFakeAcknowledger()
		consumer := NewConsumer(&stubProvider{channel: channel})

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			panic("handler bug")
		}))
		defer consumer.Stop()

		deliver(channel, ack, 7, []byte(`{}`))
		s := waitSettlement(t, ack)
		assert.False(t, s.ack)
		assert.True(t, s.requeue)
	})

	t.Run("stop ends dispatch after the in-flight handler finishes", func(t *testing.T) {
		channel := newConsumeChannel()
		ack := newFakeAcknowledger()
		consumer := NewConsumer(&stubProvider{channel: channel})

		inHandler := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			close(inHandler)
			<-release
			return Success
		}))

		deliver(channel, ack, 1, []byte(`{}`))
		<-inHandler

		stopped := make(chan struct{})
		go func() {
			consumer.Stop()
			close(stopped)
		}()

		// Stop must wait for the handler.
		select {
		case <-stopped:
			t.Fatal("stop returned while handler still running")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		<-stopped

		s := waitSettlement(t, ack)
		assert.True(t, s.ack)
	})

	t.Run("marks manager degraded when the delivery stream closes", func(t *testing.T) {
		channel := newConsumeChannel()
		provider := &stubProvider{channel: channel}
		consumer := NewConsumer(provider)

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			return Success
		}))

		close(channel.deliveries)

		assert.Eventually(t, func() bool {
			return provider.degradedCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Done reports dispatch loop exit", func(t *testing.T) {
		channel := newConsumeChannel()
		consumer := NewConsumer(&stubProvider{channel: channel})

		assert.Nil(t, consumer.Done(), "not started yet")

		require.NoError(t, consumer.Start(context.Background(), DefaultQueue(), 1, func(ctx context.Context, body []byte) Outcome {
			return Success
		}))

		done := consumer.Done()
		require.NotNil(t, done)
		select {
		case <-done:
			t.Fatal("done closed while consumer still running")
		default:
		}

		close(channel.deliveries)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("done not closed after delivery stream ended")
		}

		consumer.Stop()
		assert.Nil(t, consumer.Done(), "stopped consumer can be restarted")
	})
}

func TestNotificationHandler(t *testing.T) {
	t.Run("decodes payload and forwards the event", func(t *testing.T) {
		var got contracts.NotificationEvent
		handler := NotificationHandler(slog.Default(), func(ctx context.Context, event contracts.NotificationEvent) Outcome {
			got = event
			return Success
		})

		event := contracts.NewNotificationEvent("hello", "item-3")
		body, err := event.Marshal()
		require.NoError(t, err)

		assert.Equal(t, Success, handler(context.Background(), body))
		assert.Equal(t, event.Message, got.Message)
		assert.Equal(t, event.ItemID, got.ItemID)
	})

	t.Run("treats deserialization failure as Failure", func(t *testing.T) {
		handler := NotificationHandler(slog.Default(), func(ctx context.Context, event contracts.NotificationEvent) Outcome {
			t.Fatal("handler must not run for malformed payloads")
			return Success
		})

		assert.Equal(t, Failure, handler(context.Background(), []byte("not json")))
	})
}
