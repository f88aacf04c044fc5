package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bugnotify/relay-go/messaging"
)

// Connection abstracts the broker transport connection so the manager's
// lifecycle logic can be exercised without a live broker. Channel handles are
// typed by the public messaging.Channel seam.
type Connection interface {
	Channel() (messaging.Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a transport connection. The production dialer enforces the
// connect timeout and keep-alive heartbeat; tests substitute their own.
type Dialer func(url string, connectTimeout, heartbeat time.Duration) (Connection, error)

func defaultDialer(url string, connectTimeout, heartbeat time.Duration) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(connectTimeout),
	})
	if err != nil {
		return nil, err
	}
	return &liveConnection{conn: conn}, nil
}

// liveConnection adapts *amqp.Connection to the Connection interface.
type liveConnection struct {
	conn *amqp.Connection
}

func (c *liveConnection) Channel() (messaging.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *liveConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *liveConnection) Close() error {
	return c.conn.Close()
}
