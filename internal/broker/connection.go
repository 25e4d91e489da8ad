// Package broker manages the gateway's outbound RabbitMQ resources: a
// process-wide connection, a single cached publish channel, and the
// notification publisher.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/insider-one/notification-gateway/internal/config"
)

// ErrConnectionDown is returned when the broker connection is not usable.
var ErrConnectionDown = errors.New("broker connection is not available")

// Channel is the subset of an AMQP channel the gateway uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelOpener provides channels off a live broker connection.
type ChannelOpener interface {
	OpenChannel() (Channel, error)
	Ready() bool
}

// Connection owns the process-wide broker connection. It is dialed once at
// startup and redialed in the background whenever the broker drops it; the
// channel manager built on top tolerates the connection disappearing and
// reappearing underneath it.
type Connection struct {
	cfg    config.RabbitMQConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection

	done     chan struct{}
	doneOnce sync.Once
}

// Dial establishes the connection. Fails fast when the broker is
// unreachable at startup; transient losses afterwards are recovered
// transparently.
func Dial(cfg config.RabbitMQConfig, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.monitor(conn)

	logger.Info("connected to RabbitMQ")
	return c, nil
}

func (c *Connection) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "notification-gateway-publisher",
		},
	})
}

// monitor watches one connection and redials when the broker drops it.
func (c *Connection) monitor(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-c.done:
		return
	case err := <-closed:
		if err == nil {
			// Graceful shutdown.
			return
		}
		c.logger.Warn("broker connection lost", "error", err)
	}

	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		next, err := c.dial()
		if err != nil {
			c.logger.Warn("broker reconnect failed",
				"error", err,
				"retry_in", c.cfg.ReconnectDelay,
			)
			continue
		}

		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()

		c.logger.Info("broker connection re-established")
		go c.monitor(next)
		return
	}
}

// OpenChannel opens a new channel on the current connection.
func (c *Connection) OpenChannel() (Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrConnectionDown
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Ready reports whether the connection is currently usable.
func (c *Connection) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Health satisfies the health checker contract.
func (c *Connection) Health(ctx context.Context) error {
	if !c.Ready() {
		return ErrConnectionDown
	}
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (c *Connection) Close() error {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
