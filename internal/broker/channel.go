package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/insider-one/notification-gateway/internal/config"
	"github.com/insider-one/notification-gateway/internal/domain"
)

// ChannelManager owns the single cached publish channel. Channel loss is
// expected during broker restarts, so acquisition is a bounded retry loop
// that ends in domain.ErrQueueUnavailable rather than an unbounded wait.
//
// Acquisition is fully serialized: concurrent acquirers during a reconnect
// window wait for the one in-flight attempt instead of each opening their
// own channel against a recovering broker.
type ChannelManager struct {
	conn     ChannelOpener
	exchange string
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cached Channel
}

// NewChannelManager creates a manager over an established connection.
func NewChannelManager(conn ChannelOpener, cfg config.RabbitMQConfig, logger *slog.Logger) *ChannelManager {
	attempts := cfg.ChannelAttempts
	if attempts <= 0 {
		attempts = 7
	}
	delay := cfg.ChannelRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &ChannelManager{
		conn:     conn,
		exchange: cfg.Exchange,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

// Acquire returns a usable publish channel. A live cached channel is
// returned immediately; otherwise up to the configured number of attempts
// is made to open a fresh channel and re-declare the notification exchange,
// waiting the retry delay between attempts. Exhaustion returns
// domain.ErrQueueUnavailable, which callers must treat as a degrade
// condition, not a fatal error.
func (m *ChannelManager) Acquire(ctx context.Context) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 1; attempt <= m.attempts; attempt++ {
		if m.cached != nil && !m.cached.IsClosed() {
			return m.cached, nil
		}
		m.cached = nil

		if m.conn.Ready() {
			ch, err := m.open()
			if err == nil {
				m.cached = ch
				return ch, nil
			}
			m.logger.Warn("failed to open broker channel",
				"attempt", attempt,
				"max_attempts", m.attempts,
				"error", err,
			)
		}

		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}

	m.logger.Error("broker channel unavailable after retries",
		"attempts", m.attempts,
	)
	return nil, domain.ErrQueueUnavailable
}

// open opens a channel and re-declares the required topology. The exchange
// declaration is idempotent on the broker side but required after every
// reconnect.
func (m *ChannelManager) open() (Channel, error) {
	ch, err := m.conn.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(m.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Invalidate drops the cached channel so the next Acquire opens a fresh one.
func (m *ChannelManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		m.cached.Close()
		m.cached = nil
	}
}

// Active reports whether a live channel is currently cached. Used by the
// health surface.
func (m *ChannelManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached != nil && !m.cached.IsClosed()
}

// Close tears down the cached channel on shutdown.
func (m *ChannelManager) Close() {
	m.Invalidate()
}
