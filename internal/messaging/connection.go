// Package messaging owns the broker side of the pipeline: the AMQP connection
// lifecycle, topology, publishing with confirms and the consumer source.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName           = "fiscal-documents-exchange"
	QueueName              = "fiscal-documents-processed"
	RoutingKey             = "document.processed"
	DeadLetterExchangeName = "fiscal-documents-dlx"
	DeadLetterQueueName    = "fiscal-documents-processed.dlq"
)

// ErrChannelUnavailable is returned once every connection attempt has failed.
var ErrChannelUnavailable = errors.New("event channel unavailable")

// Connection owns one broker connection and the single channel used on it.
// A process holds one Connection per role and closes it on shutdown.
type Connection struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// Dial connects to url, retrying on the backoff schedule, and declares the
// topology. It fails with ErrChannelUnavailable when attempts run out.
func Dial(ctx context.Context, url string, backoff Backoff, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := backoff.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := open(url, logger)
		if err == nil {
			logger.Info("Connected to broker", "attempt", attempt)
			return c, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := backoff.Delay(attempt)
		logger.Warn("Broker connection failed, retrying",
			"attempt", attempt, "maxAttempts", attempts, "retryIn", wait.String(), "error", err)
		if err := Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrChannelUnavailable, attempts, lastErr)
}

func open(url string, logger *slog.Logger) (*Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
		Properties: amqp.Table{
			"connection_name": "fiscaldocflow",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Connection{conn: conn, ch: ch, logger: logger}, nil
}

// declareTopology is idempotent. Messages nacked without requeue on the main
// queue are routed to the dead-letter queue.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DeadLetterExchangeName, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueueName, err)
	}
	if err := ch.QueueBind(DeadLetterQueueName, RoutingKey, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DeadLetterQueueName, err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueName, err)
	}
	if err := ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueName, err)
	}
	return nil
}

func queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchangeName,
		"x-dead-letter-routing-key": RoutingKey,
	}
}

// NotifyClose delivers at most one error when the connection shuts down.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	return nil
}
