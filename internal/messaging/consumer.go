package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one message handed to the worker. It is settled exactly once,
// with Ack or DeadLetter.
type Delivery interface {
	Body() []byte
	MessageID() string
	Ack() error
	DeadLetter() error
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }

func (a amqpDelivery) MessageID() string {
	if a.d.MessageId != "" {
		return a.d.MessageId
	}
	if id, ok := a.d.Headers["ce_id"].(string); ok {
		return id
	}
	return fmt.Sprintf("tag-%d", a.d.DeliveryTag)
}

func (a amqpDelivery) Ack() error { return a.d.Ack(false) }

// DeadLetter rejects without requeue; the queue's dead-letter exchange takes it.
func (a amqpDelivery) DeadLetter() error { return a.d.Nack(false, false) }

// Consumer reads the processed queue with a prefetch of one.
type Consumer struct {
	conn *Connection
	tag  string
}

func NewConsumer(conn *Connection, tag string) *Consumer {
	return &Consumer{conn: conn, tag: tag}
}

// Consume starts delivery. The returned channel is closed when the broker
// connection drops or ctx is done.
func (c *Consumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := c.conn.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := c.conn.ch.ConsumeWithContext(ctx, QueueName, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", QueueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- amqpDelivery{d: m}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
