package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

// EventType names the CloudEvent carried by every processed-document message.
const EventType = "br.fiscal.document.processed.v1"

const defaultReconnectCooldown = 30 * time.Second

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("broker did not confirm publish")

// Publisher sends ProcessedEvents to the exchange and waits for the broker's
// confirm. It owns its connection for the life of the process: the connection
// is opened by NewPublisher and, once lost, re-opened by a background watcher.
// Publish itself never dials.
type Publisher struct {
	url     string
	source  string
	backoff Backoff
	logger  *slog.Logger

	mu   sync.RWMutex
	conn *Connection

	// dialFn and cooldown default to p.dial and defaultReconnectCooldown.
	dialFn   func(ctx context.Context) (*Connection, error)
	cooldown time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewPublisher(ctx context.Context, url, source string, backoff Backoff, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		url:     url,
		source:  source,
		backoff: backoff,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	go p.watch(conn)
	return p, nil
}

func (p *Publisher) dial(ctx context.Context) (*Connection, error) {
	conn, err := Dial(ctx, p.url, p.backoff, p.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return conn, nil
}

// watch re-dials each time the live connection closes, until Close is called.
func (p *Publisher) watch(conn *Connection) {
	defer close(p.done)
	for {
		closed := conn.NotifyClose()
		select {
		case <-p.stop:
			return
		case amqpErr := <-closed:
			if p.stopped() {
				return
			}
			p.logger.Warn("Publisher connection lost, re-dialing", "error", amqpErr)
		}

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		next, ok := p.reconnect()
		if !ok {
			return
		}

		p.mu.Lock()
		p.conn = next
		p.mu.Unlock()
		conn = next
	}
}

// reconnect runs dial cycles until one succeeds or Close is called. A spent
// cycle is followed by a cool-down before the next one starts.
func (p *Publisher) reconnect() (*Connection, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	dial := p.dialFn
	if dial == nil {
		dial = p.dial
	}
	cooldown := p.cooldown
	if cooldown <= 0 {
		cooldown = defaultReconnectCooldown
	}

	for {
		next, err := dial(ctx)
		if err == nil {
			if p.stopped() {
				_ = next.Close()
				return nil, false
			}
			p.logger.Info("Publisher reconnected")
			return next, true
		}
		if p.stopped() {
			return nil, false
		}
		p.logger.Error("CRITICAL: publisher could not reconnect, retrying after cool-down",
			"error", err, "cooldown", cooldown.String())
		if err := Sleep(ctx, cooldown); err != nil {
			return nil, false
		}
	}
}

func (p *Publisher) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Publisher) Publish(ctx context.Context, ev models.ProcessedEvent) error {
	msg, err := encodeEvent(ev, p.source)
	if err != nil {
		return err
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("%w: no live broker connection", ErrChannelUnavailable)
	}

	confirm, err := conn.ch.PublishWithDeferredConfirmWithContext(ctx, ExchangeName, RoutingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish event for document %s: %w", ev.DocumentID, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm of document %s: %w", ev.DocumentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: document %s", ErrNotConfirmed, ev.DocumentID)
	}

	p.logger.Info("Published processed event", "documentId", ev.DocumentID, "messageId", msg.MessageId)
	return nil
}

func (p *Publisher) Close() error {
	close(p.stop)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-p.done
	return err
}

// encodeEvent wraps ev in a CloudEvent using the AMQP binary content mode:
// the body stays the flat event JSON and the attributes travel as ce_ headers.
func encodeEvent(ev models.ProcessedEvent, source string) (amqp.Publishing, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(EventType)
	e.SetSubject(ev.DocumentID)
	e.SetTime(ev.ProcessedAt)
	if err := e.SetData(cloudevents.ApplicationJSON, ev); err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid cloudevent: %w", err)
	}

	return amqp.Publishing{
		Headers: amqp.Table{
			"ce_specversion": e.SpecVersion(),
			"ce_id":          e.ID(),
			"ce_source":      e.Source(),
			"ce_type":        e.Type(),
			"ce_subject":     e.Subject(),
			"ce_time":        e.Time().UTC().Format(time.RFC3339Nano),
		},
		ContentType:  cloudevents.ApplicationJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID(),
		Timestamp:    time.Now().UTC(),
		Type:         EventType,
		Body:         e.Data(),
	}, nil
}
