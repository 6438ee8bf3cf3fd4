// Package worker consumes processed-document events one at a time, fans each
// event out to the downstream sinks and settles the message: ack on success,
// dead-letter once retries are spent.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

type Delivery = messaging.Delivery

// Sink is a downstream collaborator. Handle must tolerate the same event
// being delivered more than once.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev models.ProcessedEvent) error
}

// Outcome is how a single delivery was settled.
type Outcome int

const (
	OutcomeAcked Outcome = iota + 1
	OutcomeDropped
	OutcomeDeadLettered
	// OutcomeAbandoned leaves the delivery unsettled; the broker redelivers
	// it once the channel closes.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeDropped:
		return "dropped"
	case OutcomeDeadLettered:
		return "dead-lettered"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

var (
	ErrDeliveriesClosed = errors.New("delivery channel closed")
	errUndecodable      = errors.New("undecodable event")
)

type Worker struct {
	sinks          []Sink
	retry          messaging.Backoff
	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
	tracer         trace.Tracer
}

// New builds a Worker. attemptTimeout bounds one pass over all sinks; zero
// disables it.
func New(sinks []Sink, retry messaging.Backoff, attemptTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sinks:          sinks,
		retry:          retry,
		attemptTimeout: attemptTimeout,
		sleep:          messaging.Sleep,
		logger:         logger,
		tracer:         otel.Tracer("github.com/Lllllllleong/fiscaldocflow/internal/worker"),
	}
}

// Run handles deliveries serially until ctx is done or the channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			w.Handle(ctx, d)
		}
	}
}

func (w *Worker) Handle(ctx context.Context, d Delivery) Outcome {
	logCtx := w.logger.With("messageId", d.MessageID())

	ev, err := decodeEvent(d.Body())
	if err != nil {
		logCtx.Warn("Discarding invalid message", "error", err)
		if ackErr := d.Ack(); ackErr != nil {
			logCtx.Error("Failed to ack invalid message", "error", ackErr)
		}
		return OutcomeDropped
	}

	ctx, span := w.tracer.Start(ctx, "worker.Handle", trace.WithAttributes(
		attribute.String("document.id", ev.DocumentID),
		attribute.String("document.type", string(ev.DocumentType)),
		attribute.String("messaging.message.id", d.MessageID()),
	))
	defer span.End()

	logCtx = logCtx.With(
		"documentId", ev.DocumentID,
		"documentType", ev.DocumentType,
		"issuer", models.MaskTaxID(ev.IssuerTaxID),
	)
	logCtx.Info("Processing document event", "totalValue", ev.TotalValue.StringFixed(2))

	for attempt := 1; ; attempt++ {
		err := w.attempt(ctx, ev)
		if err == nil {
			if ackErr := d.Ack(); ackErr != nil {
				logCtx.Error("Failed to ack message", "error", ackErr)
			}
			span.SetAttributes(attribute.Int("attempts", attempt))
			logCtx.Info("Document event processed", "attempt", attempt)
			return OutcomeAcked
		}

		logCtx.Error("Processing attempt failed", "attempt", attempt, "maxAttempts", w.retry.Attempts, "error", err)
		span.RecordError(err)

		if w.retry.Exhausted(attempt) {
			logCtx.Error("Retries exhausted, dead-lettering message", "attempts", attempt)
			span.SetStatus(codes.Error, "dead-lettered")
			if nackErr := d.DeadLetter(); nackErr != nil {
				logCtx.Error("Failed to dead-letter message", "error", nackErr)
			}
			return OutcomeDeadLettered
		}

		if err := w.sleep(ctx, w.retry.Delay(attempt)); err != nil {
			logCtx.Warn("Shutdown during backoff, leaving message for redelivery", "attempt", attempt)
			span.SetStatus(codes.Error, "abandoned")
			return OutcomeAbandoned
		}
	}
}

// attempt runs every sink in order. It is detached from ctx cancellation so
// a shutdown never interrupts a sink half way through.
func (w *Worker) attempt(ctx context.Context, ev models.ProcessedEvent) error {
	actx := context.WithoutCancel(ctx)
	if w.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, w.attemptTimeout)
		defer cancel()
	}
	for _, sink := range w.sinks {
		if err := sink.Handle(actx, ev); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return nil
}

func decodeEvent(body []byte) (models.ProcessedEvent, error) {
	var ev models.ProcessedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	if ev.DocumentID == "" {
		return ev, fmt.Errorf("%w: missing documentId", errUndecodable)
	}
	// Events published before versioning carry no eventVersion.
	if ev.EventVersion == 0 {
		ev.EventVersion = 1
	}
	if ev.EventVersion > models.ProcessedEventVersion {
		return ev, fmt.Errorf("%w: unsupported eventVersion %d", errUndecodable, ev.EventVersion)
	}
	return ev, nil
}
