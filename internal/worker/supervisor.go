package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Source is a live subscription to the processed queue.
type Source interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// DialFunc opens a Source, retrying internally on its own bounded schedule.
// It returns messaging.ErrChannelUnavailable once that schedule is spent.
type DialFunc func(ctx context.Context) (Source, error)

// Supervisor keeps a Worker attached to the broker, re-dialing when the
// delivery channel closes.
type Supervisor struct {
	dial        DialFunc
	worker      *Worker
	redialPause time.Duration
	logger      *slog.Logger
	state       atomic.Int32
}

func NewSupervisor(dial DialFunc, w *Worker, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{dial: dial, worker: w, redialPause: time.Second, logger: logger}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Start blocks until ctx is done (nil) or the broker cannot be reached
// (ErrChannelUnavailable). The process is expected to stay up in the latter
// case so the failure is visible through State.
func (s *Supervisor) Start(ctx context.Context) error {
	defer s.setState(StateStopped)

	for {
		s.setState(StateConnecting)
		src, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("CRITICAL: broker unreachable, consumer stopped", "error", err)
			if errors.Is(err, messaging.ErrChannelUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %v", messaging.ErrChannelUnavailable, err)
		}

		err = s.consume(ctx, src)
		if closeErr := src.Close(); closeErr != nil {
			s.logger.Warn("Failed to close consumer", "error", closeErr)
		}
		if ctx.Err() != nil {
			s.logger.Info("Consumer shut down")
			return nil
		}

		s.logger.Warn("Consumer lost, re-dialing", "error", err)
		if err := messaging.Sleep(ctx, s.redialPause); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) consume(ctx context.Context, src Source) error {
	deliveries, err := src.Consume(ctx)
	if err != nil {
		return err
	}
	s.setState(StateRunning)
	s.logger.Info("Consumer started, waiting for messages", "queue", messaging.QueueName)
	return s.worker.Run(ctx, deliveries)
}
