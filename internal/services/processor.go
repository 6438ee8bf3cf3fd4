package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/fiscaldocflow/internal/gcp"
	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
	"github.com/Lllllllleong/fiscaldocflow/internal/sinks"
	"github.com/Lllllllleong/fiscaldocflow/internal/worker"
)

// ProcessorFunction holds the dependencies of the long-running consumer.
type ProcessorFunction struct {
	config     ProcessorConfig
	supervisor *worker.Supervisor
	closers    []func() error
}

// NewProcessor builds the sinks named by the environment and a supervisor
// that keeps the worker attached to the broker.
func NewProcessor(ctx context.Context) (*ProcessorFunction, error) {
	cfg, err := LoadProcessorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	p := &ProcessorFunction{config: *cfg}
	sinkList, err := p.buildSinks(ctx)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	w := worker.New(sinkList, cfg.Retry, cfg.AttemptTimeout, slog.Default())
	p.supervisor = worker.NewSupervisor(p.dial, w, slog.Default())

	names := make([]string, 0, len(sinkList))
	for _, s := range sinkList {
		names = append(names, s.Name())
	}
	slog.Info("Processor initialized.", "sinks", names, "maxAttempts", cfg.Retry.Attempts)
	return p, nil
}

func (p *ProcessorFunction) buildSinks(ctx context.Context) ([]worker.Sink, error) {
	var out []worker.Sink

	if p.config.SummaryBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		p.closers = append(p.closers, storageClient.Close)

		var summarizer sinks.Summarizer = sinks.TemplateSummarizer{}
		if p.config.UseVertex {
			vertexClient, err := gcp.NewVertexClient(ctx, p.config.ProjectID, p.config.VertexAIRegion)
			if err != nil {
				return nil, fmt.Errorf("failed to create vertex client: %w", err)
			}
			p.closers = append(p.closers, vertexClient.Close)
			summarizer = sinks.NewVertexSummarizer(vertexClient)
		}
		saver := gcp.NewBucketSaver(storageClient, p.config.SummaryBucket)
		out = append(out, sinks.NewSummarySink(summarizer, saver, slog.Default()))
	}

	if p.config.SearchIndexCollection != "" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, p.config.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		p.closers = append(p.closers, firestoreClient.Close)
		indexer := sinks.NewFirestoreIndexer(firestoreClient, p.config.SearchIndexCollection)
		out = append(out, sinks.NewIndexSink(indexer, slog.Default()))
	}

	if len(out) == 0 {
		out = append(out, sinks.NewLogSink(slog.Default()))
	}
	return out, nil
}

func (p *ProcessorFunction) dial(ctx context.Context) (worker.Source, error) {
	conn, err := messaging.Dial(ctx, p.config.RabbitMQURL, messaging.ConnectBackoff(), slog.Default())
	if err != nil {
		return nil, err
	}
	return messaging.NewConsumer(conn, "fiscaldocflow-worker"), nil
}

// Run consumes until ctx is done or the broker is declared unavailable.
func (p *ProcessorFunction) Run(ctx context.Context) error {
	return p.supervisor.Start(ctx)
}

func (p *ProcessorFunction) State() worker.State {
	return p.supervisor.State()
}

func (p *ProcessorFunction) HealthPort() string {
	return p.config.HealthPort
}

func (p *ProcessorFunction) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}
