package sinks

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

// LogSink only logs the event. It stands in for the cloud sinks when the
// worker runs without credentials.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(ctx context.Context, ev models.ProcessedEvent) error {
	s.logger.InfoContext(ctx, "Document event received",
		"documentId", ev.DocumentID,
		"documentKey", ev.DocumentKey,
		"documentType", ev.DocumentType,
		"issuer", models.MaskTaxID(ev.IssuerTaxID),
		"region", ev.Region,
		"totalValue", ev.TotalValue.StringFixed(2),
	)
	return nil
}
