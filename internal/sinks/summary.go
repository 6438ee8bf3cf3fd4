// Package sinks holds the downstream collaborators the worker fans each
// processed-document event out to.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/fiscaldocflow/internal/gcp"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

// Summarizer turns an event into a short human-readable text.
type Summarizer interface {
	Summarize(ctx context.Context, ev models.ProcessedEvent) (string, error)
}

// TemplateSummarizer renders a fixed sentence from the event fields.
type TemplateSummarizer struct{}

func (TemplateSummarizer) Summarize(_ context.Context, ev models.ProcessedEvent) (string, error) {
	return fmt.Sprintf("Document %s processed. Issuer tax id %s, region %s, issued %s, total value R$ %s.",
		ev.DocumentType,
		models.MaskTaxID(ev.IssuerTaxID),
		ev.Region,
		ev.IssueTimestamp.UTC().Format("2006-01-02"),
		ev.TotalValue.StringFixed(2),
	), nil
}

// VertexSummarizer asks a Gemini model for the summary.
type VertexSummarizer struct {
	model *genai.GenerativeModel
}

func NewVertexSummarizer(client *gcp.VertexClient) *VertexSummarizer {
	return &VertexSummarizer{model: client.SummaryModel}
}

func (v *VertexSummarizer) Summarize(ctx context.Context, ev models.ProcessedEvent) (string, error) {
	payload, err := json.Marshal(summaryInput(ev))
	if err != nil {
		return "", fmt.Errorf("failed to encode summary input: %w", err)
	}

	resp, err := v.model.GenerateContent(ctx, genai.Text(gcp.SummaryUserPrompt), genai.Text(string(payload)))
	if err != nil {
		return "", fmt.Errorf("Vertex AI API call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("invalid or empty response from Vertex AI")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("Vertex AI returned no text")
	}
	return summary, nil
}

// summaryInput is what the model sees. The tax id is already masked.
func summaryInput(ev models.ProcessedEvent) map[string]string {
	return map[string]string{
		"documentType":   string(ev.DocumentType),
		"documentKey":    ev.DocumentKey,
		"issuerTaxId":    models.MaskTaxID(ev.IssuerTaxID),
		"region":         ev.Region,
		"issueTimestamp": ev.IssueTimestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"totalValue":     ev.TotalValue.StringFixed(2),
	}
}

// SummarySink stores one summary object per document. Redeliveries find the
// object already written and succeed without overwriting it.
type SummarySink struct {
	summarizer Summarizer
	saver      gcp.ObjectSaver
	logger     *slog.Logger
}

func NewSummarySink(summarizer Summarizer, saver gcp.ObjectSaver, logger *slog.Logger) *SummarySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummarySink{summarizer: summarizer, saver: saver, logger: logger}
}

func (s *SummarySink) Name() string { return "summary" }

func (s *SummarySink) Handle(ctx context.Context, ev models.ProcessedEvent) error {
	summary, err := s.summarizer.Summarize(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to summarize document %s: %w", ev.DocumentID, err)
	}
	objectName := SummaryObjectName(ev.DocumentID)
	if err := s.saver.Save(ctx, objectName, summary); err != nil {
		return fmt.Errorf("failed to save summary %s: %w", objectName, err)
	}
	s.logger.Info("Summary stored", "documentId", ev.DocumentID, "object", objectName)
	return nil
}

func SummaryObjectName(documentID string) string {
	return fmt.Sprintf("summaries/%s.txt", documentID)
}
