package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

const SummarySystemPrompt = "You are an assistant for a Brazilian tax operations team. You write short, factual summaries of fiscal documents (NFe, CTe, NFSe) from their extracted fields."
const SummaryUserPrompt = `Write a summary of the fiscal document described by the JSON below.

Rules:
1. At most three sentences, in plain text. No markdown.
2. Mention the document type, issuer, region, issue date and total value.
3. Use only the fields provided. Do not guess missing values.
4. Never repeat a tax id (CNPJ or CPF) in full.`

// VertexClient holds the pre-configured generative models used by the worker.
type VertexClient struct {
	SummaryModel *genai.GenerativeModel
	baseClient   *genai.Client
}

func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	summaryModel := baseClient.GenerativeModel("gemini-1.5-flash")
	summaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarySystemPrompt)},
	}
	summaryModel.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: genai.Ptr[int32](256),
	}

	return &VertexClient{
		SummaryModel: summaryModel,
		baseClient:   baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
