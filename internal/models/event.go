package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessedEventVersion is bumped whenever the wire shape of ProcessedEvent changes.
const ProcessedEventVersion = 1

// ProcessedEvent is the flat snapshot published once a document is stored.
// Consumers may see the same event more than once.
type ProcessedEvent struct {
	EventVersion   int             `json:"eventVersion"`
	DocumentID     string          `json:"documentId"`
	DocumentKey    string          `json:"documentKey"`
	DocumentType   DocumentType    `json:"documentType"`
	IssuerTaxID    string          `json:"issuerTaxId"`
	Region         string          `json:"region"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	IssueTimestamp time.Time       `json:"issueTimestamp"`
	ProcessedAt    time.Time       `json:"processedAt"`
}

func NewProcessedEvent(d *Document, now time.Time) ProcessedEvent {
	return ProcessedEvent{
		EventVersion:   ProcessedEventVersion,
		DocumentID:     d.ID,
		DocumentKey:    d.DocumentKey,
		DocumentType:   d.Type,
		IssuerTaxID:    d.IssuerTaxID,
		Region:         d.Region,
		TotalValue:     d.TotalValue,
		IssueTimestamp: d.IssueTimestamp,
		ProcessedAt:    now.UTC(),
	}
}
