package sinks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

// IndexRecord is the searchable projection of a processed document.
type IndexRecord struct {
	DocumentID     string    `firestore:"documentId"`
	DocumentKey    string    `firestore:"documentKey"`
	DocumentType   string    `firestore:"documentType"`
	IssuerTaxID    string    `firestore:"issuerTaxId"`
	Region         string    `firestore:"region"`
	TotalValue     string    `firestore:"totalValue"`
	IssueTimestamp time.Time `firestore:"issueTimestamp"`
	ProcessedAt    time.Time `firestore:"processedAt"`
	IndexedAt      time.Time `firestore:"indexedAt"`
}

// Indexer upserts index records by document id.
type Indexer interface {
	Index(ctx context.Context, rec IndexRecord) error
}

type FirestoreIndexer struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreIndexer(client *firestore.Client, collection string) *FirestoreIndexer {
	return &FirestoreIndexer{client: client, collection: collection}
}

// Index overwrites the record keyed by document id, so replays converge.
func (f *FirestoreIndexer) Index(ctx context.Context, rec IndexRecord) error {
	if _, err := f.client.Collection(f.collection).Doc(rec.DocumentID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to index document %s: %w", rec.DocumentID, err)
	}
	return nil
}

type IndexSink struct {
	indexer Indexer
	now     func() time.Time
	logger  *slog.Logger
}

func NewIndexSink(indexer Indexer, logger *slog.Logger) *IndexSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexSink{indexer: indexer, now: time.Now, logger: logger}
}

func (s *IndexSink) Name() string { return "index" }

func (s *IndexSink) Handle(ctx context.Context, ev models.ProcessedEvent) error {
	rec := IndexRecord{
		DocumentID:     ev.DocumentID,
		DocumentKey:    ev.DocumentKey,
		DocumentType:   string(ev.DocumentType),
		IssuerTaxID:    ev.IssuerTaxID,
		Region:         ev.Region,
		TotalValue:     ev.TotalValue.StringFixed(2),
		IssueTimestamp: ev.IssueTimestamp.UTC(),
		ProcessedAt:    ev.ProcessedAt.UTC(),
		IndexedAt:      s.now().UTC(),
	}
	if err := s.indexer.Index(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("Document indexed for search", "documentId", ev.DocumentID)
	return nil
}
