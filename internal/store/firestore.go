package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/Lllllllleong/fiscaldocflow/internal/fingerprint"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreDocument is the Firestore representation of a canonical document.
// Totals are stored as strings to keep exact cents.
type firestoreDocument struct {
	DocumentKey     string    `firestore:"documentKey"`
	Type            string    `firestore:"documentType"`
	RawContent      string    `firestore:"rawContent"`
	ContentHash     string    `firestore:"contentHash"`
	IssuerTaxID     string    `firestore:"issuerTaxId"`
	RecipientTaxID  string    `firestore:"recipientTaxId,omitempty"`
	Region          string    `firestore:"region"`
	IssueTimestamp  time.Time `firestore:"issueTimestamp"`
	TotalValue      string    `firestore:"totalValue"`
	IssuerName      string    `firestore:"issuerName,omitempty"`
	RecipientName   string    `firestore:"recipientName,omitempty"`
	Status          string    `firestore:"status"`
	ProcessingNotes string    `firestore:"processingNotes,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

type uniqueMarker struct {
	DocumentID string `firestore:"documentId"`
}

// FirestoreStore keeps documents in one collection keyed by id. Uniqueness of
// the document key and content hash is enforced by marker documents in two
// sibling collections, written in the same transaction as the document.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) docs() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) keyMarker(documentKey string) *firestore.DocumentRef {
	return s.client.Collection(s.collection + "_keys").Doc(fingerprint.Hash([]byte(documentKey)))
}

func (s *FirestoreStore) hashMarker(contentHash string) *firestore.DocumentRef {
	return s.client.Collection(s.collection + "_hashes").Doc(fingerprint.Hash([]byte(contentHash)))
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.docs().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return decodeSnapshot(snap)
}

func (s *FirestoreStore) GetByKey(ctx context.Context, documentKey string) (*models.Document, error) {
	return s.findOne(ctx, "documentKey", documentKey)
}

func (s *FirestoreStore) GetByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	return s.findOne(ctx, "contentHash", contentHash)
}

func (s *FirestoreStore) findOne(ctx context.Context, field, value string) (*models.Document, error) {
	docs, err := s.docs().Where(field, "==", value).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query by %s: %w", field, err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return decodeSnapshot(docs[0])
}

func (s *FirestoreStore) List(ctx context.Context, filter Filter) (*Page, error) {
	q := s.docs().Query
	if filter.From != nil {
		q = q.Where("issueTimestamp", ">=", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("issueTimestamp", "<=", filter.To.UTC())
	}
	if filter.IssuerTaxID != "" {
		q = q.Where("issuerTaxId", "==", filter.IssuerTaxID)
	}
	if filter.Region != "" {
		q = q.Where("region", "==", filter.Region)
	}

	agg, err := q.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	total, ok := agg["total"].(*firestorepb.Value)
	if !ok {
		return nil, fmt.Errorf("unexpected count aggregation result %T", agg["total"])
	}

	snaps, err := q.OrderBy("createdAt", firestore.Desc).Offset(filter.offset()).Limit(filter.PageSize).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	page := &Page{
		Items:      make([]*models.Document, 0, len(snaps)),
		TotalCount: int(total.GetIntegerValue()),
		PageNumber: filter.PageNumber,
		PageSize:   filter.PageSize,
	}
	for _, snap := range snaps {
		doc, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, doc)
	}
	return page, nil
}

func (s *FirestoreStore) Create(ctx context.Context, doc *models.Document) error {
	ref := s.docs().Doc(doc.ID)
	keyRef := s.keyMarker(doc.DocumentKey)
	hashRef := s.hashMarker(doc.ContentHash)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, marker := range []*firestore.DocumentRef{keyRef, hashRef} {
			taken, err := exists(tx, marker)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicate
			}
		}
		if err := tx.Create(keyRef, uniqueMarker{DocumentID: doc.ID}); err != nil {
			return err
		}
		if err := tx.Create(hashRef, uniqueMarker{DocumentID: doc.ID}); err != nil {
			return err
		}
		return tx.Create(ref, encodeDocument(doc))
	})
	return translateWriteError(err, doc)
}

func (s *FirestoreStore) Update(ctx context.Context, doc *models.Document) error {
	ref := s.docs().Doc(doc.ID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current firestoreDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}

		type move struct{ old, new *firestore.DocumentRef }
		var moves []move
		if current.DocumentKey != doc.DocumentKey {
			moves = append(moves, move{s.keyMarker(current.DocumentKey), s.keyMarker(doc.DocumentKey)})
		}
		if current.ContentHash != doc.ContentHash {
			moves = append(moves, move{s.hashMarker(current.ContentHash), s.hashMarker(doc.ContentHash)})
		}
		for _, m := range moves {
			taken, err := exists(tx, m.new)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicate
			}
		}
		for _, m := range moves {
			if err := tx.Delete(m.old); err != nil {
				return err
			}
			if err := tx.Create(m.new, uniqueMarker{DocumentID: doc.ID}); err != nil {
				return err
			}
		}
		return tx.Set(ref, encodeDocument(doc))
	})
	return translateWriteError(err, doc)
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	ref := s.docs().Doc(id)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var current firestoreDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if err := tx.Delete(s.keyMarker(current.DocumentKey)); err != nil {
			return err
		}
		if err := tx.Delete(s.hashMarker(current.ContentHash)); err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func exists(tx *firestore.Transaction, ref *firestore.DocumentRef) (bool, error) {
	_, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func translateWriteError(err error, doc *models.Document) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicate), status.Code(err) == codes.AlreadyExists:
		return fmt.Errorf("%w: key %s", ErrDuplicate, doc.DocumentKey)
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	}
	return fmt.Errorf("failed to write document %s: %w", doc.ID, err)
}

func encodeDocument(d *models.Document) firestoreDocument {
	return firestoreDocument{
		DocumentKey:     d.DocumentKey,
		Type:            string(d.Type),
		RawContent:      d.RawContent,
		ContentHash:     d.ContentHash,
		IssuerTaxID:     d.IssuerTaxID,
		RecipientTaxID:  d.RecipientTaxID,
		Region:          d.Region,
		IssueTimestamp:  d.IssueTimestamp.UTC(),
		TotalValue:      d.TotalValue.StringFixed(2),
		IssuerName:      d.IssuerName,
		RecipientName:   d.RecipientName,
		Status:          string(d.Status),
		ProcessingNotes: d.ProcessingNotes,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	var rec firestoreDocument
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	total, err := decimal.NewFromString(rec.TotalValue)
	if err != nil {
		return nil, fmt.Errorf("document %s has invalid totalValue %q: %w", snap.Ref.ID, rec.TotalValue, err)
	}
	return &models.Document{
		ID:              snap.Ref.ID,
		DocumentKey:     rec.DocumentKey,
		Type:            models.DocumentType(rec.Type),
		RawContent:      rec.RawContent,
		ContentHash:     rec.ContentHash,
		IssuerTaxID:     rec.IssuerTaxID,
		RecipientTaxID:  rec.RecipientTaxID,
		Region:          rec.Region,
		IssueTimestamp:  rec.IssueTimestamp.UTC(),
		TotalValue:      total,
		IssuerName:      rec.IssuerName,
		RecipientName:   rec.RecipientName,
		Status:          models.Status(rec.Status),
		ProcessingNotes: rec.ProcessingNotes,
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}, nil
}
