// Package store defines the durable keyed persistence contract for canonical
// documents and its backends.
//
// Every backend enforces two independent uniqueness constraints, on the
// natural document key and on the content hash. A violation surfaces as
// ErrDuplicate, which callers must be able to tell apart from ErrNotFound:
// the intake path relies on it to reconcile concurrent identical submissions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("document key or content hash already stored")
)

// Filter narrows a paginated listing. Zero values disable a criterion.
type Filter struct {
	From        *time.Time
	To          *time.Time
	IssuerTaxID string
	Region      string
	PageNumber  int
	PageSize    int
}

func (f Filter) offset() int {
	if f.PageNumber < 1 {
		return 0
	}
	return (f.PageNumber - 1) * f.PageSize
}

// Page is one slice of a listing ordered by creation time, newest first.
type Page struct {
	Items      []*models.Document
	TotalCount int
	PageNumber int
	PageSize   int
}

type Store interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	GetByKey(ctx context.Context, documentKey string) (*models.Document, error)
	GetByHash(ctx context.Context, contentHash string) (*models.Document, error)
	List(ctx context.Context, filter Filter) (*Page, error)

	// Create inserts a new document atomically, or fails with ErrDuplicate.
	Create(ctx context.Context, doc *models.Document) error
	// Update replaces a stored document; ErrNotFound if it does not exist.
	Update(ctx context.Context, doc *models.Document) error
	// Delete removes a document. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}
