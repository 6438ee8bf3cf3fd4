package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/fiscaldocflow/internal/fingerprint"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

// newFirestoreTestStore talks to the emulator named by FIRESTORE_EMULATOR_HOST.
// Each test gets its own collections.
func newFirestoreTestStore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "fiscaldocflow-test")
	require.NoError(t, err)

	s := NewFirestoreStore(client, "documents_"+uuid.NewString()[:8])
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFirestoreStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newFirestoreTestStore(t)
	doc := newDoc(t, 1, base)

	require.NoError(t, s.Create(ctx, doc))

	got, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.DocumentKey, got.DocumentKey)
	assert.Equal(t, "1000.00", got.TotalValue.StringFixed(2))
	assert.True(t, base.Equal(got.CreatedAt))

	byKey, err := s.GetByKey(ctx, doc.DocumentKey)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byKey.ID)

	byHash, err := s.GetByHash(ctx, doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirestoreStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(first, second *models.Document)
	}{
		{"same key", func(first, second *models.Document) { second.DocumentKey = first.DocumentKey }},
		{"same hash", func(first, second *models.Document) { second.ContentHash = first.ContentHash }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFirestoreTestStore(t)
			first := newDoc(t, 1, base)
			second := newDoc(t, 2, base)
			tt.mutate(first, second)

			require.NoError(t, s.Create(ctx, first))
			assert.ErrorIs(t, s.Create(ctx, second), ErrDuplicate)

			page, err := s.List(ctx, Filter{PageNumber: 1, PageSize: 10})
			require.NoError(t, err)
			assert.Equal(t, 1, page.TotalCount)
		})
	}
}

func TestFirestoreStore_Update(t *testing.T) {
	ctx := context.Background()
	s := newFirestoreTestStore(t)

	assert.ErrorIs(t, s.Update(ctx, newDoc(t, 9, base)), ErrNotFound)

	first := newDoc(t, 1, base)
	second := newDoc(t, 2, base)
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))

	oldHash := second.ContentHash
	second.ContentHash = first.ContentHash
	assert.ErrorIs(t, s.Update(ctx, second), ErrDuplicate)

	second.RawContent = "<nfeProc><n>revised</n></nfeProc>"
	second.ContentHash = fingerprint.Hash([]byte(second.RawContent))
	second.TransitionStatus(models.StatusProcessed, "", base.Add(time.Hour))
	require.NoError(t, s.Update(ctx, second))

	got, err := s.GetByHash(ctx, second.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, models.StatusProcessed, got.Status)

	// The old hash marker moved with the update.
	third := newDoc(t, 3, base)
	third.ContentHash = oldHash
	assert.NoError(t, s.Create(ctx, third))
}

func TestFirestoreStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newFirestoreTestStore(t)
	doc := newDoc(t, 1, base)
	require.NoError(t, s.Create(ctx, doc))

	require.NoError(t, s.Delete(ctx, doc.ID))
	_, err := s.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, doc.ID))
	assert.NoError(t, s.Create(ctx, newDoc(t, 1, base)))
}

func TestFirestoreStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	s := newFirestoreTestStore(t)
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Create(ctx, newDoc(t, i, base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := s.List(ctx, Filter{PageNumber: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, page.TotalCount)
	require.Len(t, page.Items, 10)
	assert.Equal(t, fmt.Sprintf("KEY%041d", 24), page.Items[0].DocumentKey)
	for i := 1; i < len(page.Items); i++ {
		assert.True(t, page.Items[i-1].CreatedAt.After(page.Items[i].CreatedAt))
	}

	last, err := s.List(ctx, Filter{PageNumber: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, last.Items, 5)
	assert.Equal(t, 25, last.TotalCount)
}
