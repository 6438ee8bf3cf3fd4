package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sqlDocument struct {
	ID              string          `gorm:"primaryKey;size:36"`
	DocumentKey     string          `gorm:"size:64;not null;uniqueIndex"`
	Type            string          `gorm:"size:8;not null"`
	RawContent      string          `gorm:"not null"`
	ContentHash     string          `gorm:"size:64;not null;uniqueIndex"`
	IssuerTaxID     string          `gorm:"size:14;index:idx_issuer_issue,priority:1"`
	RecipientTaxID  string          `gorm:"size:14"`
	Region          string          `gorm:"size:2;index:idx_region_issue,priority:1"`
	IssueTimestamp  time.Time       `gorm:"index;index:idx_issuer_issue,priority:2;index:idx_region_issue,priority:2"`
	TotalValue      decimal.Decimal `gorm:"type:decimal(18,2)"`
	IssuerName      string          `gorm:"size:200"`
	RecipientName   string          `gorm:"size:200"`
	Status          string          `gorm:"size:16;not null"`
	ProcessingNotes string
	CreatedAt       time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (sqlDocument) TableName() string { return "fiscal_documents" }

// SQLStore persists documents through gorm. Unique indexes on document_key
// and content_hash back the uniqueness contract.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the schema on db. db must be opened with
// TranslateError enabled so constraint violations map to gorm.ErrDuplicatedKey.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&sqlDocument{}); err != nil {
		return nil, fmt.Errorf("failed to migrate fiscal_documents: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLite opens a sqlite database at dsn and returns a migrated store.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	// sqlite allows a single writer; serializing on one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return NewSQLStore(db)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *SQLStore) GetByKey(ctx context.Context, documentKey string) (*models.Document, error) {
	return s.first(ctx, "document_key = ?", documentKey)
}

func (s *SQLStore) GetByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	return s.first(ctx, "content_hash = ?", contentHash)
}

func (s *SQLStore) first(ctx context.Context, query string, arg string) (*models.Document, error) {
	var rec sqlDocument
	err := s.db.WithContext(ctx).Where(query, arg).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query fiscal_documents: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) (*Page, error) {
	q := s.db.WithContext(ctx).Model(&sqlDocument{})
	if filter.From != nil {
		q = q.Where("issue_timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("issue_timestamp <= ?", filter.To.UTC())
	}
	if filter.IssuerTaxID != "" {
		q = q.Where("issuer_tax_id = ?", filter.IssuerTaxID)
	}
	if filter.Region != "" {
		q = q.Where("region = ?", filter.Region)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count fiscal_documents: %w", err)
	}

	var recs []sqlDocument
	err := q.Order("created_at DESC").Offset(filter.offset()).Limit(filter.PageSize).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list fiscal_documents: %w", err)
	}

	page := &Page{
		Items:      make([]*models.Document, 0, len(recs)),
		TotalCount: int(total),
		PageNumber: filter.PageNumber,
		PageSize:   filter.PageSize,
	}
	for i := range recs {
		page.Items = append(page.Items, recs[i].toModel())
	}
	return page, nil
}

func (s *SQLStore) Create(ctx context.Context, doc *models.Document) error {
	rec := fromModel(doc)
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: key %s", ErrDuplicate, doc.DocumentKey)
	}
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, doc *models.Document) error {
	rec := fromModel(doc)
	res := s.db.WithContext(ctx).Model(&sqlDocument{ID: doc.ID}).Select("*").Omit("created_at").Updates(&rec)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: hash %s", ErrDuplicate, doc.ContentHash)
	}
	if res.Error != nil {
		return fmt.Errorf("failed to update document %s: %w", doc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sqlDocument{}).Error; err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromModel(d *models.Document) sqlDocument {
	return sqlDocument{
		ID:              d.ID,
		DocumentKey:     d.DocumentKey,
		Type:            string(d.Type),
		RawContent:      d.RawContent,
		ContentHash:     d.ContentHash,
		IssuerTaxID:     d.IssuerTaxID,
		RecipientTaxID:  d.RecipientTaxID,
		Region:          d.Region,
		IssueTimestamp:  d.IssueTimestamp.UTC(),
		TotalValue:      d.TotalValue,
		IssuerName:      d.IssuerName,
		RecipientName:   d.RecipientName,
		Status:          string(d.Status),
		ProcessingNotes: d.ProcessingNotes,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

func (r *sqlDocument) toModel() *models.Document {
	return &models.Document{
		ID:              r.ID,
		DocumentKey:     r.DocumentKey,
		Type:            models.DocumentType(r.Type),
		RawContent:      r.RawContent,
		ContentHash:     r.ContentHash,
		IssuerTaxID:     r.IssuerTaxID,
		RecipientTaxID:  r.RecipientTaxID,
		Region:          r.Region,
		IssueTimestamp:  r.IssueTimestamp.UTC(),
		TotalValue:      r.TotalValue,
		IssuerName:      r.IssuerName,
		RecipientName:   r.RecipientName,
		Status:          models.Status(r.Status),
		ProcessingNotes: r.ProcessingNotes,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}
