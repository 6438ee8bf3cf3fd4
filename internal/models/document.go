package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentType identifies the fiscal schema family a document was extracted from.
type DocumentType string

const (
	TypeNFe  DocumentType = "NFe"
	TypeCTe  DocumentType = "CTe"
	TypeNFSe DocumentType = "NFSe"
)

func (t DocumentType) Valid() bool {
	switch t {
	case TypeNFe, TypeCTe, TypeNFSe:
		return true
	}
	return false
}

// Status is the externally visible lifecycle of a stored document.
// It never gates storage.
type Status string

const (
	StatusReceived   Status = "Received"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusError      Status = "Error"
)

var (
	ErrEmptyDocumentKey = errors.New("document key must not be empty")
	ErrInvalidType      = errors.New("invalid document type")
	ErrNegativeTotal    = errors.New("total value must not be negative")
	ErrTypeMismatch     = errors.New("document type cannot change on update")
	ErrKeyMismatch      = errors.New("document key cannot change on update")
)

// Fields is the canonical field set produced by the schema extractor.
type Fields struct {
	DocumentKey    string
	Type           DocumentType
	IssuerTaxID    string
	RecipientTaxID string
	Region         string
	IssueTimestamp time.Time
	TotalValue     decimal.Decimal
	IssuerName     string
	RecipientName  string

	// KeyGenerated is set when the source carried no natural key and a
	// unique token was generated in its place.
	KeyGenerated bool
}

// Document is the persisted canonical representation of an ingested fiscal document.
type Document struct {
	ID              string          `json:"id"`
	DocumentKey     string          `json:"documentKey"`
	Type            DocumentType    `json:"documentType"`
	RawContent      string          `json:"rawContent"`
	ContentHash     string          `json:"contentHash"`
	IssuerTaxID     string          `json:"issuerTaxId"`
	RecipientTaxID  string          `json:"recipientTaxId"`
	Region          string          `json:"region"`
	IssueTimestamp  time.Time       `json:"issueTimestamp"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	IssuerName      string          `json:"issuerName"`
	RecipientName   string          `json:"recipientName"`
	Status          Status          `json:"status"`
	ProcessingNotes string          `json:"processingNotes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewDocument builds a document in the Received state with a fresh identity.
func NewDocument(f Fields, rawContent, contentHash string, now time.Time) (*Document, error) {
	if f.DocumentKey == "" {
		return nil, ErrEmptyDocumentKey
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, f.Type)
	}
	if f.TotalValue.IsNegative() {
		return nil, ErrNegativeTotal
	}
	now = now.UTC()
	return &Document{
		ID:             uuid.NewString(),
		DocumentKey:    f.DocumentKey,
		Type:           f.Type,
		RawContent:     rawContent,
		ContentHash:    contentHash,
		IssuerTaxID:    f.IssuerTaxID,
		RecipientTaxID: f.RecipientTaxID,
		Region:         f.Region,
		IssueTimestamp: f.IssueTimestamp,
		TotalValue:     f.TotalValue.Round(2),
		IssuerName:     f.IssuerName,
		RecipientName:  f.RecipientName,
		Status:         StatusReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (d *Document) TransitionStatus(status Status, notes string, now time.Time) {
	d.Status = status
	d.ProcessingNotes = notes
	d.UpdatedAt = now.UTC()
}

// Revise replaces the raw content and everything derived from it.
// ID, DocumentKey, Type, Status and CreatedAt are left untouched.
func (d *Document) Revise(f Fields, rawContent, contentHash string, now time.Time) error {
	if f.Type != d.Type {
		return fmt.Errorf("%w: stored %s, got %s", ErrTypeMismatch, d.Type, f.Type)
	}
	if !f.KeyGenerated && f.DocumentKey != d.DocumentKey {
		return fmt.Errorf("%w: stored %s, got %s", ErrKeyMismatch, d.DocumentKey, f.DocumentKey)
	}
	if f.TotalValue.IsNegative() {
		return ErrNegativeTotal
	}
	d.RawContent = rawContent
	d.ContentHash = contentHash
	d.IssuerTaxID = f.IssuerTaxID
	d.RecipientTaxID = f.RecipientTaxID
	d.Region = f.Region
	d.IssueTimestamp = f.IssueTimestamp
	d.TotalValue = f.TotalValue.Round(2)
	d.IssuerName = f.IssuerName
	d.RecipientName = f.RecipientName
	d.UpdatedAt = now.UTC()
	return nil
}
