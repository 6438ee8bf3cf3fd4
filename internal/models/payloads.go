package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// These structs define the JSON payloads exchanged with HTTP clients of the
// intake function. Tax ids are masked in every view.

// UploadResponse is the outcome of one document submission.
type UploadResponse struct {
	DocumentID    string `json:"documentId"`
	DocumentKey   string `json:"documentKey"`
	Message       string `json:"message"`
	IsNewDocument bool   `json:"isNewDocument"`
}

// DocumentView is the list representation of a stored document.
type DocumentView struct {
	ID                   string          `json:"id"`
	DocumentKey          string          `json:"documentKey"`
	Type                 DocumentType    `json:"documentType"`
	IssuerTaxIDMasked    string          `json:"issuerTaxIdMasked"`
	Region               string          `json:"region"`
	IssueTimestamp       time.Time       `json:"issueTimestamp"`
	TotalValue           decimal.Decimal `json:"totalValue"`
	IssuerName           string          `json:"issuerName"`
	RecipientName        string          `json:"recipientName"`
	RecipientTaxIDMasked string          `json:"recipientTaxIdMasked"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// DocumentDetail adds the raw XML and processing notes to DocumentView.
type DocumentDetail struct {
	DocumentView
	RawContent      string `json:"rawContent"`
	ProcessingNotes string `json:"processingNotes,omitempty"`
}

// PagedResponse wraps one page of a filtered listing.
type PagedResponse[T any] struct {
	Items      []T `json:"items"`
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

func NewDocumentView(d *Document) DocumentView {
	return DocumentView{
		ID:                   d.ID,
		DocumentKey:          d.DocumentKey,
		Type:                 d.Type,
		IssuerTaxIDMasked:    MaskTaxID(d.IssuerTaxID),
		Region:               d.Region,
		IssueTimestamp:       d.IssueTimestamp,
		TotalValue:           d.TotalValue,
		IssuerName:           d.IssuerName,
		RecipientName:        d.RecipientName,
		RecipientTaxIDMasked: MaskTaxID(d.RecipientTaxID),
		Status:               d.Status,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func NewDocumentDetail(d *Document) DocumentDetail {
	return DocumentDetail{
		DocumentView:    NewDocumentView(d),
		RawContent:      d.RawContent,
		ProcessingNotes: d.ProcessingNotes,
	}
}

// MaskTaxID keeps the first two and last four characters of a tax id.
func MaskTaxID(taxID string) string {
	if len(taxID) < 8 {
		return "***"
	}
	return taxID[:2] + ".***.***/" + taxID[len(taxID)-4:]
}
