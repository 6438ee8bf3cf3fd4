package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lllllllleong/fiscaldocflow/internal/extractor"
	"github.com/Lllllllleong/fiscaldocflow/internal/fingerprint"
	"github.com/Lllllllleong/fiscaldocflow/internal/gcp"
	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/Lllllllleong/fiscaldocflow/internal/store"
)

const (
	MessageProcessed     = "Document processed successfully"
	MessageDuplicateHash = "Document already processed (idempotent replay)"
	MessageDuplicateKey  = "A document with this key already exists"
)

// DocumentExtractor parses raw XML into canonical fields.
type DocumentExtractor interface {
	Extract(raw string) (models.Fields, error)
}

// EventPublisher durably publishes a processed event before returning.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.ProcessedEvent) error
}

type SubmitRequest struct {
	Content  []byte
	FileName string
}

type IntakeResult struct {
	DocumentID  string
	DocumentKey string
	IsNew       bool
	Message     string
}

type ListRequest struct {
	From        *time.Time
	To          *time.Time
	IssuerTaxID string
	Region      string
	PageNumber  int
	PageSize    int
}

// PublishError reports a document that was stored but whose event could not
// be published. Resubmitting the same content is safe.
type PublishError struct {
	DocumentID  string
	DocumentKey string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("document %s stored but event publish failed: %v", e.DocumentID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IntakeFunction is the single writer of new documents. It also serves the
// explicit update, read and delete paths.
type IntakeFunction struct {
	store     store.Store
	extractor DocumentExtractor
	publisher EventPublisher
	archive   gcp.ObjectSaver
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer

	closers []func() error
}

// NewIntakeFunction wires an IntakeFunction from its collaborators. archive
// may be nil to skip raw archiving.
func NewIntakeFunction(st store.Store, x DocumentExtractor, pub EventPublisher, archive gcp.ObjectSaver, logger *slog.Logger) *IntakeFunction {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeFunction{
		store:     st,
		extractor: x,
		publisher: pub,
		archive:   archive,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("github.com/Lllllllleong/fiscaldocflow/internal/services"),
	}
}

// NewIntake builds the IntakeFunction from the environment.
func NewIntake(ctx context.Context) (*IntakeFunction, error) {
	cfg, err := loadIntakeConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	publisher, err := messaging.NewPublisher(ctx, cfg.RabbitMQURL, cfg.EventSource, messaging.ConnectBackoff(), slog.Default())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}

	var archive gcp.ObjectSaver
	closers := []func() error{publisher.Close, st.Close}
	if cfg.RawArchiveBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			_ = publisher.Close()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		archive = gcp.NewBucketSaver(storageClient, cfg.RawArchiveBucket)
		closers = append(closers, storageClient.Close)
	}

	f := NewIntakeFunction(st, extractor.New(cfg.Policy), publisher, archive, slog.Default())
	f.closers = closers
	slog.Info("Intake function initialized.", "storeBackend", cfg.Store.Backend, "rawArchive", cfg.RawArchiveBucket != "")
	return f, nil
}

func (f *IntakeFunction) Close() error {
	var errs []error
	for _, c := range f.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Submit ingests one document. Duplicates by content hash or by document key
// resolve to the stored document with IsNew false and publish nothing.
func (f *IntakeFunction) Submit(ctx context.Context, req SubmitRequest) (*IntakeResult, error) {
	ctx, span := f.tracer.Start(ctx, "intake.Submit")
	defer span.End()

	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	hash := fingerprint.Hash(req.Content)
	logCtx := f.logger.With("contentHash", hash, "fileName", req.FileName)
	span.SetAttributes(attribute.String("document.content_hash", hash))

	existing, err := f.store.GetByHash(ctx, hash)
	if err == nil {
		logCtx.Info("Duplicate content detected by hash.", "existingDocId", existing.ID)
		return duplicateResult(existing, MessageDuplicateHash), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, f.fail(span, logCtx, "failed to look up content hash", err)
	}

	fields, err := f.extractor.Extract(string(req.Content))
	if err != nil {
		logCtx.Warn("Rejected submission", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("documentKey", fields.DocumentKey, "documentType", fields.Type)

	existing, err = f.store.GetByKey(ctx, fields.DocumentKey)
	if err == nil {
		logCtx.Info("Document with the same key found.", "existingDocId", existing.ID)
		return duplicateResult(existing, MessageDuplicateKey), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, f.fail(span, logCtx, "failed to look up document key", err)
	}

	now := f.now()
	doc, err := models.NewDocument(fields, string(req.Content), hash, now)
	if err != nil {
		return nil, err
	}

	if f.archive != nil {
		if err := f.archive.Save(ctx, RawObjectName(hash), doc.RawContent); err != nil {
			return nil, f.fail(span, logCtx, "failed to archive raw content", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Once the insert starts the caller can no longer cancel the document.
	pctx := context.WithoutCancel(ctx)

	if err := f.store.Create(pctx, doc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return f.reconcile(pctx, logCtx, hash, fields.DocumentKey)
		}
		return nil, f.fail(span, logCtx, "failed to persist document", err)
	}
	logCtx = logCtx.With("documentId", doc.ID)
	span.SetAttributes(attribute.String("document.id", doc.ID))

	doc.TransitionStatus(models.StatusProcessed, "", f.now())
	if err := f.store.Update(pctx, doc); err != nil {
		return nil, f.fail(span, logCtx, "failed to mark document processed", err)
	}
	logCtx.Info("Fiscal document created.", "issuer", models.MaskTaxID(doc.IssuerTaxID))

	if err := f.publisher.Publish(pctx, models.NewProcessedEvent(doc, f.now())); err != nil {
		f.markPublishFailed(pctx, logCtx, doc, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, &PublishError{DocumentID: doc.ID, DocumentKey: doc.DocumentKey, Err: err}
	}

	return &IntakeResult{
		DocumentID:  doc.ID,
		DocumentKey: doc.DocumentKey,
		IsNew:       true,
		Message:     MessageProcessed,
	}, nil
}

// reconcile resolves a lost insert race to the document that won it.
func (f *IntakeFunction) reconcile(ctx context.Context, logCtx *slog.Logger, hash, documentKey string) (*IntakeResult, error) {
	if winner, err := f.store.GetByHash(ctx, hash); err == nil {
		logCtx.Info("Concurrent duplicate resolved by hash.", "existingDocId", winner.ID)
		return duplicateResult(winner, MessageDuplicateHash), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to reconcile duplicate insert: %w", err)
	}

	if winner, err := f.store.GetByKey(ctx, documentKey); err == nil {
		logCtx.Info("Concurrent duplicate resolved by key.", "existingDocId", winner.ID)
		return duplicateResult(winner, MessageDuplicateKey), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to reconcile duplicate insert: %w", err)
	}

	return nil, fmt.Errorf("%w: conflicting document vanished before it could be read", store.ErrDuplicate)
}

func (f *IntakeFunction) markPublishFailed(ctx context.Context, logCtx *slog.Logger, doc *models.Document, publishErr error) {
	logCtx.Error("Failed to publish processed event", "error", publishErr)
	doc.TransitionStatus(models.StatusError, fmt.Sprintf("event publish failed: %v", publishErr), f.now())
	if err := f.store.Update(ctx, doc); err != nil {
		logCtx.Error("CRITICAL: Failed to record publish failure on document.", "updateError", err)
	}
}

func (f *IntakeFunction) fail(span trace.Span, logCtx *slog.Logger, message string, err error) error {
	logCtx.Error(message, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	return fmt.Errorf("%s: %w", message, err)
}

func duplicateResult(doc *models.Document, message string) *IntakeResult {
	return &IntakeResult{
		DocumentID:  doc.ID,
		DocumentKey: doc.DocumentKey,
		IsNew:       false,
		Message:     message,
	}
}

// RawObjectName is where the archived XML of a submission lives.
func RawObjectName(contentHash string) string {
	return fmt.Sprintf("raw/%s.xml", contentHash)
}

// Update replaces the content of a stored document. Identity, type, status
// and creation time are kept; no event is published.
func (f *IntakeFunction) Update(ctx context.Context, id string, content []byte) (*models.Document, error) {
	if err := validateSubmit(SubmitRequest{Content: content}); err != nil {
		return nil, err
	}
	logCtx := f.logger.With("documentId", id)

	doc, err := f.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := f.extractor.Extract(string(content))
	if err != nil {
		return nil, err
	}
	hash := fingerprint.Hash(content)
	if err := doc.Revise(fields, string(content), hash, f.now()); err != nil {
		return nil, err
	}
	if err := f.store.Update(ctx, doc); err != nil {
		return nil, err
	}
	logCtx.Info("Document updated.", "contentHash", hash)
	return doc, nil
}

func (f *IntakeFunction) Get(ctx context.Context, id string) (*models.Document, error) {
	return f.store.Get(ctx, id)
}

func (f *IntakeFunction) List(ctx context.Context, req ListRequest) (*store.Page, error) {
	if err := validateList(req); err != nil {
		return nil, err
	}
	return f.store.List(ctx, store.Filter{
		From:        req.From,
		To:          req.To,
		IssuerTaxID: req.IssuerTaxID,
		Region:      req.Region,
		PageNumber:  req.PageNumber,
		PageSize:    req.PageSize,
	})
}

// Delete removes a document. Unlike the store, an unknown id is ErrNotFound.
func (f *IntakeFunction) Delete(ctx context.Context, id string) error {
	if _, err := f.store.Get(ctx, id); err != nil {
		return err
	}
	if err := f.store.Delete(ctx, id); err != nil {
		return err
	}
	f.logger.Info("Document deleted.", "documentId", id)
	return nil
}
