// Package api exposes the intake operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/extractor"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/Lllllllleong/fiscaldocflow/internal/services"
	"github.com/Lllllllleong/fiscaldocflow/internal/store"
)

const (
	basePath      = "/api/v1/fiscaldocuments"
	maxUploadSize = 10 << 20
	formFileField = "xmlFile"
)

// DocumentService is the subset of services.IntakeFunction the handlers use.
type DocumentService interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*services.IntakeResult, error)
	Update(ctx context.Context, id string, content []byte) (*models.Document, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, req services.ListRequest) (*store.Page, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	svc    DocumentService
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewHandler(svc DocumentService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST "+basePath+"/upload", h.upload)
	h.mux.HandleFunc("GET "+basePath, h.list)
	h.mux.HandleFunc("GET "+basePath+"/{id}", h.get)
	h.mux.HandleFunc("PUT "+basePath+"/{id}", h.update)
	h.mux.HandleFunc("DELETE "+basePath+"/{id}", h.remove)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	content, fileName, err := readXML(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Submit(r.Context(), services.SubmitRequest{Content: content, FileName: fileName})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.UploadResponse{
		DocumentID:    res.DocumentID,
		DocumentKey:   res.DocumentKey,
		Message:       res.Message,
		IsNewDocument: res.IsNew,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	req, err := parseListRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.svc.List(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]models.DocumentView, 0, len(page.Items))
	for _, d := range page.Items {
		items = append(items, models.NewDocumentView(d))
	}
	writeJSON(w, http.StatusOK, models.PagedResponse[models.DocumentView]{
		Items:      items,
		PageNumber: page.PageNumber,
		PageSize:   page.PageSize,
		TotalCount: page.TotalCount,
		TotalPages: totalPages(page.TotalCount, page.PageSize),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewDocumentDetail(doc))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	content, _, err := readXML(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.svc.Update(r.Context(), r.PathValue("id"), content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewDocumentDetail(doc))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readXML accepts either a multipart form with an xmlFile part or a raw XML body.
func readXML(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile(formFileField)
		if err != nil {
			if tooLarge(err) {
				return nil, "", errUploadTooLarge()
			}
			return nil, "", &services.ValidationError{Errors: []string{"XML file is required"}}
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read upload: %w", err)
		}
		return content, header.Filename, nil
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		if tooLarge(err) {
			return nil, "", errUploadTooLarge()
		}
		return nil, "", fmt.Errorf("failed to read request body: %w", err)
	}
	return content, r.URL.Query().Get("fileName"), nil
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func errUploadTooLarge() error {
	return &services.ValidationError{Errors: []string{"XML file exceeds the upload limit"}}
}

func parseListRequest(r *http.Request) (services.ListRequest, error) {
	q := r.URL.Query()
	req := services.ListRequest{
		PageNumber:  1,
		PageSize:    10,
		IssuerTaxID: q.Get("cnpj"),
		Region:      strings.ToUpper(q.Get("uf")),
	}

	var errs []string
	if v := q.Get("pageNumber"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "pageNumber must be an integer")
		}
		req.PageNumber = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "pageSize must be an integer")
		}
		req.PageSize = n
	}
	if v := q.Get("startDate"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			errs = append(errs, "startDate must be an ISO-8601 date")
		} else {
			req.From = &t
		}
	}
	if v := q.Get("endDate"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			errs = append(errs, "endDate must be an ISO-8601 date")
		} else {
			req.To = &t
		}
	}
	if len(errs) > 0 {
		return req, &services.ValidationError{Errors: errs}
	}
	return req, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func totalPages(total, size int) int {
	if size <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(size)))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	logCtx := h.logger.With("method", r.Method, "path", r.URL.Path, "status", status)
	if status >= http.StatusInternalServerError {
		logCtx.Error("Request failed", "error", err)
	} else {
		logCtx.Warn("Request rejected", "error", err)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, models.ErrorResponse) {
	var validation *services.ValidationError
	var publish *services.PublishError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed", Errors: validation.Errors}
	case errors.Is(err, extractor.ErrMalformedInput),
		errors.Is(err, extractor.ErrUnrecognizedSchema),
		errors.Is(err, extractor.ErrUnsupportedFamily),
		errors.Is(err, extractor.ErrMissingDocumentKey),
		errors.Is(err, extractor.ErrMissingField),
		errors.Is(err, models.ErrNegativeTotal),
		errors.Is(err, models.ErrEmptyDocumentKey),
		errors.Is(err, models.ErrInvalidType),
		errors.Is(err, models.ErrTypeMismatch),
		errors.Is(err, models.ErrKeyMismatch):
		return http.StatusBadRequest, models.ErrorResponse{Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, models.ErrorResponse{Message: "Document not found"}
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, models.ErrorResponse{Message: "Another document already has this content"}
	case errors.As(err, &publish):
		return http.StatusInternalServerError, models.ErrorResponse{
			Message: "Document stored but processing could not be started",
			Errors:  []string{"documentId: " + publish.DocumentID},
		}
	}
	return http.StatusInternalServerError, models.ErrorResponse{Message: "Internal server error"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
