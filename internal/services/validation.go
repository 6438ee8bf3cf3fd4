package services

import (
	"fmt"
	"regexp"
	"strings"
)

const maxPageSize = 100

var taxIDPattern = regexp.MustCompile(`^\d{14}$`)

// ValidationError is a request-level failure. It is never retried.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

func validationErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

func validateSubmit(req SubmitRequest) error {
	var errs []string
	if len(strings.TrimSpace(string(req.Content))) == 0 {
		errs = append(errs, "XML content is required")
	}
	if req.FileName != "" && !strings.HasSuffix(strings.ToLower(req.FileName), ".xml") {
		errs = append(errs, "file must be an .xml file")
	}
	return validationErrors(errs)
}

func validateList(req ListRequest) error {
	var errs []string
	if req.PageNumber < 1 {
		errs = append(errs, "page number must be greater than 0")
	}
	if req.PageSize < 1 {
		errs = append(errs, "page size must be greater than 0")
	}
	if req.PageSize > maxPageSize {
		errs = append(errs, fmt.Sprintf("page size must not exceed %d", maxPageSize))
	}
	if req.IssuerTaxID != "" && !taxIDPattern.MatchString(req.IssuerTaxID) {
		errs = append(errs, "tax id must contain 14 digits")
	}
	if req.Region != "" && len([]rune(req.Region)) != 2 {
		errs = append(errs, "region must contain 2 characters")
	}
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		errs = append(errs, "start date must not be after end date")
	}
	return validationErrors(errs)
}
