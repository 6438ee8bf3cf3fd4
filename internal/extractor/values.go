package extractor

import (
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (x *Extractor) timestamp(raw, field string) (time.Time, error) {
	if raw != "" {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, nil
			}
		}
	}
	if x.policy == PolicyStrict {
		return time.Time{}, fmt.Errorf("%w: %s=%q", ErrMissingField, field, raw)
	}
	return x.now().UTC(), nil
}

// amount parses a locale-invariant decimal ("1000.00") rounded to cents.
func (x *Extractor) amount(raw, field string) (decimal.Decimal, error) {
	if raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil {
			if v.IsNegative() {
				return decimal.Zero, fmt.Errorf("%w: %s=%s", models.ErrNegativeTotal, field, raw)
			}
			return v.Round(2), nil
		}
	}
	if x.policy == PolicyStrict {
		return decimal.Zero, fmt.Errorf("%w: %s=%q", ErrMissingField, field, raw)
	}
	return decimal.Zero, nil
}

func generatedKey() string {
	return uuid.NewString()
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

func child(el *etree.Element, ns, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func path(el *etree.Element, ns string, locals ...string) *etree.Element {
	for _, local := range locals {
		el = child(el, ns, local)
	}
	return el
}

// descendant is a depth-first, document-order search for a namespace-qualified element.
func descendant(el *etree.Element, ns, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
		if found := descendant(c, ns, local); found != nil {
			return found
		}
	}
	return nil
}

func descendantLocal(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
		if found := descendantLocal(c, local); found != nil {
			return found
		}
	}
	return nil
}
