// Package extractor turns raw fiscal XML (NFe, CTe, NFSe) into the canonical
// field set stored for every document.
//
// The family set is closed: detection maps the root element onto a Family
// and Extract dispatches over it with an exhaustive switch.
package extractor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/beevik/etree"
)

var (
	ErrMalformedInput     = errors.New("malformed XML input")
	ErrUnrecognizedSchema = errors.New("unrecognized fiscal document schema")
	ErrUnsupportedFamily  = errors.New("unsupported document family")
	ErrMissingDocumentKey = errors.New("document key not found")
	ErrMissingField       = errors.New("required field missing or unparseable")
)

// Family is the closed set of supported fiscal schemas.
type Family int

const (
	FamilyNFe Family = iota + 1
	FamilyCTe
	FamilyNFSe
)

func (f Family) DocumentType() models.DocumentType {
	switch f {
	case FamilyNFe:
		return models.TypeNFe
	case FamilyCTe:
		return models.TypeCTe
	case FamilyNFSe:
		return models.TypeNFSe
	}
	return ""
}

func (f Family) String() string {
	if t := f.DocumentType(); t != "" {
		return string(t)
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Policy controls what happens when a date or monetary field is absent or
// cannot be parsed.
type Policy int

const (
	// PolicyLenient substitutes the current time for dates and zero for totals.
	PolicyLenient Policy = iota
	// PolicyStrict rejects the document with ErrMissingField.
	PolicyStrict
)

// ParsePolicy maps a configuration value onto a Policy. Unknown values are an error.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return PolicyLenient, nil
	case "strict":
		return PolicyStrict, nil
	}
	return PolicyLenient, fmt.Errorf("unknown extraction policy %q", s)
}

// Extractor is safe for concurrent use.
type Extractor struct {
	policy Policy
	now    func() time.Time
	newKey func() string
}

func New(policy Policy) *Extractor {
	return &Extractor{policy: policy, now: time.Now, newKey: generatedKey}
}

// Extract parses raw XML and returns the canonical fields of the detected family.
func (x *Extractor) Extract(raw string) (models.Fields, error) {
	root, err := parse(raw)
	if err != nil {
		return models.Fields{}, err
	}
	family, err := Detect(root)
	if err != nil {
		return models.Fields{}, err
	}

	switch family {
	case FamilyNFe:
		return x.extractNFe(root)
	case FamilyCTe:
		return x.extractCTe(root)
	case FamilyNFSe:
		return x.extractNFSe(root)
	default:
		return models.Fields{}, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}
}

// Detect inspects the root element's local name against the three family patterns.
func Detect(root *etree.Element) (Family, error) {
	name := root.Tag
	switch {
	case strings.Contains(name, "nfeProc") || strings.Contains(name, "NFe"):
		return FamilyNFe, nil
	case strings.Contains(name, "cteProc") || strings.Contains(name, "CTe"):
		return FamilyCTe, nil
	case strings.Contains(strings.ToLower(name), "nfse"):
		return FamilyNFSe, nil
	}
	return 0, fmt.Errorf("%w: root element <%s>", ErrUnrecognizedSchema, name)
}

func parse(raw string) (*etree.Element, error) {
	if err := checkWellFormed(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedInput)
	}
	return root, nil
}

// checkWellFormed runs a strict token pass; it catches truncated documents
// such as "<invalid>xml" that a tree builder may accept, a second root
// element and text outside the root.
func checkWellFormed(raw string) error {
	dec := xml.NewDecoder(strings.NewReader(raw))
	depth := 0
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && sawRoot {
				return fmt.Errorf("second root element <%s>", t.Name.Local)
			}
			sawRoot = true
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return errors.New("text outside the root element")
			}
		}
	}
	if !sawRoot {
		return errors.New("no root element")
	}
	return nil
}
