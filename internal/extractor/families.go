package extractor

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/beevik/etree"
)

func (x *Extractor) extractNFe(root *etree.Element) (models.Fields, error) {
	ns := root.NamespaceURI()
	inf := descendant(root, ns, "infNFe")
	if inf == nil {
		return models.Fields{}, fmt.Errorf("%w: invalid NFe structure, infNFe not found", ErrMalformedInput)
	}
	ide := child(inf, ns, "ide")
	emit := child(inf, ns, "emit")
	dest := child(inf, ns, "dest")
	totals := path(inf, ns, "total", "ICMSTot")

	key, err := accessKey(inf, "NFe")
	if err != nil {
		return models.Fields{}, err
	}
	issued, err := x.timestamp(text(child(ide, ns, "dhEmi")), "ide/dhEmi")
	if err != nil {
		return models.Fields{}, err
	}
	total, err := x.amount(text(child(totals, ns, "vNF")), "total/ICMSTot/vNF")
	if err != nil {
		return models.Fields{}, err
	}

	recipientTaxID := text(child(dest, ns, "CNPJ"))
	if recipientTaxID == "" {
		recipientTaxID = text(child(dest, ns, "CPF"))
	}

	return models.Fields{
		DocumentKey:    key,
		Type:           models.TypeNFe,
		IssuerTaxID:    text(child(emit, ns, "CNPJ")),
		RecipientTaxID: recipientTaxID,
		Region:         text(path(emit, ns, "enderEmit", "UF")),
		IssueTimestamp: issued,
		TotalValue:     total,
		IssuerName:     text(child(emit, ns, "xNome")),
		RecipientName:  text(child(dest, ns, "xNome")),
	}, nil
}

func (x *Extractor) extractCTe(root *etree.Element) (models.Fields, error) {
	ns := root.NamespaceURI()
	inf := descendant(root, ns, "infCte")
	if inf == nil {
		return models.Fields{}, fmt.Errorf("%w: invalid CTe structure, infCte not found", ErrMalformedInput)
	}
	ide := child(inf, ns, "ide")
	emit := child(inf, ns, "emit")
	dest := child(inf, ns, "dest")

	key, err := accessKey(inf, "CTe")
	if err != nil {
		return models.Fields{}, err
	}
	issued, err := x.timestamp(text(child(ide, ns, "dhEmi")), "ide/dhEmi")
	if err != nil {
		return models.Fields{}, err
	}
	total, err := x.amount(text(path(inf, ns, "vPrest", "vTPrest")), "vPrest/vTPrest")
	if err != nil {
		return models.Fields{}, err
	}

	return models.Fields{
		DocumentKey:    key,
		Type:           models.TypeCTe,
		IssuerTaxID:    text(child(emit, ns, "CNPJ")),
		RecipientTaxID: text(child(dest, ns, "CNPJ")),
		Region:         text(path(emit, ns, "enderEmit", "UF")),
		IssueTimestamp: issued,
		TotalValue:     total,
		IssuerName:     text(child(emit, ns, "xNome")),
		RecipientName:  text(child(dest, ns, "xNome")),
	}, nil
}

// NFSe layouts vary per municipality, so lookups go by local name only.
func (x *Extractor) extractNFSe(root *etree.Element) (models.Fields, error) {
	provider := descendantLocal(root, "Prestador")
	taker := descendantLocal(root, "Tomador")
	values := descendantLocal(root, "Valores")

	issued, err := x.timestamp(text(descendantLocal(root, "DataEmissao")), "DataEmissao")
	if err != nil {
		return models.Fields{}, err
	}
	total, err := x.amount(text(descendantLocal(values, "ValorServicos")), "Valores/ValorServicos")
	if err != nil {
		return models.Fields{}, err
	}

	key := text(descendantLocal(root, "Numero"))
	generated := false
	if key == "" {
		key = x.newKey()
		generated = true
	}

	return models.Fields{
		DocumentKey:    key,
		Type:           models.TypeNFSe,
		IssuerTaxID:    text(descendantLocal(provider, "Cnpj")),
		RecipientTaxID: text(descendantLocal(taker, "Cnpj")),
		Region:         text(descendantLocal(provider, "Uf")),
		IssueTimestamp: issued,
		TotalValue:     total,
		IssuerName:     text(descendantLocal(provider, "RazaoSocial")),
		RecipientName:  text(descendantLocal(taker, "RazaoSocial")),
		KeyGenerated:   generated,
	}, nil
}

// accessKey reads the Id attribute and strips the family prefix.
func accessKey(inf *etree.Element, prefix string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(inf.SelectAttrValue("Id", "")), prefix)
	if key == "" {
		return "", fmt.Errorf("%w: %s Id attribute is empty", ErrMissingDocumentKey, inf.Tag)
	}
	return key, nil
}
