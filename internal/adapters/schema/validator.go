package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

//go:embed rule_document.schema.json
var ruleDocumentSchema []byte

const ruleDocumentURL = "https://guardian.schemas.local/rule_document.schema.json"

// RuleDocumentValidator rejects owner rule documents that do not match the
// published schema before any decoding happens.
type RuleDocumentValidator struct {
	schema *jsonschema.Schema
}

var _ ports.RuleDocumentValidator = (*RuleDocumentValidator)(nil)

func NewRuleDocumentValidator() (*RuleDocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(ruleDocumentURL, bytes.NewReader(ruleDocumentSchema)); err != nil {
		return nil, fmt.Errorf("rule schema load failed: %w", err)
	}
	compiled, err := c.Compile(ruleDocumentURL)
	if err != nil {
		return nil, fmt.Errorf("rule schema compile failed: %w", err)
	}
	return &RuleDocumentValidator{schema: compiled}, nil
}

func (v *RuleDocumentValidator) Validate(raw []byte) error {
	doc, err := decodeDocument(raw)
	if err != nil {
		return fmt.Errorf("%w: rule document is not valid JSON: %v", domain.ErrInvalidInput, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: rule document: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// decodeDocument keeps numbers as json.Number, which is the form the schema
// validator checks integer and range keywords against.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return doc, nil
}
