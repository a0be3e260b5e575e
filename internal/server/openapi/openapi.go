// Package openapi embeds the API surface's OpenAPI document and validates
// that it parses and conforms to the OpenAPI schema; `doctor` runs this
// check. The document is not compared against the registered routes.
package openapi

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var document []byte

// Document returns the embedded OpenAPI document's raw bytes.
func Document() []byte { return document }

// Load parses and validates the embedded OpenAPI document, returning an
// error describing what's wrong if it doesn't parse or fails schema
// validation.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("parse embedded openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate embedded openapi document: %w", err)
	}
	return doc, nil
}
