package testplan

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/test-v1.json
var testSchemaJSON string

// SchemaValidator checks test documents against the embedded JSON schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("test-v1.json", strings.NewReader(testSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("test-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &SchemaValidator{schema: schema}, nil
}

// ValidateJSON validates a JSON encoded test document.
func (v *SchemaValidator) ValidateJSON(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return nil
}

// ValidateDocument validates a decoded YAML document. It is re-encoded as
// JSON first so that numbers reach the schema in their JSON form.
func (v *SchemaValidator) ValidateDocument(doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return v.ValidateJSON(data)
}
