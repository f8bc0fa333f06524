package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaResource is the synthetic URL schemas compile under.
const schemaResource = "inline://schema.json"

// CompileSchema compiles a raw JSON Schema document.
func CompileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ParseAndValidate extracts JSON from LLM output text, parses it, and
// validates it against the schema. A nil schema skips validation.
func ParseAndValidate(text string, schema *jsonschema.Schema) (any, error) {
	candidate := extractJSON(text)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON found in output")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(candidate)))
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}
	return doc, nil
}

// repairPrompt asks the model to fix output that failed schema validation.
// One round only; a model that cannot repair its own output on the second
// try is not going to converge.
func repairPrompt(jsonSchema json.RawMessage, validationErr error) string {
	return fmt.Sprintf(
		"The previous output failed validation against this JSON Schema:\n\n%s\n\nValidation error: %v\n\nReturn only valid JSON matching the schema. No prose, no code fences.",
		string(jsonSchema), validationErr)
}
