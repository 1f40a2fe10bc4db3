package service

import (
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"metaregistry/internal/domain"
)

// SchemaValidator checks decoded resources against a deployment-supplied
// JSON schema. Registries that accept free-form resources simply run
// without one.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

func NewSchemaValidator(path string) (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile resource schema %s: %w", path, err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate returns one message per schema violation, empty when the
// resource conforms.
func (v *SchemaValidator) Validate(resource domain.Resource) []string {
	err := v.schema.Validate(map[string]interface{}(resource))
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return flattenCauses(ve)
	}
	return []string{err.Error()}
}

func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{ve.Error()}
	}
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, flattenCauses(cause)...)
	}
	return msgs
}
