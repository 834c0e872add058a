package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	sjs "github.com/santhosh-tekuri/jsonschema/v6"
)

const validationResource = "reasoning-response.json"

// ResponseSchema returns the JSON Schema of a [Response] over the given
// variants, in the strict form structured-output APIs accept: every
// object closes additionalProperties and requires all of its properties.
func ResponseSchema(specs []Spec) *jsonschema.Schema {
	variants := make([]*jsonschema.Schema, 0, len(specs))
	for _, s := range specs {
		variants = append(variants, argsSchema(s, true))
	}
	return responseSchema(variants, true)
}

// ResponseSchemaJSON is ResponseSchema marshaled for provider requests.
func ResponseSchemaJSON(specs []Spec) (json.RawMessage, error) {
	data, err := json.Marshal(ResponseSchema(specs))
	if err != nil {
		return nil, fmt.Errorf("marshal response schema: %w", err)
	}
	return data, nil
}

func responseSchema(variants []*jsonschema.Schema, strict bool) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("reasoning", &jsonschema.Schema{
		Type:        "string",
		Description: reasoningDocument,
	})
	props.Set("tool_args", &jsonschema.Schema{
		AnyOf:       variants,
		Description: toolArgsDocument,
	})

	s := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"reasoning", "tool_args"},
	}
	if strict {
		s.AdditionalProperties = jsonschema.FalseSchema
	}
	return s
}

func argsSchema(spec Spec, strict bool) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("tool_type", &jsonschema.Schema{
		Type: "string",
		Enum: []any{spec.Type},
	})
	required := []string{"tool_type"}
	for _, f := range spec.Fields {
		props.Set(f.Name, &jsonschema.Schema{
			Type:        f.Type,
			Description: f.Description,
		})
		required = append(required, f.Name)
	}

	s := &jsonschema.Schema{
		Type:        "object",
		Title:       spec.Name,
		Description: spec.Description,
		Properties:  props,
		Required:    required,
	}
	if strict {
		s.AdditionalProperties = jsonschema.FalseSchema
	}
	return s
}

// unknownArgsSchema matches any tool call whose tool_type is not one of
// the registered ones. Known types must match their own variant.
func unknownArgsSchema(specs []Spec) *jsonschema.Schema {
	known := make([]any, 0, len(specs))
	for _, s := range specs {
		known = append(known, s.Type)
	}
	props := jsonschema.NewProperties()
	props.Set("tool_type", &jsonschema.Schema{
		Type: "string",
		Not:  &jsonschema.Schema{Enum: known},
	})
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"tool_type"},
	}
}

// Validator checks raw model output against the response schema before
// it is decoded. It is lenient where models tend to drift (extra
// members) and strict where the loop depends on shape (required fields
// and their types).
type Validator struct {
	schema *sjs.Schema
}

// NewValidator compiles the validation schema for the given variants.
func NewValidator(specs []Spec) (*Validator, error) {
	variants := make([]*jsonschema.Schema, 0, len(specs)+1)
	for _, s := range specs {
		variants = append(variants, argsSchema(s, false))
	}
	variants = append(variants, unknownArgsSchema(specs))

	raw, err := json.Marshal(responseSchema(variants, false))
	if err != nil {
		return nil, fmt.Errorf("marshal validation schema: %w", err)
	}
	doc, err := sjs.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("load validation schema: %w", err)
	}

	c := sjs.NewCompiler()
	if err := c.AddResource(validationResource, doc); err != nil {
		return nil, fmt.Errorf("add validation schema: %w", err)
	}
	compiled, err := c.Compile(validationResource)
	if err != nil {
		return nil, fmt.Errorf("compile validation schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Parse validates data and decodes it into a Response.
func (v *Validator) Parse(data []byte) (*Response, error) {
	inst, err := sjs.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("response does not match schema: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
