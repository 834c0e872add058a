package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/tools"
)

const schemaName = "reasoning_response"

// structured holds what every backend needs to request and check
// structured output: the strict schema sent to the provider and the
// validator applied to what comes back.
type structured struct {
	schema    json.RawMessage
	validator *tools.Validator
}

func newStructured() (structured, error) {
	specs := tools.Registry()
	schema, err := tools.ResponseSchemaJSON(specs)
	if err != nil {
		return structured{}, err
	}
	v, err := tools.NewValidator(specs)
	if err != nil {
		return structured{}, fmt.Errorf("build response validator: %w", err)
	}
	return structured{schema: schema, validator: v}, nil
}

// parse validates and decodes a model's raw output. Some models wrap
// JSON in a markdown code fence even in structured mode; the fence is
// removed first.
func (s structured) parse(raw string) (*tools.Response, error) {
	raw = stripFence(strings.TrimSpace(raw))
	if raw == "" {
		return nil, ErrEmptyResponse
	}
	return s.validator.Parse([]byte(raw))
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
