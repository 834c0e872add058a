// Package tools defines the tools available to the agent: the closed set
// of tool-call variants, the catalog rendered into the system prompt, the
// JSON schema the model answers in, the administrative disabled set, and
// the dispatcher that carries out each call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Catalog layout. Fields are indented under TOOL_ARGUMENTS, lines within
// a tool are joined by a newline and tools are separated by a blank line.
const (
	catalogIndent     = "    "
	lineSeparator     = "\n"
	sectionSeparator  = "\n\n"
	noDescription     = "No description available"
	reasoningDocument = "Detailed and long step-by-step reasoning. Do not include the output here."
	toolArgsDocument  = "For tool calls, choose the appropriate tool and provide the necessary arguments here."
)

// FieldSpec describes one argument of a tool. Type is a JSON Schema
// primitive type name.
type FieldSpec struct {
	Name        string
	Type        string
	Description string
}

// Spec is the registration entry for one tool variant.
type Spec struct {
	// Name is the variant name. The catalog is sorted by it.
	Name string
	// Type is the tool_type discriminant literal.
	Type        string
	Description string
	// Fields lists the arguments, excluding tool_type.
	Fields []FieldSpec

	decode func(json.RawMessage) (Args, error)
}

// registry is the static list of variants. Adding a tool means adding a
// struct in args.go, an entry here and a branch in Dispatcher.Dispatch.
var registry = []Spec{
	{
		Name:        "SendMessage",
		Type:        TypeSendMessage,
		Description: "A tool to send a message to the user. Make it short and concise, and if you need to send a long message, split it into multiple messages using `call_another_tool`.",
		Fields: []FieldSpec{
			{Name: "content", Type: "string", Description: "Content of the message to send. Make it short and concise."},
			{Name: "call_another_tool", Type: "boolean", Description: "Whether to call another tool after sending this message."},
		},
		decode: decodeInto[SendMessage],
	},
	{
		Name:        "SendVoiceMessage",
		Type:        TypeSendVoiceMessage,
		Description: "A tool to send a voice message to the user. You are able to speak using your voice this way. Uses a text-to-speech model to generate the voice message.",
		Fields: []FieldSpec{
			{Name: "content", Type: "string", Description: "Content of the voice message to send. Make it short and concise. No emojis or special characters, as the text-to-speech model may not support them."},
		},
		decode: decodeInto[SendVoiceMessage],
	},
	{
		Name:        "StoreMemory",
		Type:        TypeStoreMemory,
		Description: "A tool to insert a memory into the vector database. Memories are used to remember important information for later use. Utilize this tool often to remember as much as possible.",
		Fields: []FieldSpec{
			{Name: "memory", Type: "string", Description: "Detailed description of the memory to remember. Make it as detailed as possible."},
		},
		decode: decodeInto[StoreMemory],
	},
	{
		Name:        "RetrieveMemory",
		Type:        TypeRetrieveMemory,
		Description: "A tool to retrieve a memory from the vector database. Memories are used to remember important information for later use. Utilize this tool often to remember as much as possible.",
		Fields: []FieldSpec{
			{Name: "query", Type: "string", Description: "Detailed description of the memory to retrieve."},
		},
		decode: decodeInto[RetrieveMemory],
	},
	{
		Name:        "RollDice",
		Type:        TypeRollDice,
		Description: "A tool to roll a dice.",
		Fields: []FieldSpec{
			{Name: "sides", Type: "integer", Description: "Number of sides on the dice to roll."},
		},
		decode: decodeInto[RollDice],
	},
}

// Registry returns the registered tool variants sorted by variant name.
func Registry() []Spec {
	specs := slices.Clone(registry)
	slices.SortFunc(specs, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return specs
}

// Lookup returns the registration entry for a tool_type.
func Lookup(toolType string) (Spec, bool) {
	for _, s := range registry {
		if s.Type == toolType {
			return s, true
		}
	}
	return Spec{}, false
}

// Catalog renders tool documentation for the model prompt.
type Catalog struct {
	specs    []Spec
	disabled DisabledStore
}

// NewCatalog creates a catalog over the registered variants. disabled
// may be nil, in which case nothing is ever omitted.
func NewCatalog(disabled DisabledStore) *Catalog {
	return &Catalog{
		specs:    Registry(),
		disabled: disabled,
	}
}

// Render returns the catalog text. When omitDisabled is set, variants
// whose tool_type is in the disabled set are left out entirely.
func (c *Catalog) Render(ctx context.Context, omitDisabled bool) (string, error) {
	specs := c.specs
	if omitDisabled && c.disabled != nil {
		off, err := disabledSet(ctx, c.disabled)
		if err != nil {
			return "", fmt.Errorf("load disabled tools: %w", err)
		}
		specs = slices.DeleteFunc(slices.Clone(specs), func(s Spec) bool { return off[s.Type] })
	}
	return Format(specs), nil
}

// Format renders specs in the order given.
func Format(specs []Spec) string {
	sections := make([]string, 0, len(specs))
	for _, s := range specs {
		sections = append(sections, formatSpec(s))
	}
	return strings.Join(sections, sectionSeparator)
}

func formatSpec(s Spec) string {
	lines := []string{
		"TOOL_TYPE: " + s.Type,
		"DESCRIPTION: " + orNoDescription(s.Description),
		"TOOL_ARGUMENTS",
	}
	for _, f := range s.Fields {
		lines = append(lines,
			catalogIndent+"FIELD: "+f.Name+lineSeparator+
				catalogIndent+"TYPE: "+f.Type+lineSeparator+
				catalogIndent+"DESCRIPTION: "+orNoDescription(f.Description))
	}
	return strings.Join(lines, lineSeparator)
}

func orNoDescription(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return noDescription
	}
	return s
}
