package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool type discriminants. These are the literal values of the tool_type
// field the model emits and the keys of the disabled tool set.
const (
	TypeSendMessage      = "send_message"
	TypeSendVoiceMessage = "send_voice_message"
	TypeStoreMemory      = "store_memory"
	TypeRetrieveMemory   = "retrieve_memory"
	TypeRollDice         = "dice_roll"
)

var (
	// ErrMissingToolArgs is returned when a response carries no tool call.
	ErrMissingToolArgs = errors.New("response has no tool_args")

	// ErrMissingToolType is returned when a tool call has no discriminant.
	ErrMissingToolType = errors.New("tool_args has no tool_type")
)

// Args is the argument payload of one tool call. The set of
// implementations is closed: every variant is declared in this file and
// described in the registry (see [Registry]). [Unknown] carries tool
// types that this build does not know about.
type Args interface {
	// ToolType returns the discriminant literal of the variant.
	ToolType() string

	isArgs()
}

// SendMessage replies to the user and ends the turn.
type SendMessage struct {
	Content         string `json:"content"`
	CallAnotherTool bool   `json:"call_another_tool"`
}

// SendVoiceMessage replies to the user with synthesized speech.
type SendVoiceMessage struct {
	Content string `json:"content"`
}

// StoreMemory saves a free-text note to long-term memory.
type StoreMemory struct {
	Memory string `json:"memory"`
}

// RetrieveMemory looks up the closest long-term memory for a query.
type RetrieveMemory struct {
	Query string `json:"query"`
}

// RollDice rolls a single die with the given number of sides.
type RollDice struct {
	Sides int `json:"sides"`
}

// Unknown holds a tool call whose tool_type is not registered. The raw
// JSON is kept verbatim so it round-trips into the transcript unchanged.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SendMessage) ToolType() string      { return TypeSendMessage }
func (SendVoiceMessage) ToolType() string { return TypeSendVoiceMessage }
func (StoreMemory) ToolType() string      { return TypeStoreMemory }
func (RetrieveMemory) ToolType() string   { return TypeRetrieveMemory }
func (RollDice) ToolType() string         { return TypeRollDice }
func (u Unknown) ToolType() string        { return u.Type }

func (SendMessage) isArgs()      {}
func (SendVoiceMessage) isArgs() {}
func (StoreMemory) isArgs()      {}
func (RetrieveMemory) isArgs()   {}
func (RollDice) isArgs()         {}
func (Unknown) isArgs()          {}

// MarshalJSON returns the raw tool call as received.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return encode(map[string]string{"tool_type": u.Type})
	}
	return u.Raw, nil
}

// DecodeArgs decodes a tool_args object. The tool_type field selects the
// variant; unregistered types decode to [Unknown] rather than failing, so
// a model that is newer than this build still gets a tool_return back.
func DecodeArgs(raw json.RawMessage) (Args, error) {
	var head struct {
		ToolType string `json:"tool_type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	if head.ToolType == "" {
		return nil, ErrMissingToolType
	}

	spec, ok := Lookup(head.ToolType)
	if !ok {
		return Unknown{Type: head.ToolType, Raw: bytes.Clone(raw)}, nil
	}
	return spec.decode(raw)
}

func decodeInto[T Args](raw json.RawMessage) (Args, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", v.ToolType(), err)
	}
	return v, nil
}

// EncodeArgs encodes a tool call with tool_type as the first member,
// followed by the variant's fields in declaration order.
func EncodeArgs(a Args) ([]byte, error) {
	if a == nil {
		return nil, ErrMissingToolArgs
	}
	if u, ok := a.(Unknown); ok {
		return u.MarshalJSON()
	}

	body, err := encode(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", a.ToolType(), err)
	}
	typ, err := encode(a.ToolType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"tool_type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Response is one structured reply from the model: free-text reasoning
// plus exactly one tool call.
type Response struct {
	Reasoning string
	ToolArgs  Args
}

// UnmarshalJSON decodes {"reasoning": ..., "tool_args": {...}}.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		Reasoning string          `json:"reasoning"`
		ToolArgs  json.RawMessage `json:"tool_args"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.ToolArgs) == 0 || string(wire.ToolArgs) == "null" {
		return ErrMissingToolArgs
	}

	args, err := DecodeArgs(wire.ToolArgs)
	if err != nil {
		return err
	}
	r.Reasoning = wire.Reasoning
	r.ToolArgs = args
	return nil
}

// MarshalJSON encodes the persisted form. Reasoning is never part of
// the encoding.
func (r Response) MarshalJSON() ([]byte, error) {
	return r.Persisted().MarshalJSON()
}

// ToolType returns the discriminant of the response's tool call, or ""
// if there is none.
func (r Response) ToolType() string {
	if r.ToolArgs == nil {
		return ""
	}
	return r.ToolArgs.ToolType()
}

// Persisted returns the part of the response that is written to the
// transcript.
func (r Response) Persisted() PersistedResponse {
	return PersistedResponse{ToolArgs: r.ToolArgs}
}

// PersistedResponse is a [Response] with the reasoning stripped. It has
// no field that could hold reasoning text.
type PersistedResponse struct {
	ToolArgs Args
}

// MarshalJSON encodes {"tool_args": {...}}.
func (p PersistedResponse) MarshalJSON() ([]byte, error) {
	args, err := EncodeArgs(p.ToolArgs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"tool_args":`)
	buf.Write(args)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Text returns the indented JSON stored as the assistant message.
func (p PersistedResponse) Text() (string, error) {
	compact, err := p.MarshalJSON()
	if err != nil {
		return "", err
	}
	return indent(compact)
}

// encode marshals v without HTML escaping, so message text reaches the
// transcript as the model wrote it.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func indent(compact []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "    "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
