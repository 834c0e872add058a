package tools

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Args
	}{
		{
			name: "send message",
			raw:  `{"tool_type":"send_message","content":"Hi","call_another_tool":true}`,
			want: SendMessage{Content: "Hi", CallAnotherTool: true},
		},
		{
			name: "voice",
			raw:  `{"tool_type":"send_voice_message","content":"Hello there"}`,
			want: SendVoiceMessage{Content: "Hello there"},
		},
		{
			name: "store memory",
			raw:  `{"tool_type":"store_memory","memory":"likes tea"}`,
			want: StoreMemory{Memory: "likes tea"},
		},
		{
			name: "retrieve memory",
			raw:  `{"tool_type":"retrieve_memory","query":"drinks"}`,
			want: RetrieveMemory{Query: "drinks"},
		},
		{
			name: "dice",
			raw:  `{"tool_type":"dice_roll","sides":20}`,
			want: RollDice{Sides: 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeArgs(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("DecodeArgs() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeArgs() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeArgs_Unknown(t *testing.T) {
	raw := `{"tool_type":"launch_rockets","count":3}`
	got, err := DecodeArgs(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("DecodeArgs() error: %v", err)
	}
	u, ok := got.(Unknown)
	if !ok {
		t.Fatalf("DecodeArgs() = %T, want Unknown", got)
	}
	if u.ToolType() != "launch_rockets" {
		t.Errorf("ToolType() = %q, want %q", u.ToolType(), "launch_rockets")
	}
	enc, err := EncodeArgs(u)
	if err != nil {
		t.Fatalf("EncodeArgs() error: %v", err)
	}
	if string(enc) != raw {
		t.Errorf("EncodeArgs() = %s, want %s", enc, raw)
	}
}

func TestDecodeArgs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "no tool type", raw: `{"content":"hi"}`, wantErr: ErrMissingToolType},
		{name: "empty tool type", raw: `{"tool_type":""}`},
		{name: "not an object", raw: `"send_message"`},
		{name: "wrong field type", raw: `{"tool_type":"dice_roll","sides":"six"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeArgs(json.RawMessage(tt.raw))
			if err == nil {
				t.Fatal("DecodeArgs() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeArgs() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeArgs_ToolTypeFirst(t *testing.T) {
	got, err := EncodeArgs(SendMessage{Content: "a <b> & c", CallAnotherTool: false})
	if err != nil {
		t.Fatalf("EncodeArgs() error: %v", err)
	}
	want := `{"tool_type":"send_message","content":"a <b> & c","call_another_tool":false}`
	if string(got) != want {
		t.Errorf("EncodeArgs() = %s, want %s", got, want)
	}
}

func TestResponse_UnmarshalMissingToolArgs(t *testing.T) {
	for _, raw := range []string{`{"reasoning":"hmm"}`, `{"reasoning":"hmm","tool_args":null}`} {
		var r Response
		err := json.Unmarshal([]byte(raw), &r)
		if !errors.Is(err, ErrMissingToolArgs) {
			t.Errorf("Unmarshal(%s) error = %v, want ErrMissingToolArgs", raw, err)
		}
	}
}

func TestResponse_ReasoningNeverEncoded(t *testing.T) {
	resp := Response{
		Reasoning: "SECRET-CHAIN-OF-THOUGHT",
		ToolArgs:  SendMessage{Content: "Hello"},
	}

	direct, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	text, err := resp.Persisted().Text()
	if err != nil {
		t.Fatalf("Text() error: %v", err)
	}

	for name, out := range map[string]string{"marshal": string(direct), "persisted": text} {
		if strings.Contains(out, "SECRET") || strings.Contains(out, "reasoning") {
			t.Errorf("%s form contains reasoning: %s", name, out)
		}
	}
}

func TestPersistedResponse_Text(t *testing.T) {
	resp := Response{Reasoning: "r", ToolArgs: RetrieveMemory{Query: "tea"}}
	got, err := resp.Persisted().Text()
	if err != nil {
		t.Fatalf("Text() error: %v", err)
	}
	want := "{\n" +
		"    \"tool_args\": {\n" +
		"        \"tool_type\": \"retrieve_memory\",\n" +
		"        \"query\": \"tea\"\n" +
		"    }\n" +
		"}"
	if got != want {
		t.Errorf("Text() =\n%s\nwant\n%s", got, want)
	}
}

func TestPersistedResponse_RoundTrip(t *testing.T) {
	orig := Response{Reasoning: "dropped", ToolArgs: RollDice{Sides: 6}}
	text, err := orig.Persisted().Text()
	if err != nil {
		t.Fatalf("Text() error: %v", err)
	}
	var back Response
	if err := json.Unmarshal([]byte(text), &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.ToolArgs != orig.ToolArgs {
		t.Errorf("ToolArgs = %#v, want %#v", back.ToolArgs, orig.ToolArgs)
	}
	if back.Reasoning != "" {
		t.Errorf("Reasoning = %q, want empty", back.Reasoning)
	}
}
