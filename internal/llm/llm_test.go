package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/parleyhq/parley/internal/httpkit"
	"github.com/parleyhq/parley/internal/tools"
)

const sendHello = `{"reasoning":"greet","tool_args":{"tool_type":"send_message","content":"Hello!","call_another_tool":false}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMessage_MarshalJSON(t *testing.T) {
	plain, err := json.Marshal(TextMessage(RoleUser, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(plain), `{"role":"user","content":"hi"}`; got != want {
		t.Errorf("plain = %s, want %s", got, want)
	}

	img, err := json.Marshal(ImageMessage(RoleUser, "what is this?", "https://example.com/cat.png"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"user","content":[{"type":"text","text":"what is this?"},{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}`
	if string(img) != want {
		t.Errorf("image = %s, want %s", img, want)
	}

	var back Message
	if err := json.Unmarshal(img, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.Text() != "what is this?" {
		t.Errorf("Text() = %q", back.Text())
	}
	if urls := back.Images(); len(urls) != 1 || urls[0] != "https://example.com/cat.png" {
		t.Errorf("Images() = %v", urls)
	}
}

func TestStructuredParse(t *testing.T) {
	out, err := newStructured()
	if err != nil {
		t.Fatalf("newStructured() error: %v", err)
	}

	for name, raw := range map[string]string{
		"bare":   sendHello,
		"fenced": "```json\n" + sendHello + "\n```",
		"padded": "\n  " + sendHello + "  \n",
	} {
		resp, err := out.parse(raw)
		if err != nil {
			t.Errorf("%s: parse() error: %v", name, err)
			continue
		}
		if resp.ToolType() != tools.TypeSendMessage {
			t.Errorf("%s: ToolType() = %q", name, resp.ToolType())
		}
	}

	if _, err := out.parse("   "); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("parse(blank) error = %v, want ErrEmptyResponse", err)
	}
}

func TestDecodeDataURL(t *testing.T) {
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("PNG"))
	data, mt, err := decodeDataURL(url)
	if err != nil {
		t.Fatalf("decodeDataURL() error: %v", err)
	}
	if string(data) != "PNG" || mt != "image/png" {
		t.Errorf("decodeDataURL() = %q, %q", data, mt)
	}

	for _, bad := range []string{"data:image/png,raw", "data:nocomma", "data:image/png;base64,!!!"} {
		if _, _, err := decodeDataURL(bad); !errors.Is(err, errBadDataURL) {
			t.Errorf("decodeDataURL(%q) error = %v, want errBadDataURL", bad, err)
		}
	}
}

func TestOllamaGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen3:8b",
			"created_at":        "2025-01-01T00:00:00Z",
			"message":           map[string]any{"role": "assistant", "content": sendHello},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        7,
		})
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(srv.URL, "qwen3:8b", 4096, discardLogger())
	if err != nil {
		t.Fatalf("NewOllamaGenerator() error: %v", err)
	}

	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("PNG"))
	resp, err := g.Generate(context.Background(), []Message{
		TextMessage(RoleSystem, "be brief"),
		ImageMessage(RoleUser, "look", img),
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if sm, ok := resp.ToolArgs.(tools.SendMessage); !ok || sm.Content != "Hello!" {
		t.Errorf("ToolArgs = %#v, want SendMessage Hello!", resp.ToolArgs)
	}

	if got["format"] == nil {
		t.Error("request has no format schema")
	}
	if opts, _ := got["options"].(map[string]any); opts["num_ctx"] != float64(4096) {
		t.Errorf("options = %v, want num_ctx 4096", got["options"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	images, _ := user["images"].([]any)
	if len(images) != 1 || images[0] != base64.StdEncoding.EncodeToString([]byte("PNG")) {
		t.Errorf("images = %v", user["images"])
	}
	if user["content"] != "look" {
		t.Errorf("content = %v, want look", user["content"])
	}
}

func TestOllamaGenerator_InvalidOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "m",
			"message": map[string]any{"role": "assistant", "content": `{"reasoning":"no tool"}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(srv.URL, "m", 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Generate(context.Background(), []Message{TextMessage(RoleUser, "hi")}); err == nil {
		t.Error("Generate() error = nil, want schema error")
	}
}

func TestOpenAIGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": sendHello},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator("sk-test", srv.URL+"/v1", "gpt-4o-mini", discardLogger())
	if err != nil {
		t.Fatalf("NewOpenAIGenerator() error: %v", err)
	}
	resp, err := g.Generate(context.Background(), []Message{
		TextMessage(RoleSystem, "sys"),
		ImageMessage(RoleUser, "look", "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("PNG"))),
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.ToolType() != tools.TypeSendMessage {
		t.Errorf("ToolType() = %q", resp.ToolType())
	}

	format, _ := got["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Errorf("response_format = %v, want json_schema", got["response_format"])
	}
	schema, _ := format["json_schema"].(map[string]any)
	if schema["name"] != schemaName || schema["strict"] != true {
		t.Errorf("json_schema = %v", schema)
	}

	msgs, _ := got["messages"].([]any)
	user, _ := msgs[1].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("user content = %v, want 2 parts", user["content"])
	}
	p, _ := parts[1].(map[string]any)
	imageURL, _ := p["image_url"].(map[string]any)
	if p["type"] != "image_url" || imageURL["url"] != "data:image/png;base64,UE5H" {
		t.Errorf("second part = %v, want inline png image_url", p)
	}
}

func TestAnthropicGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude",
			"stop_reason": "tool_use",
			"content": []any{map[string]any{
				"type":  "tool_use",
				"id":    "toolu_1",
				"name":  respondTool,
				"input": json.RawMessage(sendHello),
			}},
			"usage": map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	g, err := NewAnthropicGenerator("sk-ant", "claude", 0, discardLogger(), WithAnthropicURL(srv.URL))
	if err != nil {
		t.Fatalf("NewAnthropicGenerator() error: %v", err)
	}
	resp, err := g.Generate(context.Background(), []Message{
		TextMessage(RoleSystem, "persona"),
		TextMessage(RoleUser, "hi"),
		ImageMessage(RoleUser, "again", "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("PNG"))),
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if resp.ToolType() != tools.TypeSendMessage {
		t.Errorf("ToolType() = %q", resp.ToolType())
	}

	system, _ := got["system"].([]any)
	if len(system) != 1 || system[0].(map[string]any)["text"] != "persona" {
		t.Errorf("system = %v, want persona", got["system"])
	}
	choice, _ := got["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != respondTool {
		t.Errorf("tool_choice = %v", got["tool_choice"])
	}
	if got["max_tokens"] != float64(4096) {
		t.Errorf("max_tokens = %v, want 4096", got["max_tokens"])
	}
	toolList, _ := got["tools"].([]any)
	if len(toolList) != 1 {
		t.Fatalf("tools = %v, want one", got["tools"])
	}
	schema, _ := toolList[0].(map[string]any)["input_schema"].(map[string]any)
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Errorf("input_schema = %v", schema)
	}
	if props, _ := schema["properties"].(map[string]any); props["tool_args"] == nil {
		t.Errorf("input_schema properties = %v, want tool_args", schema["properties"])
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("consecutive user messages not merged: %v", got["messages"])
	}
	content, _ := msgs[0].(map[string]any)["content"].([]any)
	if len(content) != 3 {
		t.Fatalf("content = %v, want hi, again and the image", content)
	}
	img, _ := content[2].(map[string]any)
	source, _ := img["source"].(map[string]any)
	if img["type"] != "image" || source["type"] != "base64" || source["data"] != "UE5H" {
		t.Errorf("image block = %v", img)
	}
}

func TestAnthropicGenerator_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer srv.Close()

	g, err := NewAnthropicGenerator("k", "claude", 100, discardLogger(), WithAnthropicURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, err = g.Generate(context.Background(), []Message{TextMessage(RoleUser, "hi")})
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Generate() error = %v, want 400 API error", err)
	}
}

// ollamaRecorder answers /api/chat with sendHello and records requests.
type ollamaRecorder struct {
	calls atomic.Int32
	last  atomic.Value
}

func (o *ollamaRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/gone.png":
		http.NotFound(w, r)
	case "/api/chat":
		o.calls.Add(1)
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		o.last.Store(req)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "m",
			"message": map[string]any{"role": "assistant", "content": sendHello},
			"done":    true,
		})
	default:
		http.NotFound(w, r)
	}
}

func TestOllamaGenerator_HistoryImageUnavailable(t *testing.T) {
	rec := &ollamaRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	g, err := NewOllamaGenerator(srv.URL, "m", 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	gone := srv.URL + "/gone.png"

	resp, err := g.Generate(ctx, []Message{
		ImageMessage(RoleUser, "what is this?", gone),
		TextMessage(RoleAssistant, "a cat"),
		TextMessage(RoleUser, "new unrelated question"),
	})
	if err != nil {
		t.Fatalf("Generate() with a dead history image error: %v", err)
	}
	if resp.ToolType() != tools.TypeSendMessage {
		t.Errorf("ToolType() = %q", resp.ToolType())
	}
	sent, _ := rec.last.Load().(map[string]any)
	msgs, _ := sent["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["content"] != "what is this?" || first["images"] != nil {
		t.Errorf("history message = %v, want text only", first)
	}

	_, err = g.Generate(ctx, []Message{
		TextMessage(RoleUser, "earlier"),
		ImageMessage(RoleUser, "and this?", gone),
	})
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("Generate() with a dead current image error = %v, want 404", err)
	}
	if n := rec.calls.Load(); n != 1 {
		t.Errorf("chat calls = %d, want 1", n)
	}
}

func TestValidateImageURL(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("PNG"))
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://example.com/cat.png"},
		{url: "http://10.0.0.5:8080/x.jpg"},
		{url: "data:image/png;base64," + png},
		{url: "data:;base64," + png},
		{url: "ftp://example.com/cat.png", wantErr: true},
		{url: "https:///cat.png", wantErr: true},
		{url: "cat.png", wantErr: true},
		{url: "data:image/png," + png, wantErr: true},
		{url: "data:image/png;base64,@@@", wantErr: true},
		{url: "data:image/png;base64,", wantErr: true},
		{url: "data:image/png;base64", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateImageURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateImageURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidImageURL) {
			t.Errorf("ValidateImageURL(%q) error = %v, want ErrInvalidImageURL", tt.url, err)
		}
	}
}

func TestPing(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/models"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","data":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ollama, err := NewOllamaGenerator(srv.URL, "qwen3:8b", 0, discardLogger())
	if err != nil {
		t.Fatalf("NewOllamaGenerator() error: %v", err)
	}
	openai, err := NewOpenAIGenerator("sk-test", srv.URL+"/v1", "gpt-4o-mini", discardLogger())
	if err != nil {
		t.Fatalf("NewOpenAIGenerator() error: %v", err)
	}

	ctx := context.Background()
	if err := ollama.Ping(ctx); err != nil {
		t.Errorf("ollama Ping() error: %v", err)
	}
	if err := openai.Ping(ctx); err != nil {
		t.Errorf("openai Ping() error: %v", err)
	}

	down.Store(true)
	if err := ollama.Ping(ctx); err == nil {
		t.Error("ollama Ping() succeeded against a failing server")
	}
	if err := openai.Ping(ctx); err == nil {
		t.Error("openai Ping() succeeded against a failing server")
	}
}
