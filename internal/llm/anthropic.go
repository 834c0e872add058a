package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/httpkit"
	"github.com/parleyhq/parley/internal/tools"
)

// respondTool is the single tool the model is forced to call. Its input
// is the structured response.
const respondTool = "respond"

// AnthropicGenerator generates responses with the Anthropic Messages
// API. The Messages API has no JSON-schema response format, so the
// schema is offered as the input schema of one tool and the model is
// required to call it.
type AnthropicGenerator struct {
	client    anthropic.Client
	baseURL   string
	model     string
	maxTokens int64
	schema    anthropic.ToolInputSchemaParam
	out       structured
	images    *http.Client
	logger    *slog.Logger
}

// AnthropicOption configures an AnthropicGenerator.
type AnthropicOption func(*AnthropicGenerator)

// WithAnthropicURL overrides the API base URL.
func WithAnthropicURL(u string) AnthropicOption {
	return func(g *AnthropicGenerator) { g.baseURL = u }
}

// NewAnthropicGenerator creates a generator for model.
func NewAnthropicGenerator(apiKey, model string, maxTokens int, logger *slog.Logger, opts ...AnthropicOption) (*AnthropicGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out, err := newStructured()
	if err != nil {
		return nil, err
	}
	schema, err := toolInputSchema(out.schema)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	g := &AnthropicGenerator{
		model:     model,
		maxTokens: int64(maxTokens),
		schema:    schema,
		out:       out,
		images:    httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger:    logger.With("provider", "anthropic"),
	}
	for _, o := range opts {
		o(g)
	}

	// Responses can take a long time before the first header arrives.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithHeaderTimeout(120*time.Second))),
	}
	if g.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(g.baseURL))
	}
	g.client = anthropic.NewClient(reqOpts...)
	return g, nil
}

// toolInputSchema maps the response schema onto the tool input schema
// shape. Property order is kept by passing the properties through raw.
func toolInputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var s struct {
		Properties json.RawMessage `json:"properties"`
		Required   []string        `json:"required"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return anthropic.ToolInputSchemaParam{}, fmt.Errorf("decode response schema: %w", err)
	}
	return anthropic.ToolInputSchemaParam{
		Properties:  s.Properties,
		Required:    s.Required,
		ExtraFields: map[string]any{"additionalProperties": false},
	}, nil
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, messages []Message) (*tools.Response, error) {
	msgs, system, err := g.convert(ctx, messages)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  msgs,
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        respondTool,
				Description: anthropic.String("Reply with your reasoning and exactly one tool call."),
				InputSchema: g.schema,
			},
		}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: respondTool},
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	g.logger.Debug("messages request", "model", g.model, "messages", len(msgs), "system_len", len(system))
	g.logger.Log(ctx, config.LevelTrace, "request messages", "messages", messages)

	start := time.Now()
	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			g.logger.Error("API error", "status", apiErr.StatusCode, "error", err)
		}
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	g.logger.Debug("messages response",
		"model", msg.Model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"stop_reason", msg.StopReason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == respondTool {
			g.logger.Log(ctx, config.LevelTrace, "tool input", "json", string(block.Input))
			return g.out.parse(string(block.Input))
		}
	}

	// Without a tool_use block, fall back to any text the model wrote;
	// it may still be the JSON object.
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return g.out.parse(text.String())
}

// convert splits out system messages and maps the rest to content
// blocks. Consecutive messages with the same role are merged, because
// the Messages API requires alternating roles. Images are always sent
// inline so an expired link in an old message can be left out instead
// of failing the request.
func (g *AnthropicGenerator) convert(ctx context.Context, messages []Message) ([]anthropic.MessageParam, string, error) {
	var (
		systemParts []string
		result      []anthropic.MessageParam
	)

	for i, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Text())
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if text := m.Text(); text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
		imgs, err := loadImages(ctx, g.images, g.logger, messages, i)
		if err != nil {
			return nil, "", err
		}
		for _, img := range imgs {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.mediaType, base64.StdEncoding.EncodeToString(img.data)))
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(result); n > 0 && string(result[n-1].Role) == m.Role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			continue
		}
		result = append(result, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}

	return result, strings.Join(systemParts, "\n\n"), nil
}
