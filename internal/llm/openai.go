package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/httpkit"
	"github.com/parleyhq/parley/internal/tools"
)

// OpenAIGenerator generates responses with the OpenAI chat completions
// API in strict json_schema mode. BaseURL allows compatible servers.
type OpenAIGenerator struct {
	client *openai.Client
	images *http.Client
	model  string
	out    structured
	logger *slog.Logger
}

// NewOpenAIGenerator creates a generator. An empty baseURL uses the
// public OpenAI endpoint.
func NewOpenAIGenerator(apiKey, baseURL, model string, logger *slog.Logger) (*OpenAIGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out, err := newStructured()
	if err != nil {
		return nil, err
	}
	return &OpenAIGenerator{
		client: NewOpenAIClient(apiKey, baseURL),
		images: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		model:  model,
		out:    out,
		logger: logger.With("provider", "openai"),
	}, nil
}

// NewOpenAIClient returns a go-openai client on the shared HTTP stack.
// It is also used for embeddings and speech.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))
	return openai.NewClientWithConfig(cfg)
}

// Ping checks that the API is reachable and the key is accepted.
func (g *OpenAIGenerator) Ping(ctx context.Context) error {
	_, err := g.client.ListModels(ctx)
	return err
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, messages []Message) (*tools.Response, error) {
	msgs, err := g.convert(ctx, messages)
	if err != nil {
		return nil, err
	}
	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: g.out.schema,
				Strict: true,
			},
		},
	}

	g.logger.Debug("chat request", "model", g.model, "messages", len(req.Messages))
	g.logger.Log(ctx, config.LevelTrace, "chat messages", "messages", messages)

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]

	g.logger.Debug("chat response",
		"model", resp.Model,
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	g.logger.Log(ctx, config.LevelTrace, "chat content", "content", choice.Message.Content)

	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("model refused: %s", choice.Message.Refusal)
	}
	return g.out.parse(choice.Message.Content)
}

// convert inlines images as data: URLs so a link that has expired since
// it was sent cannot make the provider reject the whole history.
func (g *OpenAIGenerator) convert(ctx context.Context, messages []Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i, m := range messages {
		imgs, err := loadImages(ctx, g.images, g.logger, messages, i)
		if err != nil {
			return nil, err
		}
		if len(imgs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text()})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(imgs)+1)
		if text := m.Text(); text != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			})
		}
		for _, img := range imgs {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    img.dataURL(),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out, nil
}
