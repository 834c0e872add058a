package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/httpkit"
	"github.com/parleyhq/parley/internal/tools"
)

// OllamaGenerator generates responses with a local Ollama server, using
// the response schema as the chat format.
type OllamaGenerator struct {
	client *api.Client
	images *http.Client
	model  string
	numCtx int
	out    structured
	logger *slog.Logger
}

// NewOllamaGenerator creates a generator for the given server and model.
// numCtx sets the context window; zero leaves the server default.
func NewOllamaGenerator(baseURL, model string, numCtx int, logger *slog.Logger) (*OllamaGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	out, err := newStructured()
	if err != nil {
		return nil, err
	}

	return &OllamaGenerator{
		// Local models can take minutes on a cold load; ctx bounds the call.
		client: api.NewClient(u, httpkit.NewClient(httpkit.WithTimeout(0))),
		images: httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(2, time.Second)),
		model:  model,
		numCtx: numCtx,
		out:    out,
		logger: logger.With("provider", "ollama"),
	}, nil
}

// Ping checks that the Ollama server is reachable.
func (g *OllamaGenerator) Ping(ctx context.Context) error {
	return g.client.Heartbeat(ctx)
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, messages []Message) (*tools.Response, error) {
	msgs, err := g.convert(ctx, messages)
	if err != nil {
		return nil, err
	}

	stream := false
	req := &api.ChatRequest{
		Model:    g.model,
		Messages: msgs,
		Stream:   &stream,
		Format:   g.out.schema,
	}
	if g.numCtx > 0 {
		req.Options = map[string]any{"num_ctx": g.numCtx}
	}

	g.logger.Debug("chat request", "model", g.model, "messages", len(msgs))
	g.logger.Log(ctx, config.LevelTrace, "chat messages", "messages", messages)

	start := time.Now()
	var (
		content strings.Builder
		last    api.ChatResponse
	)
	err = g.client.Chat(ctx, req, func(r api.ChatResponse) error {
		content.WriteString(r.Message.Content)
		last = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	g.logger.Debug("chat response",
		"model", last.Model,
		"input_tokens", last.PromptEvalCount,
		"output_tokens", last.EvalCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	g.logger.Log(ctx, config.LevelTrace, "chat content", "content", content.String())

	return g.out.parse(content.String())
}

func (g *OllamaGenerator) convert(ctx context.Context, messages []Message) ([]api.Message, error) {
	out := make([]api.Message, 0, len(messages))
	for i, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Text()}
		imgs, err := loadImages(ctx, g.images, g.logger, messages, i)
		if err != nil {
			return nil, err
		}
		for _, img := range imgs {
			msg.Images = append(msg.Images, api.ImageData(img.data))
		}
		out = append(out, msg)
	}
	return out, nil
}
