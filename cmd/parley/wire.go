package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/connwatch"
	"github.com/parleyhq/parley/internal/database"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/internal/voice"
)

// app holds the components shared by serve and ask.
type app struct {
	db         *sql.DB
	vectors    memory.VectorStore
	transcript *transcript.SQLiteStore
	disabled   *tools.SQLiteDisabledStore
	bus        *events.Bus
	generator  llm.Generator
	loop       *agent.Loop
}

// pinger is implemented by backends that can be health-probed.
type pinger interface {
	Ping(ctx context.Context) error
}

// newApp opens the database and builds the turn loop with every
// configured backend. The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a := &app{db: db, bus: events.New()}
	if err := a.build(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var err error
	if a.transcript, err = transcript.NewSQLiteStore(a.db); err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	if a.disabled, err = tools.NewSQLiteDisabledStore(a.db); err != nil {
		return fmt.Errorf("open disabled tool store: %w", err)
	}
	if a.vectors, err = newVectorStore(ctx, cfg, a.db); err != nil {
		return err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	if a.generator, err = newGenerator(cfg, logger); err != nil {
		return err
	}
	persona, err := loadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}
	policy, err := tools.ParsePolicy(cfg.Agent.DisabledToolPolicy)
	if err != nil {
		return err
	}

	opts := []tools.Option{
		tools.WithDisabledPolicy(policy),
		tools.WithLogger(logger),
	}
	if cfg.Voice.Enabled {
		client := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		opts = append(opts, tools.WithSpeaker(voice.NewSpeaker(client, cfg.OpenAI.TTSModel, cfg.OpenAI.Voice, cfg.VoiceDir(), logger)))
		logger.Info("voice messages enabled", "dir", cfg.VoiceDir(), "voice", cfg.OpenAI.Voice)
	}

	mem := memory.NewService(a.vectors, embedder, logger)
	disp := tools.NewDispatcher(mem, a.disabled, opts...)

	a.loop = agent.NewLoop(a.transcript, a.generator, disp, tools.NewCatalog(a.disabled),
		agent.WithPersona(persona),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithBus(a.bus),
		agent.WithLogger(logger),
	)
	return nil
}

// watch registers health probes for the backends that support them.
func (a *app) watch(m *connwatch.Manager) {
	if p, ok := a.generator.(pinger); ok {
		m.Watch("inference", p.Ping, connwatch.DefaultBackoff())
	}
	if p, ok := a.vectors.(pinger); ok {
		m.Watch("memory", p.Ping, connwatch.DefaultBackoff())
	}
}

// Close releases the vector store and the database.
func (a *app) Close() error {
	var errs []error
	if a.vectors != nil {
		errs = append(errs, a.vectors.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// openDisabledStore opens only what the tools command needs.
func openDisabledStore(cfg *config.Config) (*sql.DB, *tools.SQLiteDisabledStore, error) {
	db, err := database.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	store, err := tools.NewSQLiteDisabledStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open disabled tool store: %w", err)
	}
	return db, store, nil
}

// newGenerator builds the inference client for cfg.Backend.
func newGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return llm.NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger)
	case config.BackendAnthropic:
		return llm.NewAnthropicGenerator(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, logger)
	case config.BackendOllama:
		return llm.NewOllamaGenerator(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.NumCtx, logger)
	default:
		return nil, fmt.Errorf("%w: %q", llm.ErrUnknownBackend, cfg.Backend)
	}
}

// newEmbedder builds the embedding client for cfg.Embeddings.Provider.
func newEmbedder(cfg *config.Config) (embeddings.Embedder, error) {
	switch cfg.Embeddings.Provider {
	case config.BackendOpenAI:
		client := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		return embeddings.NewOpenAIEmbedder(client, cfg.OpenAI.EmbeddingModel), nil
	case config.BackendOllama:
		return embeddings.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Ollama.EmbeddingModel)
	default:
		return nil, fmt.Errorf("%w: embeddings provider %q", llm.ErrUnknownBackend, cfg.Embeddings.Provider)
	}
}

// newVectorStore opens the long-term memory store. SQLite shares the
// main database; Postgres uses its own pool.
func newVectorStore(ctx context.Context, cfg *config.Config, db *sql.DB) (memory.VectorStore, error) {
	if cfg.Memory.Backend == config.MemoryPostgres {
		store, err := memory.NewPostgresStore(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres memory store: %w", err)
		}
		return store, nil
	}
	store, err := memory.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory store: %w", err)
	}
	return store, nil
}

// loadPersona reads the persona file. An empty path selects the built-in
// persona.
func loadPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona %s: %w", path, err)
	}
	return string(data), nil
}
