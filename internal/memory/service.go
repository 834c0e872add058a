// Package memory provides long-term memory for the agent: free-text notes
// embedded as vectors, scoped to a session, and recalled by similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/embeddings"
)

// NotFound is returned by Retrieve when the session has no memories.
const NotFound = "Memory not found."

// timestampLayout is the layout of the TIMESTAMP line appended to every
// stored memory.
const timestampLayout = "2006-01-02 15:04:05"

// ErrEmptyMemory is returned when storing blank text.
var ErrEmptyMemory = errors.New("memory text is empty")

// Record is one stored memory.
type Record struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// VectorStore persists records and finds the nearest ones to a query
// vector within a session.
type VectorStore interface {
	Insert(ctx context.Context, rec Record) error
	// Nearest returns up to k records of the session, closest first.
	Nearest(ctx context.Context, sessionID uuid.UUID, query []float32, k int) ([]Record, error)
	Close() error
}

// Service embeds and stores memories and recalls them by similarity.
type Service struct {
	store    VectorStore
	embedder embeddings.Embedder
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a memory service.
func NewService(store VectorStore, embedder embeddings.Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		now:      time.Now,
		logger:   logger,
	}
}

// Store saves text for the session. A line "TIMESTAMP: <local time>" is
// appended before embedding so recalled memories carry their age.
func (s *Service) Store(ctx context.Context, text string, sessionID uuid.UUID) error {
	if text == "" {
		return ErrEmptyMemory
	}
	now := s.now()
	content := text + "\nTIMESTAMP: " + now.Format(timestampLayout)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate memory id: %w", err)
	}
	rec := Record{
		ID:        id,
		SessionID: sessionID,
		Content:   content,
		Embedding: vec,
		CreatedAt: now.UTC(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	s.logger.Debug("memory stored",
		"session_id", sessionID,
		"memory_id", id,
		"dims", len(vec),
	)
	return nil
}

// Retrieve returns the single closest memory of the session to query,
// or NotFound when the session has none.
func (s *Service) Retrieve(ctx context.Context, query string, sessionID uuid.UUID) (string, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	recs, err := s.store.Nearest(ctx, sessionID, vec, 1)
	if err != nil {
		return "", fmt.Errorf("search memories: %w", err)
	}
	if len(recs) == 0 {
		s.logger.Debug("no memory found", "session_id", sessionID)
		return NotFound, nil
	}

	s.logger.Debug("memory retrieved",
		"session_id", sessionID,
		"memory_id", recs[0].ID,
	)
	return recs[0].Content, nil
}
