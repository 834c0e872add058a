package transcript

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/llm"
)

// MemoryStore is an in-process Store. It is used by tests and by the
// one-shot ask command when no database is wanted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID][]Message
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID][]Message),
		now:      time.Now,
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, sessionID uuid.UUID, role, content, imageURL string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.sessions[sessionID]
	ts := s.now()
	if n := len(msgs); n > 0 {
		ts = clamp(ts, msgs[n-1].Timestamp)
	}
	s.sessions[sessionID] = append(msgs, Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ImageURL:  imageURL,
		Timestamp: ts,
	})
	return nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, sessionID uuid.UUID) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return toHistory(msgs), nil
}

// Messages implements Store.
func (s *MemoryStore) Messages(_ context.Context, sessionID uuid.UUID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[sessionID]), nil
}
