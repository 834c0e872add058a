// Package transcript stores the append-only message log of each
// conversation session.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/llm"
)

// Message roles. Tool results and tool errors are stored as RoleUser.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidRole is returned by Append for roles other than RoleUser and
// RoleAssistant.
var ErrInvalidRole = errors.New("invalid message role")

// Message is one immutable transcript entry.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the per-session message log. Messages of a session are
// returned in timestamp order, ties broken by insertion order.
type Store interface {
	// Append stores a message. imageURL may be empty.
	Append(ctx context.Context, sessionID uuid.UUID, role, content, imageURL string) error
	// History returns the session as model messages. Entries with an
	// image become two-part text plus image_url content.
	History(ctx context.Context, sessionID uuid.UUID) ([]llm.Message, error)
	// Messages returns the raw entries of the session.
	Messages(ctx context.Context, sessionID uuid.UUID) ([]Message, error)
}

// toHistory converts stored entries to model messages.
func toHistory(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ImageURL != "" {
			out = append(out, llm.ImageMessage(m.Role, m.Content, m.ImageURL))
			continue
		}
		out = append(out, llm.TextMessage(m.Role, m.Content))
	}
	return out
}

func checkRole(role string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

// clamp keeps a session's timestamps non-decreasing when the wall clock
// steps backwards.
func clamp(now, last time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}
