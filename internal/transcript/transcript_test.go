package transcript

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/llm"
)

// steppingClock returns the queued times in order, then repeats the last.
type steppingClock struct {
	times []time.Time
}

func (c *steppingClock) now() time.Time {
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// stores returns a fresh instance of every Store implementation, each
// driven by clock.
func stores(t *testing.T, clock func() time.Time) map[string]Store {
	t.Helper()
	mem := NewMemoryStore()
	mem.now = clock

	sq, err := NewSQLiteStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	sq.now = clock

	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestStore_OrderAndClamp(t *testing.T) {
	base := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			clock := &steppingClock{times: []time.Time{
				base,
				base.Add(2 * time.Second),
				base.Add(-time.Minute), // clock stepped back
				base.Add(3 * time.Second),
			}}
			s := stores(t, clock.now)[name]
			ctx := context.Background()
			session := uuid.New()

			for i, c := range []string{"one", "two", "three", "four"} {
				role := RoleUser
				if i%2 == 1 {
					role = RoleAssistant
				}
				if err := s.Append(ctx, session, role, c, ""); err != nil {
					t.Fatalf("Append(%q) error: %v", c, err)
				}
			}

			msgs, err := s.Messages(ctx, session)
			if err != nil {
				t.Fatalf("Messages() error: %v", err)
			}
			if len(msgs) != 4 {
				t.Fatalf("got %d messages, want 4", len(msgs))
			}
			for i, want := range []string{"one", "two", "three", "four"} {
				if msgs[i].Content != want {
					t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
				}
				if msgs[i].SessionID != session {
					t.Errorf("msgs[%d].SessionID = %v, want %v", i, msgs[i].SessionID, session)
				}
			}
			for i := 1; i < len(msgs); i++ {
				if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
					t.Errorf("timestamp %d (%v) before %d (%v)", i, msgs[i].Timestamp, i-1, msgs[i-1].Timestamp)
				}
			}
			if !msgs[2].Timestamp.Equal(msgs[1].Timestamp) {
				t.Errorf("clamped timestamp = %v, want %v", msgs[2].Timestamp, msgs[1].Timestamp)
			}
			if msgs[1].Role != RoleAssistant || msgs[0].Role != RoleUser {
				t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
			}
		})
	}
}

func TestStore_History(t *testing.T) {
	for name, s := range stores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := uuid.New()

			if err := s.Append(ctx, session, RoleUser, "what is this?", "https://example.com/cat.png"); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
			if err := s.Append(ctx, session, RoleAssistant, "a cat", ""); err != nil {
				t.Fatalf("Append() error: %v", err)
			}

			hist, err := s.History(ctx, session)
			if err != nil {
				t.Fatalf("History() error: %v", err)
			}
			if len(hist) != 2 {
				t.Fatalf("got %d history messages, want 2", len(hist))
			}

			img := hist[0]
			if img.Role != llm.RoleUser || len(img.Parts) != 2 {
				t.Fatalf("hist[0] = %+v, want a two-part user message", img)
			}
			if img.Parts[0].Type != llm.PartText || img.Parts[0].Text != "what is this?" {
				t.Errorf("hist[0].Parts[0] = %+v", img.Parts[0])
			}
			if img.Parts[1].Type != llm.PartImageURL || img.Parts[1].ImageURL.URL != "https://example.com/cat.png" {
				t.Errorf("hist[0].Parts[1] = %+v", img.Parts[1])
			}

			if hist[1].Role != llm.RoleAssistant || hist[1].Content != "a cat" || hist[1].Parts != nil {
				t.Errorf("hist[1] = %+v, want plain assistant text", hist[1])
			}
		})
	}
}

func TestStore_SessionsIsolated(t *testing.T) {
	for name, s := range stores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := uuid.New(), uuid.New()

			if err := s.Append(ctx, a, RoleUser, "for a", ""); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
			got, err := s.Messages(ctx, b)
			if err != nil {
				t.Fatalf("Messages() error: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("session b has %d messages, want 0", len(got))
			}
		})
	}
}

func TestStore_InvalidRole(t *testing.T) {
	for name, s := range stores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			err := s.Append(context.Background(), uuid.New(), "system", "x", "")
			if !errors.Is(err, ErrInvalidRole) {
				t.Errorf("Append(system) error = %v, want ErrInvalidRole", err)
			}
		})
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	session := uuid.New()

	s1, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := s1.Append(ctx, session, RoleUser, "remember me", ""); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	s2, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() second open error: %v", err)
	}
	msgs, err := s2.Messages(ctx, session)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "remember me" {
		t.Errorf("Messages() = %+v, want the stored message", msgs)
	}
}
