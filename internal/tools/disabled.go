package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrTerminalTool is returned when disabling send_message. Without
	// it no turn could ever end with a reply.
	ErrTerminalTool = errors.New("the terminal tool cannot be disabled")

	// ErrUnknownTool is returned when enabling or disabling a tool_type
	// that is not registered.
	ErrUnknownTool = errors.New("unknown tool type")
)

// DisabledStore is the administrative set of tool types excluded from
// the catalog.
type DisabledStore interface {
	// List returns the disabled tool types, sorted.
	List(ctx context.Context) ([]string, error)
	// Enable removes a tool type from the set. Enabling a tool that is
	// not disabled is a no-op.
	Enable(ctx context.Context, toolType string) error
	// Disable adds a tool type to the set. Disabling twice is a no-op.
	Disable(ctx context.Context, toolType string) error
}

func checkToggle(toolType string, disabling bool) error {
	if _, ok := Lookup(toolType); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, toolType)
	}
	if disabling && toolType == TypeSendMessage {
		return ErrTerminalTool
	}
	return nil
}

func disabledSet(ctx context.Context, store DisabledStore) (map[string]bool, error) {
	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(list))
	for _, t := range list {
		set[t] = true
	}
	return set, nil
}

// IsDisabled reports whether toolType is in the store's set.
func IsDisabled(ctx context.Context, store DisabledStore, toolType string) (bool, error) {
	set, err := disabledSet(ctx, store)
	if err != nil {
		return false, err
	}
	return set[toolType], nil
}

// MemoryDisabledStore is an in-process DisabledStore.
type MemoryDisabledStore struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewMemoryDisabledStore returns a store with the given types disabled.
// Types are not validated, which lets tests seed arbitrary state.
func NewMemoryDisabledStore(toolTypes ...string) *MemoryDisabledStore {
	s := &MemoryDisabledStore{set: make(map[string]struct{}, len(toolTypes))}
	for _, t := range toolTypes {
		s.set[t] = struct{}{}
	}
	return s
}

// List implements DisabledStore.
func (s *MemoryDisabledStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.set))
	for t := range s.set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

// Enable implements DisabledStore.
func (s *MemoryDisabledStore) Enable(_ context.Context, toolType string) error {
	if err := checkToggle(toolType, false); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, toolType)
	return nil
}

// Disable implements DisabledStore.
func (s *MemoryDisabledStore) Disable(_ context.Context, toolType string) error {
	if err := checkToggle(toolType, true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[toolType] = struct{}{}
	return nil
}

// SQLiteDisabledStore persists the disabled set in a SQLite table. All
// methods are safe for concurrent use (SQLite serializes writes).
type SQLiteDisabledStore struct {
	db *sql.DB
}

// NewSQLiteDisabledStore creates the store on an open database. The
// schema is created automatically.
func NewSQLiteDisabledStore(db *sql.DB) (*SQLiteDisabledStore, error) {
	s := &SQLiteDisabledStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteDisabledStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS disabled_tools (
		tool_type   TEXT PRIMARY KEY,
		disabled_at TEXT NOT NULL
	);
	`)
	return err
}

// List implements DisabledStore.
func (s *SQLiteDisabledStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_type FROM disabled_tools ORDER BY tool_type`)
	if err != nil {
		return nil, fmt.Errorf("list disabled tools: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan disabled tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Enable implements DisabledStore.
func (s *SQLiteDisabledStore) Enable(ctx context.Context, toolType string) error {
	if err := checkToggle(toolType, false); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM disabled_tools WHERE tool_type = ?`, toolType); err != nil {
		return fmt.Errorf("enable %s: %w", toolType, err)
	}
	return nil
}

// Disable implements DisabledStore.
func (s *SQLiteDisabledStore) Disable(ctx context.Context, toolType string) error {
	if err := checkToggle(toolType, true); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disabled_tools (tool_type, disabled_at) VALUES (?, ?)
		 ON CONFLICT (tool_type) DO NOTHING`,
		toolType, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("disable %s: %w", toolType, err)
	}
	return nil
}
