package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/llm"
)

// SQLiteStore persists transcripts in the messages table. Timestamps
// are stored as Unix nanoseconds so they sort numerically.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// mu serializes appends so the clamp read and the insert see the
	// same last timestamp.
	mu sync.Mutex
}

// NewSQLiteStore creates the store on an open database. The schema is
// created automatically.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		image_url  TEXT NOT NULL DEFAULT '',
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp, seq);
	`)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sessionID uuid.UUID, role, content, imageURL string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE session_id = ?`, sessionID.String(),
	).Scan(&last); err != nil {
		return fmt.Errorf("read last timestamp: %w", err)
	}

	ts := s.now()
	if last.Valid {
		ts = clamp(ts, time.Unix(0, last.Int64))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, image_url, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID.String(), role, content, imageURL, ts.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sessionID uuid.UUID) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return toHistory(msgs), nil
}

// Messages implements Store.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, image_url, timestamp
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY timestamp, seq`,
		sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			id string
			ts int64
			m  = Message{SessionID: sessionID}
		)
		if err := rows.Scan(&id, &m.Role, &m.Content, &m.ImageURL, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("message id %q: %w", id, err)
		}
		m.Timestamp = time.Unix(0, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
