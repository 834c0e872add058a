package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/embeddings"
)

// SQLiteStore keeps memories in SQLite with embeddings as float32 blobs.
// Search is a linear cosine scan over one session's rows, which is fine
// for the few hundred memories a conversation accumulates.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store on an open database. The schema is
// created automatically.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content    TEXT NOT NULL,
		embedding  BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	`)
	return err
}

// Insert implements VectorStore.
func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, session_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.SessionID.String(), rec.Content,
		embeddings.Encode(rec.Embedding), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", rec.ID, err)
	}
	return nil
}

// Nearest implements VectorStore.
func (s *SQLiteStore) Nearest(ctx context.Context, sessionID uuid.UUID, query []float32, k int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, created_at FROM memories WHERE session_id = ? ORDER BY created_at, id`,
		sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var (
		recs    []Record
		vectors [][]float32
	)
	for rows.Next() {
		var (
			id, content, created string
			blob                 []byte
		)
		if err := rows.Scan(&id, &content, &blob, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		vec, err := embeddings.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", id, err)
		}
		rec := Record{SessionID: sessionID, Content: content, Embedding: vec}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("memory id %q: %w", id, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("memory %s created_at: %w", id, err)
		}
		recs = append(recs, rec)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idx := embeddings.TopK(query, vectors, k)
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, recs[i])
	}
	return out, nil
}

// Close is a no-op; the database is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }
