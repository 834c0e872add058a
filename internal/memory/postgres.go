package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps memories in Postgres and searches them with the
// pgvector cosine distance operator.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema. The vector
// column is untyped in dimension so the embedding model can change
// without a migration; rows of other dimensions are skipped at query
// time.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS memories (
		id         UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		content    TEXT NOT NULL,
		embedding  vector NOT NULL,
		dims       INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories (session_id);
	`)
	return err
}

// Insert implements VectorStore.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, session_id, content, embedding, dims, created_at)
		 VALUES ($1, $2, $3, $4::vector, $5, $6)`,
		rec.ID, rec.SessionID, rec.Content, vectorLiteral(rec.Embedding), len(rec.Embedding), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", rec.ID, err)
	}
	return nil
}

// Nearest implements VectorStore.
func (s *PostgresStore) Nearest(ctx context.Context, sessionID uuid.UUID, query []float32, k int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, embedding::text, created_at
		 FROM memories
		 WHERE session_id = $1 AND dims = $2
		 ORDER BY embedding <=> $3::vector
		 LIMIT $4`,
		sessionID, len(query), vectorLiteral(query), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{SessionID: sessionID}
		var vec string
		if err := rows.Scan(&rec.ID, &rec.Content, &vec, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		rec.Embedding = parseVector(vec)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral formats v in pgvector's text form, e.g. "[1,2.5,3]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(text string) []float32 {
	text = strings.Trim(strings.TrimSpace(text), "[]")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}
