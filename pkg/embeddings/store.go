package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Vector is one embedded knowledge entry.
type Vector struct {
	EntryID     int64
	RoomID      string
	Embedding   []float32
	ContentHash string
}

// SearchResult holds a vector similarity search result.
type SearchResult struct {
	EntryID  int64
	Distance float64 // cosine distance (lower = more similar)
}

// Index stores knowledge vectors and answers room-scoped nearest neighbour queries.
type Index interface {
	Upsert(ctx context.Context, vecs []Vector) error
	Search(ctx context.Context, roomID string, query []float32, limit int) ([]SearchResult, error)
	Embedded(ctx context.Context) (map[int64]string, error)
	Delete(ctx context.Context, ids []int64) error
}

// Store provides pgvector-backed embedding storage and search.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// NewStore creates a new pgvector store and verifies the connection.
// dim is the embedding width of the model behind the TEI endpoint.
func NewStore(ctx context.Context, pgURL string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = 768
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS knowledge_embeddings (
			entry_id     BIGINT PRIMARY KEY,
			room_id      TEXT NOT NULL,
			embedding    vector(%d) NOT NULL,
			content_hash TEXT NOT NULL,
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.dim))
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_knowledge_embeddings_room
		ON knowledge_embeddings (room_id)
	`); err != nil {
		return fmt.Errorf("create room index: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_knowledge_embeddings_hnsw
		ON knowledge_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("embedding store initialized", "dim", s.dim)
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert stores embeddings for multiple entries in a single transaction.
func (s *Store) Upsert(ctx context.Context, vecs []Vector) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, v := range vecs {
		_, err := tx.Exec(ctx, `
			INSERT INTO knowledge_embeddings (entry_id, room_id, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (entry_id) DO UPDATE
			SET embedding = EXCLUDED.embedding,
				content_hash = EXCLUDED.content_hash,
				embedded_at = now()
		`, v.EntryID, v.RoomID, pgvector.NewVector(v.Embedding), v.ContentHash)
		if err != nil {
			return fmt.Errorf("insert embedding %d: %w", v.EntryID, err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the top-K entries of a room by cosine distance.
func (s *Store) Search(ctx context.Context, roomID string, query []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, embedding <=> $1 AS distance
		FROM knowledge_embeddings
		WHERE room_id = $2
		ORDER BY embedding <=> $1, entry_id
		LIMIT $3
	`, pgvector.NewVector(query), roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.EntryID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Embedded returns all embedded entry IDs with their content hashes.
func (s *Store) Embedded(ctx context.Context) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT entry_id, content_hash FROM knowledge_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[int64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// Delete drops the vectors of entries that no longer exist.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM knowledge_embeddings WHERE entry_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Stats returns embedding count.
func (s *Store) Stats(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM knowledge_embeddings").Scan(&count)
	return
}
