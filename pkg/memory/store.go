package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed fact storage and similarity search.
type Store struct {
	pool *pgxpool.Pool
}

// Fact is one stored memory fact scoped to a conversation.
type Fact struct {
	ID        string
	ChatID    string
	Content   string
	Distance  float64 // cosine distance for search results (lower = closer)
	CreatedAt time.Time
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
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

	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS facts (
			id            UUID PRIMARY KEY,
			chat_id       TEXT NOT NULL,
			content       TEXT NOT NULL,
			embedding     vector(768) NOT NULL,
			superseded_by UUID,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create facts table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_facts_chat ON facts (chat_id)
	`)
	if err != nil {
		return fmt.Errorf("create chat index: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_facts_hnsw
		ON facts
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("fact store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Insert stores a new fact and returns its id.
func (s *Store) Insert(ctx context.Context, chatID, content string, embedding []float32) (string, error) {
	id := uuid.NewString()
	vec := pgvector.NewVector(embedding)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO facts (id, chat_id, content, embedding)
		VALUES ($1, $2, $3, $4)
	`, id, chatID, content, vec)
	if err != nil {
		return "", fmt.Errorf("insert fact: %w", err)
	}
	return id, nil
}

// Supersede marks old as replaced by newID. Superseded facts are kept
// for audit but excluded from search.
func (s *Store) Supersede(ctx context.Context, old, newID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE facts SET superseded_by = $2 WHERE id = $1", old, newID)
	if err != nil {
		return fmt.Errorf("supersede fact %s: %w", old, err)
	}
	return nil
}

// Search returns the top-K most similar live facts for a conversation
// by cosine distance.
func (s *Store) Search(ctx context.Context, chatID string, queryEmbedding []float32, limit int) ([]Fact, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, content, embedding <=> $2 AS distance, created_at
		FROM facts
		WHERE chat_id = $1 AND superseded_by IS NULL
		ORDER BY embedding <=> $2
		LIMIT $3
	`, chatID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.ChatID, &f.Content, &f.Distance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Nearest returns the single closest live fact for a conversation, or
// nil when the store is empty. Used to detect near-duplicates before
// inserting.
func (s *Store) Nearest(ctx context.Context, chatID string, embedding []float32) (*Fact, error) {
	facts, err := s.Search(ctx, chatID, embedding, 1)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return &facts[0], nil
}

// Delete removes a fact.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM facts WHERE id = $1", id)
	return err
}

// Stats returns the live fact count for a conversation; chatID "" counts all.
func (s *Store) Stats(ctx context.Context, chatID string) (count int, err error) {
	if chatID == "" {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM facts WHERE superseded_by IS NULL").Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM facts WHERE chat_id = $1 AND superseded_by IS NULL", chatID).Scan(&count)
	}
	return
}
