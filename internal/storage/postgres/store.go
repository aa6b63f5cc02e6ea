// Package postgres implements the storage contract on PostgreSQL with
// the pgvector extension. Embeddings live in vector columns and
// similarity is computed by the database, so this backend scales past
// the brute-force SQLite store.
package postgres

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// Store is the PostgreSQL-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn, verifies the connection, and
// applies the schema. The pgvector extension must be installed; there
// is no degraded mode without it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", storage.ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		// embedding columns are untyped vectors so a dimension change
		// only needs a rebuild, not a schema migration
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			custom_id TEXT,
			title TEXT,
			content TEXT,
			summary TEXT,
			url TEXT,
			doc_type TEXT NOT NULL DEFAULT 'text',
			status TEXT NOT NULL DEFAULT 'queued',
			error_message TEXT,
			container_tags JSONB NOT NULL DEFAULT '[]',
			metadata JSONB NOT NULL DEFAULT '{}',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_custom_id ON documents(custom_id) WHERE custom_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_container_tags ON documents USING GIN(container_tags)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			embedding vector,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(document_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			memory TEXT NOT NULL,
			space_id TEXT NOT NULL DEFAULT 'default',
			container_tag TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			is_latest BOOLEAN NOT NULL DEFAULT TRUE,
			parent_memory_id TEXT REFERENCES memories(id),
			root_memory_id TEXT REFERENCES memories(id),
			memory_relations JSONB NOT NULL DEFAULT '{}',
			source_count INTEGER NOT NULL DEFAULT 1,
			is_inference BOOLEAN NOT NULL DEFAULT FALSE,
			is_forgotten BOOLEAN NOT NULL DEFAULT FALSE,
			is_static BOOLEAN NOT NULL DEFAULT FALSE,
			forget_after TIMESTAMPTZ,
			forget_reason TEXT,
			memory_type TEXT NOT NULL DEFAULT 'fact',
			last_accessed TIMESTAMPTZ,
			confidence DOUBLE PRECISION,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_container_tag ON memories(container_tag)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(container_tag, is_latest, is_forgotten)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_forget_after ON memories(forget_after) WHERE forget_after IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_memories_root ON memories(root_memory_id)`,

		`CREATE TABLE IF NOT EXISTS memory_sources (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			document_id TEXT REFERENCES documents(id) ON DELETE CASCADE,
			chunk_id TEXT REFERENCES chunks(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_sources_memory_id ON memory_sources(memory_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_sources_document_id ON memory_sources(document_id)`,

		`CREATE TABLE IF NOT EXISTS container_filters (
			container_tag TEXT PRIMARY KEY,
			should_llm_filter BOOLEAN NOT NULL DEFAULT FALSE,
			filter_prompt TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS user_profiles (
			container_tag TEXT PRIMARY KEY,
			narrative TEXT,
			summary TEXT,
			cached_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS momo_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// --- shared helpers ---

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func unmarshalMetadata(raw []byte) types.Metadata {
	md := types.Metadata{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &md)
	}
	return md
}

func unmarshalRelations(raw []byte) map[string]types.RelationType {
	rels := map[string]types.RelationType{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rels)
	}
	return rels
}

func unmarshalTags(raw []byte) []string {
	var tags []string
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &tags)
	}
	return tags
}

// encodeCursor packs a keyset position (created_at, id) into an opaque token.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", storage.ErrInvalidInput)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", storage.ErrInvalidInput)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", storage.ErrInvalidInput)
	}
	return at, parts[1], nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// nullVector scans a nullable pgvector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ storage.Store = (*Store)(nil)
