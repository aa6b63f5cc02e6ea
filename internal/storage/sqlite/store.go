// Package sqlite implements the storage contract on an embedded SQLite
// database (pure-Go driver). Embeddings live in fixed-width float32 blob
// columns; similarity search is brute-force cosine over a bounded candidate
// set, which is adequate at self-host scale.
package sqlite

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// vectorScanCap bounds how many candidate rows a brute-force similarity
// query will load before scoring.
const vectorScanCap = 10_000

// Store is the SQLite-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// The modernc driver serializes access; one connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := []string{
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
			container_tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_custom_id ON documents(custom_id) WHERE custom_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at TEXT NOT NULL,
			UNIQUE(document_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			memory TEXT NOT NULL,
			space_id TEXT NOT NULL DEFAULT 'default',
			container_tag TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			is_latest INTEGER NOT NULL DEFAULT 1,
			parent_memory_id TEXT REFERENCES memories(id),
			root_memory_id TEXT REFERENCES memories(id),
			memory_relations TEXT NOT NULL DEFAULT '{}',
			source_count INTEGER NOT NULL DEFAULT 1,
			is_inference INTEGER NOT NULL DEFAULT 0,
			is_forgotten INTEGER NOT NULL DEFAULT 0,
			is_static INTEGER NOT NULL DEFAULT 0,
			forget_after TEXT,
			forget_reason TEXT,
			memory_type TEXT NOT NULL DEFAULT 'fact',
			last_accessed TEXT,
			confidence REAL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
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
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_sources_memory_id ON memory_sources(memory_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_sources_document_id ON memory_sources(document_id)`,

		`CREATE TABLE IF NOT EXISTS container_filters (
			container_tag TEXT PRIMARY KEY,
			should_llm_filter INTEGER NOT NULL DEFAULT 0,
			filter_prompt TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS user_profiles (
			container_tag TEXT PRIMARY KEY,
			narrative TEXT,
			summary TEXT,
			cached_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS momo_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
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

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMetadata(s string) types.Metadata {
	md := types.Metadata{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &md)
	}
	return md
}

func unmarshalRelations(s string) map[string]types.RelationType {
	rels := map[string]types.RelationType{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &rels)
	}
	return rels
}

func unmarshalTags(s string) []string {
	var tags []string
	if s != "" {
		_ = json.Unmarshal([]byte(s), &tags)
	}
	return tags
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// encodeCursor packs a keyset position (created_at, id) into an opaque token.
func encodeCursor(createdAt time.Time, id string) string {
	raw := formatTime(createdAt) + "|" + id
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
	return parseTime(parts[0]), parts[1], nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func toAnySlice(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

var _ storage.Store = (*Store)(nil)
