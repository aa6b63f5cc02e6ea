package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// CreateMemorySource links a memory to its originating document/chunk.
func (s *Store) CreateMemorySource(ctx context.Context, src *types.MemorySource) error {
	if src.ID == "" {
		src.ID = types.NewID()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_sources (id, memory_id, document_id, chunk_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		src.ID, src.MemoryID, nullable(src.DocumentID), nullable(src.ChunkID),
		formatTime(src.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert memory source: %w", err)
	}
	return nil
}

// GetSourcesByMemory returns the source links of one memory.
func (s *Store) GetSourcesByMemory(ctx context.Context, memoryID string) ([]*types.MemorySource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, document_id, chunk_id, created_at
		FROM memory_sources WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query memory sources: %w", err)
	}
	defer rows.Close()

	var sources []*types.MemorySource
	for rows.Next() {
		var (
			src               types.MemorySource
			docID, chunkID    sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&src.ID, &src.MemoryID, &docID, &chunkID, &createdAt); err != nil {
			return nil, err
		}
		src.DocumentID = docID.String
		src.ChunkID = chunkID.String
		src.CreatedAt = parseTime(createdAt)
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// GetCachedProfile returns the cached narrative/summary for a container, or
// ErrNotFound when never computed.
func (s *Store) GetCachedProfile(ctx context.Context, containerTag string) (*storage.CachedProfile, error) {
	var (
		p                  storage.CachedProfile
		narrative, summary sql.NullString
		cachedAt           string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT container_tag, narrative, summary, cached_at
		FROM user_profiles WHERE container_tag = ?`, containerTag).
		Scan(&p.ContainerTag, &narrative, &summary, &cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query cached profile: %w", err)
	}
	p.Narrative = narrative.String
	p.Summary = summary.String
	p.CachedAt = parseTime(cachedAt)
	return &p, nil
}

// UpsertCachedProfile stores a computed profile for reuse until memories
// change.
func (s *Store) UpsertCachedProfile(ctx context.Context, p *storage.CachedProfile) error {
	if p.CachedAt.IsZero() {
		p.CachedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (container_tag, narrative, summary, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(container_tag) DO UPDATE SET
			narrative = excluded.narrative,
			summary = excluded.summary,
			cached_at = excluded.cached_at`,
		p.ContainerTag, nullable(p.Narrative), nullable(p.Summary), formatTime(p.CachedAt))
	if err != nil {
		return fmt.Errorf("upsert cached profile: %w", err)
	}
	return nil
}

// GetContainerFilter returns the LLM-filter configuration for a container,
// or ErrNotFound when none is set.
func (s *Store) GetContainerFilter(ctx context.Context, containerTag string) (*storage.ContainerFilter, error) {
	var (
		f      storage.ContainerFilter
		should int
		prompt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT container_tag, should_llm_filter, filter_prompt
		FROM container_filters WHERE container_tag = ?`, containerTag).
		Scan(&f.ContainerTag, &should, &prompt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query container filter: %w", err)
	}
	f.ShouldLLMFilter = should == 1
	f.FilterPrompt = prompt.String
	return &f, nil
}

// UpsertContainerFilter stores per-container ingestion filtering settings.
func (s *Store) UpsertContainerFilter(ctx context.Context, f *storage.ContainerFilter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_filters (container_tag, should_llm_filter, filter_prompt)
		VALUES (?, ?, ?)
		ON CONFLICT(container_tag) DO UPDATE SET
			should_llm_filter = excluded.should_llm_filter,
			filter_prompt = excluded.filter_prompt`,
		f.ContainerTag, boolInt(f.ShouldLLMFilter), nullable(f.FilterPrompt))
	if err != nil {
		return fmt.Errorf("upsert container filter: %w", err)
	}
	return nil
}

// Meta keys recognized in momo_meta.
const (
	metaKeyEmbeddingDims  = "embedding_dimensions"
	metaKeyEmbeddingModel = "embedding_model"
)

// GetEmbeddingDimensions returns the stored vector dimension, 0 when the
// database has never been written to.
func (s *Store) GetEmbeddingDimensions(ctx context.Context) (int, error) {
	v, err := s.getMeta(ctx, metaKeyEmbeddingDims)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	dims, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s value %q: %w", metaKeyEmbeddingDims, v, err)
	}
	return dims, nil
}

// SetEmbeddingDimensions records the vector dimension this database indexes.
func (s *Store) SetEmbeddingDimensions(ctx context.Context, dims int) error {
	return s.setMeta(ctx, metaKeyEmbeddingDims, strconv.Itoa(dims))
}

// GetEmbeddingModel returns the stored embedding-model fingerprint.
func (s *Store) GetEmbeddingModel(ctx context.Context) (string, error) {
	v, err := s.getMeta(ctx, metaKeyEmbeddingModel)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetEmbeddingModel records the embedding model this database was built with.
func (s *Store) SetEmbeddingModel(ctx context.Context, model string) error {
	return s.setMeta(ctx, metaKeyEmbeddingModel, model)
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM momo_meta WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO momo_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}
