package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// CreateChunks inserts all chunks of a document in one transaction. A
// failure rolls back every row, keeping the index step all-or-nothing.
func (s *Store) CreateChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, content, chunk_index, token_count, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var vec any
		if len(c.Embedding) > 0 {
			vec = pgvector.NewVector(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Content, c.ChunkIndex,
			c.TokenCount, vec, c.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunksByDocument returns all chunks of one document in index order.
func (s *Store) GetChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content, chunk_index, token_count, created_at
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &c.TokenCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// UpdateChunkEmbeddings writes computed vectors back in one transaction.
func (s *Store) UpdateChunkEmbeddings(ctx context.Context, updates []storage.ChunkEmbedding) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedding = $1 WHERE id = $2`)
	if err != nil {
		return fmt.Errorf("prepare embedding update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, pgvector.NewVector(u.Embedding), u.ChunkID); err != nil {
			return fmt.Errorf("update embedding for chunk %s: %w", u.ChunkID, err)
		}
	}
	return tx.Commit()
}

// DeleteChunksByDocument removes all chunks of one document.
func (s *Store) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// DeleteAllChunks clears the chunk table, used by the dimension-migration
// rebuild.
func (s *Store) DeleteAllChunks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks`)
	if err != nil {
		return 0, fmt.Errorf("delete all chunks: %w", err)
	}
	return res.RowsAffected()
}

// SearchSimilarChunks lets pgvector score and order the candidates.
// Only chunks of done documents participate. Cosine distance is
// 1 - similarity, so the threshold inverts into a distance bound.
func (s *Store) SearchSimilarChunks(ctx context.Context, embedding []float32, opts storage.SearchOptions) ([]storage.SimilarChunk, error) {
	opts.Normalize()

	query := pgvector.NewVector(embedding)
	where := []string{"c.embedding IS NOT NULL", "d.status = 'done'"}
	args := []any{query}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "1 - (c.embedding <=> $1) >= "+arg(opts.Threshold))
	if len(opts.ContainerTags) > 0 {
		where = append(where, "d.container_tags ?| "+arg(pq.Array(opts.ContainerTags)))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.token_count, c.embedding,
			c.created_at, 1 - (c.embedding <=> $1) AS score
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY c.embedding <=> $1, c.id LIMIT `+arg(opts.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []storage.SimilarChunk
	for rows.Next() {
		var (
			c     types.Chunk
			vec   pgvector.Vector
			score float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &c.TokenCount,
			&vec, &c.CreatedAt, &score); err != nil {
			return nil, err
		}
		c.Embedding = vec.Slice()
		c.CreatedAt = c.CreatedAt.UTC()
		hits = append(hits, storage.SimilarChunk{Chunk: &c, DocumentID: c.DocumentID, Score: score})
	}
	return hits, rows.Err()
}
