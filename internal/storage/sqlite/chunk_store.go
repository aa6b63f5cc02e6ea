package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

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
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var blob []byte
		if len(c.Embedding) > 0 {
			blob = storage.EncodeVector(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Content, c.ChunkIndex,
			c.TokenCount, blob, formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunksByDocument returns all chunks of one document in index order.
func (s *Store) GetChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content, chunk_index, token_count, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		var (
			c         types.Chunk
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &c.TokenCount, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
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

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedding = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare embedding update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, storage.EncodeVector(u.Embedding), u.ChunkID); err != nil {
			return fmt.Errorf("update embedding for chunk %s: %w", u.ChunkID, err)
		}
	}
	return tx.Commit()
}

// DeleteChunksByDocument removes all chunks of one document.
func (s *Store) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
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

// SearchSimilarChunks scores indexed chunks against the query embedding and
// returns hits at or above the threshold, best first. Only chunks of done
// documents participate.
func (s *Store) SearchSimilarChunks(ctx context.Context, embedding []float32, opts storage.SearchOptions) ([]storage.SimilarChunk, error) {
	opts.Normalize()

	where := []string{"c.embedding IS NOT NULL", "d.status = 'done'"}
	args := []any{}
	if len(opts.ContainerTags) > 0 {
		likes := make([]string, len(opts.ContainerTags))
		for i, tag := range opts.ContainerTags {
			likes[i] = "d.container_tags LIKE ?"
			args = append(args, `%"`+tag+`"%`)
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.token_count, c.embedding, c.created_at
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY c.created_at DESC LIMIT ?`,
		append(args, vectorScanCap)...)
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	defer rows.Close()

	var hits []storage.SimilarChunk
	for rows.Next() {
		var (
			c         types.Chunk
			blob      []byte
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &c.TokenCount, &blob, &createdAt); err != nil {
			return nil, err
		}
		vec, err := storage.DecodeVector(blob)
		if err != nil {
			continue // wrong-dimension leftovers are skipped, not fatal
		}
		score := storage.CosineSimilarity(embedding, vec)
		if score < opts.Threshold {
			continue
		}
		c.Embedding = vec
		c.CreatedAt = parseTime(createdAt)
		hits = append(hits, storage.SimilarChunk{Chunk: &c, DocumentID: c.DocumentID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}
