package engine

import (
	"context"
	"fmt"

	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
)

// RebuildMemoryEmbeddings re-embeds every memory with the current
// embedding provider and returns how many were rewritten. Chunk vectors
// come back through the document pipeline after a rebuild, but memories
// have no source document to re-process, so they are re-embedded here.
// Forgotten and superseded rows are included; they still participate in
// idempotence and chain lookups.
func RebuildMemoryEmbeddings(ctx context.Context, store storage.Store, embedder llm.EmbeddingGenerator) (int, error) {
	var done int
	cursor := ""
	for {
		page, err := store.ListMemories(ctx, storage.ListOptions{
			Cursor:           cursor,
			Limit:            storage.MaxListLimit,
			IncludeForgotten: true,
		})
		if err != nil {
			return done, fmt.Errorf("list memories: %w", err)
		}
		for _, m := range page.Items {
			vec, err := embedder.Embed(ctx, m.Memory)
			if err != nil {
				return done, fmt.Errorf("embed memory %s: %w", m.ID, err)
			}
			if err := store.UpdateMemoryEmbedding(ctx, m.ID, vec); err != nil {
				return done, fmt.Errorf("store embedding for memory %s: %w", m.ID, err)
			}
			done++
		}
		if page.NextCursor == "" {
			return done, nil
		}
		cursor = page.NextCursor
	}
}
