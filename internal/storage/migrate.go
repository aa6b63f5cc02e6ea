package storage

import (
	"context"
	"fmt"
	"log"
)

// EnsureDimensions verifies the database was built for the configured
// embedding dimension. Three outcomes:
//
//   - fresh database: the configured dimension and model are recorded;
//   - match: no-op;
//   - mismatch: with rebuild set, every document is re-queued and all chunk
//     embeddings are dropped so the pipeline re-embeds at the new dimension
//     (documents stay browsable throughout); without rebuild the open is
//     aborted so stale vectors are never silently mixed with new ones.
func EnsureDimensions(ctx context.Context, store Store, dims int, model string, rebuild bool) error {
	stored, err := store.GetEmbeddingDimensions(ctx)
	if err != nil {
		return fmt.Errorf("read stored dimensions: %w", err)
	}

	switch {
	case stored == 0:
		if err := store.SetEmbeddingDimensions(ctx, dims); err != nil {
			return err
		}
		return store.SetEmbeddingModel(ctx, model)

	case stored == dims:
		return nil

	case rebuild:
		log.Printf("storage: embedding dimension changed %d -> %d, rebuilding index", stored, dims)
		deleted, err := store.DeleteAllChunks(ctx)
		if err != nil {
			return fmt.Errorf("drop chunks for rebuild: %w", err)
		}
		requeued, err := store.RequeueAllDocuments(ctx)
		if err != nil {
			return fmt.Errorf("requeue documents for rebuild: %w", err)
		}
		log.Printf("storage: rebuild scheduled, chunks_deleted=%d documents_requeued=%d", deleted, requeued)
		if err := store.SetEmbeddingDimensions(ctx, dims); err != nil {
			return err
		}
		return store.SetEmbeddingModel(ctx, model)

	default:
		return fmt.Errorf("embedding dimension mismatch: database has %d, config wants %d; restart with --rebuild-embeddings to re-index", stored, dims)
	}
}
