package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const (
	// extractorDedupSimilarity is the cosine similarity above which an
	// extracted memory is merged into an existing one instead of being
	// created.
	extractorDedupSimilarity = 0.9

	// extractorContradictionSimilarity is the similarity band floor for
	// flagging (not resolving) a possible contradiction with an existing
	// memory.
	extractorContradictionSimilarity = 0.6

	// extractorContentLimit caps how much document content goes into the
	// extraction prompt.
	extractorContentLimit = 12_000
)

// MemoryExtractor pulls durable memories out of processed documents. It is
// the bridge between the ingestion pipeline and the memory engine: the
// pipeline hands it a finished document, it asks the LLM for memory-worthy
// statements, and routes each through the creation sub-pipeline.
type MemoryExtractor struct {
	engine    *MemoryEngine
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
}

// NewMemoryExtractor wires the extractor. With a nil generator extraction
// is skipped entirely; documents still chunk and index normally.
func NewMemoryExtractor(engine *MemoryEngine, store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator) *MemoryExtractor {
	return &MemoryExtractor{engine: engine, store: store, embedder: embedder, generator: generator}
}

// ExtractFromDocument extracts memories from a processed document and
// returns the ids of the memories created or merged into. Extraction
// failure never fails the document; ingestion already succeeded.
func (x *MemoryExtractor) ExtractFromDocument(ctx context.Context, doc *types.Document) ([]string, error) {
	if x.generator == nil || doc.Content == "" {
		return nil, nil
	}
	containerTag := doc.ContainerTag()
	if containerTag == "" {
		containerTag = types.DefaultSpaceID
	}

	content := doc.Content
	if len(content) > extractorContentLimit {
		content = content[:extractorContentLimit]
	}

	raw, err := x.generator.Complete(ctx, llm.BuildMemoryExtractionPrompt(content))
	if err != nil {
		return nil, fmt.Errorf("extraction prompt: %w", err)
	}
	resp, err := llm.ParseExtraction(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}

	var ids []string
	for _, em := range resp.Memories {
		id, err := x.storeExtracted(ctx, doc, containerTag, em)
		if err != nil {
			log.Printf("extractor: store %q from document %s failed: %v", storage.Preview(em.Content), doc.ID, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (x *MemoryExtractor) storeExtracted(ctx context.Context, doc *types.Document, containerTag string, em llm.ExtractedMemory) (string, error) {
	embedding, err := x.embedder.Embed(ctx, em.Content)
	if err != nil {
		return "", fmt.Errorf("embed extracted memory: %w", err)
	}

	similar, err := x.store.SearchSimilarMemories(ctx, embedding, storage.SearchOptions{
		Limit:        1,
		Threshold:    extractorContradictionSimilarity,
		ContainerTag: containerTag,
	})
	if err != nil {
		return "", fmt.Errorf("dedup search: %w", err)
	}

	metadata := types.Metadata{
		"source_document_id": doc.ID,
		"memory_type":        em.Type,
		"confidence":         em.Confidence,
	}
	if em.Context != "" {
		metadata["context"] = em.Context
	}

	if len(similar) > 0 {
		best := similar[0]

		if best.Score >= extractorDedupSimilarity {
			// Near-identical memory already exists: bump its support count
			// and link the new source. Whether re-ingesting the SAME
			// document should also count as extra support (rather than
			// only distinct documents) is an open question; the current
			// behavior counts every extraction hit.
			if err := x.store.UpdateMemorySourceCount(ctx, best.Memory.ID, best.Memory.SourceCount+1); err != nil {
				return "", fmt.Errorf("bump source count: %w", err)
			}
			err := x.store.CreateMemorySource(ctx, &types.MemorySource{
				MemoryID:   best.Memory.ID,
				DocumentID: doc.ID,
			})
			return best.Memory.ID, err
		}

		// In the flag band the contradiction is recorded on the new memory
		// but never blocks creation; resolution stays with the engine's
		// contradiction path and, ultimately, the user.
		if DetectContradiction(em.Content, best.Memory.Memory) != ContradictionNone {
			metadata["possible_contradiction_of"] = best.Memory.ID
		}
	}

	confidence := em.Confidence
	res, err := x.engine.CreateMemory(ctx, CreateMemoryRequest{
		Content:          em.Content,
		ContainerTag:     containerTag,
		MemoryType:       types.ParseMemoryType(em.Type),
		Confidence:       &confidence,
		Metadata:         metadata,
		SourceDocumentID: doc.ID,
		Embedding:        embedding,
	})
	if err != nil {
		return "", err
	}
	return res.Memory.ID, nil
}
