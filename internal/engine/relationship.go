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
	// relationCandidateLimit is how many similar memories the detector
	// considers per new memory.
	relationCandidateLimit = 5

	// relationSimilarityThreshold is the minimum cosine similarity for a
	// memory to count as a relation candidate.
	relationSimilarityThreshold = 0.7

	// relationConfidenceThreshold is the minimum LLM confidence for a
	// classified relation to be recorded.
	relationConfidenceThreshold = 0.7
)

// DetectedRelation is one classified link between a new memory and an
// existing one.
type DetectedRelation struct {
	Target     *types.Memory
	Relation   types.RelationType
	Confidence float64
}

// RelationshipDetector finds semantically similar existing memories and
// asks the LLM how a new memory relates to each. Without a generator it is
// inert; memory creation then records no automatic relations.
type RelationshipDetector struct {
	store     storage.MemoryStore
	generator llm.TextGenerator
}

// NewRelationshipDetector creates a detector. generator may be nil.
func NewRelationshipDetector(store storage.MemoryStore, generator llm.TextGenerator) *RelationshipDetector {
	return &RelationshipDetector{store: store, generator: generator}
}

// Detect classifies how the new content relates to its nearest neighbors in
// the same container. excludeID removes the memory being replaced (if any)
// from the candidate set. Classification failures on individual candidates
// are logged and skipped; relation detection never fails memory creation.
//
// Only latest, non-forgotten memories are considered. Whether forgotten
// memories should be eligible as relation targets (for history-aware
// clients) is an open question; the current behavior keeps relations
// pointing at retrievable memories only.
func (d *RelationshipDetector) Detect(ctx context.Context, content string, embedding []float32, containerTag, excludeID string) ([]DetectedRelation, error) {
	if d.generator == nil {
		return nil, nil
	}

	similar, err := d.store.SearchSimilarMemories(ctx, embedding, storage.SearchOptions{
		Limit:        relationCandidateLimit + 1,
		Threshold:    relationSimilarityThreshold,
		ContainerTag: containerTag,
	})
	if err != nil {
		return nil, fmt.Errorf("search relation candidates: %w", err)
	}

	var relations []DetectedRelation
	for _, hit := range similar {
		if hit.Memory.ID == excludeID {
			continue
		}
		if len(relations) >= relationCandidateLimit {
			break
		}

		raw, err := d.generator.Complete(ctx, llm.BuildRelationshipPrompt(content, hit.Memory.Memory))
		if err != nil {
			log.Printf("engine: relation classify against %s failed: %v", hit.Memory.ID, err)
			continue
		}
		resp, err := llm.ParseRelationship(raw)
		if err != nil {
			log.Printf("engine: relation response unparseable for %s: %v", hit.Memory.ID, err)
			continue
		}
		if resp.Confidence < relationConfidenceThreshold {
			continue
		}

		switch resp.Relationship {
		case "updates":
			relations = append(relations, DetectedRelation{
				Target:     hit.Memory,
				Relation:   types.RelationUpdates,
				Confidence: resp.Confidence,
			})
		case "extends":
			relations = append(relations, DetectedRelation{
				Target:     hit.Memory,
				Relation:   types.RelationExtends,
				Confidence: resp.Confidence,
			})
		}
	}
	return relations, nil
}
