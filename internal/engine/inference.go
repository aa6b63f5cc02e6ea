package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// inferenceDuplicateSimilarity is the cosine similarity above which a
// candidate inference is considered a restatement of an existing memory.
const inferenceDuplicateSimilarity = 0.95

// InferenceEngine periodically derives new memories from combinations of
// existing ones. Seeds are recent non-inference memories; each seed plus
// its nearest neighbors goes to the LLM, which produces at most one
// insight.
type InferenceEngine struct {
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
	cfg       config.InferenceConfig
}

// NewInferenceEngine wires the engine. With a nil generator RunOnce is a
// no-op.
func NewInferenceEngine(store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator, cfg config.InferenceConfig) *InferenceEngine {
	return &InferenceEngine{store: store, embedder: embedder, generator: generator, cfg: cfg}
}

// InferenceStats summarizes one inference run.
type InferenceStats struct {
	SeedsProcessed       int `json:"seedsProcessed"`
	InferencesCreated    int `json:"inferencesCreated"`
	DuplicatesSkipped    int `json:"duplicatesSkipped"`
	LowConfidenceSkipped int `json:"lowConfidenceSkipped"`
	Errors               int `json:"errors"`
}

// RunOnce processes up to SeedLimit seeds, creating at most MaxPerRun
// inference memories. Per-seed failures are logged and counted without
// stopping the run.
func (ie *InferenceEngine) RunOnce(ctx context.Context) (InferenceStats, error) {
	var stats InferenceStats
	if !ie.cfg.Enabled || ie.generator == nil {
		return stats, nil
	}

	seeds, err := ie.store.GetSeedMemories(ctx, ie.cfg.SeedLimit)
	if err != nil {
		return stats, fmt.Errorf("load inference seeds: %w", err)
	}

	for _, seed := range seeds {
		if stats.InferencesCreated >= ie.cfg.MaxPerRun {
			break
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.SeedsProcessed++

		if err := ie.processSeed(ctx, seed, &stats); err != nil {
			log.Printf("inference: seed %s failed: %v", seed.ID, err)
			stats.Errors++
		}
	}

	if stats.InferencesCreated > 0 {
		log.Printf("inference: run complete, seeds=%d created=%d duplicates=%d low_confidence=%d errors=%d",
			stats.SeedsProcessed, stats.InferencesCreated, stats.DuplicatesSkipped,
			stats.LowConfidenceSkipped, stats.Errors)
	}
	return stats, nil
}

func (ie *InferenceEngine) processSeed(ctx context.Context, seed *types.Memory, stats *InferenceStats) error {
	if len(seed.Embedding) == 0 {
		return nil
	}

	neighbors, err := ie.store.SearchSimilarMemories(ctx, seed.Embedding, storage.SearchOptions{
		Limit:        ie.cfg.CandidateCount + 1,
		ContainerTag: seed.ContainerTag,
	})
	if err != nil {
		return fmt.Errorf("search candidates: %w", err)
	}

	var related []string
	sourceIDs := []string{seed.ID}
	for _, hit := range neighbors {
		if hit.Memory.ID == seed.ID {
			continue
		}
		if len(related) >= ie.cfg.CandidateCount {
			break
		}
		related = append(related, hit.Memory.Memory)
		sourceIDs = append(sourceIDs, hit.Memory.ID)
	}
	if len(related) == 0 {
		return nil
	}

	exists, err := ie.store.InferenceExists(ctx, sourceIDs)
	if err != nil {
		return fmt.Errorf("check source set: %w", err)
	}
	if exists {
		stats.DuplicatesSkipped++
		return nil
	}

	raw, err := ie.generator.Complete(ctx, llm.BuildInferencePrompt(seed.Memory, related))
	if err != nil {
		return fmt.Errorf("generate inference: %w", err)
	}
	resp, err := llm.ParseInference(raw)
	if err != nil {
		return fmt.Errorf("parse inference: %w", err)
	}
	if resp.Inference == "" {
		return nil
	}
	if resp.Confidence < ie.cfg.ConfidenceThreshold {
		stats.LowConfidenceSkipped++
		return nil
	}

	embedding, err := ie.embedder.Embed(ctx, resp.Inference)
	if err != nil {
		return fmt.Errorf("embed inference: %w", err)
	}

	// Near-duplicate check runs within the seed's container. Checking
	// across all containers would catch cross-tenant restatements but leak
	// signal between containers; the scope choice is an open question and
	// per-container is the conservative answer.
	similar, err := ie.store.SearchSimilarMemories(ctx, embedding, storage.SearchOptions{
		Limit:        1,
		Threshold:    inferenceDuplicateSimilarity,
		ContainerTag: seed.ContainerTag,
	})
	if err != nil {
		return fmt.Errorf("near-duplicate check: %w", err)
	}
	if len(similar) > 0 {
		stats.DuplicatesSkipped++
		return nil
	}

	m := types.NewMemory(resp.Inference, seed.ContainerTag, types.MemoryFact)
	m.Embedding = embedding
	m.IsInference = true
	m.Confidence = &resp.Confidence
	for _, id := range sourceIDs {
		m.Relations[id] = types.RelationDerives
	}
	if err := ie.store.CreateMemory(ctx, m); err != nil {
		return fmt.Errorf("create inference: %w", err)
	}
	for _, id := range sourceIDs {
		if err := ie.store.AddMemoryRelation(ctx, id, m.ID, types.RelationDerives); err != nil {
			log.Printf("inference: back-edge %s->%s failed: %v", id, m.ID, err)
		}
	}

	stats.InferencesCreated++
	return nil
}
