package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// contradictionConfirmThreshold is the minimum LLM confidence required to
// turn an ambiguous heuristic verdict into a supersession.
const contradictionConfirmThreshold = 0.7

// MemoryEngine orchestrates the memory creation sub-pipeline: idempotence
// check, embedding, contradiction resolution, relationship detection, and
// the supersession chain bookkeeping. It is shared by the HTTP API and the
// document extractor.
type MemoryEngine struct {
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
	relations *RelationshipDetector
	decay     DecayParams

	contradictionEnabled bool
	relationsEnabled     bool
}

// NewMemoryEngine wires the engine. generator may be nil, which disables
// every LLM-assisted step while keeping the heuristic ones.
func NewMemoryEngine(store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator, cfg *config.Config) *MemoryEngine {
	return &MemoryEngine{
		store:                store,
		embedder:             embedder,
		generator:            generator,
		relations:            NewRelationshipDetector(store, generator),
		decay:                DecayParamsFromConfig(cfg.Memory),
		contradictionEnabled: cfg.LLM.EnableContradictionDetection,
		relationsEnabled:     cfg.LLM.EnableAutoRelations,
	}
}

// Decay exposes the engine's decay curve for search scoring.
func (e *MemoryEngine) Decay() DecayParams {
	return e.decay
}

// CreateMemoryRequest carries everything needed to create one memory.
type CreateMemoryRequest struct {
	Content      string
	ContainerTag string
	MemoryType   types.MemoryType
	IsStatic     bool
	IsInference  bool
	Confidence   *float64
	Metadata     types.Metadata
	ForgetAfter  *time.Time

	// Source links recorded when the memory came out of a document.
	SourceDocumentID string
	SourceChunkID    string

	// Embedding skips the embed call when the caller already computed one.
	Embedding []float32
}

// CreateMemoryResult reports what creation did.
type CreateMemoryResult struct {
	Memory *types.Memory
	// Created is false when an identical memory already existed and was
	// returned instead.
	Created bool
	// SupersededID is set when the new memory replaced an existing one.
	SupersededID string
}

// CreateMemory runs the full creation sub-pipeline. The exact-content
// idempotence check runs first so repeated ingestion of the same statement
// never forks a version chain.
func (e *MemoryEngine) CreateMemory(ctx context.Context, req CreateMemoryRequest) (*CreateMemoryResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: memory content must not be empty", storage.ErrInvalidInput)
	}
	if req.ContainerTag == "" {
		return nil, fmt.Errorf("%w: container tag must not be empty", storage.ErrInvalidInput)
	}

	existing, err := e.store.GetMemoryByContent(ctx, req.Content, req.ContainerTag)
	if err == nil {
		// Re-submission of identical content returns the existing memory.
		// Whether it should also bump source_count (so frequently re-stated
		// facts rank as better supported) is an open question; today only
		// the document extractor's dedup path increments it.
		if req.SourceDocumentID != "" {
			e.recordSource(ctx, existing.ID, req)
		}
		return &CreateMemoryResult{Memory: existing, Created: false}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("idempotence check: %w", err)
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		embedding, err = e.embedder.Embed(ctx, req.Content)
		if err != nil {
			return nil, fmt.Errorf("embed memory: %w", err)
		}
	}

	m := types.NewMemory(req.Content, req.ContainerTag, req.MemoryType)
	m.Embedding = embedding
	m.IsStatic = req.IsStatic
	m.IsInference = req.IsInference
	m.Confidence = req.Confidence
	m.ForgetAfter = req.ForgetAfter
	if req.Metadata != nil {
		m.Metadata = req.Metadata
	}

	target := e.resolveContradiction(ctx, req.Content, embedding, req.ContainerTag)

	var extends []*types.Memory
	if target == nil && e.relationsEnabled {
		detected, err := e.relations.Detect(ctx, req.Content, embedding, req.ContainerTag, "")
		if err != nil {
			log.Printf("engine: relation detection failed, continuing without: %v", err)
		}
		for _, rel := range detected {
			switch rel.Relation {
			case types.RelationUpdates:
				if target == nil {
					target = rel.Target
				}
			case types.RelationExtends:
				extends = append(extends, rel.Target)
			}
		}
	}

	result := &CreateMemoryResult{Memory: m, Created: true}
	if target != nil {
		superseded, err := e.supersede(ctx, target, m)
		if err != nil {
			return nil, err
		}
		result.SupersededID = superseded
	} else {
		if err := e.store.CreateMemory(ctx, m); err != nil {
			return nil, fmt.Errorf("create memory: %w", err)
		}
	}

	for _, ext := range extends {
		if err := e.store.AddMemoryRelationPair(ctx, m.ID, ext.ID, types.RelationExtends); err != nil {
			log.Printf("engine: record extends relation %s<->%s failed: %v", m.ID, ext.ID, err)
		}
	}

	if req.SourceDocumentID != "" {
		e.recordSource(ctx, m.ID, req)
	}
	return result, nil
}

// resolveContradiction returns the memory the new content should supersede,
// or nil. Heuristics decide the clear cases; the LLM only confirms the
// ambiguous band, and when it is unreachable the ambiguity resolves to "no
// contradiction" so creation never blocks on provider health.
func (e *MemoryEngine) resolveContradiction(ctx context.Context, content string, embedding []float32, containerTag string) *types.Memory {
	if !e.contradictionEnabled {
		return nil
	}

	similar, err := e.store.SearchSimilarMemories(ctx, embedding, storage.SearchOptions{
		Limit:        relationCandidateLimit,
		Threshold:    relationSimilarityThreshold,
		ContainerTag: containerTag,
	})
	if err != nil {
		log.Printf("engine: contradiction candidate search failed: %v", err)
		return nil
	}

	for _, hit := range similar {
		switch DetectContradiction(content, hit.Memory.Memory) {
		case ContradictionLikely:
			return hit.Memory
		case ContradictionAmbiguous:
			if e.generator == nil {
				continue
			}
			raw, err := e.generator.Complete(ctx, llm.BuildContradictionPrompt(content, hit.Memory.Memory))
			if err != nil {
				log.Printf("engine: contradiction confirm failed for %s: %v", hit.Memory.ID, err)
				continue
			}
			resp, err := llm.ParseContradiction(raw)
			if err != nil {
				log.Printf("engine: contradiction response unparseable for %s: %v", hit.Memory.ID, err)
				continue
			}
			if resp.Contradicts && resp.Confidence >= contradictionConfirmThreshold {
				return hit.Memory
			}
		}
	}
	return nil
}

// supersede replaces target with m. When a concurrent writer already
// superseded the target, the retry re-resolves the chain head and attaches
// m as the next version of that head, so both racing updates survive in
// order instead of one vanishing.
func (e *MemoryEngine) supersede(ctx context.Context, target *types.Memory, m *types.Memory) (string, error) {
	m.Supersede(target)
	err := e.store.SupersedeMemory(ctx, target.ID, m)
	if err == nil {
		return target.ID, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return "", fmt.Errorf("supersede %s: %w", target.ID, err)
	}

	head, herr := e.chainHead(ctx, target)
	if herr != nil {
		return "", fmt.Errorf("resolve chain head after conflict: %w", herr)
	}
	delete(m.Relations, target.ID)
	m.Supersede(head)
	if err := e.store.SupersedeMemory(ctx, head.ID, m); err != nil {
		return "", fmt.Errorf("supersede retry on %s: %w", head.ID, err)
	}
	return head.ID, nil
}

func (e *MemoryEngine) chainHead(ctx context.Context, m *types.Memory) (*types.Memory, error) {
	chain, err := e.store.GetMemoryChain(ctx, m.ChainRoot())
	if err != nil {
		return nil, err
	}
	for _, member := range chain {
		if member.IsLatest {
			return member, nil
		}
	}
	return nil, fmt.Errorf("%w: chain %s has no latest member", storage.ErrNotFound, m.ChainRoot())
}

func (e *MemoryEngine) recordSource(ctx context.Context, memoryID string, req CreateMemoryRequest) {
	err := e.store.CreateMemorySource(ctx, &types.MemorySource{
		MemoryID:   memoryID,
		DocumentID: req.SourceDocumentID,
		ChunkID:    req.SourceChunkID,
	})
	if err != nil {
		log.Printf("engine: record memory source for %s failed: %v", memoryID, err)
	}
}

// UpdateMemory supersedes an existing memory with new content, preserving
// type and container. It embeds the new content and walks the same
// conflict-retry path as creation.
func (e *MemoryEngine) UpdateMemory(ctx context.Context, id, newContent string, metadata types.Metadata) (*CreateMemoryResult, error) {
	if newContent == "" {
		return nil, fmt.Errorf("%w: memory content must not be empty", storage.ErrInvalidInput)
	}

	old, err := e.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.IsForgotten {
		return nil, fmt.Errorf("%w: memory %s is forgotten", storage.ErrNotFound, id)
	}
	if !old.IsLatest {
		return nil, fmt.Errorf("%w: memory %s is not the latest version", storage.ErrConflict, id)
	}
	if old.Memory == newContent {
		return &CreateMemoryResult{Memory: old, Created: false}, nil
	}

	embedding, err := e.embedder.Embed(ctx, newContent)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	m := types.NewMemory(newContent, old.ContainerTag, old.MemoryType)
	m.Embedding = embedding
	m.IsStatic = old.IsStatic
	m.Confidence = old.Confidence
	if metadata != nil {
		m.Metadata = metadata
	} else {
		m.Metadata = old.Metadata
	}

	supersededID, err := e.supersede(ctx, old, m)
	if err != nil {
		return nil, err
	}
	return &CreateMemoryResult{Memory: m, Created: true, SupersededID: supersededID}, nil
}

// ForgetMemory marks a memory forgotten with a reason.
func (e *MemoryEngine) ForgetMemory(ctx context.Context, id, reason string) error {
	return e.store.ForgetMemory(ctx, id, reason)
}

// ForgetByContent forgets the latest memory with exactly this content in
// the container.
func (e *MemoryEngine) ForgetByContent(ctx context.Context, content, containerTag, reason string) (*types.Memory, error) {
	m, err := e.store.GetMemoryByContent(ctx, content, containerTag)
	if err != nil {
		return nil, err
	}
	if err := e.store.ForgetMemory(ctx, m.ID, reason); err != nil {
		return nil, err
	}
	m.IsForgotten = true
	m.ForgetReason = reason
	return m, nil
}
