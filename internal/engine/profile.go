package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// Memory-count bounds for one profile computation.
const (
	defaultProfileLimit = 50
	maxProfileLimit     = 200
)

// ProfileOptions tunes one profile computation.
type ProfileOptions struct {
	// Query filters the profile to memories semantically close to this
	// text. Empty means all active memories.
	Query string
	// Threshold is the minimum similarity for query filtering.
	Threshold float64
	// IncludeDynamic keeps non-static memories in the profile.
	IncludeDynamic bool
	// Limit bounds how many memories feed the profile. Zero means
	// defaultProfileLimit; values above maxProfileLimit are clamped.
	Limit int
	// GenerateNarrative adds the cached-or-generated narrative.
	GenerateNarrative bool
	// Refresh bypasses the cached narrative and rewrites it.
	Refresh bool
}

// ProfileService aggregates a container's active memories into a user
// profile: static facts, recent dynamic memories, a category breakdown,
// and an optional LLM narrative. Narratives are cached per container and
// recomputed only when memories changed since the cache was written.
type ProfileService struct {
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
}

// NewProfileService wires the service. embedder may be nil; query
// filtering then silently turns off. generator may be nil; profiles then
// carry a joined-sentence summary instead of a narrative.
func NewProfileService(store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator) *ProfileService {
	return &ProfileService{store: store, embedder: embedder, generator: generator}
}

// GetProfile builds the profile for one container.
func (p *ProfileService) GetProfile(ctx context.Context, containerTag string, opts ProfileOptions) (*types.UserProfile, error) {
	if containerTag == "" {
		return nil, fmt.Errorf("%w: container tag must not be empty", storage.ErrInvalidInput)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultProfileLimit
	}
	if opts.Limit > maxProfileLimit {
		opts.Limit = maxProfileLimit
	}

	memories, err := p.loadMemories(ctx, containerTag, opts)
	if err != nil {
		return nil, fmt.Errorf("load profile memories: %w", err)
	}

	profile := &types.UserProfile{
		ContainerTag: containerTag,
		Static:       []string{},
		Dynamic:      []string{},
		Categories:   map[string][]string{},
		ComputedAt:   time.Now().UTC(),
	}
	for _, m := range memories {
		if m.IsStatic {
			profile.Static = append(profile.Static, m.Memory)
		} else {
			if !opts.IncludeDynamic {
				continue
			}
			profile.Dynamic = append(profile.Dynamic, m.Memory)
		}
		key := string(m.MemoryType)
		profile.Categories[key] = append(profile.Categories[key], m.Memory)
	}

	if !opts.GenerateNarrative || len(memories) == 0 {
		return profile, nil
	}

	// a query-filtered profile is a partial view; its narrative must not
	// overwrite the container-wide cache
	narrative, fromCache, err := p.narrative(ctx, containerTag, profile, opts.Refresh, opts.Query != "")
	if err != nil {
		// profile stays useful without a narrative
		log.Printf("profile: narrative for %s unavailable: %v", containerTag, err)
	}
	profile.Narrative = narrative
	profile.FromCache = fromCache
	return profile, nil
}

// loadMemories fetches the profile inputs, via similarity search when a
// query filter is set and an embedder is available.
func (p *ProfileService) loadMemories(ctx context.Context, containerTag string, opts ProfileOptions) ([]*types.Memory, error) {
	if opts.Query == "" || p.embedder == nil {
		return p.store.GetActiveMemories(ctx, containerTag, opts.Limit)
	}

	embedding, err := p.embedder.Embed(ctx, opts.Query)
	if err != nil {
		return nil, fmt.Errorf("embed profile query: %w", err)
	}
	hits, err := p.store.SearchSimilarMemories(ctx, embedding, storage.SearchOptions{
		ContainerTag: containerTag,
		Limit:        opts.Limit,
		Threshold:    opts.Threshold,
	})
	if err != nil {
		return nil, err
	}
	memories := make([]*types.Memory, len(hits))
	for i, h := range hits {
		memories[i] = h.Memory
	}
	return memories, nil
}

// narrative returns the cached narrative when it is still current, and
// otherwise generates one. Partial (query-filtered) narratives bypass the
// cache in both directions.
func (p *ProfileService) narrative(ctx context.Context, containerTag string, profile *types.UserProfile, refresh, partial bool) (string, bool, error) {
	maxUpdated, err := p.store.GetMaxMemoryUpdatedAt(ctx, containerTag)
	if err != nil {
		return "", false, fmt.Errorf("check memory freshness: %w", err)
	}

	if !refresh && !partial {
		cached, err := p.store.GetCachedProfile(ctx, containerTag)
		if err == nil && (maxUpdated == nil || !cached.CachedAt.Before(*maxUpdated)) {
			return cached.Narrative, true, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", false, err
		}
	}

	narrative := p.generateNarrative(ctx, profile)
	if narrative == "" || partial {
		return narrative, false, nil
	}

	err = p.store.UpsertCachedProfile(ctx, &storage.CachedProfile{
		ContainerTag: containerTag,
		Narrative:    narrative,
		Summary:      summarize(profile),
	})
	if err != nil {
		log.Printf("profile: cache write for %s failed: %v", containerTag, err)
	}
	return narrative, false, nil
}

func (p *ProfileService) generateNarrative(ctx context.Context, profile *types.UserProfile) string {
	if p.generator == nil {
		return summarize(profile)
	}
	raw, err := p.generator.Complete(ctx, llm.BuildProfileNarrativePrompt(profile.Static, profile.Dynamic))
	if err != nil {
		log.Printf("profile: narrative generation failed, using summary: %v", err)
		return summarize(profile)
	}
	return strings.TrimSpace(raw)
}

// summarize is the LLM-free narrative fallback: the static facts joined
// into one line.
func summarize(profile *types.UserProfile) string {
	facts := profile.Static
	if len(facts) == 0 {
		facts = profile.Dynamic
	}
	if len(facts) > 5 {
		facts = facts[:5]
	}
	return strings.Join(facts, " ")
}

// RefreshAll recomputes the cached narrative for every active container.
// Used by the background refresh loop; per-container failures are logged
// and skipped.
func (p *ProfileService) RefreshAll(ctx context.Context) error {
	tags, err := p.store.GetActiveContainerTags(ctx)
	if err != nil {
		return fmt.Errorf("list active containers: %w", err)
	}
	for _, tag := range tags {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		opts := ProfileOptions{IncludeDynamic: true, GenerateNarrative: true, Refresh: true}
		if _, err := p.GetProfile(ctx, tag, opts); err != nil {
			log.Printf("profile: refresh for %s failed: %v", tag, err)
		}
	}
	return nil
}
