// Package search implements hybrid retrieval over chunks and memories:
// optional LLM query rewriting, parallel vector search across both
// domains, episode decay scoring, memory-source deduplication, and
// optional cross-encoder reranking.
package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const (
	// candidateMultiplier oversizes the per-domain candidate fetch so
	// decay scoring and dedup still leave a full page.
	candidateMultiplier = 3

	// rewriteMinLen and rewriteMaxLen bound which queries are worth
	// rewriting. Very short queries carry no context to expand; very long
	// ones are already explicit.
	rewriteMinLen = 3
	rewriteMaxLen = 500

	defaultLimit = 10
	maxLimit     = 100
)

// Search scopes. Hybrid is the default and queries both domains.
const (
	ScopeHybrid    = "hybrid"
	ScopeMemories  = "memories"
	ScopeDocuments = "documents"
)

// Request is one search invocation.
type Request struct {
	Query string `json:"q"`
	// Scope selects which domains to query: hybrid (default), memories,
	// or documents.
	Scope         string   `json:"scope,omitempty"`
	ContainerTags []string `json:"containerTags,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Threshold     float64  `json:"threshold,omitempty"`
	// Rerank requests cross-encoder reranking for this call; it is a no-op
	// when no reranker is configured.
	Rerank bool `json:"rerank,omitempty"`
	// RewriteQuery requests LLM query expansion for this call.
	RewriteQuery bool `json:"rewriteQuery,omitempty"`
	// Include controls which payloads accompany chunk hits.
	Include Include `json:"include,omitempty"`
}

// Include selects extra payloads for chunk hits.
type Include struct {
	// Documents attaches the parent document to each chunk hit. Omitted
	// means true; send false to get bare chunks.
	Documents *bool `json:"documents,omitempty"`
	// Chunks additionally returns every chunk of the matched document,
	// not just the one that matched. Defaults to false.
	Chunks bool `json:"chunks,omitempty"`
}

// Hit is one merged result. Exactly one of Memory and Chunk is set.
type Hit struct {
	Type       string        `json:"type"` // "memory" or "chunk"
	Score      float64       `json:"score"`
	Memory     *types.Memory `json:"memory,omitempty"`
	Chunk      *types.Chunk  `json:"chunk,omitempty"`
	DocumentID string        `json:"documentId,omitempty"`
	// Document is the chunk's parent, attached unless include.documents
	// is false.
	Document *types.Document `json:"document,omitempty"`
	// Chunks holds the full chunk list of the parent document when
	// include.chunks is set.
	Chunks []*types.Chunk `json:"chunks,omitempty"`
}

// Response is the full search result.
type Response struct {
	Results        []Hit  `json:"results"`
	Query          string `json:"query"`
	RewrittenQuery string `json:"rewrittenQuery,omitempty"`
	Reranked       bool   `json:"reranked"`
	TimingMs       int64  `json:"timingMs"`
	Total          int    `json:"total"`
}

// Service executes hybrid searches.
type Service struct {
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
	reranker  llm.Reranker
	decay     engine.DecayParams

	rewriteEnabled bool
	rewriteTimeout time.Duration
	rewrites       *rewriteCache

	rerankTopK int
}

// NewService wires the search service. generator and reranker may be nil;
// the corresponding features silently turn off.
func NewService(store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator, reranker llm.Reranker, cfg *config.Config) *Service {
	return &Service{
		store:          store,
		embedder:       embedder,
		generator:      generator,
		reranker:       reranker,
		decay:          engine.DecayParamsFromConfig(cfg.Memory),
		rewriteEnabled: cfg.LLM.EnableQueryRewrite,
		rewriteTimeout: time.Duration(cfg.LLM.QueryRewriteTimeoutSecs) * time.Second,
		rewrites:       newRewriteCache(cfg.LLM.QueryRewriteCacheSize),
		rerankTopK:     cfg.Rerank.TopK,
	}
}

// Search runs the hybrid pipeline. Degradation rules: a failed rewrite
// falls back to the raw query, a failed rerank keeps vector ordering, and
// a failure in one search domain returns the other domain's results. Only
// both domains failing is an error.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", storage.ErrInvalidInput)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", storage.ErrInvalidInput)
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	if req.Scope == "" {
		req.Scope = ScopeHybrid
	}
	if req.Scope != ScopeHybrid && req.Scope != ScopeMemories && req.Scope != ScopeDocuments {
		return nil, fmt.Errorf("%w: unknown search scope %q", storage.ErrInvalidInput, req.Scope)
	}

	resp := &Response{Query: req.Query}

	searchQuery := req.Query
	if rewritten := s.rewrite(ctx, req); rewritten != "" && rewritten != req.Query {
		resp.RewrittenQuery = rewritten
		searchQuery = rewritten
	}

	embedding, err := s.embedder.Embed(ctx, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidateLimit := req.Limit * candidateMultiplier
	now := time.Now().UTC()

	var (
		wg         sync.WaitGroup
		memories   []storage.SimilarMemory
		chunks     []storage.SimilarChunk
		memErr     error
		chunkErr   error
		memoryOpts = storage.SearchOptions{
			Limit:     candidateLimit,
			Threshold: req.Threshold,
		}
	)
	if len(req.ContainerTags) > 0 {
		memoryOpts.ContainerTag = req.ContainerTags[0]
	}

	wantMemories := req.Scope != ScopeDocuments
	wantChunks := req.Scope != ScopeMemories

	if wantMemories {
		wg.Add(1)
		go func() {
			defer wg.Done()
			memories, memErr = s.store.SearchSimilarMemories(ctx, embedding, memoryOpts)
		}()
	}
	if wantChunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunks, chunkErr = s.store.SearchSimilarChunks(ctx, embedding, storage.SearchOptions{
				Limit:         candidateLimit,
				Threshold:     req.Threshold,
				ContainerTags: req.ContainerTags,
			})
		}()
	}
	wg.Wait()

	// degradation: one failed domain serves the other's results; only a
	// total loss is an error
	switch {
	case memErr != nil && chunkErr != nil:
		return nil, fmt.Errorf("search failed in both domains: memories: %v; chunks: %w", memErr, chunkErr)
	case memErr != nil && !wantChunks:
		return nil, fmt.Errorf("memory search: %w", memErr)
	case chunkErr != nil && !wantMemories:
		return nil, fmt.Errorf("chunk search: %w", chunkErr)
	case memErr != nil:
		log.Printf("search: memory domain failed, serving chunks only: %v", memErr)
	case chunkErr != nil:
		log.Printf("search: chunk domain failed, serving memories only: %v", chunkErr)
	}

	hits := s.merge(ctx, memories, chunks, req.Threshold, now)
	sortHits(hits)
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	if req.Rerank && s.reranker != nil {
		hits, resp.Reranked = s.rerank(ctx, searchQuery, hits)
	}

	s.touchMemories(ctx, hits)
	hits = s.attachDocuments(ctx, hits, req.Include)

	resp.Results = hits
	resp.Total = len(hits)
	resp.TimingMs = time.Since(start).Milliseconds()
	return resp, nil
}

// rewrite returns the expanded query, or "" when rewriting is off, the
// query is out of bounds, or the LLM call fails.
func (s *Service) rewrite(ctx context.Context, req Request) string {
	if !req.RewriteQuery || !s.rewriteEnabled || s.generator == nil {
		return ""
	}
	n := len([]rune(req.Query))
	if n < rewriteMinLen || n > rewriteMaxLen {
		return ""
	}

	if cached, ok := s.rewrites.get(req.Query); ok {
		return cached
	}

	rctx := ctx
	if s.rewriteTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.rewriteTimeout)
		defer cancel()
	}

	raw, err := s.generator.Complete(rctx, llm.BuildQueryRewritePrompt(req.Query))
	if err != nil {
		log.Printf("search: query rewrite failed, using raw query: %v", err)
		return ""
	}
	parsed, err := llm.ParseRewrite(raw)
	if err != nil || parsed.Rewritten == "" {
		log.Printf("search: rewrite response unusable, using raw query: %v", err)
		return ""
	}

	s.rewrites.put(req.Query, parsed.Rewritten)
	return parsed.Rewritten
}

// merge applies decay to memory hits, re-filters against the threshold,
// and drops chunks whose content already surfaced as a memory. A chunk is
// suppressed when a memory in the result set is sourced from that chunk or
// its document; returning both would hand the agent the same statement
// twice.
func (s *Service) merge(ctx context.Context, memories []storage.SimilarMemory, chunks []storage.SimilarChunk, threshold float64, now time.Time) []Hit {
	var hits []Hit

	coveredChunks := map[string]bool{}
	coveredDocs := map[string]bool{}

	for _, hit := range memories {
		score := s.decay.Apply(hit.Score, hit.Memory, now)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{Type: "memory", Score: score, Memory: hit.Memory})

		sources, err := s.store.GetSourcesByMemory(ctx, hit.Memory.ID)
		if err != nil {
			log.Printf("search: load sources for %s failed, skipping dedup: %v", hit.Memory.ID, err)
			continue
		}
		for _, src := range sources {
			if src.ChunkID != "" {
				coveredChunks[src.ChunkID] = true
			}
			if src.DocumentID != "" {
				coveredDocs[src.DocumentID] = true
			}
		}
	}

	for _, hit := range chunks {
		if coveredChunks[hit.Chunk.ID] || coveredDocs[hit.DocumentID] {
			continue
		}
		hits = append(hits, Hit{Type: "chunk", Score: hit.Score, Chunk: hit.Chunk, DocumentID: hit.DocumentID})
	}
	return hits
}

// sortHits orders by score descending, then recency, then id, so equal
// scores page deterministically.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ti, tj := hitUpdatedAt(hits[i]), hitUpdatedAt(hits[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return hitID(hits[i]) < hitID(hits[j])
	})
}

func hitUpdatedAt(h Hit) time.Time {
	if h.Memory != nil {
		return h.Memory.UpdatedAt
	}
	return h.Chunk.CreatedAt
}

func hitID(h Hit) string {
	if h.Memory != nil {
		return h.Memory.ID
	}
	return h.Chunk.ID
}

// attachDocuments loads the parent document for each chunk hit, plus the
// document's full chunk list when asked. Load failures degrade to bare
// chunk hits rather than failing the search.
func (s *Service) attachDocuments(ctx context.Context, hits []Hit, inc Include) []Hit {
	wantDocs := inc.Documents == nil || *inc.Documents
	if !wantDocs && !inc.Chunks {
		return hits
	}

	var ids []string
	seen := map[string]bool{}
	for _, h := range hits {
		if h.Chunk == nil || h.DocumentID == "" || seen[h.DocumentID] {
			continue
		}
		seen[h.DocumentID] = true
		ids = append(ids, h.DocumentID)
	}
	if len(ids) == 0 {
		return hits
	}

	docs := map[string]*types.Document{}
	if wantDocs {
		loaded, err := s.store.GetDocumentsByIDs(ctx, ids)
		if err != nil {
			log.Printf("search: load documents failed, returning bare chunks: %v", err)
		} else {
			for _, d := range loaded {
				docs[d.ID] = d
			}
		}
	}

	chunkSets := map[string][]*types.Chunk{}
	if inc.Chunks {
		for _, id := range ids {
			chunks, err := s.store.GetChunksByDocument(ctx, id)
			if err != nil {
				log.Printf("search: load chunks for document %s failed: %v", id, err)
				continue
			}
			chunkSets[id] = chunks
		}
	}

	for i := range hits {
		if hits[i].Chunk == nil {
			continue
		}
		hits[i].Document = docs[hits[i].DocumentID]
		hits[i].Chunks = chunkSets[hits[i].DocumentID]
	}
	return hits
}

// rerank rescoring replaces vector similarity with cross-encoder scores
// for the top rerankTopK hits. On failure the vector ordering stands.
func (s *Service) rerank(ctx context.Context, query string, hits []Hit) ([]Hit, bool) {
	n := len(hits)
	if n == 0 {
		return hits, false
	}
	if s.rerankTopK > 0 && n > s.rerankTopK {
		n = s.rerankTopK
	}

	docs := make([]string, n)
	for i := 0; i < n; i++ {
		if hits[i].Memory != nil {
			docs[i] = hits[i].Memory.Memory
		} else {
			docs[i] = hits[i].Chunk.Content
		}
	}

	results, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Printf("search: rerank failed, keeping vector order: %v", err)
		return hits, false
	}

	reranked := make([]Hit, 0, len(hits))
	for _, r := range results {
		h := hits[r.Index]
		h.Score = r.Score
		reranked = append(reranked, h)
	}
	reranked = append(reranked, hits[n:]...)
	return reranked, true
}

// touchMemories records access time for returned memories. Failures only
// cost decay accuracy, so they are logged and swallowed.
func (s *Service) touchMemories(ctx context.Context, hits []Hit) {
	var ids []string
	for _, h := range hits {
		if h.Memory != nil {
			ids = append(ids, h.Memory.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if _, err := s.store.TouchMemories(ctx, ids); err != nil {
		log.Printf("search: touch %d memories failed: %v", len(ids), err)
	}
}
