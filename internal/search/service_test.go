package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

type stubGenerator struct {
	response string
	err      error
	calls    int
}

func (s *stubGenerator) Complete(context.Context, string) (string, error) {
	s.calls++
	return s.response, s.err
}

func (s *stubGenerator) GetModel() string { return "stub" }

type stubReranker struct {
	err error
}

func (s *stubReranker) Rerank(_ context.Context, _ string, docs []string) ([]llm.RerankResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	// reverse the input order with descending synthetic scores
	out := make([]llm.RerankResult, len(docs))
	for i := range docs {
		out[i] = llm.RerankResult{Index: len(docs) - 1 - i, Score: 1.0 - float64(i)*0.1}
	}
	return out, nil
}

func (s *stubReranker) GetModel() string { return "stub-rerank" }

func testConfig() *config.Config {
	return &config.Config{
		Memory: config.MemoryConfig{
			EpisodeDecayDays:       7,
			EpisodeDecayFactor:     0.5,
			EpisodeDecayThreshold:  0.1,
			EpisodeForgetGraceDays: 7,
		},
		LLM: config.LLMConfig{
			EnableQueryRewrite:      true,
			QueryRewriteCacheSize:   100,
			QueryRewriteTimeoutSecs: 5,
		},
		Rerank: config.RerankConfig{TopK: 100},
	}
}

func newTestService(t *testing.T, gen llm.TextGenerator, rr llm.Reranker) (*Service, storage.Store, llm.EmbeddingGenerator) {
	t.Helper()
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	embedder := llm.NewLocalEmbedder(64)
	return NewService(s, embedder, gen, rr, testConfig()), s, embedder
}

func addMemory(t *testing.T, store storage.Store, embedder llm.EmbeddingGenerator, content, container string, memType types.MemoryType) *types.Memory {
	t.Helper()
	m := types.NewMemory(content, container, memType)
	vec, err := embedder.Embed(context.Background(), content)
	require.NoError(t, err)
	m.Embedding = vec
	require.NoError(t, store.CreateMemory(context.Background(), m))
	return m
}

func addIndexedChunk(t *testing.T, store storage.Store, embedder llm.EmbeddingGenerator, content, container string) (*types.Document, *types.Chunk) {
	t.Helper()
	ctx := context.Background()
	doc := types.NewDocument(content, types.DocText, container)
	require.NoError(t, store.CreateDocument(ctx, doc))
	vec, err := embedder.Embed(ctx, content)
	require.NoError(t, err)
	chunk := &types.Chunk{
		ID: types.NewID(), DocumentID: doc.ID, Content: content,
		Embedding: vec, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateChunks(ctx, []*types.Chunk{chunk}))
	for _, status := range []types.ProcessingStatus{
		types.StatusExtracting, types.StatusChunking, types.StatusEmbedding,
		types.StatusIndexing, types.StatusDone,
	} {
		require.NoError(t, store.UpdateDocumentStatus(ctx, doc.ID, status, ""))
	}
	return doc, chunk
}

func TestSearchValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = svc.Search(ctx, Request{Query: "x", Limit: -1})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	// an oversized limit is clamped, not rejected
	resp, err := svc.Search(ctx, Request{Query: "x", Limit: 101})
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestSearchHybridResults(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	addMemory(t, store, embedder, "User prefers dark mode in editors", "u1", types.MemoryPreference)
	addIndexedChunk(t, store, embedder, "The settings page offers dark mode and light mode themes", "u1")
	addMemory(t, store, embedder, "User adopted a cat named Miso", "u1", types.MemoryFact)

	resp, err := svc.Search(ctx, Request{Query: "dark mode preferences", ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "dark mode preferences", resp.Query)
	assert.Empty(t, resp.RewrittenQuery)
	assert.Equal(t, len(resp.Results), resp.Total)

	kinds := map[string]bool{}
	for _, h := range resp.Results {
		kinds[h.Type] = true
	}
	assert.True(t, kinds["memory"])
	assert.True(t, kinds["chunk"])

	// ordering is score descending
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearchTouchesMemories(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	m := addMemory(t, store, embedder, "User likes espresso", "u1", types.MemoryFact)
	require.Nil(t, m.LastAccessed)

	_, err := svc.Search(ctx, Request{Query: "espresso", ContainerTags: []string{"u1"}})
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastAccessed)
}

func TestSearchMemorySourceDedup(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	content := "User prefers tabs over spaces for indentation"
	doc, chunk := addIndexedChunk(t, store, embedder, content, "u1")
	m := addMemory(t, store, embedder, content, "u1", types.MemoryPreference)
	require.NoError(t, store.CreateMemorySource(ctx, &types.MemorySource{
		MemoryID: m.ID, DocumentID: doc.ID, ChunkID: chunk.ID,
	}))

	resp, err := svc.Search(ctx, Request{Query: "tabs or spaces indentation", ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)

	var memoryHits, chunkHits int
	for _, h := range resp.Results {
		switch h.Type {
		case "memory":
			memoryHits++
		case "chunk":
			chunkHits++
		}
	}
	assert.Equal(t, 1, memoryHits)
	assert.Zero(t, chunkHits, "chunk covered by a memory source is suppressed")
}

func TestSearchEpisodeDecayAffectsScore(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	content := "User attended a Go conference talk"
	fact := addMemory(t, store, embedder, content, "u1", types.MemoryFact)

	stale := types.NewMemory(content+" last month", "u1", types.MemoryEpisode)
	monthAgo := time.Now().Add(-28 * 24 * time.Hour)
	stale.LastAccessed = &monthAgo
	vec, err := embedder.Embed(ctx, stale.Memory)
	require.NoError(t, err)
	stale.Embedding = vec
	require.NoError(t, store.CreateMemory(ctx, stale))

	resp, err := svc.Search(ctx, Request{Query: content, ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, fact.ID, resp.Results[0].Memory.ID, "undecayed fact outranks the decayed episode")
	assert.Less(t, resp.Results[1].Score, resp.Results[0].Score)
}

func TestSearchQueryRewrite(t *testing.T) {
	gen := &stubGenerator{response: `{"rewritten": "what theme preference does the user have for code editors"}`}
	svc, store, embedder := newTestService(t, gen, nil)
	ctx := context.Background()

	addMemory(t, store, embedder, "User prefers dark mode in editors", "u1", types.MemoryPreference)

	resp, err := svc.Search(ctx, Request{Query: "theme pref", ContainerTags: []string{"u1"}, RewriteQuery: true})
	require.NoError(t, err)
	assert.True(t, strings.Contains(resp.RewrittenQuery, "theme preference"))
	assert.Equal(t, 1, gen.calls)

	// cache hit on repeat
	_, err = svc.Search(ctx, Request{Query: "theme pref", ContainerTags: []string{"u1"}, RewriteQuery: true})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)

	// too-short queries skip rewriting
	_, err = svc.Search(ctx, Request{Query: "ab", ContainerTags: []string{"u1"}, RewriteQuery: true})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestSearchRewriteFailureFallsBack(t *testing.T) {
	gen := &stubGenerator{err: errors.New("llm down")}
	svc, store, embedder := newTestService(t, gen, nil)
	ctx := context.Background()

	addMemory(t, store, embedder, "User likes hiking", "u1", types.MemoryFact)

	resp, err := svc.Search(ctx, Request{Query: "hiking hobbies", ContainerTags: []string{"u1"}, RewriteQuery: true})
	require.NoError(t, err, "rewrite failure degrades to the raw query")
	assert.Empty(t, resp.RewrittenQuery)
	assert.NotEmpty(t, resp.Results)
}

func TestSearchRerank(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, &stubReranker{})
	ctx := context.Background()

	addMemory(t, store, embedder, "User likes green tea", "u1", types.MemoryFact)
	addMemory(t, store, embedder, "User likes green tea and oolong", "u1", types.MemoryFact)

	resp, err := svc.Search(ctx, Request{Query: "green tea", ContainerTags: []string{"u1"}, Rerank: true})
	require.NoError(t, err)
	assert.True(t, resp.Reranked)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearchRerankFailureKeepsOrder(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, &stubReranker{err: errors.New("rerank down")})
	ctx := context.Background()

	addMemory(t, store, embedder, "User likes green tea", "u1", types.MemoryFact)

	resp, err := svc.Search(ctx, Request{Query: "green tea", ContainerTags: []string{"u1"}, Rerank: true})
	require.NoError(t, err)
	assert.False(t, resp.Reranked)
	assert.NotEmpty(t, resp.Results)
}

func TestSearchScope(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	addMemory(t, store, embedder, "User prefers dark mode in editors", "u1", types.MemoryPreference)
	addIndexedChunk(t, store, embedder, "The settings page offers dark mode themes", "u1")

	resp, err := svc.Search(ctx, Request{Query: "dark mode", Scope: ScopeMemories, ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, h := range resp.Results {
		assert.Equal(t, "memory", h.Type)
	}

	resp, err = svc.Search(ctx, Request{Query: "dark mode", Scope: ScopeDocuments, ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, h := range resp.Results {
		assert.Equal(t, "chunk", h.Type)
	}

	_, err = svc.Search(ctx, Request{Query: "dark mode", Scope: "everything"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSearchIncludePayloads(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	doc, first := addIndexedChunk(t, store, embedder, "The settings page offers dark mode themes", "u1")
	second := &types.Chunk{
		ID: types.NewID(), DocumentID: doc.ID, Content: "Light mode remains the default",
		ChunkIndex: 1, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateChunks(ctx, []*types.Chunk{second}))

	req := Request{Query: "dark mode themes", Scope: ScopeDocuments, ContainerTags: []string{"u1"}, Limit: 10}

	// the parent document rides along by default
	resp, err := svc.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	hit := resp.Results[0]
	require.NotNil(t, hit.Document)
	assert.Equal(t, doc.ID, hit.Document.ID)
	assert.Nil(t, hit.Chunks)

	// include.documents=false returns the bare chunk
	off := false
	req.Include = Include{Documents: &off}
	resp, err = svc.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Nil(t, resp.Results[0].Document)
	assert.Nil(t, resp.Results[0].Chunks)

	// include.chunks=true returns every chunk of the document in index order
	req.Include = Include{Documents: &off, Chunks: true}
	resp, err = svc.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	hit = resp.Results[0]
	require.Len(t, hit.Chunks, 2)
	assert.Equal(t, first.ID, hit.Chunks[0].ID)
	assert.Equal(t, second.ID, hit.Chunks[1].ID)
	assert.Nil(t, hit.Document, "documents stay off while explicitly disabled")
}

func TestSearchExcludesForgottenAndRetired(t *testing.T) {
	svc, store, embedder := newTestService(t, nil, nil)
	ctx := context.Background()

	forgotten := addMemory(t, store, embedder, "User used to live in Berlin", "u1", types.MemoryFact)
	require.NoError(t, store.ForgetMemory(ctx, forgotten.ID, "outdated"))

	old := addMemory(t, store, embedder, "User lives in Berlin today", "u1", types.MemoryFact)
	next := types.NewMemory("User lives in Paris today", "u1", types.MemoryFact)
	vec, err := embedder.Embed(ctx, next.Memory)
	require.NoError(t, err)
	next.Embedding = vec
	next.Supersede(old)
	require.NoError(t, store.SupersedeMemory(ctx, old.ID, next))

	resp, err := svc.Search(ctx, Request{Query: "where does the user live today", ContainerTags: []string{"u1"}, Limit: 10})
	require.NoError(t, err)
	for _, h := range resp.Results {
		require.NotNil(t, h.Memory)
		assert.Equal(t, next.ID, h.Memory.ID, "only the latest non-forgotten version surfaces")
	}
}
