package engine

import (
	"context"
	"errors"
	"fmt"
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

// stubGenerator returns canned responses keyed by a substring of the
// prompt, or fails every call when failing is set.
type stubGenerator struct {
	responses map[string]string
	failing   bool
	calls     int
}

func (s *stubGenerator) Complete(_ context.Context, prompt string) (string, error) {
	s.calls++
	if s.failing {
		return "", errors.New("llm unreachable")
	}
	for key, resp := range s.responses {
		if strings.Contains(prompt, key) {
			return resp, nil
		}
	}
	return "", fmt.Errorf("no stub response for prompt: %.60s", prompt)
}

func (s *stubGenerator) GetModel() string { return "stub" }

func newTestEngine(t *testing.T, gen llm.TextGenerator) (*MemoryEngine, storage.Store) {
	t.Helper()
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Memory: config.MemoryConfig{
			EpisodeDecayDays:       7,
			EpisodeDecayFactor:     0.5,
			EpisodeDecayThreshold:  0.1,
			EpisodeForgetGraceDays: 7,
		},
		LLM: config.LLMConfig{
			EnableContradictionDetection: true,
		},
	}
	return NewMemoryEngine(s, llm.NewLocalEmbedder(64), gen, cfg), s
}

func TestCreateMemoryIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User prefers dark mode", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User prefers dark mode", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Memory.ID, second.Memory.ID)
}

func TestCreateMemoryValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateMemory(ctx, CreateMemoryRequest{ContainerTag: "u1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = e.CreateMemory(ctx, CreateMemoryRequest{Content: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCreateMemorySupersedesContradiction(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	old, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User lives in Berlin", ContainerTag: "u1", MemoryType: types.MemoryFact,
	})
	require.NoError(t, err)

	// same pivot, new value: the heuristic alone resolves this, no LLM
	next, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User lives in Paris", ContainerTag: "u1", MemoryType: types.MemoryFact,
	})
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.Equal(t, old.Memory.ID, next.SupersededID)
	assert.Equal(t, 2, next.Memory.Version)

	oldRow, err := store.GetMemory(ctx, old.Memory.ID)
	require.NoError(t, err)
	assert.False(t, oldRow.IsLatest)
}

func TestContradictionChainThreeVersions(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	var last *CreateMemoryResult
	for _, city := range []string{"Berlin", "Paris", "Lisbon"} {
		var err error
		last, err = e.CreateMemory(ctx, CreateMemoryRequest{
			Content:      "User lives in " + city,
			ContainerTag: "u1",
			MemoryType:   types.MemoryFact,
		})
		require.NoError(t, err)
	}

	chain, err := store.GetMemoryChain(ctx, last.Memory.ChainRoot())
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "User lives in Lisbon", chain[2].Memory)
	assert.True(t, chain[2].IsLatest)
	assert.False(t, chain[0].IsLatest)
	assert.False(t, chain[1].IsLatest)
}

func TestCreateMemoryGracefulWithoutLLM(t *testing.T) {
	// ambiguous contradictions need the LLM; with a failing one creation
	// still succeeds and simply keeps both memories
	gen := &stubGenerator{failing: true}
	e, _ := newTestEngine(t, gen)
	ctx := context.Background()

	_, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User's favorite editor is Vim", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)

	res, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User's favorite editor is Emacs", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.SupersededID, "ambiguity without LLM resolves to coexistence")
}

func TestCreateMemoryLLMConfirmsAmbiguous(t *testing.T) {
	gen := &stubGenerator{responses: map[string]string{
		"contradict": `{"contradicts": true, "confidence": 0.9}`,
	}}
	e, _ := newTestEngine(t, gen)
	ctx := context.Background()

	first, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User's favorite editor is Vim", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)

	res, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User's favorite editor is Emacs", ContainerTag: "u1", MemoryType: types.MemoryPreference,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Memory.ID, res.SupersededID)
	assert.Positive(t, gen.calls)
}

func TestUpdateMemory(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User works remotely", ContainerTag: "u1", MemoryType: types.MemoryFact,
	})
	require.NoError(t, err)

	updated, err := e.UpdateMemory(ctx, created.Memory.ID, "User works from an office", nil)
	require.NoError(t, err)
	assert.True(t, updated.Created)
	assert.Equal(t, created.Memory.ID, updated.SupersededID)
	assert.Equal(t, 2, updated.Memory.Version)

	// updating a retired version is a conflict
	_, err = e.UpdateMemory(ctx, created.Memory.ID, "another change", nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// no-op update returns the current row
	same, err := e.UpdateMemory(ctx, updated.Memory.ID, "User works from an office", nil)
	require.NoError(t, err)
	assert.False(t, same.Created)

	latest, err := store.GetMemory(ctx, updated.Memory.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsLatest)
}

func TestForgetByContent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateMemory(ctx, CreateMemoryRequest{
		Content: "User's old address", ContainerTag: "u1", MemoryType: types.MemoryFact,
	})
	require.NoError(t, err)

	m, err := e.ForgetByContent(ctx, "User's old address", "u1", "user requested removal")
	require.NoError(t, err)
	assert.True(t, m.IsForgotten)

	_, err = e.ForgetByContent(ctx, "User's old address", "u1", "again")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecayRelevance(t *testing.T) {
	p := DecayParams{DecayDays: 7, Factor: 0.5, Threshold: 0.1, GraceDays: 7}
	now := time.Now().UTC()

	fresh := types.NewMemory("episode", "u1", types.MemoryEpisode)
	assert.InDelta(t, 1.0, p.Relevance(fresh, now), 0.01)

	// one decay period halves relevance
	week := now.Add(-7 * 24 * time.Hour)
	aged := types.NewMemory("episode", "u1", types.MemoryEpisode)
	aged.LastAccessed = &week
	assert.InDelta(t, 0.5, p.Relevance(aged, now), 0.01)

	// four periods: 0.0625, below the 0.1 threshold
	month := now.Add(-28 * 24 * time.Hour)
	old := types.NewMemory("episode", "u1", types.MemoryEpisode)
	old.LastAccessed = &month
	assert.InDelta(t, 0.0625, p.Relevance(old, now), 0.01)
	assert.True(t, p.BelowThreshold(old, now))

	// facts and static episodes never decay
	fact := types.NewMemory("fact", "u1", types.MemoryFact)
	fact.CreatedAt = month
	assert.Equal(t, 1.0, p.Relevance(fact, now))

	pinned := types.NewMemory("episode", "u1", types.MemoryEpisode)
	pinned.IsStatic = true
	pinned.LastAccessed = &month
	assert.Equal(t, 1.0, p.Relevance(pinned, now))

	// created_at anchors decay when never accessed
	neverAccessed := types.NewMemory("episode", "u1", types.MemoryEpisode)
	neverAccessed.LastAccessed = nil
	neverAccessed.CreatedAt = week
	assert.InDelta(t, 0.5, p.Relevance(neverAccessed, now), 0.01)
}

func TestForgettingManagerTwoPasses(t *testing.T) {
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	// expired memory gets hard-forgotten
	past := time.Now().Add(-time.Hour)
	expired := types.NewMemory("old event", "u1", types.MemoryEpisode)
	expired.ForgetAfter = &past
	require.NoError(t, store.CreateMemory(ctx, expired))

	// decayed episode gets scheduled, not forgotten
	monthAgo := time.Now().Add(-60 * 24 * time.Hour)
	decayed := types.NewMemory("stale episode", "u1", types.MemoryEpisode)
	decayed.LastAccessed = &monthAgo
	require.NoError(t, store.CreateMemory(ctx, decayed))

	// recent episode is untouched
	recent := types.NewMemory("recent episode", "u1", types.MemoryEpisode)
	require.NoError(t, store.CreateMemory(ctx, recent))

	fm := NewForgettingManager(store, DecayParams{DecayDays: 7, Factor: 0.5, Threshold: 0.1, GraceDays: 7})
	stats, err := fm.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Forgotten)
	assert.Equal(t, 1, stats.Scheduled)

	got, err := store.GetMemory(ctx, expired.ID)
	require.NoError(t, err)
	assert.True(t, got.IsForgotten)

	got, err = store.GetMemory(ctx, decayed.ID)
	require.NoError(t, err)
	assert.False(t, got.IsForgotten, "scheduled memories keep their grace period")
	require.NotNil(t, got.ForgetAfter)
	assert.True(t, got.ForgetAfter.After(time.Now()))

	got, err = store.GetMemory(ctx, recent.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ForgetAfter)
}

func TestInferenceEngineRun(t *testing.T) {
	gen := &stubGenerator{responses: map[string]string{
		"insights": `{"inference": "User is health conscious", "confidence": 0.85}`,
	}}
	embedder := llm.NewLocalEmbedder(64)

	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for _, content := range []string{
		"User goes running every morning",
		"User tracks their calorie intake",
	} {
		m := types.NewMemory(content, "u1", types.MemoryFact)
		m.Embedding, err = embedder.Embed(ctx, content)
		require.NoError(t, err)
		require.NoError(t, s.CreateMemory(ctx, m))
	}

	ie := NewInferenceEngine(s, embedder, gen, config.InferenceConfig{
		Enabled: true, ConfidenceThreshold: 0.7, MaxPerRun: 10, SeedLimit: 20, CandidateCount: 5,
	})

	stats, err := ie.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InferencesCreated)

	// second run dedups on the source set
	stats, err = ie.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InferencesCreated)
	assert.Positive(t, stats.DuplicatesSkipped)
}

func TestInferenceEngineDisabled(t *testing.T) {
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ie := NewInferenceEngine(s, llm.NewLocalEmbedder(64), nil, config.InferenceConfig{Enabled: true})
	stats, err := ie.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.SeedsProcessed)
}

func TestProfileService(t *testing.T) {
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	static := types.NewMemory("User is a software engineer", "u1", types.MemoryFact)
	static.IsStatic = true
	require.NoError(t, s.CreateMemory(ctx, static))
	dynamic := types.NewMemory("User is learning Go", "u1", types.MemoryFact)
	require.NoError(t, s.CreateMemory(ctx, dynamic))

	gen := &stubGenerator{responses: map[string]string{
		"narrative": "A software engineer currently learning Go.",
	}}
	ps := NewProfileService(s, nil, gen)
	opts := ProfileOptions{IncludeDynamic: true, GenerateNarrative: true}

	profile, err := ps.GetProfile(ctx, "u1", opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"User is a software engineer"}, profile.Static)
	assert.Equal(t, []string{"User is learning Go"}, profile.Dynamic)
	assert.Equal(t, "A software engineer currently learning Go.", profile.Narrative)
	assert.False(t, profile.FromCache)
	callsAfterFirst := gen.calls

	// unchanged memories hit the cache
	profile, err = ps.GetProfile(ctx, "u1", opts)
	require.NoError(t, err)
	assert.True(t, profile.FromCache)
	assert.Equal(t, callsAfterFirst, gen.calls)

	// a new memory invalidates it
	time.Sleep(5 * time.Millisecond)
	extra := types.NewMemory("User adopted a cat", "u1", types.MemoryEpisode)
	require.NoError(t, s.CreateMemory(ctx, extra))
	profile, err = ps.GetProfile(ctx, "u1", opts)
	require.NoError(t, err)
	assert.False(t, profile.FromCache)
	assert.Greater(t, gen.calls, callsAfterFirst)

	// empty container gives an empty profile, not an error
	profile, err = ps.GetProfile(ctx, "nobody", opts)
	require.NoError(t, err)
	assert.Empty(t, profile.Static)
	assert.Empty(t, profile.Narrative)
}

func TestProfileOptions(t *testing.T) {
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	embedder := llm.NewLocalEmbedder(64)

	addProfileMemory := func(content string, static bool) {
		m := types.NewMemory(content, "u1", types.MemoryFact)
		m.IsStatic = static
		vec, err := embedder.Embed(ctx, content)
		require.NoError(t, err)
		m.Embedding = vec
		require.NoError(t, s.CreateMemory(ctx, m))
	}
	addProfileMemory("User is a software engineer", true)
	addProfileMemory("User is learning Go", false)

	gen := &stubGenerator{responses: map[string]string{
		"narrative": "A software engineer currently learning Go.",
	}}
	ps := NewProfileService(s, embedder, gen)

	// narrative stays off unless asked for
	profile, err := ps.GetProfile(ctx, "u1", ProfileOptions{IncludeDynamic: true})
	require.NoError(t, err)
	assert.Empty(t, profile.Narrative)
	assert.Zero(t, gen.calls)

	// dynamic memories drop out when not included
	profile, err = ps.GetProfile(ctx, "u1", ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"User is a software engineer"}, profile.Static)
	assert.Empty(t, profile.Dynamic)
	assert.Len(t, profile.Categories[string(types.MemoryFact)], 1)

	// a query narrows the profile to similar memories
	profile, err = ps.GetProfile(ctx, "u1", ProfileOptions{
		IncludeDynamic: true,
		Query:          "learning Go",
		Threshold:      0.1,
	})
	require.NoError(t, err)
	assert.Contains(t, profile.Dynamic, "User is learning Go")

	// a query-filtered narrative never lands in the container cache
	profile, err = ps.GetProfile(ctx, "u1", ProfileOptions{
		IncludeDynamic:    true,
		Query:             "learning Go",
		GenerateNarrative: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, profile.Narrative)
	assert.False(t, profile.FromCache)
	_, err = s.GetCachedProfile(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRebuildMemoryEmbeddings(t *testing.T) {
	s, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	old := llm.NewLocalEmbedder(32)
	var ids []string
	for _, content := range []string{
		"User prefers dark mode",
		"User lives in Lisbon",
		"User adopted a cat named Miso",
	} {
		m := types.NewMemory(content, "u1", types.MemoryFact)
		vec, err := old.Embed(ctx, content)
		require.NoError(t, err)
		m.Embedding = vec
		require.NoError(t, s.CreateMemory(ctx, m))
		ids = append(ids, m.ID)
	}
	forgotten := types.NewMemory("User used to live in Berlin", "u1", types.MemoryFact)
	require.NoError(t, s.CreateMemory(ctx, forgotten))
	require.NoError(t, s.ForgetMemory(ctx, forgotten.ID, "outdated"))
	ids = append(ids, forgotten.ID)

	n, err := RebuildMemoryEmbeddings(ctx, s, llm.NewLocalEmbedder(64))
	require.NoError(t, err)
	assert.Equal(t, len(ids), n, "forgotten memories are re-embedded too")

	for _, id := range ids {
		m, err := s.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Len(t, m.Embedding, 64)
	}
}

func TestMemoryExtractor(t *testing.T) {
	gen := &stubGenerator{responses: map[string]string{
		"Extract durable memories": `{"memories": [
			{"content": "User prefers tabs over spaces", "type": "preference", "confidence": 0.9, "context": "style section"},
			{"content": "User maintains an open source project", "type": "fact", "confidence": 0.8}
		]}`,
	}}
	e, store := newTestEngine(t, gen)
	x := NewMemoryExtractor(e, store, llm.NewLocalEmbedder(64), gen)
	ctx := context.Background()

	doc := types.NewDocument("Coding style notes... prefers tabs. Maintains oss project.", types.DocText, "u1")
	require.NoError(t, store.CreateDocument(ctx, doc))

	ids, err := x.ExtractFromDocument(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	m, err := store.GetMemoryByContent(ctx, "User prefers tabs over spaces", "u1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, m.Metadata.GetString("source_document_id"))

	sources, err := store.GetSourcesByMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, doc.ID, sources[0].DocumentID)
}

func TestMemoryExtractorNoLLM(t *testing.T) {
	e, store := newTestEngine(t, nil)
	x := NewMemoryExtractor(e, store, llm.NewLocalEmbedder(64), nil)

	doc := types.NewDocument("content", types.DocText, "u1")
	ids, err := x.ExtractFromDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
