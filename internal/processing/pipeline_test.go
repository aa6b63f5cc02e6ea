package processing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

// stubGenerator answers prompts by substring match against its keys.
type stubGenerator struct {
	responses map[string]string
	calls     int
}

func (g *stubGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.calls++
	for key, resp := range g.responses {
		if strings.Contains(prompt, key) {
			return resp, nil
		}
	}
	return "{}", nil
}

func (g *stubGenerator) GetModel() string { return "stub" }

func testProcessingConfig() config.ProcessingConfig {
	return config.ProcessingConfig{
		ChunkSize:        200,
		ChunkOverlap:     20,
		MaxContentLength: 10000,
		Workers:          1,
		PollInterval:     1,
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := NewPipeline(store, llm.NewLocalEmbedder(64), nil, nil, testProcessingConfig(), 8)
	return p, store
}

func submitAndClaim(t *testing.T, store *sqlite.Store, ctx context.Context, doc *types.Document) *types.Document {
	t.Helper()
	require.NoError(t, store.CreateDocument(ctx, doc))
	claimed, err := store.ClaimQueuedDocument(ctx)
	require.NoError(t, err)
	require.Equal(t, doc.ID, claimed.ID)
	require.Equal(t, types.StatusExtracting, claimed.Status)
	return claimed
}

func TestPipelineProcessDocument(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	var seen []types.ProcessingStatus
	p.SetNotifier(func(d *types.Document) { seen = append(seen, d.Status) })

	doc := types.NewDocument(
		"Alice moved to Berlin last spring. She works on distributed storage. "+
			"Her team ships a release every six weeks. The on-call rotation is weekly.",
		types.DocText, "user_alice")
	doc.Title = "notes"
	claimed := submitAndClaim(t, store, ctx, doc)

	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Greater(t, got.ChunkCount, 0)
	assert.Greater(t, got.WordCount, 0)
	assert.Greater(t, got.TokenCount, 0)
	assert.Empty(t, got.ErrorMessage)

	assert.Equal(t, []types.ProcessingStatus{
		types.StatusChunking, types.StatusEmbedding, types.StatusIndexing, types.StatusDone,
	}, seen)

	// indexed chunks are searchable
	embedding, err := llm.NewLocalEmbedder(64).Embed(ctx, "Alice moved to Berlin")
	require.NoError(t, err)
	hits, err := store.SearchSimilarChunks(ctx, embedding, storage.SearchOptions{
		Limit: 5, ContainerTags: []string{"user_alice"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, doc.ID, hits[0].DocumentID)
}

func TestPipelineRefinesDocType(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	doc := types.NewDocument("# Overview\n\nSome text.\n\n# Details\n\nMore text.", types.DocUnknown, "tag")
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocMarkdown, got.DocType)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestPipelineContainerFilter(t *testing.T) {
	ctx := t.Context()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	gen := &stubGenerator{responses: map[string]string{
		"should be ingested": `{"ingest": false, "reason": "off topic for this container"}`,
	}}
	p := NewPipeline(store, llm.NewLocalEmbedder(64), gen, nil, testProcessingConfig(), 8)

	require.NoError(t, store.UpsertContainerFilter(ctx, &storage.ContainerFilter{
		ContainerTag:    "work",
		ShouldLLMFilter: true,
		FilterPrompt:    "Only work-related engineering notes.",
	}))

	doc := types.NewDocument("My cat knocked a plant over this morning.", types.DocText, "work")
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Equal(t, "Filtered: off topic for this container", got.Summary)
	assert.Zero(t, got.ChunkCount, "filtered documents are never chunked")
	assert.Equal(t, 1, gen.calls)
}

func TestPipelineContainerFilterIngests(t *testing.T) {
	ctx := t.Context()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	gen := &stubGenerator{responses: map[string]string{
		"should be ingested": `{"ingest": true, "reason": "relevant"}`,
	}}
	p := NewPipeline(store, llm.NewLocalEmbedder(64), gen, nil, testProcessingConfig(), 8)

	require.NoError(t, store.UpsertContainerFilter(ctx, &storage.ContainerFilter{
		ContainerTag:    "work",
		ShouldLLMFilter: true,
	}))

	doc := types.NewDocument("Deploy pipeline now retries flaky stages twice.", types.DocText, "work")
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Greater(t, got.ChunkCount, 0)
	assert.Empty(t, got.Summary)
}

func TestPipelineFilterSkippedWithoutRow(t *testing.T) {
	ctx := t.Context()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	// a generator is wired but the container never opted into filtering
	gen := &stubGenerator{responses: map[string]string{}}
	p := NewPipeline(store, llm.NewLocalEmbedder(64), gen, nil, testProcessingConfig(), 8)

	doc := types.NewDocument("Anything goes in an unfiltered container.", types.DocText, "inbox")
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	assert.Zero(t, gen.calls)
}

func TestPipelineOversizedContentFails(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	doc := types.NewDocument(strings.Repeat("x", 10001)+" end.", types.DocText, "tag")
	claimed := submitAndClaim(t, store, ctx, doc)

	err := p.Process(ctx, claimed)
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "exceeds limit")
}

func TestPipelineMediaWithoutExtractorFails(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	doc := types.NewDocument("", types.DocImage, "tag")
	claimed := submitAndClaim(t, store, ctx, doc)

	err := p.Process(ctx, claimed)
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no content extractor")
}

type textUpper struct{}

func (textUpper) Extract(_ context.Context, doc *types.Document) (string, error) {
	return strings.ToUpper(doc.Metadata.GetString("raw")), nil
}

func TestPipelineRegisteredExtractor(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)
	p.Registry().RegisterExtractor(types.DocImage, textUpper{})

	doc := types.NewDocument("", types.DocImage, "tag")
	doc.Metadata["raw"] = "caption describing the image."
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Greater(t, got.ChunkCount, 0)
}

func TestPipelineReprocessReplacesChunks(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	doc := types.NewDocument("Original content about search indexes.", types.DocText, "tag")
	claimed := submitAndClaim(t, store, ctx, doc)
	require.NoError(t, p.Process(ctx, claimed))

	// requeue and run again, chunks are replaced not duplicated
	require.NoError(t, store.UpdateDocumentStatus(ctx, doc.ID, types.StatusQueued, ""))
	claimed, err := store.ClaimQueuedDocument(ctx)
	require.NoError(t, err)
	require.Equal(t, doc.ID, claimed.ID)
	require.NoError(t, p.Process(ctx, claimed))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Equal(t, 1, got.ChunkCount)

	embedding, err := llm.NewLocalEmbedder(64).Embed(ctx, "search indexes")
	require.NoError(t, err)
	hits, err := store.SearchSimilarChunks(ctx, embedding, storage.SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestPipelineEmptyContentFails(t *testing.T) {
	ctx := t.Context()
	p, store := newTestPipeline(t)

	doc := types.NewDocument("   \n\t  ", types.DocText, "tag")
	claimed := submitAndClaim(t, store, ctx, doc)

	err := p.Process(ctx, claimed)
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}
