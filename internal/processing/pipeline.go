package processing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const (
	// stepAttempts is how many times a transient step (extract, chunk,
	// embed) runs before the document fails. The index step never
	// retries: a failed transactional write with retriable causes would
	// have been a transient storage error surfacing the same way again.
	stepAttempts = 3

	// retryBaseDelay is the backoff unit between attempts; jitter spreads
	// concurrent workers apart.
	retryBaseDelay = 500 * time.Millisecond
)

// Pipeline is the ingestion worker pool. Workers claim queued documents
// and walk them through extract, chunk, embed, and index. All pipeline
// failures land on the document's status row; the pipeline itself never
// stops on a bad document.
type Pipeline struct {
	store     storage.Store
	embedder  llm.EmbeddingGenerator
	generator llm.TextGenerator
	extractor *engine.MemoryExtractor
	registry  *Registry
	cfg       config.ProcessingConfig
	batchSize int

	notify func(doc *types.Document)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline wires the pipeline. extractor and generator may be nil.
func NewPipeline(store storage.Store, embedder llm.EmbeddingGenerator, generator llm.TextGenerator, extractor *engine.MemoryExtractor, cfg config.ProcessingConfig, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		store:     store,
		embedder:  embedder,
		generator: generator,
		extractor: extractor,
		registry:  NewRegistry(),
		cfg:       cfg,
		batchSize: batchSize,
	}
}

// Registry exposes the routing table so deployments can register content
// extractors before Start.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// SetNotifier installs a status-change callback, used for the event
// stream. Must be called before Start.
func (p *Pipeline) SetNotifier(fn func(doc *types.Document)) {
	p.notify = fn
}

// Start requeues documents stranded mid-flight by a previous crash and
// launches the workers.
func (p *Pipeline) Start(ctx context.Context) error {
	requeued, err := p.store.RequeueStaleDocuments(ctx)
	if err != nil {
		return fmt.Errorf("requeue stale documents: %w", err)
	}
	if requeued > 0 {
		log.Printf("pipeline: requeued %d stale documents from previous run", requeued)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Printf("pipeline: started %d workers, poll interval %ds", p.cfg.Workers, p.cfg.PollInterval)
	return nil
}

// Stop cancels the workers and waits for in-flight documents to finish
// their current step.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	poll := time.Duration(p.cfg.PollInterval) * time.Second
	if poll <= 0 {
		poll = 10 * time.Second
	}

	for {
		doc, err := p.store.ClaimQueuedDocument(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// empty queue, jittered sleep so workers don't poll in step
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll + time.Duration(rand.Int63n(int64(poll/4+1)))):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Printf("pipeline: worker %d claim failed: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}

		if err := p.Process(ctx, doc); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("pipeline: document %s failed: %v", doc.ID, err)
		}
	}
}

// Process runs one claimed document through the remaining steps. The
// document must be in extracting state. On error the document is marked
// failed with the error message; the returned error mirrors it.
func (p *Pipeline) Process(ctx context.Context, doc *types.Document) error {
	// step 1: extract
	err := p.retryStep(ctx, "extract", func() error {
		return p.stepExtract(ctx, doc)
	})
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	filtered, err := p.applyContainerFilter(ctx, doc)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	if filtered {
		return nil
	}

	// step 2: chunk
	var pieces []string
	if err := p.setStatus(ctx, doc, types.StatusChunking); err != nil {
		return p.fail(ctx, doc, err)
	}
	if err := p.retryStep(ctx, "chunk", func() error {
		var cerr error
		pieces, cerr = p.registry.ChunkerFor(doc.DocType).ChunkDocument(doc, Options{
			ChunkSize:    p.cfg.ChunkSize,
			ChunkOverlap: p.cfg.ChunkOverlap,
		})
		return cerr
	}); err != nil {
		return p.fail(ctx, doc, err)
	}

	// step 3: embed
	if err := p.setStatus(ctx, doc, types.StatusEmbedding); err != nil {
		return p.fail(ctx, doc, err)
	}
	var embeddings [][]float32
	if err := p.retryStep(ctx, "embed", func() error {
		var eerr error
		embeddings, eerr = p.embedAll(ctx, pieces)
		return eerr
	}); err != nil {
		return p.fail(ctx, doc, err)
	}

	// step 4: index, no retries
	if err := p.setStatus(ctx, doc, types.StatusIndexing); err != nil {
		return p.fail(ctx, doc, err)
	}
	if err := p.stepIndex(ctx, doc, pieces, embeddings); err != nil {
		return p.fail(ctx, doc, err)
	}
	if err := p.setStatus(ctx, doc, types.StatusDone); err != nil {
		return p.fail(ctx, doc, err)
	}

	// post-processing: memory extraction rides on an already-successful
	// ingestion and never changes its outcome. Only documents submitted
	// with extract_memories set opt in.
	if p.extractor != nil && doc.Metadata.GetBool("extract_memories") {
		if ids, err := p.extractor.ExtractFromDocument(ctx, doc); err != nil {
			log.Printf("pipeline: memory extraction for %s failed: %v", doc.ID, err)
		} else if len(ids) > 0 {
			log.Printf("pipeline: extracted %d memories from document %s", len(ids), doc.ID)
		}
	}
	return nil
}

// stepExtract resolves content, enforces the size guard, runs the
// container LLM filter, and refines the document type.
func (p *Pipeline) stepExtract(ctx context.Context, doc *types.Document) error {
	content, err := p.registry.ExtractContent(ctx, doc)
	if err != nil {
		return err
	}
	if len(content) > p.cfg.MaxContentLength {
		return fmt.Errorf("%w: content length %d exceeds limit %d",
			storage.ErrInvalidInput, len(content), p.cfg.MaxContentLength)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: document has no content", storage.ErrInvalidInput)
	}
	doc.Content = content
	doc.DocType = RefineDocType(doc.DocType, content, doc.Metadata.GetString("source_path"))
	doc.WordCount = len(strings.Fields(content))
	doc.TokenCount = EstimateTokens(content)
	return nil
}

// retryStep runs fn up to stepAttempts times with jittered backoff.
// Invalid-input errors are permanent and never retried.
func (p *Pipeline) retryStep(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= stepAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrInvalidInput) || ctx.Err() != nil {
			break
		}
		if attempt < stepAttempts {
			delay := retryBaseDelay*time.Duration(attempt) + time.Duration(rand.Int63n(int64(retryBaseDelay)))
			log.Printf("pipeline: step %s attempt %d failed, retrying in %s: %v", name, attempt, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("step %s: %w", name, err)
}

// applyContainerFilter asks the LLM whether the document belongs in its
// container, when the container opted into filtering. A filtered document
// completes as done with a "Filtered:" summary rather than failing; the
// submission was valid, the content just isn't wanted. Filter-path LLM
// errors ingest the document, never drop it.
func (p *Pipeline) applyContainerFilter(ctx context.Context, doc *types.Document) (bool, error) {
	if p.generator == nil || doc.ContainerTag() == "" {
		return false, nil
	}
	filter, err := p.store.GetContainerFilter(ctx, doc.ContainerTag())
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		log.Printf("pipeline: load container filter for %s failed, ingesting: %v", doc.ContainerTag(), err)
		return false, nil
	}
	if !filter.ShouldLLMFilter {
		return false, nil
	}

	instructions := filter.FilterPrompt
	if instructions == "" {
		instructions = "Only ingest content relevant to this container."
	}
	raw, err := p.generator.Complete(ctx, llm.BuildContainerFilterPrompt(instructions, doc.Content))
	if err != nil {
		log.Printf("pipeline: container filter LLM call failed, ingesting %s: %v", doc.ID, err)
		return false, nil
	}
	resp, err := llm.ParseFilter(raw)
	if err != nil {
		log.Printf("pipeline: container filter response unusable, ingesting %s: %v", doc.ID, err)
		return false, nil
	}
	if resp.Ingest {
		return false, nil
	}

	doc.Summary = "Filtered: " + resp.Reason
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return false, fmt.Errorf("record filter summary: %w", err)
	}
	if err := p.setStatus(ctx, doc, types.StatusDone); err != nil {
		return false, err
	}
	log.Printf("pipeline: document %s filtered out of %s: %s", doc.ID, doc.ContainerTag(), resp.Reason)
	return true, nil
}

func (p *Pipeline) embedAll(ctx context.Context, pieces []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(pieces))
	for start := 0; start < len(pieces); start += p.batchSize {
		end := start + p.batchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		batch, err := p.embedder.EmbedBatch(ctx, pieces[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

// stepIndex replaces the document's chunks in one write and records the
// final counts.
func (p *Pipeline) stepIndex(ctx context.Context, doc *types.Document, pieces []string, embeddings [][]float32) error {
	if err := p.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear previous chunks: %w", err)
	}

	chunks := make([]*types.Chunk, len(pieces))
	now := time.Now().UTC()
	for i, piece := range pieces {
		chunks[i] = &types.Chunk{
			ID:         types.NewID(),
			DocumentID: doc.ID,
			Content:    piece,
			ChunkIndex: i,
			TokenCount: EstimateTokens(piece),
			Embedding:  embeddings[i],
			CreatedAt:  now,
		}
	}
	if err := p.store.CreateChunks(ctx, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	doc.ChunkCount = len(chunks)
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("record document counts: %w", err)
	}
	return nil
}

func (p *Pipeline) setStatus(ctx context.Context, doc *types.Document, status types.ProcessingStatus) error {
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, status, ""); err != nil {
		return fmt.Errorf("advance to %s: %w", status, err)
	}
	doc.Status = status
	if p.notify != nil {
		p.notify(doc)
	}
	return nil
}

// fail marks the document failed and passes the cause through.
func (p *Pipeline) fail(ctx context.Context, doc *types.Document, cause error) error {
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusFailed, cause.Error()); err != nil {
		log.Printf("pipeline: marking %s failed also failed: %v", doc.ID, err)
	}
	doc.Status = types.StatusFailed
	doc.ErrorMessage = cause.Error()
	if p.notify != nil {
		p.notify(doc)
	}
	return cause
}
