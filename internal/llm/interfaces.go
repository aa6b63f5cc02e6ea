// Package llm provides the language-model clients Momo uses for memory
// enrichment: chat-style text generation, vector embeddings, and reranking.
// All clients speak plain HTTP; provider selection happens in the factory.
package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Every enrichment prompt uses single-string completion style (not chat
// history); the providers wrap it in whatever message format they need.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds several texts in one request where the provider
	// supports it. The result preserves input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	GetModel() string
}

// Reranker scores documents against a query with a cross-encoder. Scores
// replace vector similarity for the reranked prefix of a result list.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)
	GetModel() string
}

// RerankResult is one scored document, identified by its input index.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}
