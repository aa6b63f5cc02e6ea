package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// HTTPRerankerConfig holds configuration for a rerank service speaking the
// Cohere/Jina wire format: POST /v1/rerank with {model, query, documents},
// response {results: [{index, relevance_score}]}.
type HTTPRerankerConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration // default: 30s
}

// HTTPReranker implements Reranker against a cross-encoder service.
type HTTPReranker struct {
	cfg            HTTPRerankerConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewHTTPReranker creates a rerank client.
func NewHTTPReranker(cfg HTTPRerankerConfig) *HTTPReranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPReranker{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker("reranker"),
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against the query. Results come back sorted by
// score descending; every input document gets exactly one result.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	result, err := r.circuitBreaker.Execute(ctx, func() (any, error) {
		return r.rerank(ctx, query, documents)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("reranker circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]RerankResult), nil
}

func (r *HTTPReranker) rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var respData rerankResponse
	err := postJSON(ctx, r.client, r.cfg.BaseURL+"/v1/rerank", r.cfg.APIKey,
		rerankRequest{Model: r.cfg.Model, Query: query, Documents: documents}, &respData)
	if err != nil {
		return nil, err
	}
	if len(respData.Results) != len(documents) {
		return nil, fmt.Errorf("reranker returned %d results for %d documents", len(respData.Results), len(documents))
	}
	for _, res := range respData.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
		}
	}

	sort.SliceStable(respData.Results, func(i, j int) bool {
		return respData.Results[i].Score > respData.Results[j].Score
	})
	return respData.Results, nil
}

// GetModel returns the configured rerank model name.
func (r *HTTPReranker) GetModel() string {
	return r.cfg.Model
}

var _ Reranker = (*HTTPReranker)(nil)
