package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OllamaConfig holds configuration for a local Ollama instance.
type OllamaConfig struct {
	BaseURL    string        // default: http://localhost:11434
	Model      string        // required
	Timeout    time.Duration // default: 60s, local models are slow
	Dimensions int
	RateLimit  float64
}

// OllamaClient talks to a local Ollama daemon. It implements both
// TextGenerator and EmbeddingGenerator; the configured model decides which
// role a given instance actually serves.
type OllamaClient struct {
	cfg            OllamaConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
}

// NewOllamaClient creates an Ollama client with the given configuration.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OllamaClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker("ollama"),
		limiter:        newLimiter(cfg.RateLimit),
	}
}

// ollamaGenerateRequest is the request body for POST /api/generate.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateResponse is the non-streaming response from POST /api/generate.
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends a single-turn completion to Ollama.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return "", err
	}
	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OllamaClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := ollamaGenerateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0,
		},
	}

	var respData ollamaGenerateResponse
	if err := postJSON(ctx, c.client, c.cfg.BaseURL+"/api/generate", "", reqBody, &respData); err != nil {
		return "", err
	}
	if respData.Response == "" {
		return "", fmt.Errorf("ollama returned empty response")
	}
	return respData.Response, nil
}

// ollamaEmbeddingRequest is the request body for POST /api/embeddings.
type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaEmbeddingResponse is the response from POST /api/embeddings.
type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding vector via Ollama.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}
	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("ollama embedding circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var respData ollamaEmbeddingResponse
	err := postJSON(ctx, c.client, c.cfg.BaseURL+"/api/embeddings", "",
		ollamaEmbeddingRequest{Model: c.cfg.Model, Prompt: text}, &respData)
	if err != nil {
		return nil, err
	}
	if len(respData.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	vec := make([]float32, len(respData.Embedding))
	for i, v := range respData.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// EmbedBatch embeds texts one at a time; the Ollama embeddings endpoint has
// no batch form.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the configured vector dimension.
func (c *OllamaClient) Dimensions() int {
	return c.cfg.Dimensions
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.cfg.Model
}

// Compile-time assertions.
var (
	_ TextGenerator      = (*OllamaClient)(nil)
	_ EmbeddingGenerator = (*OllamaClient)(nil)
)
