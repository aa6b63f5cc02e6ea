package llm

import (
	"fmt"
	"time"

	"github.com/momohq/momo/internal/config"
)

// NewTextGenerator creates the TextGenerator selected by the provider/model
// string in cfg. A nil generator with a nil error means no LLM is
// configured; every enrichment feature that needs one degrades to its
// heuristic path.
func NewTextGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	if cfg.Model == "" {
		return nil, nil
	}
	provider, model := config.ParseProviderModel(cfg.Model)

	switch provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     model,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}), nil
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api"
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     model,
			BaseURL:   baseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}), nil
	case "lmstudio":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:1234"
		}
		return NewOpenAIClient(OpenAIConfig{
			Model:     model,
			BaseURL:   baseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}), nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     model,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}), nil
	case "local":
		// the local provider has no text generation
		return nil, nil
	default:
		if cfg.BaseURL != "" {
			// unknown providers with an explicit base URL are assumed
			// OpenAI-compatible
			return NewOpenAIClient(OpenAIConfig{
				APIKey:    cfg.APIKey,
				Model:     model,
				BaseURL:   cfg.BaseURL,
				Timeout:   cfg.Timeout,
				RateLimit: cfg.RateLimit,
			}), nil
		}
		return nil, fmt.Errorf("unsupported LLM provider: %q", provider)
	}
}

// NewEmbeddingGenerator creates the EmbeddingGenerator selected by the
// provider/model string in cfg. Unlike text generation, embeddings are
// mandatory; the "local" provider is the built-in fallback.
func NewEmbeddingGenerator(cfg config.EmbeddingConfig) (EmbeddingGenerator, error) {
	provider, model := config.ParseProviderModel(cfg.Model)

	switch provider {
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
			APIKey:     cfg.APIKey,
			Model:      model,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			Dimensions: cfg.Dimensions,
			RateLimit:  cfg.RateLimit,
		}), nil
	case "ollama":
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaClient(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      model,
			Timeout:    cfg.Timeout,
			Dimensions: cfg.Dimensions,
			RateLimit:  cfg.RateLimit,
		}), nil
	case "local":
		return NewLocalEmbedder(cfg.Dimensions), nil
	default:
		if cfg.BaseURL != "" {
			return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
				APIKey:     cfg.APIKey,
				Model:      model,
				BaseURL:    cfg.BaseURL,
				Timeout:    cfg.Timeout,
				Dimensions: cfg.Dimensions,
				RateLimit:  cfg.RateLimit,
			}), nil
		}
		return nil, fmt.Errorf("unsupported embedding provider: %q", provider)
	}
}

// NewReranker creates the reranker client, or nil when reranking is
// disabled.
func NewReranker(cfg config.RerankConfig) (Reranker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rerank enabled but no base URL configured")
	}
	return NewHTTPReranker(HTTPRerankerConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: 30 * time.Second,
	}), nil
}
