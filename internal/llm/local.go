package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder is the zero-dependency embedding backend used by the
// "local" provider. It hashes word tokens into a fixed number of buckets
// and L2-normalizes the result. The vectors carry no semantics beyond
// lexical overlap, which is enough for self-hosted setups without an
// embedding service and for deterministic tests.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a hash embedder producing dims-wide vectors.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &LocalEmbedder{dims: dims}
}

// Embed hashes the text into a normalized vector. It never fails.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dims))
		// alternate sign by a second hash bit so common words don't all
		// push in the same direction
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) * inv)
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the vector width.
func (e *LocalEmbedder) Dimensions() int {
	return e.dims
}

// GetModel returns the fixed local model name.
func (e *LocalEmbedder) GetModel() string {
	return "local/dev"
}

var _ EmbeddingGenerator = (*LocalEmbedder)(nil)

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
