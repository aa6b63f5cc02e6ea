package storage

import (
	"time"

	"github.com/momohq/momo/pkg/types"
)

// Pagination limits for list endpoints.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions controls cursor-based list queries.
type ListOptions struct {
	// Cursor is an opaque position token from a previous page; empty means
	// the first page.
	Cursor string
	Limit  int
	// ContainerTag filters results to one tenant when non-empty.
	ContainerTag string
	// Status filters documents by processing state when non-empty.
	Status types.ProcessingStatus
	// LatestOnly restricts memory lists to is_latest rows.
	LatestOnly bool
	// IncludeForgotten admits forgotten memories; off by default.
	IncludeForgotten bool
}

// Normalize clamps the limit into [1, MaxListLimit], applying the default
// when unset. A zero or negative caller-supplied limit is an input error
// handled at the API layer; Normalize is the storage-side safety net.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
}

// PaginatedResult carries one page plus the cursor for the next.
type PaginatedResult[T any] struct {
	Items      []T
	NextCursor string
	Total      int
}

// SearchOptions controls vector similarity queries.
type SearchOptions struct {
	Limit int
	// Threshold is the minimum cosine similarity in [0, 1].
	Threshold float64
	// ContainerTag filters to one tenant when non-empty.
	ContainerTag string
	// ContainerTags filters chunk search across several tenants.
	ContainerTags []string
	// IncludeForgotten admits forgotten memories into the candidate set.
	IncludeForgotten bool
}

// Normalize applies the default candidate limit.
func (o *SearchOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 10
	}
}

// ChunkEmbedding pairs a chunk id with its computed vector.
type ChunkEmbedding struct {
	ChunkID   string
	Embedding []float32
}

// SimilarChunk is one chunk-search hit with its owning document id.
type SimilarChunk struct {
	Chunk      *types.Chunk
	DocumentID string
	Score      float64
}

// SimilarMemory is one memory-search hit.
type SimilarMemory struct {
	Memory *types.Memory
	Score  float64
}

// GraphBounds limits graph traversal size.
type GraphBounds struct {
	MaxNodes      int
	Depth         int
	RelationTypes []types.RelationType
}

// Normalize applies traversal defaults and caps.
func (b *GraphBounds) Normalize() {
	if b.MaxNodes <= 0 {
		b.MaxNodes = 50
	}
	if b.MaxNodes > 500 {
		b.MaxNodes = 500
	}
	if b.Depth <= 0 {
		b.Depth = 2
	}
	if b.Depth > 6 {
		b.Depth = 6
	}
}

// AllowsRelation reports whether the bounds admit edges of type rel.
func (b *GraphBounds) AllowsRelation(rel types.RelationType) bool {
	if len(b.RelationTypes) == 0 {
		return true
	}
	for _, r := range b.RelationTypes {
		if r == rel {
			return true
		}
	}
	return false
}

// GraphNode is a memory rendered for visualization.
type GraphNode struct {
	ID          string           `json:"id"`
	Preview     string           `json:"preview"`
	MemoryType  types.MemoryType `json:"memoryType"`
	Version     int              `json:"version"`
	IsInference bool             `json:"isInference"`
}

// GraphLink is a directed relation edge between two nodes.
type GraphLink struct {
	Source   string             `json:"source"`
	Target   string             `json:"target"`
	Relation types.RelationType `json:"relation"`
}

// GraphResult is the bounded neighborhood returned by graph queries.
type GraphResult struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// CachedProfile is a persisted narrative/summary for a container.
type CachedProfile struct {
	ContainerTag string
	Narrative    string
	Summary      string
	CachedAt     time.Time
}

// ContainerFilter is per-container LLM ingestion filtering configuration.
type ContainerFilter struct {
	ContainerTag    string
	ShouldLLMFilter bool
	FilterPrompt    string
}

// PreviewLen is the maximum content preview carried on a graph node.
const PreviewLen = 80

// Preview truncates content for graph nodes.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLen {
		return content
	}
	return string(runes[:PreviewLen]) + "…"
}
