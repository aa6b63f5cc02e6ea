// Package storage defines the persistence contract shared by the SQLite and
// Postgres backends, plus the option/result types used across store calls.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/momohq/momo/pkg/types"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the caller provided malformed data
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a uniqueness or concurrent-update violation,
	// e.g. a duplicate custom_id or a lost is_latest race
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates the backend cannot be reached
	ErrUnavailable = errors.New("backend unavailable")
)

// DocumentStore provides CRUD and queue operations for documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []string) ([]*types.Document, error)
	GetDocumentByCustomID(ctx context.Context, customID string) (*types.Document, error)
	UpdateDocument(ctx context.Context, doc *types.Document) error
	// UpdateDocumentStatus validates the transition against the state
	// machine and records errMsg for failed documents.
	UpdateDocumentStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, opts ListOptions) (*PaginatedResult[*types.Document], error)
	// ClaimQueuedDocument atomically moves one queued document to
	// extracting and returns it, or ErrNotFound when the queue is empty.
	ClaimQueuedDocument(ctx context.Context) (*types.Document, error)
	// RequeueAllDocuments resets every document to queued for reprocessing
	// and returns the number affected.
	RequeueAllDocuments(ctx context.Context) (int64, error)
	// RequeueStaleDocuments returns documents stuck in a transient state
	// (crashed worker) back to queued.
	RequeueStaleDocuments(ctx context.Context) (int64, error)
}

// ChunkStore provides chunk persistence and vector search.
type ChunkStore interface {
	// CreateChunks inserts all chunks of one document in a single
	// transaction. Partial inserts are not allowed.
	CreateChunks(ctx context.Context, chunks []*types.Chunk) error
	// GetChunksByDocument returns all chunks of one document in index
	// order.
	GetChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error)
	UpdateChunkEmbeddings(ctx context.Context, updates []ChunkEmbedding) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	DeleteAllChunks(ctx context.Context) (int64, error)
	SearchSimilarChunks(ctx context.Context, embedding []float32, opts SearchOptions) ([]SimilarChunk, error)
}

// MemoryStore provides memory lifecycle, search, and graph operations.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m *types.Memory) error
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	GetMemoriesByIDs(ctx context.Context, ids []string) ([]*types.Memory, error)
	// GetMemoryByContent returns the latest non-forgotten memory with
	// exactly this content in the container, or ErrNotFound.
	GetMemoryByContent(ctx context.Context, content, containerTag string) (*types.Memory, error)
	ListMemories(ctx context.Context, opts ListOptions) (*PaginatedResult[*types.Memory], error)
	UpdateMemoryMetadata(ctx context.Context, id string, md types.Metadata) error
	UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error
	DeleteMemory(ctx context.Context, id string) error

	// SupersedeMemory atomically flips old to is_latest=false and inserts
	// the replacement row. It fails with ErrConflict when old is no longer
	// latest, leaving the store unchanged.
	SupersedeMemory(ctx context.Context, oldID string, replacement *types.Memory) error
	ForgetMemory(ctx context.Context, id, reason string) error
	SetMemoryForgetAfter(ctx context.Context, id string, at time.Time) error
	TouchMemories(ctx context.Context, ids []string) (int64, error)
	UpdateMemorySourceCount(ctx context.Context, id string, count int) error
	// AddMemoryRelation records a directed edge. Symmetry is the caller's
	// responsibility; both directions go in one transaction via
	// AddMemoryRelationPair.
	AddMemoryRelation(ctx context.Context, id, relatedID string, rel types.RelationType) error
	AddMemoryRelationPair(ctx context.Context, a, b string, rel types.RelationType) error

	SearchSimilarMemories(ctx context.Context, embedding []float32, opts SearchOptions) ([]SimilarMemory, error)
	GetMemoryChildren(ctx context.Context, parentID string) ([]*types.Memory, error)
	GetMemoryChain(ctx context.Context, rootID string) ([]*types.Memory, error)

	// Background-job candidate queries. All exclude forgotten memories.
	GetForgettingCandidates(ctx context.Context, before time.Time) ([]*types.Memory, error)
	GetEpisodeDecayCandidates(ctx context.Context) ([]*types.Memory, error)
	GetSeedMemories(ctx context.Context, limit int) ([]*types.Memory, error)
	// InferenceExists reports whether an existing inference memory already
	// derives from exactly this source set.
	InferenceExists(ctx context.Context, sourceIDs []string) (bool, error)

	GetActiveMemories(ctx context.Context, containerTag string, limit int) ([]*types.Memory, error)
	GetActiveContainerTags(ctx context.Context) ([]string, error)
	GetMaxMemoryUpdatedAt(ctx context.Context, containerTag string) (*time.Time, error)

	GetMemoryGraph(ctx context.Context, id string, bounds GraphBounds) (*GraphResult, error)
	GetContainerGraph(ctx context.Context, containerTag string, bounds GraphBounds) (*GraphResult, error)
}

// SourceStore links memories to the documents and chunks they came from.
type SourceStore interface {
	CreateMemorySource(ctx context.Context, src *types.MemorySource) error
	GetSourcesByMemory(ctx context.Context, memoryID string) ([]*types.MemorySource, error)
}

// ProfileStore caches computed user profiles per container.
type ProfileStore interface {
	GetCachedProfile(ctx context.Context, containerTag string) (*CachedProfile, error)
	UpsertCachedProfile(ctx context.Context, p *CachedProfile) error
	GetContainerFilter(ctx context.Context, containerTag string) (*ContainerFilter, error)
	UpsertContainerFilter(ctx context.Context, f *ContainerFilter) error
}

// MetaStore holds system key/value rows driving startup migration checks.
type MetaStore interface {
	GetEmbeddingDimensions(ctx context.Context) (int, error)
	SetEmbeddingDimensions(ctx context.Context, dims int) error
	GetEmbeddingModel(ctx context.Context) (string, error)
	SetEmbeddingModel(ctx context.Context, model string) error
}

// Store is the complete backend contract.
type Store interface {
	DocumentStore
	ChunkStore
	MemoryStore
	SourceStore
	ProfileStore
	MetaStore

	Close() error
}
