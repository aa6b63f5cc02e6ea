package types

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultSpaceID is assigned to memories created without an explicit space.
const DefaultSpaceID = "default"

// NewID returns a 21-character URL-safe identifier. Every persisted entity
// (documents, chunks, memories, source links) shares this ID format.
func NewID() string {
	return gonanoid.Must(21)
}

// Memory is a versioned statement extracted from ingested content or created
// directly through the API. Version chains are linked through ParentMemoryID
// with the chain origin recorded in RootMemoryID; at most one member of a
// chain is latest.
type Memory struct {
	ID             string                  `json:"id"`
	Memory         string                  `json:"memory"`
	SpaceID        string                  `json:"spaceId"`
	ContainerTag   string                  `json:"containerTag,omitempty"`
	Version        int                     `json:"version"`
	IsLatest       bool                    `json:"isLatest"`
	ParentMemoryID string                  `json:"parentMemoryId,omitempty"`
	RootMemoryID   string                  `json:"rootMemoryId,omitempty"`
	Relations      map[string]RelationType `json:"memoryRelations,omitempty"`
	SourceCount    int                     `json:"sourceCount"`
	IsInference    bool                    `json:"isInference"`
	IsForgotten    bool                    `json:"isForgotten"`
	IsStatic       bool                    `json:"isStatic"`
	ForgetAfter    *time.Time              `json:"forgetAfter,omitempty"`
	ForgetReason   string                  `json:"forgetReason,omitempty"`
	MemoryType     MemoryType              `json:"memoryType"`
	LastAccessed   *time.Time              `json:"lastAccessed,omitempty"`
	Confidence     *float64                `json:"confidence,omitempty"`
	Metadata       Metadata                `json:"metadata,omitempty"`
	Embedding      []float32               `json:"-"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// NewMemory builds a first-version memory with lifecycle defaults applied.
// Episodes start with LastAccessed set so decay has an anchor point.
func NewMemory(content, containerTag string, memType MemoryType) *Memory {
	now := time.Now().UTC()
	m := &Memory{
		ID:           NewID(),
		Memory:       content,
		SpaceID:      DefaultSpaceID,
		ContainerTag: containerTag,
		Version:      1,
		IsLatest:     true,
		Relations:    map[string]RelationType{},
		SourceCount:  1,
		MemoryType:   memType,
		Metadata:     Metadata{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if memType == MemoryEpisode {
		t := now
		m.LastAccessed = &t
	}
	return m
}

// ChainRoot returns the id of the version chain this memory belongs to.
func (m *Memory) ChainRoot() string {
	if m.RootMemoryID != "" {
		return m.RootMemoryID
	}
	return m.ID
}

// Supersede wires this memory as the next version of old. The caller is
// responsible for flipping old.IsLatest in the same store transaction.
func (m *Memory) Supersede(old *Memory) {
	m.ParentMemoryID = old.ID
	m.RootMemoryID = old.ChainRoot()
	m.Version = old.Version + 1
	if m.Relations == nil {
		m.Relations = map[string]RelationType{}
	}
	m.Relations[old.ID] = RelationUpdates
}

// IsActive reports whether the memory participates in search, graph
// traversal, and background-job candidate sets.
func (m *Memory) IsActive() bool {
	return m.IsLatest && !m.IsForgotten
}

// AccessAnchor returns the timestamp decay is measured from: last access if
// recorded, creation time otherwise.
func (m *Memory) AccessAnchor() time.Time {
	if m.LastAccessed != nil {
		return *m.LastAccessed
	}
	return m.CreatedAt
}

// Document is a unit of ingested content moving through the processing
// pipeline.
type Document struct {
	ID            string           `json:"id"`
	CustomID      string           `json:"customId,omitempty"`
	Title         string           `json:"title,omitempty"`
	Content       string           `json:"content,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	URL           string           `json:"url,omitempty"`
	DocType       DocumentType     `json:"docType"`
	Status        ProcessingStatus `json:"status"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	ContainerTags []string         `json:"containerTags,omitempty"`
	Metadata      Metadata         `json:"metadata,omitempty"`
	ChunkCount    int              `json:"chunkCount"`
	TokenCount    int              `json:"tokenCount"`
	WordCount     int              `json:"wordCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// NewDocument builds a queued document carrying raw content.
func NewDocument(content string, docType DocumentType, containerTag string) *Document {
	now := time.Now().UTC()
	d := &Document{
		ID:        NewID(),
		Content:   content,
		DocType:   docType,
		Status:    StatusQueued,
		Metadata:  Metadata{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if containerTag != "" {
		d.ContainerTags = []string{containerTag}
	}
	return d
}

// ContainerTag returns the document's primary container, or "" when untagged.
func (d *Document) ContainerTag() string {
	if len(d.ContainerTags) == 0 {
		return ""
	}
	return d.ContainerTags[0]
}

// Chunk is an embedded slice of a document. Chunks are immutable;
// re-embedding deletes and recreates them.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunkIndex"`
	TokenCount int       `json:"tokenCount"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MemorySource links a memory back to the document (and optionally the
// chunk) it was extracted from. Hybrid search uses these links to suppress a
// chunk when a memory sourced from its document is already in the result set.
type MemorySource struct {
	ID         string    `json:"id"`
	MemoryID   string    `json:"memoryId"`
	DocumentID string    `json:"documentId,omitempty"`
	ChunkID    string    `json:"chunkId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UserProfile is the on-demand aggregation of a container's memories.
type UserProfile struct {
	ContainerTag string              `json:"containerTag"`
	Static       []string            `json:"static"`
	Dynamic      []string            `json:"dynamic,omitempty"`
	Narrative    string              `json:"narrative,omitempty"`
	Categories   map[string][]string `json:"categories,omitempty"`
	ComputedAt   time.Time           `json:"computedAt"`
	FromCache    bool                `json:"fromCache"`
}
