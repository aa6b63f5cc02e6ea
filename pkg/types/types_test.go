package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryType(t *testing.T) {
	assert.Equal(t, MemoryEpisode, ParseMemoryType("episode"))
	assert.Equal(t, MemoryPreference, ParseMemoryType("preference"))
	assert.Equal(t, MemoryFact, ParseMemoryType("fact"))
	assert.Equal(t, MemoryFact, ParseMemoryType("observation"), "unknown labels default to fact")
	assert.Equal(t, MemoryFact, ParseMemoryType(""))
}

func TestParseDocumentType(t *testing.T) {
	assert.Equal(t, DocMarkdown, ParseDocumentType("markdown"))
	assert.Equal(t, DocUnknown, ParseDocumentType("mystery"))
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		current ProcessingStatus
		next    ProcessingStatus
		valid   bool
	}{
		{StatusQueued, StatusExtracting, true},
		{StatusExtracting, StatusChunking, true},
		{StatusExtracting, StatusDone, true}, // filtered document
		{StatusChunking, StatusEmbedding, true},
		{StatusEmbedding, StatusIndexing, true},
		{StatusIndexing, StatusDone, true},
		{StatusDone, StatusQueued, true},
		{StatusFailed, StatusQueued, true},
		{StatusQueued, StatusFailed, true},
		{StatusIndexing, StatusFailed, true},

		{StatusQueued, StatusChunking, false},
		{StatusQueued, StatusDone, false},
		{StatusChunking, StatusExtracting, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusDone, StatusExtracting, false},
	}
	for _, tt := range tests {
		got := IsValidStatusTransition(tt.current, tt.next)
		assert.Equal(t, tt.valid, got, "%s -> %s", tt.current, tt.next)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 21)
	assert.NotEqual(t, id, NewID())
}

func TestNewMemoryDefaults(t *testing.T) {
	m := NewMemory("User prefers dark mode", "u1", MemoryPreference)

	assert.Len(t, m.ID, 21)
	assert.Equal(t, DefaultSpaceID, m.SpaceID)
	assert.Equal(t, 1, m.Version)
	assert.True(t, m.IsLatest)
	assert.Equal(t, 1, m.SourceCount)
	assert.Nil(t, m.LastAccessed, "non-episodes start without an access anchor")

	ep := NewMemory("Had coffee Tuesday", "u1", MemoryEpisode)
	require.NotNil(t, ep.LastAccessed, "episodes anchor decay at creation")
}

func TestSupersede(t *testing.T) {
	old := NewMemory("User lives in Berlin", "u1", MemoryFact)
	old.Version = 3
	old.RootMemoryID = "root0"

	m := NewMemory("User lives in Paris", "u1", MemoryFact)
	m.Supersede(old)

	assert.Equal(t, old.ID, m.ParentMemoryID)
	assert.Equal(t, "root0", m.RootMemoryID)
	assert.Equal(t, 4, m.Version)
	assert.Equal(t, RelationUpdates, m.Relations[old.ID])
}

func TestSupersedeRootFallsBackToID(t *testing.T) {
	old := NewMemory("v1", "u1", MemoryFact)
	m := NewMemory("v2", "u1", MemoryFact)
	m.Supersede(old)
	assert.Equal(t, old.ID, m.RootMemoryID, "first supersession roots the chain at the original")
}

func TestAccessAnchor(t *testing.T) {
	m := NewMemory("note", "u1", MemoryFact)
	assert.Equal(t, m.CreatedAt, m.AccessAnchor())

	accessed := time.Now().Add(-time.Hour)
	m.LastAccessed = &accessed
	assert.Equal(t, accessed, m.AccessAnchor())
}

func TestIsActive(t *testing.T) {
	m := NewMemory("note", "u1", MemoryFact)
	assert.True(t, m.IsActive())

	m.IsForgotten = true
	assert.False(t, m.IsActive())

	m.IsForgotten = false
	m.IsLatest = false
	assert.False(t, m.IsActive())
}

func TestMetadataAccessors(t *testing.T) {
	md := Metadata{"extract_memories": true, "source": "api"}
	assert.True(t, md.GetBool("extract_memories"))
	assert.False(t, md.GetBool("missing"))
	assert.Equal(t, "api", md.GetString("source"))
	assert.Equal(t, "", md.GetString("extract_memories"))

	var nilMD Metadata
	assert.False(t, nilMD.GetBool("x"))
	assert.Equal(t, "", nilMD.GetString("x"))
}
