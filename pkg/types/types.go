// Package types defines the core data structures for the Momo memory system:
// documents, chunks, memories, their classification enums, and the document
// processing state machine.
package types

// MemoryType classifies what kind of statement a memory holds.
type MemoryType string

// Memory classification constants
const (
	// MemoryFact is a durable statement about the world or the user
	MemoryFact MemoryType = "fact"

	// MemoryPreference captures a like, dislike, or configuration choice
	MemoryPreference MemoryType = "preference"

	// MemoryEpisode is a time-bound event; episodes decay with access age
	MemoryEpisode MemoryType = "episode"
)

// ValidMemoryTypes contains all valid memory type values
var ValidMemoryTypes = []MemoryType{MemoryFact, MemoryPreference, MemoryEpisode}

// IsValid reports whether t is a recognized memory type.
func (t MemoryType) IsValid() bool {
	for _, v := range ValidMemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseMemoryType maps a string onto a MemoryType, defaulting to MemoryFact
// for unrecognized input. The extractor LLM occasionally invents labels; a
// fact is the safest bucket for those.
func ParseMemoryType(s string) MemoryType {
	t := MemoryType(s)
	if t.IsValid() {
		return t
	}
	return MemoryFact
}

// RelationType labels a directed edge between two memories.
type RelationType string

// Memory relation constants
const (
	// RelationUpdates marks a supersession: the newer memory replaces the older
	RelationUpdates RelationType = "updates"

	// RelationExtends marks an elaboration that leaves the older memory valid
	RelationExtends RelationType = "extends"

	// RelationDerives marks a memory synthesized from its sources by inference
	RelationDerives RelationType = "derives"
)

// ValidRelationTypes contains all valid relation type values
var ValidRelationTypes = []RelationType{RelationUpdates, RelationExtends, RelationDerives}

// IsValid reports whether r is a recognized relation type.
func (r RelationType) IsValid() bool {
	for _, v := range ValidRelationTypes {
		if r == v {
			return true
		}
	}
	return false
}

// DocumentType is the detected content type of an ingested document.
type DocumentType string

// Document type constants
const (
	DocText     DocumentType = "text"
	DocPDF      DocumentType = "pdf"
	DocMarkdown DocumentType = "markdown"
	DocCode     DocumentType = "code"
	DocCSV      DocumentType = "csv"
	DocDocx     DocumentType = "docx"
	DocPptx     DocumentType = "pptx"
	DocXlsx     DocumentType = "xlsx"
	DocImage    DocumentType = "image"
	DocAudio    DocumentType = "audio"
	DocVideo    DocumentType = "video"
	DocWebpage  DocumentType = "webpage"
	DocUnknown  DocumentType = "unknown"
)

// ValidDocumentTypes contains all valid document type values
var ValidDocumentTypes = []DocumentType{
	DocText, DocPDF, DocMarkdown, DocCode, DocCSV, DocDocx, DocPptx,
	DocXlsx, DocImage, DocAudio, DocVideo, DocWebpage, DocUnknown,
}

// IsValid reports whether d is a recognized document type.
func (d DocumentType) IsValid() bool {
	for _, v := range ValidDocumentTypes {
		if d == v {
			return true
		}
	}
	return false
}

// ParseDocumentType maps a string onto a DocumentType, defaulting to DocUnknown.
func ParseDocumentType(s string) DocumentType {
	d := DocumentType(s)
	if d.IsValid() {
		return d
	}
	return DocUnknown
}

// ProcessingStatus tracks a document through the ingestion pipeline.
type ProcessingStatus string

// Processing state constants. The status column is the only externally
// observable progress signal for ingestion.
const (
	StatusQueued     ProcessingStatus = "queued"
	StatusExtracting ProcessingStatus = "extracting"
	StatusChunking   ProcessingStatus = "chunking"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusIndexing   ProcessingStatus = "indexing"
	StatusDone       ProcessingStatus = "done"
	StatusFailed     ProcessingStatus = "failed"
)

// ValidProcessingStatuses contains all valid processing states
var ValidProcessingStatuses = []ProcessingStatus{
	StatusQueued, StatusExtracting, StatusChunking,
	StatusEmbedding, StatusIndexing, StatusDone, StatusFailed,
}

// IsValid reports whether s is a recognized processing state.
func (s ProcessingStatus) IsValid() bool {
	for _, v := range ValidProcessingStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state permits no further forward transition
// other than a re-queue.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// IsValidStatusTransition validates document state transitions.
//
// Valid transitions:
//
//	queued     -> extracting
//	extracting -> chunking | done
//	chunking   -> embedding
//	embedding  -> indexing
//	indexing   -> done
//	done       -> queued  (re-queue for reprocessing)
//	failed     -> queued  (retry)
//	any non-terminal state -> failed
//
// The extracting -> done edge exists for documents dropped by the container
// filter: they skip chunking entirely but still complete.
func IsValidStatusTransition(current, next ProcessingStatus) bool {
	if next == StatusFailed {
		return !current.IsTerminal()
	}
	switch current {
	case StatusQueued:
		return next == StatusExtracting
	case StatusExtracting:
		return next == StatusChunking || next == StatusDone
	case StatusChunking:
		return next == StatusEmbedding
	case StatusEmbedding:
		return next == StatusIndexing
	case StatusIndexing:
		return next == StatusDone
	case StatusDone, StatusFailed:
		return next == StatusQueued
	default:
		return false
	}
}

// Metadata is a free-form JSON object attached to documents and memories.
type Metadata map[string]any

// GetString returns the string value for key, or "" when absent or not a string.
func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetBool returns the boolean value for key, false when absent.
func (m Metadata) GetBool(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}
