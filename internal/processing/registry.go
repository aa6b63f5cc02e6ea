package processing

import (
	"context"
	"fmt"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// ContentExtractor turns a binary or external document into text during
// the extracting step. Momo ships no extractors for media formats; they
// are a plug-in point for deployments that run OCR or transcription
// sidecars.
type ContentExtractor interface {
	Extract(ctx context.Context, doc *types.Document) (string, error)
}

// Registry routes documents to chunkers and optional content extractors
// by document type.
type Registry struct {
	chunkers   map[types.DocumentType]Chunker
	extractors map[types.DocumentType]ContentExtractor
	fallback   Chunker
}

// NewRegistry builds the default routing table.
func NewRegistry() *Registry {
	text := TextChunker{}
	md := MarkdownChunker{}
	return &Registry{
		chunkers: map[types.DocumentType]Chunker{
			types.DocText:     text,
			types.DocUnknown:  text,
			types.DocMarkdown: md,
			types.DocCode:     CodeChunker{},
			types.DocCSV:      CSVChunker{},
			types.DocWebpage:  WebpageChunker{},
		},
		extractors: map[types.DocumentType]ContentExtractor{},
		fallback:   text,
	}
}

// RegisterExtractor installs a content extractor for a document type.
func (r *Registry) RegisterExtractor(t types.DocumentType, ex ContentExtractor) {
	r.extractors[t] = ex
}

// ChunkerFor returns the chunker for a document type.
func (r *Registry) ChunkerFor(t types.DocumentType) Chunker {
	if c, ok := r.chunkers[t]; ok {
		return c
	}
	return r.fallback
}

// ExtractContent resolves a document's text. Text-bearing types pass
// through; binary types need a registered extractor and fail permanently
// without one, since retrying cannot make an extractor appear.
func (r *Registry) ExtractContent(ctx context.Context, doc *types.Document) (string, error) {
	if ex, ok := r.extractors[doc.DocType]; ok {
		return ex.Extract(ctx, doc)
	}
	switch doc.DocType {
	case types.DocImage, types.DocAudio, types.DocVideo,
		types.DocPDF, types.DocDocx, types.DocPptx, types.DocXlsx:
		return "", fmt.Errorf("%w: no content extractor registered for %s documents",
			storage.ErrInvalidInput, doc.DocType)
	}
	return doc.Content, nil
}
