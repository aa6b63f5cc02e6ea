package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/momohq/momo/internal/processing"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 32 << 20

// createDocumentRequest is the body of POST /documents and each element of
// a batch.
type createDocumentRequest struct {
	Content         string         `json:"content"`
	ContentType     string         `json:"contentType,omitempty"`
	ContainerTag    string         `json:"containerTag,omitempty"`
	CustomID        string         `json:"customId,omitempty"`
	Metadata        types.Metadata `json:"metadata,omitempty"`
	ExtractMemories bool           `json:"extractMemories,omitempty"`
}

// ingestionRef identifies a queued document to the caller.
type ingestionRef struct {
	DocumentID  string `json:"documentId"`
	IngestionID string `json:"ingestionId"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	doc, err := s.queueDocument(r, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusAccepted, ingestionRef{DocumentID: doc.ID, IngestionID: doc.ID})
}

type batchCreateRequest struct {
	Documents    []createDocumentRequest `json:"documents"`
	ContainerTag string                  `json:"containerTag,omitempty"`
	Metadata     types.Metadata          `json:"metadata,omitempty"`
}

func (s *Server) handleBatchCreateDocuments(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, r, errInvalid("documents must not be empty"))
		return
	}

	refs := make([]ingestionRef, 0, len(req.Documents))
	for i, d := range req.Documents {
		if d.ContainerTag == "" {
			d.ContainerTag = req.ContainerTag
		}
		if d.Metadata == nil {
			d.Metadata = types.Metadata{}
		}
		for k, v := range req.Metadata {
			if _, set := d.Metadata[k]; !set {
				d.Metadata[k] = v
			}
		}
		doc, err := s.queueDocument(r, d)
		if err != nil {
			respondError(w, r, errInvalid("document %d: %v", i, err))
			return
		}
		refs = append(refs, ingestionRef{DocumentID: doc.ID, IngestionID: doc.ID})
	}
	respondData(w, http.StatusAccepted, refs)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, r, errInvalid("parse multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, errInvalid("missing file field: %v", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		respondError(w, r, errInvalid("read upload: %v", err))
		return
	}

	doc := types.NewDocument(string(content),
		processing.DocTypeForFile(header.Filename), r.FormValue("containerTag"))
	doc.Title = header.Filename
	doc.Metadata["source_path"] = header.Filename

	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusAccepted, ingestionRef{DocumentID: doc.ID, IngestionID: doc.ID})
}

// queueDocument validates and persists one submission as a queued document.
func (s *Server) queueDocument(r *http.Request, req createDocumentRequest) (*types.Document, error) {
	if req.Content == "" {
		return nil, errInvalid("content must not be empty")
	}

	docType := types.DocText
	if req.ContentType != "" {
		docType = types.ParseDocumentType(req.ContentType)
	}

	doc := types.NewDocument(req.Content, docType, req.ContainerTag)
	doc.CustomID = req.CustomID
	for k, v := range req.Metadata {
		doc.Metadata[k] = v
	}
	if req.ExtractMemories {
		doc.Metadata["extract_memories"] = true
	}

	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, doc)
}

// handleGetIngestion reports processing progress. The ingestion id is the
// document id; the separate endpoint keeps status polling away from the
// full document payload.
func (s *Server) handleGetIngestion(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"documentId": doc.ID,
		"status":     doc.Status,
		"title":      doc.Title,
		"error":      doc.ErrorMessage,
		"createdAt":  doc.CreatedAt,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := types.ProcessingStatus(status)
		if !st.IsValid() {
			respondError(w, r, errInvalid("unknown status %q", status))
			return
		}
		opts.Status = st
	}

	page, err := s.store.ListDocuments(r.Context(), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondPage(w, page.Items, Meta{NextCursor: page.NextCursor, Total: page.Total})
}

type updateDocumentRequest struct {
	Title        *string         `json:"title,omitempty"`
	CustomID     *string         `json:"customId,omitempty"`
	ContainerTag *string         `json:"containerTag,omitempty"`
	Metadata     *types.Metadata `json:"metadata,omitempty"`
	// Reprocess re-queues a finished or failed document.
	Reprocess bool `json:"reprocess,omitempty"`
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req updateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	ctx := r.Context()
	doc, err := s.store.GetDocument(ctx, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	if req.Title != nil {
		doc.Title = *req.Title
	}
	if req.CustomID != nil {
		doc.CustomID = *req.CustomID
	}
	if req.ContainerTag != nil {
		doc.ContainerTags = []string{*req.ContainerTag}
	}
	if req.Metadata != nil {
		doc.Metadata = *req.Metadata
	}
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		respondError(w, r, err)
		return
	}

	if req.Reprocess {
		if err := s.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusQueued, ""); err != nil {
			respondError(w, r, err)
			return
		}
		doc.Status = types.StatusQueued
	}
	respondData(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listOptionsFromQuery parses shared pagination parameters. An explicit
// non-positive limit is a caller error, not a request for the default;
// an oversized one is clamped to the maximum.
func listOptionsFromQuery(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Cursor:       q.Get("cursor"),
		ContainerTag: q.Get("containerTag"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, errInvalid("limit must be an integer, got %q", raw)
		}
		if n <= 0 {
			return opts, errInvalid("limit must be positive, got %d", n)
		}
		if n > storage.MaxListLimit {
			n = storage.MaxListLimit
		}
		opts.Limit = n
	}
	return opts, nil
}
