package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// conversationMessage is one turn of a transcript.
type conversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ingestConversationRequest struct {
	Messages     []conversationMessage `json:"messages"`
	ContainerTag string                `json:"containerTag"`
	SessionID    string                `json:"sessionId,omitempty"`
	MemoryType   string                `json:"memoryType,omitempty"`
}

type ingestConversationResponse struct {
	DocumentID        string   `json:"documentId"`
	SessionID         string   `json:"sessionId"`
	MemoriesExtracted int      `json:"memoriesExtracted"`
	MemoryIDs         []string `json:"memoryIds"`
}

// handleIngestConversation flattens a transcript into one document, runs
// memory extraction synchronously so the caller gets the created ids, and
// leaves the document queued for normal chunking and indexing.
func (s *Server) handleIngestConversation(w http.ResponseWriter, r *http.Request) {
	var req ingestConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, r, errInvalid("messages must not be empty"))
		return
	}
	if req.ContainerTag == "" {
		respondError(w, r, errInvalid("container tag must not be empty"))
		return
	}

	var b strings.Builder
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = types.NewID()
	}

	doc := types.NewDocument(b.String(), types.DocText, req.ContainerTag)
	doc.Title = "Conversation " + sessionID
	doc.Metadata["session_id"] = sessionID
	doc.Metadata["extract_memories"] = true
	if req.MemoryType != "" {
		doc.Metadata["memory_type"] = req.MemoryType
	}

	ctx := r.Context()
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		respondError(w, r, err)
		return
	}

	resp := ingestConversationResponse{
		DocumentID: doc.ID,
		SessionID:  sessionID,
		MemoryIDs:  []string{},
	}
	if s.extractor != nil {
		ids, err := s.extractor.ExtractFromDocument(ctx, doc)
		if err != nil {
			// the transcript is stored; extraction can be retried offline
			respondError(w, r, err)
			return
		}
		resp.MemoriesExtracted = len(ids)
		if ids != nil {
			resp.MemoryIDs = ids
		}
		// extraction already ran; clear the flag so the pipeline's
		// post-process pass does not repeat it
		doc.Metadata["extract_memories"] = false
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			respondError(w, r, err)
			return
		}
	}
	respondData(w, http.StatusCreated, resp)
}
