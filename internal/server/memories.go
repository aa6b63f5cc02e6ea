package server

import (
	"net/http"
	"time"

	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/pkg/types"
)

type createMemoryRequest struct {
	Content      string         `json:"content"`
	ContainerTag string         `json:"containerTag"`
	MemoryType   string         `json:"memoryType,omitempty"`
	IsStatic     bool           `json:"isStatic,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
	Metadata     types.Metadata `json:"metadata,omitempty"`
	ForgetAfter  *time.Time     `json:"forgetAfter,omitempty"`
}

// memoryResult is a memory plus the lifecycle outcome of its creation.
type memoryResult struct {
	Memory       *types.Memory `json:"memory"`
	Created      bool          `json:"created"`
	SupersededID string        `json:"supersededId,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.engine.CreateMemory(r.Context(), engine.CreateMemoryRequest{
		Content:      req.Content,
		ContainerTag: req.ContainerTag,
		MemoryType:   types.ParseMemoryType(req.MemoryType),
		IsStatic:     req.IsStatic,
		Confidence:   req.Confidence,
		Metadata:     req.Metadata,
		ForgetAfter:  req.ForgetAfter,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	} else {
		s.events.Broadcast(EventMemoryCreated, res.Memory)
	}
	respondData(w, status, memoryResult{
		Memory:       res.Memory,
		Created:      res.Created,
		SupersededID: res.SupersededID,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, m)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	opts.LatestOnly = true
	if r.URL.Query().Get("includeForgotten") == "true" {
		opts.IncludeForgotten = true
	}

	page, err := s.store.ListMemories(r.Context(), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondPage(w, page.Items, Meta{NextCursor: page.NextCursor, Total: page.Total})
}

type updateMemoryRequest struct {
	Content  string         `json:"content"`
	Metadata types.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.engine.UpdateMemory(r.Context(), r.PathValue("id"), req.Content, req.Metadata)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if res.Created {
		s.events.Broadcast(EventMemoryCreated, res.Memory)
	}
	respondData(w, http.StatusOK, memoryResult{
		Memory:       res.Memory,
		Created:      res.Created,
		SupersededID: res.SupersededID,
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMemory(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forgetMemoryRequest forgets by id or by exact content within a
// container. Forgetting is soft: the row stays for provenance but leaves
// every candidate set.
type forgetMemoryRequest struct {
	ID           string `json:"id,omitempty"`
	Content      string `json:"content,omitempty"`
	ContainerTag string `json:"containerTag,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (s *Server) handleForgetMemory(w http.ResponseWriter, r *http.Request) {
	var req forgetMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "forgotten by user request"
	}

	switch {
	case req.ID != "":
		if err := s.engine.ForgetMemory(r.Context(), req.ID, reason); err != nil {
			respondError(w, r, err)
			return
		}
		s.events.Broadcast(EventMemoryForgotten, map[string]string{"id": req.ID, "reason": reason})
		respondData(w, http.StatusOK, map[string]string{"id": req.ID})
	case req.Content != "":
		m, err := s.engine.ForgetByContent(r.Context(), req.Content, req.ContainerTag, reason)
		if err != nil {
			respondError(w, r, err)
			return
		}
		s.events.Broadcast(EventMemoryForgotten, map[string]string{"id": m.ID, "reason": reason})
		respondData(w, http.StatusOK, map[string]string{"id": m.ID})
	default:
		respondError(w, r, errInvalid("either id or content must be set"))
	}
}
