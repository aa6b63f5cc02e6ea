package server

import (
	"net/http"

	"github.com/momohq/momo/internal/engine"
)

type computeProfileRequest struct {
	ContainerTag string `json:"containerTag"`
	// Query narrows the profile to memories similar to this text.
	Query     string  `json:"q,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	// IncludeDynamic keeps non-static memories. Omitted means true.
	IncludeDynamic *bool `json:"includeDynamic,omitempty"`
	Limit          int   `json:"limit,omitempty"`
	// GenerateNarrative adds the LLM narrative. Defaults to false.
	GenerateNarrative bool `json:"generateNarrative,omitempty"`
	// Refresh bypasses the cached narrative.
	Refresh bool `json:"refresh,omitempty"`
}

func (s *Server) handleComputeProfile(w http.ResponseWriter, r *http.Request) {
	var req computeProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	opts := engine.ProfileOptions{
		Query:             req.Query,
		Threshold:         req.Threshold,
		IncludeDynamic:    req.IncludeDynamic == nil || *req.IncludeDynamic,
		Limit:             req.Limit,
		GenerateNarrative: req.GenerateNarrative,
		Refresh:           req.Refresh,
	}
	profile, err := s.profiles.GetProfile(r.Context(), req.ContainerTag, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, profile)
}
