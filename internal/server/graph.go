package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

func (s *Server) handleMemoryGraph(w http.ResponseWriter, r *http.Request) {
	bounds, err := graphBoundsFromQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	graph, err := s.store.GetMemoryGraph(r.Context(), r.PathValue("id"), bounds)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, graph)
}

func (s *Server) handleContainerGraph(w http.ResponseWriter, r *http.Request) {
	bounds, err := graphBoundsFromQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	graph, err := s.store.GetContainerGraph(r.Context(), r.PathValue("tag"), bounds)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, graph)
}

func graphBoundsFromQuery(r *http.Request) (storage.GraphBounds, error) {
	q := r.URL.Query()
	var bounds storage.GraphBounds

	var err error
	if bounds.MaxNodes, err = positiveIntParam(q.Get("maxNodes"), "maxNodes"); err != nil {
		return bounds, err
	}
	if bounds.Depth, err = positiveIntParam(q.Get("depth"), "depth"); err != nil {
		return bounds, err
	}

	if raw := q.Get("relationTypes"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			rel := types.RelationType(strings.TrimSpace(part))
			if !rel.IsValid() {
				return bounds, errInvalid("unknown relation type %q", part)
			}
			bounds.RelationTypes = append(bounds.RelationTypes, rel)
		}
	}
	return bounds, nil
}

func positiveIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalid("%s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}
