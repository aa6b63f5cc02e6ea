package server

import (
	"net/http"

	"github.com/momohq/momo/internal/search"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	resp, err := s.search.Search(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, resp)
}
