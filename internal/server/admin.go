package server

import "net/http"

// handleRunForgetting triggers a forgetting sweep immediately, outside the
// scheduler's interval.
func (s *Server) handleRunForgetting(w http.ResponseWriter, r *http.Request) {
	stats, err := s.forgetting.RunOnce(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]int{
		"memoriesEvaluated": stats.Evaluated,
		"memoriesForgotten": stats.Forgotten,
		"memoriesScheduled": stats.Scheduled,
		"errors":            stats.Errors,
	})
}

// handleRunInference triggers an inference run immediately.
func (s *Server) handleRunInference(w http.ResponseWriter, r *http.Request) {
	stats, err := s.inference.RunOnce(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, stats)
}
