package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports 503 once the scheduler is unreachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Alive() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "scheduler unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
