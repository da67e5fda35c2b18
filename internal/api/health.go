package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz reports 503 once the engine has halted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Halted(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "halted", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
