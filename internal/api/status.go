package api

import (
	"net/http"
	"sort"
)

type unitResponse struct {
	Name     string `json:"name"`
	Occupied bool   `json:"occupied"`
}

type resourcesResponse struct {
	Units []unitResponse `json:"units"`
	Size  int            `json:"size"`
	Free  int            `json:"free"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Queue(r.Context())
	if err != nil {
		s.writeEngineError(w, "get queue", err)
		return
	}
	if snap.Queued == nil {
		snap.Queued = []string{}
	}
	if snap.Running == nil {
		snap.Running = []string{}
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetResources(w http.ResponseWriter, _ *http.Request) {
	usage := s.engine.Resources()
	resp := resourcesResponse{Units: make([]unitResponse, 0, len(usage)), Size: len(usage)}
	for name, occupied := range usage {
		resp.Units = append(resp.Units, unitResponse{Name: name, Occupied: occupied})
		if !occupied {
			resp.Free++
		}
	}
	sort.Slice(resp.Units, func(i, j int) bool {
		return resp.Units[i].Name < resp.Units[j].Name
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Block())
}
