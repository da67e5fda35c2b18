package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/block"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/queue"
	"github.com/seantiz/kiln/internal/store"
)

const (
	maxBodySize     = 64 << 20 // 64 MB, room for base64 images
	maxGraceSeconds = 3600

	updatedMessage = "successfully updated config"
)

// configRequest is the JSON body for submit and update.
type configRequest struct {
	Config model.Values `json:"config"`
}

type submitResponse struct {
	Token string `json:"token"`
}

type fetchRequest struct {
	Token string `json:"token"`
}

type updateResponse struct {
	Status string `json:"status"`
}

type stopRequest struct {
	GraceSeconds int `json:"grace_seconds"`
}

type stopResponse struct {
	Status       string `json:"status"`
	GraceSeconds int    `json:"grace_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, err := s.engine.Submit(r.Context(), req.Config)
	if err != nil {
		s.writeEngineError(w, "submit job", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{Token: token})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.fetch(w, r, chi.URLParam(r, "token"))
}

func (s *Server) handleFetchByBody(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.fetch(w, r, req.Token)
}

// fetch answers 200 for unknown tokens too; "invalid token" is a status value.
func (s *Server) fetch(w http.ResponseWriter, r *http.Request, token string) {
	resp, err := s.engine.Fetch(r.Context(), token)
	if err != nil {
		s.writeEngineError(w, "fetch job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.engine.Update(r.Context(), chi.URLParam(r, "token"), req.Config); err != nil {
		s.writeEngineError(w, "update job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, updateResponse{Status: updatedMessage})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "token")); err != nil {
		s.writeEngineError(w, "delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.GraceSeconds < 0 || req.GraceSeconds > maxGraceSeconds {
		s.writeError(w, http.StatusBadRequest, "grace_seconds must be between 0 and 3600")
		return
	}

	select {
	case s.stopRequests <- time.Duration(req.GraceSeconds) * time.Second:
	default:
		// A stop is already pending.
	}
	s.writeJSON(w, http.StatusAccepted, stopResponse{Status: "stopping", GraceSeconds: req.GraceSeconds})
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, model.ErrMalformedValue) {
			msg = err.Error()
		}
		s.writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, block.ErrUnknownKeys):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrInvalidToken):
		s.writeError(w, http.StatusNotFound, model.StatusInvalidToken)
	case errors.Is(err, engine.ErrJobFinished), errors.Is(err, engine.ErrJobActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrHalted), errors.Is(err, store.ErrUnavailable):
		s.logger.Warn(op, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
