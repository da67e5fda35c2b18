package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
)

// handleStreamEvents streams a job's status and progress changes as SSE.
// The first event is the current fetch response so late subscribers start
// from a consistent snapshot.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	// Subscribe before reading the snapshot so no event falls between them.
	ch, unsub := s.engine.Broker().Subscribe(token)
	defer unsub()

	snapshot, err := s.engine.Fetch(r.Context(), token)
	if err != nil {
		s.writeEngineError(w, "fetch job", err)
		return
	}
	if snapshot.Status.Status == model.StatusInvalidToken {
		s.writeError(w, http.StatusNotFound, model.StatusInvalidToken)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeSSEJSON(w, "status", snapshot); err != nil {
		return
	}
	flush()

	if model.Terminal(snapshot.Status.Status) {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEJSON(w, "", ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEJSON writes v as the data of one SSE event, named when eventType is set.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if eventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	return writeSSEData(w, string(raw))
}

// writeSSEData writes one SSE data event. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
