package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opsflow-io/opsflow/internal/streaming"
)

// handleSSERuns streams every engine audit event.
func (s *Server) handleSSERuns(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{Topic: streaming.TopicRuns})
}

// handleSSERun streams audit events for a single run.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{Topic: streaming.TopicRuns, RunID: r.PathValue("id")})
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.deps.Logger.Warn("sse marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
