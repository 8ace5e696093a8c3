// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/jotbot/internal/pipeline"
	"github.com/user/jotbot/internal/types"
)

// Server exposes a channel-agnostic inbound endpoint plus small debug APIs.
// Useful for local testing and for channels that push over HTTP instead of
// long-polling.
type Server struct {
	pipe  *pipeline.Pipeline
	store types.Store
	mux   *http.ServeMux
}

// NewServer creates a webhook Server. store may be nil; the debug API then
// reports unavailable.
func NewServer(pipe *pipeline.Pipeline, store types.Store) *Server {
	s := &Server{
		pipe:  pipe,
		store: store,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /inbound", s.handleInbound)
	s.mux.HandleFunc("GET /api/sessions/", s.handleAPISessions)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// inboundResponse is the JSON body returned for POST /inbound.
type inboundResponse struct {
	Outcome *pipeline.Outcome `json:"outcome"`
	Reply   string            `json:"reply,omitempty"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var event types.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	outcome, err := s.pipe.HandleWait(r.Context(), &event)
	if err != nil {
		var malformed *types.MalformedEventError
		if errors.As(err, &malformed) {
			http.Error(w, `{"error":"`+malformed.Reason+`"}`, http.StatusBadRequest)
			return
		}
		slog.Error("webhook inbound failed", "user_key", event.UserKey, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inboundResponse{
		Outcome: outcome,
		Reply:   pipeline.ComposeResponse(outcome),
	})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Path: /api/sessions/{user_key}
	user := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if user == "" {
		http.Error(w, `{"error":"user key required"}`, http.StatusBadRequest)
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), types.UserKey(user))
	if err != nil {
		slog.Error("list sessions failed", "user_key", user, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}
