package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/angrav/internal/bus"
)

// handleSessionStream implements GET /v1/sessions/stream: an SSE feed of
// every session event. Connecting clients first receive one synthetic
// state_change per tracked session so they can render current state
// without a separate listing call.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	s.serveEvents(w, r, "", false)
}

// handleSessionEvents implements GET /v1/sessions/{id}/events: the
// per-session feed. It auto-terminates when that session closes. With
// ?include_response=true the full response text is extracted on each
// idle transition and emitted as response_ready.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, ok := strings.CutSuffix(rest, "/events")
	if !ok || id == "" || strings.Contains(id, "/") {
		s.apiError(w, http.StatusNotFound, "Not found")
		return
	}
	if s.cfg.Registry.Get(id) == nil {
		s.apiError(w, http.StatusNotFound, "The session '"+id+"' does not exist")
		return
	}

	include := r.URL.Query().Get("include_response")
	s.serveEvents(w, r, id, include == "1" || include == "true")
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, sessionID string, includeResponse bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.apiError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so no transition between snapshot
	// and loop is lost.
	sub := s.cfg.Bus.Subscribe(bus.TopicSessionPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(env *eventEnvelope) bool {
		data, err := json.Marshal(env)
		if err != nil {
			s.logger.Error("marshal sse event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Initial snapshot.
	for _, sess := range s.cfg.Registry.List() {
		if sessionID != "" && sess.ID != sessionID {
			continue
		}
		env := &eventEnvelope{
			Type:      "state_change",
			SessionID: sess.ID,
			State:     string(sess.State),
			Timestamp: time.Now().UTC(),
		}
		if !writeEvent(env) {
			return
		}
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			env := envelopeFor(ev)
			if env == nil {
				continue
			}
			if sessionID != "" && env.SessionID != sessionID {
				continue
			}
			if env.Type == "session_idle" && includeResponse {
				if resp := s.extractResponse(ctx, env.SessionID); resp != "" {
					if !writeEvent(env) {
						return
					}
					env = &eventEnvelope{
						Type:      "response_ready",
						SessionID: env.SessionID,
						Response:  resp,
						Timestamp: time.Now().UTC(),
					}
				}
			}
			if !writeEvent(env) {
				return
			}
			if sessionID != "" && env.Type == "session_closed" {
				return
			}
		}
	}
}

// extractResponse scrapes the session's latest answer text. Best effort:
// a failed scrape yields an empty string, never an aborted stream.
func (s *Server) extractResponse(ctx context.Context, sessionID string) string {
	if s.cfg.Extractor == nil {
		return ""
	}
	sess := s.cfg.Registry.Get(sessionID)
	if sess == nil {
		return ""
	}
	text, err := s.cfg.Extractor.AnswerText(ctx, sess.Frame)
	if err != nil {
		s.logger.Debug("response extraction failed", "session_id", sessionID, "error", err)
		return ""
	}
	return text
}
