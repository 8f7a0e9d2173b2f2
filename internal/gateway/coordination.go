package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/basket/angrav/internal/coordinator"
	"github.com/basket/angrav/internal/orchestrator"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/surface"
)

// waitRequest drives POST /v1/coordinator/wait. Mode "for" waits on one
// session, "any" on the first of a set, "all" on every one.
type waitRequest struct {
	Mode       string   `json:"mode"`
	SessionID  string   `json:"sessionId,omitempty"`
	SessionIDs []string `json:"sessionIds,omitempty"`
	State      string   `json:"state"`
	TimeoutMs  int64    `json:"timeoutMs,omitempty"`
}

type promptRequest struct {
	SessionIDs []string                `json:"sessionIds,omitempty"`
	Messages   []ChatCompletionMessage `json:"messages"`
}

const defaultWaitTimeout = 60 * time.Second

var waitStates = map[string]surface.State{
	"idle":     surface.StateIdle,
	"thinking": surface.StateThinking,
	"error":    surface.StateError,
}

func (s *Server) handleCoordinatorWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	var req waitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.apiError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	state, ok := waitStates[req.State]
	if !ok {
		s.apiError(w, http.StatusBadRequest, "unknown state "+req.State)
		return
	}
	timeout := defaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	switch req.Mode {
	case "for", "":
		if req.SessionID == "" {
			s.apiError(w, http.StatusBadRequest, "sessionId is required for mode \"for\"")
			return
		}
		res, err := s.cfg.Coordinator.WaitFor(r.Context(), req.SessionID, state, timeout)
		if err != nil {
			s.apiError(w, coordStatus(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	case "any":
		res, err := s.cfg.Coordinator.WaitAny(r.Context(), req.SessionIDs, state, timeout)
		if err != nil {
			s.apiError(w, coordStatus(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	case "all":
		results, err := s.cfg.Coordinator.WaitAll(r.Context(), req.SessionIDs, state, timeout)
		if err != nil && !errors.Is(err, coordinator.ErrWaitTimeout) {
			s.apiError(w, coordStatus(err), err.Error())
			return
		}
		// Timeouts still report the partial outcome.
		s.writeJSON(w, http.StatusOK, map[string]any{
			"results":  results,
			"complete": err == nil,
		})
	default:
		s.apiError(w, http.StatusBadRequest, "unknown mode "+req.Mode)
	}
}

func (s *Server) handleCoordinatorFanOut(w http.ResponseWriter, r *http.Request) {
	msgs, ids, ok := s.decodePrompt(w, r)
	if !ok {
		return
	}
	results, err := s.cfg.Coordinator.FanOut(r.Context(), ids, msgs)
	if err != nil {
		s.apiError(w, coordStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCoordinatorRace(w http.ResponseWriter, r *http.Request) {
	msgs, ids, ok := s.decodePrompt(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.Coordinator.Race(r.Context(), ids, msgs)
	if err != nil {
		s.apiError(w, coordStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodePrompt(w http.ResponseWriter, r *http.Request) ([]queue.Message, []string, bool) {
	if r.Method != http.MethodPost {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, nil, false
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return nil, nil, false
	}
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.apiError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return nil, nil, false
	}
	msgs := make([]queue.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, queue.Message{Role: m.Role, Content: m.Content})
	}
	if err := orchestrator.ValidateMessages(msgs); err != nil {
		s.apiError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	return msgs, req.SessionIDs, true
}

func coordStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoSessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	default:
		return statusForError(err)
	}
}
