// Package gateway exposes the OpenAI-compatible HTTP surface: chat
// completions served by live agent sessions, session listings, and SSE
// event streams.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/angrav/internal/availability"
	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/coordinator"
	"github.com/basket/angrav/internal/driver"
	"github.com/basket/angrav/internal/orchestrator"
	otelpkg "github.com/basket/angrav/internal/otel"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
)

// DefaultModel is the stable stand-in id for the underlying agent.
const DefaultModel = "gemini-antigravity"

// modelCreated is a fixed catalog timestamp; model entries are static.
const modelCreated = 1677610602

const defaultHeartbeat = 30 * time.Second

type Config struct {
	Registry     *registry.Registry
	Router       *queue.Router
	Coordinator  *coordinator.Coordinator
	Availability *availability.Store
	Bus          *bus.Bus
	Driver       driver.Driver
	Extractor    *surface.ResponseExtractor
	Logger       *slog.Logger

	// Metrics is optional; nil disables gateway instrumentation.
	Metrics *otelpkg.Metrics

	// Models lists the advertised model ids. Empty means DefaultModel.
	Models []string
	// AuthToken, when set, requires Bearer auth on /v1 endpoints.
	AuthToken string
	// HeartbeatInterval spaces SSE comment heartbeats. Default 30s.
	HeartbeatInterval time.Duration
	// MaxBodyBytes caps request bodies. Default 10MB.
	MaxBodyBytes int64
	Version      string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
	httpSrv *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{DefaultModel}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	return &Server{cfg: cfg, logger: cfg.Logger, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/models/", s.handleModelByID)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/stream", s.handleSessionStream)
	mux.HandleFunc("/v1/sessions/", s.handleSessionEvents)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletion)
	mux.HandleFunc("/v1/availability", s.handleAvailability)
	mux.HandleFunc("/v1/coordinator/wait", s.handleCoordinatorWait)
	mux.HandleFunc("/v1/coordinator/fanout", s.handleCoordinatorFanOut)
	mux.HandleFunc("/v1/coordinator/race", s.handleCoordinatorRace)

	return corsMiddleware(requestSizeLimit(s.cfg.MaxBodyBytes, mux))
}

// ListenAndServe runs the gateway until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. SSE loops exit via their request
// contexts, which the http server cancels on shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	total, _, busy := s.cfg.Router.Depths()
	maxPerSession, maxTotal := s.cfg.Router.MaxDepths()
	if busy == nil {
		busy = []string{}
	}

	connected := false
	if s.cfg.Driver != nil {
		connected = s.cfg.Driver.Connected()
	}
	payload := map[string]any{
		"status":    "ok",
		"connected": connected,
		"sessions":  s.cfg.Registry.Size(),
		"queue": map[string]any{
			"totalDepth":    total,
			"maxTotalDepth": maxTotal,
			"maxPerSession": maxPerSession,
			"busySessions":  busy,
		},
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"version":        s.cfg.Version,
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	models := make([]Model, 0, len(s.cfg.Models))
	for _, id := range s.cfg.Models {
		models = append(models, Model{ID: id, Object: "model", Created: modelCreated, OwnedBy: "angrav"})
	}
	s.writeJSON(w, http.StatusOK, ModelListResponse{Object: "list", Data: models})
}

func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	for _, m := range s.cfg.Models {
		if m == id {
			s.writeJSON(w, http.StatusOK, Model{ID: m, Object: "model", Created: modelCreated, OwnedBy: "angrav"})
			return
		}
	}
	s.apiError(w, http.StatusNotFound, "The model '"+id+"' does not exist")
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	sessions := s.cfg.Registry.List()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			ID:        sess.ID,
			Name:      sess.Title,
			State:     string(sess.State),
			Workspace: sess.Workspace,
			Created:   sess.Created.Unix(),
		})
	}
	s.writeJSON(w, http.StatusOK, SessionListResponse{Object: "list", Data: infos})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	if s.cfg.Availability == nil {
		s.apiError(w, http.StatusServiceUnavailable, "availability store not configured")
		return
	}
	recs, err := s.cfg.Availability.ListAllCurrent(r.Context())
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []availability.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": recs})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

// apiError writes the uniform error envelope. The numeric code mirrors
// the HTTP status so clients need not parse both.
func (s *Server) apiError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		s.logger.Warn("write error response failed", "error", err)
	}
}

// statusForError maps pipeline failures onto HTTP statuses.
func statusForError(err error) int {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFullSession), errors.Is(err, queue.ErrQueueFullGlobal):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrNoSession), errors.Is(err, queue.ErrSessionClosed), errors.Is(err, queue.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrQueueTimeout), errors.Is(err, surface.ErrStreamTimeout), errors.Is(err, driver.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// eventEnvelope is the SSE wire format shared by both stream variants.
type eventEnvelope struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"sessionId"`
	State         string    `json:"state,omitempty"`
	PreviousState string    `json:"previousState,omitempty"`
	Response      string    `json:"response,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func envelopeFor(ev bus.Event) *eventEnvelope {
	// Prefer the bus publish time so a drained backlog keeps honest
	// timestamps.
	now := ev.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	switch payload := ev.Payload.(type) {
	case bus.SessionStateChangedEvent:
		return &eventEnvelope{Type: "state_change", SessionID: payload.SessionID, State: payload.Current, PreviousState: payload.Previous, Timestamp: now}
	case bus.SessionIdleEvent:
		return &eventEnvelope{Type: "session_idle", SessionID: payload.SessionID, State: "idle", Timestamp: now}
	case bus.SessionClosedEvent:
		return &eventEnvelope{Type: "session_closed", SessionID: payload.SessionID, Timestamp: now}
	case bus.SessionDiscoveredEvent:
		return &eventEnvelope{Type: "state_change", SessionID: payload.SessionID, State: payload.State, Timestamp: now}
	case bus.ResponseReadyEvent:
		return &eventEnvelope{Type: "response_ready", SessionID: payload.SessionID, Response: payload.Text, Timestamp: now}
	default:
		return nil
	}
}
