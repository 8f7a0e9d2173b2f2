// Package registry discovers and tracks live agent sessions across the
// application's pages, polls their state, and publishes transitions on
// the bus. The registry is the authoritative owner of session handles;
// every other component borrows a handle for one operation at a time.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/driver"
	"github.com/basket/angrav/internal/surface"
)

const DefaultPollInterval = 2 * time.Second

// Session is one tracked agent surface.
type Session struct {
	ID           string
	Page         driver.Page
	Frame        driver.Frame
	State        surface.State
	Created      time.Time
	LastActivity time.Time
	Title        string
	Workspace    string
}

// sessionIDRe extracts a stable id from a workbench page URL.
var sessionIDRe = regexp.MustCompile(`[?&](?:windowId|sessionId)=([A-Za-z0-9_-]+)`)

// Registry tracks sessions and polls their state.
type Registry struct {
	driver driver.Driver
	frames *surface.FrameLocator
	probe  *surface.StateProbe
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byPage   map[string]string // page id → session id

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

func New(d driver.Driver, frames *surface.FrameLocator, probe *surface.StateProbe, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		driver:   d,
		frames:   frames,
		probe:    probe,
		bus:      b,
		logger:   logger,
		sessions: make(map[string]*Session),
		byPage:   make(map[string]string),
	}
}

// Discover enumerates pages, filters to main workbench windows (agent
// manager shells are skipped), resolves each one's agent frame, and
// tracks any session not yet known. Emits a discovered event per new id.
func (r *Registry) Discover(ctx context.Context) error {
	pages, err := r.driver.Pages(ctx)
	if err != nil {
		return fmt.Errorf("enumerate pages: %w", err)
	}

	for _, page := range pages {
		pageURL, err := page.URL(ctx)
		if err != nil {
			continue
		}
		if !isWorkbenchURL(pageURL) {
			continue
		}

		r.mu.RLock()
		_, known := r.byPage[page.ID()]
		r.mu.RUnlock()
		if known {
			continue
		}

		frame, err := r.frames.AgentFrame(ctx, page)
		if err != nil {
			r.logger.Debug("page has no agent surface", "url", pageURL, "error", err)
			continue
		}
		sample, err := r.probe.Sample(ctx, frame)
		if err != nil {
			r.logger.Debug("initial probe failed", "url", pageURL, "error", err)
			continue
		}
		title, _ := page.Title(ctx)

		sess := &Session{
			ID:           sessionID(pageURL),
			Page:         page,
			Frame:        frame,
			State:        sample.State,
			Created:      time.Now(),
			LastActivity: time.Now(),
			Title:        title,
			Workspace:    workspaceTag(pageURL),
		}

		r.mu.Lock()
		r.sessions[sess.ID] = sess
		r.byPage[page.ID()] = sess.ID
		r.mu.Unlock()

		r.logger.Info("session discovered", "session_id", sess.ID, "title", title, "state", sess.State)
		r.bus.Publish(bus.TopicSessionDiscovered, bus.SessionDiscoveredEvent{
			SessionID: sess.ID,
			Title:     title,
			State:     string(sample.State),
		})
	}
	return nil
}

// StartPolling begins the background poll loop. Calling it while already
// polling is a no-op.
func (r *Registry) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.pollCancel = cancel
	r.pollWG.Add(1)
	go r.pollLoop(ctx, interval)
}

// StopPolling stops the poll loop. Idempotent.
func (r *Registry) StopPolling() {
	r.pollMu.Lock()
	cancel := r.pollCancel
	r.pollCancel = nil
	r.pollMu.Unlock()
	if cancel != nil {
		cancel()
		r.pollWG.Wait()
	}
}

func (r *Registry) pollLoop(ctx context.Context, interval time.Duration) {
	defer r.pollWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Windows opened after startup get tracked on the next tick;
			// already-known pages short-circuit inside Discover.
			if err := r.Discover(ctx); err != nil {
				r.logger.Debug("periodic discovery failed", "error", err)
			}
			r.pollOnce(ctx)
		}
	}
}

// pollOnce samples every tracked session. The registry map is updated
// before the corresponding event is published, so subscribers always
// observe the new state when the event arrives.
func (r *Registry) pollOnce(ctx context.Context) {
	for _, sess := range r.List() {
		sample, err := r.probe.Sample(ctx, sess.Frame)
		if err != nil {
			r.remove(sess.ID)
			r.logger.Info("session closed", "session_id", sess.ID, "error", err)
			r.bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{SessionID: sess.ID})
			continue
		}
		if sample.State == sess.State {
			continue
		}

		r.mu.Lock()
		tracked, ok := r.sessions[sess.ID]
		if !ok {
			r.mu.Unlock()
			continue
		}
		previous := tracked.State
		tracked.State = sample.State
		tracked.LastActivity = time.Now()
		r.mu.Unlock()

		r.logger.Debug("session state change", "session_id", sess.ID, "previous", previous, "current", sample.State)
		r.bus.Publish(bus.TopicSessionStateChanged, bus.SessionStateChangedEvent{
			SessionID: sess.ID,
			Previous:  string(previous),
			Current:   string(sample.State),
		})
		if sample.State == surface.StateIdle {
			r.bus.Publish(bus.TopicSessionIdle, bus.SessionIdleEvent{SessionID: sess.ID})
		}
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		delete(r.byPage, sess.Page.ID())
		delete(r.sessions, id)
	}
}

// List returns a snapshot of all tracked sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Get returns the session with the exact id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// ByState returns sessions currently in the given state.
func (r *Registry) ByState(state surface.State) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out
}

// Size returns the number of tracked sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

const (
	workbenchMarker    = "workbench.html"
	agentManagerMarker = "agent-manager"
)

func isWorkbenchURL(u string) bool {
	return strings.Contains(u, workbenchMarker) && !strings.Contains(u, agentManagerMarker)
}

// sessionID extracts an id from the page URL, falling back to a
// synthesized one when the URL carries none.
func sessionID(pageURL string) string {
	if m := sessionIDRe.FindStringSubmatch(pageURL); m != nil {
		return m[1]
	}
	return "sess-" + uuid.NewString()[:8]
}

// workspaceTag derives the workspace name from the folder query
// parameter, when present.
func workspaceTag(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	if folder := u.Query().Get("folder"); folder != "" {
		return path.Base(folder)
	}
	return ""
}
