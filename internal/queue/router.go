// Package queue serializes chat requests per session: one in-flight
// prompt cycle per session, FIFO dispatch, bounded per-session and
// global depth.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
)

var (
	ErrNoSession        = errors.New("queue: no session available")
	ErrQueueFullSession = errors.New("queue: session queue full")
	ErrQueueFullGlobal  = errors.New("queue: global queue full")
	ErrQueueTimeout     = errors.New("queue: enqueue timeout")
	ErrSessionClosed    = errors.New("queue: session closed")
	ErrShutdown         = errors.New("queue: shutting down")
)

// Message is one chat message of a request.
type Message struct {
	Role    string
	Content string
}

// Request is the router's unit of work. OnChunk, when set, receives
// streaming deltas during processing.
type Request struct {
	Model           string
	Messages        []Message
	Stream          bool
	NewConversation bool
	// TargetSession selects a session by exact id, id prefix, or title
	// prefix. Empty means "any", preferring idle sessions.
	TargetSession string
	OnChunk       func(surface.StreamChunk) error
}

// Result is the outcome of one processed request.
type Result struct {
	SessionID  string
	Text       string
	Response   *surface.AgentResponse
	RateLimit  *surface.RateLimitInfo
	DurationMs int64
}

// Processor runs one request against a session. Implemented by the
// completion orchestrator.
type Processor interface {
	Process(ctx context.Context, sess *registry.Session, req *Request) (*Result, error)
}

// Config bounds the router.
type Config struct {
	MaxPerSession  int           // default 5
	MaxTotal       int           // default 20
	EnqueueTimeout time.Duration // default 2 minutes
	RequestTimeout time.Duration // default 5 minutes
}

func (c Config) withDefaults() Config {
	if c.MaxPerSession <= 0 {
		c.MaxPerSession = 5
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 20
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	return c
}

type outcome struct {
	res *Result
	err error
}

type item struct {
	req        *Request
	sess       *registry.Session
	enqueuedAt time.Time
	done       chan outcome
	canceled   bool
}

type sessionQueue struct {
	processing bool
	fifo       []*item
}

// Router routes requests to sessions and drains per-session queues.
type Router struct {
	reg    *registry.Registry
	proc   Processor
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	cfg      Config
	queues   map[string]*sessionQueue
	total    int
	shutdown bool
}

func NewRouter(reg *registry.Registry, proc Processor, b *bus.Bus, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:    reg,
		proc:   proc,
		bus:    b,
		logger: logger,
		cfg:    cfg.withDefaults(),
		queues: make(map[string]*sessionQueue),
	}
}

// Start subscribes to session_closed events so queues for closed
// sessions are purged. Returns when ctx is done.
func (r *Router) Start(ctx context.Context) {
	sub := r.bus.Subscribe(bus.TopicSessionClosed)
	go func() {
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if closed, ok := ev.Payload.(bus.SessionClosedEvent); ok {
					r.PurgeSession(closed.SessionID)
				}
			}
		}
	}()
}

// SetBounds replaces the queue bounds at runtime (config hot-reload).
func (r *Router) SetBounds(maxPerSession, maxTotal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxPerSession > 0 {
		r.cfg.MaxPerSession = maxPerSession
	}
	if maxTotal > 0 {
		r.cfg.MaxTotal = maxTotal
	}
}

// Submit enqueues the request on its target session and blocks until it
// completes, fails, or times out waiting for dispatch.
func (r *Router) Submit(ctx context.Context, req *Request) (*Result, error) {
	sess, err := r.resolveSession(req.TargetSession)
	if err != nil {
		return nil, err
	}

	it := &item{
		req:        req,
		sess:       sess,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	q := r.queues[sess.ID]
	if q == nil {
		q = &sessionQueue{}
		r.queues[sess.ID] = q
	}
	if len(q.fifo) >= r.cfg.MaxPerSession {
		r.mu.Unlock()
		return nil, ErrQueueFullSession
	}
	if r.total >= r.cfg.MaxTotal {
		r.mu.Unlock()
		return nil, ErrQueueFullGlobal
	}
	q.fifo = append(q.fifo, it)
	r.total++
	enqueueTimeout := r.cfg.EnqueueTimeout
	r.mu.Unlock()

	go r.drain(sess.ID)

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case out := <-it.done:
		return out.res, out.err
	case <-timer.C:
		if r.cancelQueued(sess.ID, it) {
			return nil, ErrQueueTimeout
		}
		// Already dispatched; the processor owns it now.
		out := <-it.done
		return out.res, out.err
	case <-ctx.Done():
		if r.cancelQueued(sess.ID, it) {
			return nil, ctx.Err()
		}
		// Client gone mid-processing. The cycle runs to completion so
		// the slot is released cleanly; the result is discarded.
		return nil, ctx.Err()
	}
}

// drain dispatches the head of a session's queue if no item is in
// flight. It re-arms itself after each completion.
func (r *Router) drain(sessionID string) {
	for {
		r.mu.Lock()
		q := r.queues[sessionID]
		if q == nil || q.processing {
			r.mu.Unlock()
			return
		}
		var it *item
		for len(q.fifo) > 0 {
			head := q.fifo[0]
			q.fifo = q.fifo[1:]
			r.total--
			if !head.canceled {
				it = head
				break
			}
		}
		if it == nil {
			r.mu.Unlock()
			return
		}
		q.processing = true
		timeout := r.cfg.RequestTimeout
		r.mu.Unlock()

		// Processing deliberately detaches from the submitter's context:
		// a vanished client must not leave a half-typed prompt behind.
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		start := time.Now()
		res, err := r.proc.Process(ctx, it.sess, it.req)
		cancel()
		if res != nil {
			res.DurationMs = time.Since(start).Milliseconds()
		}
		if err != nil {
			r.logger.Warn("request failed", "session_id", it.sess.ID, "error", err)
		}

		r.mu.Lock()
		q.processing = false
		r.mu.Unlock()

		it.done <- outcome{res: res, err: err}
	}
}

// cancelQueued marks the item canceled if it is still waiting in the
// fifo. Returns false when the item was already dispatched.
func (r *Router) cancelQueued(sessionID string, target *item) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[sessionID]
	if q == nil {
		return false
	}
	for _, it := range q.fifo {
		if it == target {
			it.canceled = true
			r.total--
			// Remove eagerly so depth reporting stays honest.
			fifo := q.fifo[:0]
			for _, x := range q.fifo {
				if x != target {
					fifo = append(fifo, x)
				}
			}
			q.fifo = fifo
			return true
		}
	}
	return false
}

// PurgeSession rejects all queued items for a closed session.
func (r *Router) PurgeSession(sessionID string) {
	r.mu.Lock()
	q := r.queues[sessionID]
	var rejected []*item
	if q != nil {
		rejected = q.fifo
		r.total -= len(q.fifo)
		delete(r.queues, sessionID)
	}
	r.mu.Unlock()

	for _, it := range rejected {
		it.done <- outcome{err: ErrSessionClosed}
	}
	if len(rejected) > 0 {
		r.logger.Info("purged queue for closed session", "session_id", sessionID, "rejected", len(rejected))
	}
}

// Shutdown rejects every queued item and refuses new submissions.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	var rejected []*item
	for _, q := range r.queues {
		rejected = append(rejected, q.fifo...)
		q.fifo = nil
	}
	r.total = 0
	r.mu.Unlock()

	for _, it := range rejected {
		it.done <- outcome{err: ErrShutdown}
	}
}

// Depths reports queue depth for the health endpoint.
func (r *Router) Depths() (total int, perSession map[string]int, busy []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perSession = make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		if len(q.fifo) > 0 {
			perSession[id] = len(q.fifo)
		}
		if q.processing {
			busy = append(busy, id)
		}
	}
	sort.Strings(busy)
	return r.total, perSession, busy
}

// MaxDepths returns the configured bounds.
func (r *Router) MaxDepths() (perSession, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.MaxPerSession, r.cfg.MaxTotal
}

// resolveSession picks the target session: named (exact id, id prefix,
// title prefix), else first idle, else first tracked.
func (r *Router) resolveSession(target string) (*registry.Session, error) {
	if target != "" {
		if sess := r.reg.Get(target); sess != nil {
			return sess, nil
		}
		sessions := r.reg.List()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
		for _, sess := range sessions {
			if strings.HasPrefix(sess.ID, target) {
				return sess, nil
			}
		}
		for _, sess := range sessions {
			if strings.HasPrefix(sess.Title, target) {
				return sess, nil
			}
		}
		return nil, ErrNoSession
	}

	if idle := r.reg.ByState(surface.StateIdle); len(idle) > 0 {
		sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
		return idle[0], nil
	}
	all := r.reg.List()
	if len(all) > 0 {
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		return all[0], nil
	}
	return nil, ErrNoSession
}
