// Package coordinator provides multi-session orchestration: waiting on
// state transitions and fanning a prompt out across sessions.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
)

var (
	ErrWaitTimeout    = errors.New("coordinator: wait timeout")
	ErrUnknownSession = errors.New("coordinator: unknown session")
	ErrNoSessions     = errors.New("coordinator: no sessions")
)

// pollFallback guards against a missed bus event: even with a
// subscription in place the tracked state is re-checked periodically.
const pollFallback = 500 * time.Millisecond

// Result is one session's outcome of a coordinated operation.
type Result struct {
	SessionID  string `json:"sessionId"`
	State      string `json:"state,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Coordinator waits on registry state and routes fan-out prompts
// through the queue router, so coordinated prompts obey the same
// serialization rules as API requests.
type Coordinator struct {
	reg    *registry.Registry
	router *queue.Router
	bus    *bus.Bus
	logger *slog.Logger
}

func New(reg *registry.Registry, router *queue.Router, b *bus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{reg: reg, router: router, bus: b, logger: logger}
}

// WaitFor blocks until the session reaches the wanted state. The
// subscription is established before the current state is checked, so a
// transition between check and wait cannot be missed.
func (c *Coordinator) WaitFor(ctx context.Context, sessionID string, want surface.State, timeout time.Duration) (*Result, error) {
	start := time.Now()

	sub := c.bus.Subscribe(bus.TopicSessionStateChanged)
	defer c.bus.Unsubscribe(sub)

	sess := c.reg.Get(sessionID)
	if sess == nil {
		return nil, ErrUnknownSession
	}
	if sess.State == want {
		return &Result{SessionID: sessionID, State: string(want), DurationMs: time.Since(start).Milliseconds()}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil, ErrWaitTimeout
			}
			change, ok := ev.Payload.(bus.SessionStateChangedEvent)
			if !ok || change.SessionID != sessionID {
				continue
			}
			if change.Current == string(want) {
				return &Result{SessionID: sessionID, State: string(want), DurationMs: time.Since(start).Milliseconds()}, nil
			}
		case <-ticker.C:
			sess := c.reg.Get(sessionID)
			if sess == nil {
				return nil, ErrUnknownSession
			}
			if sess.State == want {
				return &Result{SessionID: sessionID, State: string(want), DurationMs: time.Since(start).Milliseconds()}, nil
			}
		case <-timer.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitAny returns the first of the given sessions to reach the state.
// An empty id list means all tracked sessions.
func (c *Coordinator) WaitAny(ctx context.Context, sessionIDs []string, want surface.State, timeout time.Duration) (*Result, error) {
	ids, err := c.expand(sessionIDs)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, len(ids))
	for _, id := range ids {
		go func(id string) {
			res, err := c.WaitFor(waitCtx, id, want, timeout)
			ch <- outcome{res, err}
		}(id)
	}

	var lastErr error
	for range ids {
		out := <-ch
		if out.err == nil {
			return out.res, nil
		}
		if !errors.Is(out.err, context.Canceled) {
			lastErr = out.err
		}
	}
	if lastErr == nil {
		lastErr = ErrWaitTimeout
	}
	return nil, lastErr
}

// WaitAll waits for every given session to reach the state. On timeout
// the partial outcome is still reported: sessions that made it carry
// their state, the rest carry a timeout error, and ErrWaitTimeout is
// returned alongside.
func (c *Coordinator) WaitAll(ctx context.Context, sessionIDs []string, want surface.State, timeout time.Duration) ([]Result, error) {
	ids, err := c.expand(sessionIDs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := c.WaitFor(ctx, id, want, timeout)
			if err != nil {
				results[i] = Result{SessionID: id, Error: err.Error()}
				return
			}
			results[i] = *res
		}(i, id)
	}
	wg.Wait()

	for _, r := range results {
		if r.Error != "" {
			return results, ErrWaitTimeout
		}
	}
	return results, nil
}

// FanOut submits the same conversation to every given session and
// gathers all outcomes. Per-session failures are reported in-line, not
// as an overall error.
func (c *Coordinator) FanOut(ctx context.Context, sessionIDs []string, messages []queue.Message) ([]Result, error) {
	ids, err := c.expand(sessionIDs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			start := time.Now()
			res, err := c.router.Submit(ctx, &queue.Request{TargetSession: id, Messages: messages})
			if err != nil {
				results[i] = Result{SessionID: id, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
				return
			}
			results[i] = Result{SessionID: res.SessionID, Response: res.Text, DurationMs: res.DurationMs}
		}(i, id)
	}
	wg.Wait()
	return results, nil
}

// Race submits the same conversation to every given session and returns
// the first successful response. The losers run to completion in the
// background so their sessions drain cleanly.
func (c *Coordinator) Race(ctx context.Context, sessionIDs []string, messages []queue.Message) (*Result, error) {
	ids, err := c.expand(sessionIDs)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, len(ids))
	for _, id := range ids {
		go func(id string) {
			start := time.Now()
			res, err := c.router.Submit(ctx, &queue.Request{TargetSession: id, Messages: messages})
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			ch <- outcome{res: &Result{SessionID: res.SessionID, Response: res.Text, DurationMs: time.Since(start).Milliseconds()}}
		}(id)
	}

	var lastErr error
	for range ids {
		select {
		case out := <-ch:
			if out.err == nil {
				return out.res, nil
			}
			lastErr = out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// expand resolves an empty id list to all tracked sessions and verifies
// named ids exist.
func (c *Coordinator) expand(sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		sessions := c.reg.List()
		if len(sessions) == 0 {
			return nil, ErrNoSessions
		}
		ids := make([]string, 0, len(sessions))
		for _, s := range sessions {
			ids = append(ids, s.ID)
		}
		return ids, nil
	}
	for _, id := range sessionIDs {
		if c.reg.Get(id) == nil {
			return nil, ErrUnknownSession
		}
	}
	return sessionIDs, nil
}
