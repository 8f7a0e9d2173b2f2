package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/driver/drivertest"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
)

const (
	stopSelector  = `[aria-label="Stop generating"]`
	inputSelector = `div[contenteditable="true"][role="textbox"]`
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string

	// gate, when non-nil, blocks Process until closed.
	gate chan struct{}
	err  error
}

func (p *fakeProcessor) Process(ctx context.Context, sess *registry.Session, req *Request) (*Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, sess.ID+"/"+req.Messages[0].Content)
	gate := p.gate
	err := p.err
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: sess.ID, Text: "done"}, nil
}

func (p *fakeProcessor) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type routerFixture struct {
	router *Router
	reg    *registry.Registry
	fake   *drivertest.Fake
	bus    *bus.Bus
	proc   *fakeProcessor
}

func newFixture(t *testing.T, cfg Config) *routerFixture {
	t.Helper()
	fake := drivertest.New()
	if err := fake.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b := bus.New()
	reg := registry.New(fake, surface.NewFrameLocator(nil), surface.NewStateProbe(), b, nil)
	proc := &fakeProcessor{}
	return &routerFixture{
		router: NewRouter(reg, proc, b, cfg, nil),
		reg:    reg,
		fake:   fake,
		bus:    b,
		proc:   proc,
	}
}

// addSession arranges a workbench page whose surface is idle (or
// thinking when busy is set) and registers it.
func (f *routerFixture) addSession(t *testing.T, id, title string, busy bool) {
	t.Helper()
	page := f.fake.AddPage("page-"+id, "vscode-file://app/workbench.html?windowId="+id, title)
	fr := page.AddFrame("vscode-file://app/agent-surface/index.html")
	fr.SetNode(inputSelector, &drivertest.Node{Visible: true, Attrs: map[string]string{"contenteditable": "true"}})
	if busy {
		fr.SetNode(stopSelector, &drivertest.Node{Visible: true})
	}
	if err := f.reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
}

func waitDepth(t *testing.T, r *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		total, _, _ := r.Depths()
		if total == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue depth = %d, want %d", total, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitBusy(t *testing.T, r *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, busy := r.Depths()
		if len(busy) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("busy sessions = %d, want %d", len(busy), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func simpleRequest(content string) *Request {
	return &Request{Model: "gemini-antigravity", Messages: []Message{{Role: "user", Content: content}}}
}

func TestSubmit_RoutesToIdleSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "busy1", "busy-project", true)
	f.addSession(t, "calm1", "calm-project", false)

	res, err := f.router.Submit(context.Background(), simpleRequest("hi"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.SessionID != "calm1" {
		t.Fatalf("routed to %q, want calm1", res.SessionID)
	}
}

func TestSubmit_FIFOPerSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "s1", "project", false)

	f.proc.gate = make(chan struct{})

	var wg sync.WaitGroup
	submit := func(content string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.router.Submit(context.Background(), simpleRequest(content)); err != nil {
				t.Errorf("Submit(%s): %v", content, err)
			}
		}()
	}

	submit("first")
	waitBusy(t, f.router, 1)
	submit("second")
	waitDepth(t, f.router, 1)
	submit("third")
	waitDepth(t, f.router, 2)

	close(f.proc.gate)
	wg.Wait()

	got := f.proc.callLog()
	want := []string{"s1/first", "s1/second", "s1/third"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestSubmit_SessionQueueFull(t *testing.T) {
	f := newFixture(t, Config{MaxPerSession: 2, MaxTotal: 10})
	f.addSession(t, "s1", "project", false)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), simpleRequest("inflight"))
	waitBusy(t, f.router, 1)
	go f.router.Submit(context.Background(), simpleRequest("q1"))
	waitDepth(t, f.router, 1)
	go f.router.Submit(context.Background(), simpleRequest("q2"))
	waitDepth(t, f.router, 2)

	if _, err := f.router.Submit(context.Background(), simpleRequest("overflow")); !errors.Is(err, ErrQueueFullSession) {
		t.Fatalf("err = %v, want ErrQueueFullSession", err)
	}
}

func TestSubmit_GlobalQueueFull(t *testing.T) {
	f := newFixture(t, Config{MaxPerSession: 5, MaxTotal: 1})
	f.addSession(t, "s1", "alpha", false)
	f.addSession(t, "s2", "beta", false)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), &Request{TargetSession: "s1", Messages: []Message{{Role: "user", Content: "inflight"}}})
	waitBusy(t, f.router, 1)
	go f.router.Submit(context.Background(), &Request{TargetSession: "s1", Messages: []Message{{Role: "user", Content: "q1"}}})
	waitDepth(t, f.router, 1)

	_, err := f.router.Submit(context.Background(), &Request{TargetSession: "s2", Messages: []Message{{Role: "user", Content: "q2"}}})
	if !errors.Is(err, ErrQueueFullGlobal) {
		t.Fatalf("err = %v, want ErrQueueFullGlobal", err)
	}
}

func TestSubmit_EnqueueTimeout(t *testing.T) {
	f := newFixture(t, Config{EnqueueTimeout: 50 * time.Millisecond})
	f.addSession(t, "s1", "project", false)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), simpleRequest("inflight"))
	waitBusy(t, f.router, 1)

	start := time.Now()
	_, err := f.router.Submit(context.Background(), simpleRequest("stuck"))
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("err = %v, want ErrQueueTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timed out after %v", elapsed)
	}
	// The canceled slot is released.
	waitDepth(t, f.router, 0)
}

func TestSubmit_CallerCancelWhileQueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "s1", "project", false)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), simpleRequest("inflight"))
	waitBusy(t, f.router, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.router.Submit(ctx, simpleRequest("queued"))
		errCh <- err
	}()
	waitDepth(t, f.router, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	waitDepth(t, f.router, 0)
}

func TestPurgeSession_OnClosedEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "s1", "project", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.router.Start(ctx)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), simpleRequest("inflight"))
	waitBusy(t, f.router, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.router.Submit(context.Background(), simpleRequest("queued"))
		errCh <- err
	}()
	waitDepth(t, f.router, 1)

	f.bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{SessionID: "s1"})

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued item not purged")
	}
}

func TestShutdown_RejectsQueuedAndNew(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "s1", "project", false)

	f.proc.gate = make(chan struct{})
	defer close(f.proc.gate)

	go f.router.Submit(context.Background(), simpleRequest("inflight"))
	waitBusy(t, f.router, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.router.Submit(context.Background(), simpleRequest("queued"))
		errCh <- err
	}()
	waitDepth(t, f.router, 1)

	f.router.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("queued err = %v, want ErrShutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued item not rejected")
	}
	if _, err := f.router.Submit(context.Background(), simpleRequest("late")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("new err = %v, want ErrShutdown", err)
	}
}

func TestResolveSession_Targeting(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "window-alpha", "frontend refactor", false)
	f.addSession(t, "window-beta", "backend cleanup", false)

	cases := []struct {
		target string
		want   string
	}{
		{"window-alpha", "window-alpha"}, // exact id
		{"window-b", "window-beta"},      // id prefix
		{"backend", "window-beta"},       // title prefix
	}
	for _, tc := range cases {
		sess, err := f.router.resolveSession(tc.target)
		if err != nil {
			t.Fatalf("resolveSession(%q): %v", tc.target, err)
		}
		if sess.ID != tc.want {
			t.Errorf("resolveSession(%q) = %q, want %q", tc.target, sess.ID, tc.want)
		}
	}

	if _, err := f.router.resolveSession("no-such"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestResolveSession_NoSessions(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.router.Submit(context.Background(), simpleRequest("hi")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestResolveSession_FallsBackToBusySession(t *testing.T) {
	f := newFixture(t, Config{})
	f.addSession(t, "busy1", "project", true)

	sess, err := f.router.resolveSession("")
	if err != nil {
		t.Fatalf("resolveSession: %v", err)
	}
	if sess.ID != "busy1" {
		t.Fatalf("session = %q, want busy1", sess.ID)
	}
}
