package registry

import (
	"context"
	"testing"
	"time"

	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/driver/drivertest"
	"github.com/basket/angrav/internal/surface"
)

// stopSelector mirrors the probe's primary stop-affordance selector so
// tests can flip session state.
const (
	stopSelector  = `[aria-label="Stop generating"]`
	inputSelector = `div[contenteditable="true"][role="textbox"]`
)

func arrangeIdleFrame(fr *drivertest.Frame) {
	fr.SetNode(inputSelector, &drivertest.Node{Visible: true, Attrs: map[string]string{"contenteditable": "true"}})
}

func newTestRegistry(t *testing.T) (*Registry, *drivertest.Fake, *bus.Bus) {
	t.Helper()
	fake := drivertest.New()
	if err := fake.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b := bus.New()
	reg := New(fake, surface.NewFrameLocator(nil), surface.NewStateProbe(), b, nil)
	return reg, fake, b
}

func addWorkbenchPage(fake *drivertest.Fake, id, sessionID, title string) *drivertest.Frame {
	page := fake.AddPage(id, "vscode-file://app/workbench.html?windowId="+sessionID, title)
	fr := page.AddFrame("vscode-file://app/agent-surface/index.html")
	arrangeIdleFrame(fr)
	return fr
}

func TestDiscover_FiltersManagerShell(t *testing.T) {
	reg, fake, _ := newTestRegistry(t)
	addWorkbenchPage(fake, "p1", "alpha", "project-a")
	addWorkbenchPage(fake, "p2", "beta", "project-b")
	// Agent-manager shell must not become a session.
	fake.AddPage("p3", "vscode-file://app/agent-manager/workbench.html", "manager")

	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if reg.Size() != 2 {
		t.Fatalf("size = %d, want 2", reg.Size())
	}
	if reg.Get("alpha") == nil || reg.Get("beta") == nil {
		t.Fatal("expected sessions alpha and beta")
	}
}

func TestDiscover_EmitsEventOncePerSession(t *testing.T) {
	reg, fake, b := newTestRegistry(t)
	sub := b.Subscribe(bus.TopicSessionDiscovered)
	defer b.Unsubscribe(sub)

	addWorkbenchPage(fake, "p1", "alpha", "project-a")

	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// Second discover over the same pages adds nothing.
	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if reg.Size() != 1 {
		t.Fatalf("size = %d, want 1", reg.Size())
	}

	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.SessionDiscoveredEvent)
		if got.SessionID != "alpha" {
			t.Fatalf("event session = %q", got.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no discovered event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second discovered event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPolling_StateTransitions(t *testing.T) {
	reg, fake, b := newTestRegistry(t)
	fr := addWorkbenchPage(fake, "p1", "alpha", "project-a")

	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	sub := b.Subscribe(bus.TopicSessionStateChanged)
	defer b.Unsubscribe(sub)
	idleSub := b.Subscribe(bus.TopicSessionIdle)
	defer b.Unsubscribe(idleSub)

	reg.StartPolling(20 * time.Millisecond)
	defer reg.StopPolling()

	// idle → thinking
	fr.SetNode(stopSelector, &drivertest.Node{Visible: true})
	waitStateChange(t, sub, "idle", "thinking")

	// The registry's own view updates before the event fires.
	if got := reg.Get("alpha").State; got != surface.StateThinking {
		t.Fatalf("tracked state = %q, want thinking", got)
	}

	// thinking → idle, plus the convenience idle event.
	fr.SetVisible(stopSelector, false)
	waitStateChange(t, sub, "thinking", "idle")
	select {
	case ev := <-idleSub.Ch():
		if ev.Payload.(bus.SessionIdleEvent).SessionID != "alpha" {
			t.Fatalf("idle event = %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_idle event")
	}
}

func TestPolling_ProbeFailureClosesSession(t *testing.T) {
	reg, fake, b := newTestRegistry(t)
	fr := addWorkbenchPage(fake, "p1", "alpha", "project-a")

	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	sub := b.Subscribe(bus.TopicSessionClosed)
	defer b.Unsubscribe(sub)

	reg.StartPolling(20 * time.Millisecond)
	defer reg.StopPolling()

	fr.SetFail(context.DeadlineExceeded) // any probe error counts

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.SessionClosedEvent).SessionID != "alpha" {
			t.Fatalf("closed event = %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session_closed event")
	}
	if reg.Size() != 0 {
		t.Fatalf("size = %d, want 0", reg.Size())
	}
}

func TestPolling_DiscoversLateWindows(t *testing.T) {
	reg, fake, b := newTestRegistry(t)
	addWorkbenchPage(fake, "p1", "alpha", "project-a")

	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	sub := b.Subscribe(bus.TopicSessionDiscovered)
	defer b.Unsubscribe(sub)

	reg.StartPolling(20 * time.Millisecond)
	defer reg.StopPolling()

	// A window opened while the daemon is already running.
	addWorkbenchPage(fake, "p2", "beta", "project-b")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			got := ev.Payload.(bus.SessionDiscoveredEvent)
			if got.SessionID != "beta" {
				t.Fatalf("discovered = %+v, want beta", got)
			}
			if reg.Get("beta") == nil {
				t.Fatal("beta not tracked after discovery event")
			}
			return
		case <-deadline:
			t.Fatal("late window never discovered")
		}
	}
}

func TestStartPolling_Idempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.StartPolling(10 * time.Millisecond)
	reg.StartPolling(10 * time.Millisecond)
	reg.StopPolling()
	reg.StopPolling()
}

func TestSessionID_URLPreferred(t *testing.T) {
	if got := sessionID("vscode-file://app/workbench.html?windowId=w-42"); got != "w-42" {
		t.Fatalf("sessionID = %q, want w-42", got)
	}
	fallback := sessionID("vscode-file://app/workbench.html")
	if fallback == "" || fallback[:5] != "sess-" {
		t.Fatalf("fallback id = %q", fallback)
	}
}

func TestWorkspaceTag(t *testing.T) {
	got := workspaceTag("vscode-file://app/workbench.html?folder=/home/me/projects/demo")
	if got != "demo" {
		t.Fatalf("workspace = %q, want demo", got)
	}
}

func waitStateChange(t *testing.T, sub *bus.Subscription, prev, cur string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			got := ev.Payload.(bus.SessionStateChangedEvent)
			if got.Previous == prev && got.Current == cur {
				return
			}
		case <-deadline:
			t.Fatalf("no %s→%s transition", prev, cur)
		}
	}
}
