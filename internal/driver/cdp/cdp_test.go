package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/angrav/internal/driver"
)

// fakeEndpoint imitates a remote-debugging endpoint: /json/list plus one
// websocket per page target that answers protocol commands.
type fakeEndpoint struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	targets []targetInfo
	// evalFn answers Runtime.evaluate calls; contextID is zero for the
	// default context.
	evalFn func(expr string, contextID int64) (any, *cdpError)
	// calls records every protocol method received, in order.
	calls []string
	// keyParams records the parameters of every Input.dispatchKeyEvent.
	keyParams []map[string]any
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	f := &fakeEndpoint{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.targets)
	})
	mux.HandleFunc("/page/", f.handlePageWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) addPage(id, title, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/page/" + id
	f.targets = append(f.targets, targetInfo{
		ID: id, Type: "page", Title: title, URL: url, WebSocketDebuggerURL: wsURL,
	})
}

func (f *fakeEndpoint) addTarget(id, typ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, targetInfo{ID: id, Type: typ})
}

func (f *fakeEndpoint) recordedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEndpoint) recordedKeyEvents() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.keyParams...)
}

func (f *fakeEndpoint) handlePageWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	for {
		var msg cdpMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, msg.Method)
		evalFn := f.evalFn
		f.mu.Unlock()

		reply := cdpMessage{ID: msg.ID}
		switch msg.Method {
		case "Input.dispatchKeyEvent":
			var params map[string]any
			json.Unmarshal(msg.Params, &params)
			f.mu.Lock()
			f.keyParams = append(f.keyParams, params)
			f.mu.Unlock()
			reply.Result = json.RawMessage(`{}`)
		case "Page.enable", "Input.insertText":
			reply.Result = json.RawMessage(`{}`)
		case "Page.getFrameTree":
			reply.Result = json.RawMessage(`{"frameTree": {
				"frame": {"id": "main-frame", "url": "https://app.local/"},
				"childFrames": [
					{"frame": {"id": "child-frame", "url": "https://app.local/agent"}}
				]
			}}`)
		case "Page.createIsolatedWorld":
			reply.Result = json.RawMessage(`{"executionContextId": 7}`)
		case "Runtime.evaluate":
			var params struct {
				Expression string `json:"expression"`
				ContextID  int64  `json:"contextId"`
			}
			json.Unmarshal(msg.Params, &params)
			if evalFn == nil {
				reply.Error = &cdpError{Code: -32601, Message: "no eval handler"}
				break
			}
			value, cerr := evalFn(params.Expression, params.ContextID)
			if cerr != nil {
				reply.Error = cerr
				break
			}
			b, _ := json.Marshal(map[string]any{"result": map[string]any{"value": value}})
			reply.Result = b
		default:
			reply.Error = &cdpError{Code: -32601, Message: "unknown method " + msg.Method}
		}
		if err := wsjson.Write(ctx, ws, reply); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, f *fakeEndpoint) *Client {
	c := New(Config{Endpoint: f.srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_BadEndpoint(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1"})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	if c.Connected() {
		t.Error("Connected should be false after failed connect")
	}
}

func TestPages_FiltersNonPageTargets(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.addTarget("sw1", "service_worker")
	f.addTarget("bg1", "background_page")

	c := newTestClient(t, f)
	pages, err := c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].ID() != "p1" {
		t.Errorf("page id = %q", pages[0].ID())
	}
	title, _ := pages[0].Title(context.Background())
	if title != "Workbench" {
		t.Errorf("title = %q", title)
	}
}

func TestPages_ReusesHandles(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")

	c := newTestClient(t, f)
	first, err := c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	second, err := c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages again: %v", err)
	}
	if first[0] != second[0] {
		t.Error("expected the same page handle across listings")
	}
}

func TestFrames_WalksTreeOutermostFirst(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")

	c := newTestClient(t, f)
	pages, err := c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	frames, err := pages[0].Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].URL() != "https://app.local/" {
		t.Errorf("main frame url = %q", frames[0].URL())
	}
	if frames[1].URL() != "https://app.local/agent" {
		t.Errorf("child frame url = %q", frames[1].URL())
	}
}

func TestEvaluate_ChildFrameUsesIsolatedWorld(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		return contextID, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	frames, err := pages[0].Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}

	raw, err := frames[1].Evaluate(context.Background(), "1+1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var gotContext int64
	json.Unmarshal(raw, &gotContext)
	if gotContext != 7 {
		t.Errorf("child frame evaluated in context %d, want 7", gotContext)
	}

	raw, err = frames[0].Evaluate(context.Background(), "1+1")
	if err != nil {
		t.Fatalf("Evaluate main: %v", err)
	}
	json.Unmarshal(raw, &gotContext)
	if gotContext != 0 {
		t.Errorf("main frame evaluated in context %d, want default", gotContext)
	}
}

func TestLocator_CountAndText(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		switch {
		case strings.Contains(expr, ".length"):
			return 3, nil
		case strings.Contains(expr, "innerText"):
			return "hello", nil
		}
		return nil, &cdpError{Code: -1, Message: "unexpected expr: " + expr}
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	loc := pages[0].Locator(".chat-message")

	n, err := loc.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d", n)
	}

	text, err := loc.Text(context.Background())
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}

	all, err := loc.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("All returned %d elements", len(all))
	}
}

func TestLocator_TextNotFound(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		return nil, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	_, err := pages[0].Locator(".missing").Text(context.Background())
	if !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocator_TypeSendsInsertText(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		// focus() helper
		return true, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	loc := pages[0].Locator("div.editor")

	if err := loc.Type(context.Background(), "say hello"); err != nil {
		t.Fatalf("Type: %v", err)
	}
	if err := loc.Press(context.Background(), "Enter"); err != nil {
		t.Fatalf("Press: %v", err)
	}

	calls := f.recordedCalls()
	var insertTexts, keyEvents int
	for _, m := range calls {
		switch m {
		case "Input.insertText":
			insertTexts++
		case "Input.dispatchKeyEvent":
			keyEvents++
		}
	}
	if insertTexts != 1 {
		t.Errorf("Input.insertText called %d times", insertTexts)
	}
	if keyEvents != 2 {
		t.Errorf("Input.dispatchKeyEvent called %d times, want down+up", keyEvents)
	}
}

func TestLocator_PressComboSetsModifiers(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		// focus() helper
		return true, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	loc := pages[0].Locator("div.editor")

	if err := loc.Press(context.Background(), "Control+A"); err != nil {
		t.Fatalf("Press combo: %v", err)
	}
	if err := loc.Press(context.Background(), "Delete"); err != nil {
		t.Fatalf("Press delete: %v", err)
	}

	events := f.recordedKeyEvents()
	if len(events) != 4 {
		t.Fatalf("recorded %d key events, want down+up per press", len(events))
	}

	combo := events[0]
	if combo["key"] != "a" || combo["code"] != "KeyA" {
		t.Errorf("combo key = %v code = %v, want a/KeyA", combo["key"], combo["code"])
	}
	if combo["modifiers"] != float64(2) {
		t.Errorf("combo modifiers = %v, want 2 (Control)", combo["modifiers"])
	}
	if combo["windowsVirtualKeyCode"] != float64(65) {
		t.Errorf("combo vk = %v, want 65", combo["windowsVirtualKeyCode"])
	}
	if events[1]["type"] != "keyUp" || events[1]["modifiers"] != float64(2) {
		t.Errorf("combo keyUp = %+v", events[1])
	}

	del := events[2]
	if del["key"] != "Delete" || del["code"] != "Delete" || del["windowsVirtualKeyCode"] != float64(46) {
		t.Errorf("delete event = %+v", del)
	}
	if _, present := del["modifiers"]; present {
		t.Errorf("delete carries modifiers: %+v", del)
	}
}

func TestLocator_WaitVisibleTimesOut(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		return false, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	err := pages[0].Locator(".banner").WaitVisible(context.Background(), 300*time.Millisecond)
	if !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestLocator_WaitVisibleSucceedsOnTransition(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	var flips atomic.Int32
	f.mu.Lock()
	f.evalFn = func(expr string, contextID int64) (any, *cdpError) {
		return flips.Add(1) > 2, nil
	}
	f.mu.Unlock()

	c := newTestClient(t, f)
	pages, _ := c.Pages(context.Background())
	if err := pages[0].Locator(".banner").WaitVisible(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("WaitVisible: %v", err)
	}
}

func TestPages_DropsVanishedTargets(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")
	f.addPage("p2", "Settings", "https://app.local/settings")

	c := newTestClient(t, f)
	pages, err := c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}

	f.mu.Lock()
	f.targets = f.targets[:1]
	f.mu.Unlock()

	pages, err = c.Pages(context.Background())
	if err != nil {
		t.Fatalf("Pages after close: %v", err)
	}
	if len(pages) != 1 || pages[0].ID() != "p1" {
		t.Fatalf("expected only p1 to remain, got %v", pageIDs(pages))
	}
}

func pageIDs(pages []driver.Page) []string {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID())
	}
	return ids
}

func TestClose_Idempotent(t *testing.T) {
	f := newFakeEndpoint(t)
	f.addPage("p1", "Workbench", "https://app.local/")

	c := newTestClient(t, f)
	if _, err := c.Pages(context.Background()); err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.Connected() {
		t.Error("Connected after Close")
	}
}
