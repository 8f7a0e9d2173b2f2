package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/angrav/internal/driver"
)

// isolatedWorldName labels the execution contexts created for frame
// evaluation, keeping them apart from page scripts.
const isolatedWorldName = "angrav_probe"

// page is one page target, with a lazily dialed websocket.
type page struct {
	client *Client
	id     string

	mu    sync.Mutex
	title string
	url   string
	wsURL string
	conn  *conn
}

func newPage(c *Client, t targetInfo) *page {
	return &page{client: c, id: t.ID, title: t.Title, url: t.URL, wsURL: t.WebSocketDebuggerURL}
}

// update refreshes metadata from a fresh target listing.
func (p *page) update(t targetInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = t.Title
	p.url = t.URL
	if t.WebSocketDebuggerURL != "" && t.WebSocketDebuggerURL != p.wsURL {
		// Debugger URL changed, the old socket is stale.
		if p.conn != nil {
			p.conn.close()
			p.conn = nil
		}
		p.wsURL = t.WebSocketDebuggerURL
	}
}

func (p *page) ensureConn(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		select {
		case <-p.conn.closed:
			p.conn = nil
		default:
			return p.conn, nil
		}
	}
	c, err := dial(ctx, p.wsURL, p.client.logger)
	if err != nil {
		return nil, err
	}
	p.conn = c
	return c, nil
}

func (p *page) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
}

func (p *page) ID() string { return p.id }

func (p *page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

// frameTreeResult mirrors Page.getFrameTree.
type frameTreeResult struct {
	FrameTree frameTreeNode `json:"frameTree"`
}

type frameTreeNode struct {
	Frame struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"frame"`
	ChildFrames []frameTreeNode `json:"childFrames"`
}

// Frames enumerates the page's frames, outermost first. The main frame
// evaluates in the page's default context; child frames get an isolated
// world created on first evaluation.
func (p *page) Frames(ctx context.Context) ([]driver.Frame, error) {
	c, err := p.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.call(ctx, "Page.enable", nil); err != nil {
		return nil, fmt.Errorf("enable page domain: %w", err)
	}
	raw, err := c.call(ctx, "Page.getFrameTree", nil)
	if err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}
	var tree frameTreeResult
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse frame tree: %w", err)
	}

	var out []driver.Frame
	var walk func(node frameTreeNode, depth int)
	walk = func(node frameTreeNode, depth int) {
		out = append(out, &frame{
			page:    p,
			frameID: node.Frame.ID,
			url:     node.Frame.URL,
			main:    depth == 0,
		})
		for _, child := range node.ChildFrames {
			walk(child, depth+1)
		}
	}
	walk(tree.FrameTree, 0)
	return out, nil
}

// Locator resolves in the page's main frame.
func (p *page) Locator(selector string) driver.Locator {
	return &locator{frame: &frame{page: p, main: true}, selector: selector}
}

// frame is one frame of a page.
type frame struct {
	page    *page
	frameID string
	url     string
	main    bool

	mu        sync.Mutex
	contextID int64
}

func (f *frame) URL() string { return f.url }

func (f *frame) Locator(selector string) driver.Locator {
	return &locator{frame: f, selector: selector}
}

// evalResult mirrors Runtime.evaluate.
type evalResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// Evaluate runs expr in the frame's context and returns the
// JSON-serialized value.
func (f *frame) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	raw, err := f.evaluate(ctx, expr)
	if err == nil {
		return raw, nil
	}
	// A navigation invalidates isolated worlds. Recreate once and retry.
	var cerr *cdpError
	if !f.main && errors.As(err, &cerr) {
		f.mu.Lock()
		f.contextID = 0
		f.mu.Unlock()
		return f.evaluate(ctx, expr)
	}
	return nil, err
}

func (f *frame) evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	c, err := f.page.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	if !f.main {
		ctxID, err := f.executionContext(ctx, c)
		if err != nil {
			return nil, err
		}
		params["contextId"] = ctxID
	}
	raw, err := c.call(ctx, "Runtime.evaluate", params)
	if err != nil {
		return nil, err
	}
	var res evalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse evaluate result: %w", err)
	}
	if res.ExceptionDetails != nil {
		detail := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil {
			detail = res.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("evaluate: %s", detail)
	}
	return res.Result.Value, nil
}

// executionContext returns the frame's isolated world, creating it on
// first use.
func (f *frame) executionContext(ctx context.Context, c *conn) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contextID != 0 {
		return f.contextID, nil
	}
	raw, err := c.call(ctx, "Page.createIsolatedWorld", map[string]any{
		"frameId":   f.frameID,
		"worldName": isolatedWorldName,
	})
	if err != nil {
		return 0, fmt.Errorf("create isolated world: %w", err)
	}
	var res struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("parse isolated world: %w", err)
	}
	f.contextID = res.ExecutionContextID
	return f.contextID, nil
}
