// Package drivertest provides an in-memory Driver for tests.
//
// Tests arrange a fake DOM as selector → node lists, mutate node
// visibility and text between polls, and assert on the recorded
// gesture log.
package drivertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// Node is one fake DOM element.
type Node struct {
	Text    string
	Visible bool
	Attrs   map[string]string
}

// Fake implements driver.Driver over in-memory pages.
type Fake struct {
	mu        sync.Mutex
	connected bool
	pages     []*Page

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
}

func New() *Fake { return &Fake{} }

func (f *Fake) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Pages(ctx context.Context) ([]driver.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, driver.ErrUnavailable
	}
	out := make([]driver.Page, 0, len(f.pages))
	for _, p := range f.pages {
		if !p.closed {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddPage registers a page and returns it for further arrangement.
func (f *Fake) AddPage(id, url, title string) *Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Page{id: id, url: url, title: title, main: NewFrame(url)}
	f.pages = append(f.pages, p)
	return p
}

// Page implements driver.Page.
type Page struct {
	mu     sync.Mutex
	id     string
	url    string
	title  string
	main   *Frame
	frames []*Frame
	closed bool
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", driver.ErrUnavailable
	}
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", driver.ErrUnavailable
	}
	return p.title, nil
}

func (p *Page) Frames(ctx context.Context) ([]driver.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, driver.ErrUnavailable
	}
	out := []driver.Frame{p.main}
	for _, fr := range p.frames {
		out = append(out, fr)
	}
	return out, nil
}

func (p *Page) Locator(selector string) driver.Locator {
	return &locator{frame: p.main, selector: selector}
}

// AddFrame attaches an inner frame with the given URL.
func (p *Page) AddFrame(url string) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr := NewFrame(url)
	p.frames = append(p.frames, fr)
	return fr
}

// Main returns the page's main frame for DOM arrangement.
func (p *Page) Main() *Frame { return p.main }

// Close marks the page closed; subsequent driver calls fail.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Frame implements driver.Frame.
type Frame struct {
	mu    sync.Mutex
	url   string
	nodes map[string][]*Node

	// EvalResults maps JavaScript expressions to canned results.
	EvalResults map[string]json.RawMessage
	// EvalErr, when set, is returned by every Evaluate call.
	EvalErr error
	// Fail, when set, makes every locator operation fail with it.
	Fail error

	// Actions records gestures as "verb selector[:detail]" strings.
	Actions []string
}

func NewFrame(url string) *Frame {
	return &Frame{
		url:         url,
		nodes:       make(map[string][]*Node),
		EvalResults: make(map[string]json.RawMessage),
	}
}

func (f *Frame) URL() string { return f.url }

func (f *Frame) Locator(selector string) driver.Locator {
	return &locator{frame: f, selector: selector}
}

func (f *Frame) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EvalErr != nil {
		return nil, f.EvalErr
	}
	if res, ok := f.EvalResults[expr]; ok {
		return res, nil
	}
	return json.RawMessage(`null`), nil
}

// SetNode replaces the node list for a selector with a single node.
func (f *Frame) SetNode(selector string, n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[selector] = []*Node{n}
}

// SetNodes replaces the node list for a selector.
func (f *Frame) SetNodes(selector string, ns []*Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[selector] = ns
}

// RemoveNode clears all nodes for a selector.
func (f *Frame) RemoveNode(selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, selector)
}

// SetVisible flips visibility of the first node for a selector.
func (f *Frame) SetVisible(selector string, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ns := f.nodes[selector]; len(ns) > 0 {
		ns[0].Visible = visible
	}
}

// SetText replaces the text of the first node for a selector, creating a
// visible node if none exists.
func (f *Frame) SetText(selector, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ns := f.nodes[selector]; len(ns) > 0 {
		ns[0].Text = text
		return
	}
	f.nodes[selector] = []*Node{{Text: text, Visible: true}}
}

// SetFail makes every subsequent locator operation fail with err.
// Pass nil to restore normal behavior.
func (f *Frame) SetFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail = err
}

// ActionLog returns a copy of the recorded gestures.
func (f *Frame) ActionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Actions))
	copy(out, f.Actions)
	return out
}

// HasAction reports whether any recorded gesture contains substr.
func (f *Frame) HasAction(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Actions {
		if strings.Contains(a, substr) {
			return true
		}
	}
	return false
}

func (f *Frame) record(format string, args ...any) {
	f.Actions = append(f.Actions, fmt.Sprintf(format, args...))
}

func (f *Frame) lookup(selector string) []*Node {
	return f.nodes[selector]
}

type locator struct {
	frame    *Frame
	selector string
}

func (l *locator) first() (*Node, error) {
	ns := l.frame.lookup(l.selector)
	if len(ns) == 0 {
		return nil, driver.ErrNotFound
	}
	return ns[0], nil
}

func (l *locator) Count(ctx context.Context) (int, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return 0, l.frame.Fail
	}
	return len(l.frame.lookup(l.selector)), nil
}

func (l *locator) Visible(ctx context.Context) (bool, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return false, l.frame.Fail
	}
	ns := l.frame.lookup(l.selector)
	if len(ns) == 0 {
		return false, nil
	}
	return ns[0].Visible, nil
}

func (l *locator) Text(ctx context.Context) (string, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return "", l.frame.Fail
	}
	n, err := l.first()
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

func (l *locator) Attr(ctx context.Context, name string) (string, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return "", l.frame.Fail
	}
	n, err := l.first()
	if err != nil {
		return "", err
	}
	return n.Attrs[name], nil
}

func (l *locator) Click(ctx context.Context) error {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return l.frame.Fail
	}
	if _, err := l.first(); err != nil {
		return err
	}
	l.frame.record("click %s", l.selector)
	return nil
}

func (l *locator) Type(ctx context.Context, text string) error {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return l.frame.Fail
	}
	if _, err := l.first(); err != nil {
		return err
	}
	l.frame.record("type %s:%s", l.selector, text)
	return nil
}

func (l *locator) Press(ctx context.Context, key string) error {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return l.frame.Fail
	}
	if _, err := l.first(); err != nil {
		return err
	}
	l.frame.record("press %s:%s", l.selector, key)
	return nil
}

func (l *locator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	return l.wait(ctx, timeout, true)
}

func (l *locator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	return l.wait(ctx, timeout, false)
}

func (l *locator) wait(ctx context.Context, timeout time.Duration, wantVisible bool) error {
	deadline := time.Now().Add(timeout)
	for {
		visible, err := l.Visible(ctx)
		if err != nil {
			return err
		}
		if visible == wantVisible {
			return nil
		}
		if time.Now().After(deadline) {
			return driver.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *locator) All(ctx context.Context) ([]driver.Element, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	if l.frame.Fail != nil {
		return nil, l.frame.Fail
	}
	ns := l.frame.lookup(l.selector)
	out := make([]driver.Element, 0, len(ns))
	for _, n := range ns {
		out = append(out, &element{frame: l.frame, selector: l.selector, node: n})
	}
	return out, nil
}

type element struct {
	frame    *Frame
	selector string
	node     *Node
}

func (e *element) Text(ctx context.Context) (string, error) {
	e.frame.mu.Lock()
	defer e.frame.mu.Unlock()
	return e.node.Text, nil
}

func (e *element) Attr(ctx context.Context, name string) (string, error) {
	e.frame.mu.Lock()
	defer e.frame.mu.Unlock()
	return e.node.Attrs[name], nil
}

func (e *element) Click(ctx context.Context) error {
	e.frame.mu.Lock()
	defer e.frame.mu.Unlock()
	e.frame.record("click %s", e.selector)
	return nil
}
