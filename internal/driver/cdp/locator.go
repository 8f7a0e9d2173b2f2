package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// pollInterval spaces visibility polls in WaitVisible/WaitHidden.
const pollInterval = 100 * time.Millisecond

// locator resolves elements by CSS selector on every call.
type locator struct {
	frame    *frame
	selector string
}

// quoted returns the selector as a JS string literal.
func (l *locator) quoted() string {
	b, _ := json.Marshal(l.selector)
	return string(b)
}

func (l *locator) eval(ctx context.Context, expr string, out any) error {
	raw, err := l.frame.Evaluate(ctx, expr)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (l *locator) Count(ctx context.Context) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, l.quoted())
	if err := l.eval(ctx, expr, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l *locator) Visible(ctx context.Context) (bool, error) {
	var visible bool
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const rect = el.getBoundingClientRect();
		const style = getComputedStyle(el);
		return rect.width > 0 && rect.height > 0 &&
			style.display !== 'none' && style.visibility !== 'hidden';
	})()`, l.quoted())
	if err := l.eval(ctx, expr, &visible); err != nil {
		return false, err
	}
	return visible, nil
}

func (l *locator) Text(ctx context.Context) (string, error) {
	return elementText(ctx, l, 0)
}

func (l *locator) Attr(ctx context.Context, name string) (string, error) {
	return elementAttr(ctx, l, 0, name)
}

func (l *locator) Click(ctx context.Context) error {
	return elementClick(ctx, l, 0)
}

// Type focuses the first match and inserts text verbatim through the
// input domain, so the page sees real composition events rather than a
// value assignment.
func (l *locator) Type(ctx context.Context, text string) error {
	if err := l.focus(ctx); err != nil {
		return err
	}
	c, err := l.frame.page.ensureConn(ctx)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

// Press focuses the first match and dispatches a key down/up pair.
func (l *locator) Press(ctx context.Context, key string) error {
	if err := l.focus(ctx); err != nil {
		return err
	}
	c, err := l.frame.page.ensureConn(ctx)
	if err != nil {
		return err
	}
	down, up := keyEvents(key)
	if _, err := c.call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return err
	}
	_, err = c.call(ctx, "Input.dispatchKeyEvent", up)
	return err
}

func (l *locator) focus(ctx context.Context) error {
	var found bool
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		return true;
	})()`, l.quoted())
	if err := l.eval(ctx, expr, &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, l.selector)
	}
	return nil
}

func (l *locator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	return l.waitFor(ctx, timeout, true)
}

func (l *locator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	return l.waitFor(ctx, timeout, false)
}

func (l *locator) waitFor(ctx context.Context, timeout time.Duration, want bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		visible, err := l.Visible(ctx)
		if err == nil && visible == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: waiting for %s visible=%v", driver.ErrTimeout, l.selector, want)
		case <-ticker.C:
		}
	}
}

func (l *locator) All(ctx context.Context) ([]driver.Element, error) {
	n, err := l.Count(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]driver.Element, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &element{loc: l, index: i})
	}
	return out, nil
}

// element addresses the nth match of its locator's selector. Matches
// are re-resolved per call, so an element outliving a re-render simply
// addresses whatever now occupies its position.
type element struct {
	loc   *locator
	index int
}

func (e *element) Text(ctx context.Context) (string, error) {
	return elementText(ctx, e.loc, e.index)
}

func (e *element) Attr(ctx context.Context, name string) (string, error) {
	return elementAttr(ctx, e.loc, e.index, name)
}

func (e *element) Click(ctx context.Context) error {
	return elementClick(ctx, e.loc, e.index)
}

func elementText(ctx context.Context, l *locator, index int) (string, error) {
	var text *string
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		return el ? el.innerText : null;
	})()`, l.quoted(), index)
	if err := l.eval(ctx, expr, &text); err != nil {
		return "", err
	}
	if text == nil {
		return "", fmt.Errorf("%w: %s", driver.ErrNotFound, l.selector)
	}
	return *text, nil
}

func elementAttr(ctx context.Context, l *locator, index int, name string) (string, error) {
	nameJSON, _ := json.Marshal(name)
	var result []*string
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		if (!el) return null;
		return [el.getAttribute(%s)];
	})()`, l.quoted(), index, nameJSON)
	if err := l.eval(ctx, expr, &result); err != nil {
		return "", err
	}
	if result == nil {
		return "", fmt.Errorf("%w: %s", driver.ErrNotFound, l.selector)
	}
	if len(result) == 0 || result[0] == nil {
		return "", nil
	}
	return *result[0], nil
}

func elementClick(ctx context.Context, l *locator, index int) error {
	var found bool
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		if (!el) return false;
		el.scrollIntoView({block: 'center', inline: 'center'});
		el.click();
		return true;
	})()`, l.quoted(), index)
	if err := l.eval(ctx, expr, &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, l.selector)
	}
	return nil
}

// Input.dispatchKeyEvent modifier bits.
const (
	modAlt     = 1
	modControl = 2
	modMeta    = 4
	modShift   = 8
)

var modifierBits = map[string]int{
	"Alt":     modAlt,
	"Control": modControl,
	"Ctrl":    modControl,
	"Meta":    modMeta,
	"Command": modMeta,
	"Shift":   modShift,
}

var namedKeys = map[string]struct {
	code string
	vk   int
}{
	"Enter":     {"Enter", 13},
	"Escape":    {"Escape", 27},
	"Tab":       {"Tab", 9},
	"Delete":    {"Delete", 46},
	"Backspace": {"Backspace", 8},
}

// keyEvents builds the down/up parameter pair for a named key or a
// Modifier+Key combo such as "Control+A". Without the modifiers bit the
// target treats a combo as an unknown literal key and does nothing.
func keyEvents(key string) (map[string]any, map[string]any) {
	modifiers := 0
	for {
		head, rest, found := strings.Cut(key, "+")
		if !found || rest == "" {
			break
		}
		bit, known := modifierBits[head]
		if !known {
			break
		}
		modifiers |= bit
		key = rest
	}

	down := map[string]any{"type": "keyDown", "key": key}
	up := map[string]any{"type": "keyUp", "key": key}
	events := []map[string]any{down, up}

	setKey := func(name, code string, vk int) {
		for _, ev := range events {
			ev["key"] = name
			ev["code"] = code
			ev["windowsVirtualKeyCode"] = vk
			ev["nativeVirtualKeyCode"] = vk
		}
	}

	switch {
	case key == "Enter":
		setKey("Enter", "Enter", 13)
		down["text"] = "\r"
		down["unmodifiedText"] = "\r"
	case len(key) == 1 && key[0] >= 'A' && key[0] <= 'Z':
		setKey(strings.ToLower(key), "Key"+key, int(key[0]))
	case len(key) == 1 && key[0] >= 'a' && key[0] <= 'z':
		upper := strings.ToUpper(key)
		setKey(key, "Key"+upper, int(upper[0]))
	default:
		if named, ok := namedKeys[key]; ok {
			setKey(key, named.code, named.vk)
		}
	}

	if modifiers != 0 {
		for _, ev := range events {
			ev["modifiers"] = modifiers
		}
	}
	return down, up
}
