// Package driver defines the narrow contract to the remote application.
//
// Everything the gateway knows about the running app flows through Driver:
// page enumeration, frame resolution, and DOM-level reads and gestures.
// The concrete transport lives in subpackages (cdp); the rest of the
// codebase depends only on these interfaces so a transport swap cannot
// ripple outward.
package driver

import (
	"context"
	"encoding/json"
	"time"
)

// Driver is a connection to a running remote-debuggable application.
type Driver interface {
	// Connect attaches to the remote-debug endpoint.
	Connect(ctx context.Context) error
	// Close tears down the connection. Idempotent.
	Close() error
	// Connected reports whether the attachment is live.
	Connected() bool
	// Pages enumerates the application's top-level pages.
	Pages(ctx context.Context) ([]Page, error)
}

// Page is one top-level window/tab of the application.
type Page interface {
	// ID is the transport-level target identifier.
	ID() string
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Frames enumerates inner frames, outermost first.
	Frames(ctx context.Context) ([]Frame, error)
	// Locator resolves elements in the page's main frame.
	Locator(selector string) Locator
}

// Frame is one frame within a page.
type Frame interface {
	// URL returns the frame's document URL as last observed.
	URL() string
	// Locator resolves elements within this frame.
	Locator(selector string) Locator
	// Evaluate runs a JavaScript expression in the frame and returns the
	// JSON-serialized result.
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
}

// Locator is a lazy handle to zero or more elements matched by a selector.
// Resolution happens on each call; locators are never cached across calls.
type Locator interface {
	Count(ctx context.Context) (int, error)
	// Visible reports whether the first match is rendered and displayed.
	Visible(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, error)
	Click(ctx context.Context) error
	// Type inserts text into the focused element verbatim.
	Type(ctx context.Context, text string) error
	// Press sends a named key (e.g. "Enter", "Escape") to the element.
	Press(ctx context.Context, key string) error
	WaitVisible(ctx context.Context, timeout time.Duration) error
	WaitHidden(ctx context.Context, timeout time.Duration) error
	// All returns element handles for every match.
	All(ctx context.Context) ([]Element, error)
}

// Element is a resolved element snapshot from Locator.All.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, error)
	Click(ctx context.Context) error
}
