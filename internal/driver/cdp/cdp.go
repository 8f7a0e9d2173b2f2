// Package cdp implements driver.Driver over the Chrome DevTools
// Protocol. It discovers page targets through the remote-debugging HTTP
// endpoint and drives each page over its own websocket.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// Config holds the CDP client settings.
type Config struct {
	// Endpoint is the remote-debugging base URL, e.g. http://127.0.0.1:9222.
	Endpoint string
	Logger   *slog.Logger
	// HTTPClient is used for target discovery. Defaults to a client with
	// a 10 second timeout.
	HTTPClient *http.Client
}

// Client is a connection to a remote-debuggable application.
type Client struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Client

	mu        sync.Mutex
	connected bool
	pages     map[string]*page
}

// New creates a Client. Call Connect before use.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		http:   httpClient,
		pages:  map[string]*page{},
	}
}

// targetInfo is one entry of the /json/list response.
type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Connect verifies the remote-debug endpoint answers. Page websockets
// are dialed lazily on first use.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.listTargets(ctx); err != nil {
		return fmt.Errorf("cdp connect %s: %w", c.cfg.Endpoint, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("cdp connected", "endpoint", c.cfg.Endpoint)
	return nil
}

// Close tears down every page websocket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pages {
		p.closeConn()
		delete(c.pages, id)
	}
	c.connected = false
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pages enumerates page-type targets. Handles for targets seen before
// are reused so their websockets and frame contexts stay warm; handles
// for vanished targets are dropped and closed.
func (c *Client) Pages(ctx context.Context) ([]driver.Page, error) {
	targets, err := c.listTargets(ctx)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", driver.ErrUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var out []driver.Page
	for _, t := range targets {
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		seen[t.ID] = true
		p, ok := c.pages[t.ID]
		if !ok {
			p = newPage(c, t)
			c.pages[t.ID] = p
		} else {
			p.update(t)
		}
		out = append(out, p)
	}
	for id, p := range c.pages {
		if !seen[id] {
			p.closeConn()
			delete(c.pages, id)
		}
	}
	return out, nil
}

func (c *Client) listTargets(ctx context.Context) ([]targetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("target list: unexpected status %d", resp.StatusCode)
	}
	var targets []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("target list: %w", err)
	}
	return targets, nil
}
