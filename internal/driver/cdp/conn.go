package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/angrav/internal/driver"
)

// cdpMessage is the protocol frame in both directions. Responses carry
// ID; events carry Method.
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

// conn is one command/response websocket to a page target.
type conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpMessage

	closed    chan struct{}
	closeOnce sync.Once
}

func dial(ctx context.Context, wsURL string, logger *slog.Logger) (*conn, error) {
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", driver.ErrUnavailable, wsURL, err)
	}
	// Protocol results for large DOMs can exceed the default read limit.
	ws.SetReadLimit(16 * 1024 * 1024)
	c := &conn{
		ws:      ws,
		logger:  logger,
		pending: map[int64]chan cdpMessage{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		var msg cdpMessage
		if err := wsjson.Read(context.Background(), c.ws, &msg); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("cdp read loop ended", "error", err)
			}
			return
		}
		if msg.ID == 0 {
			// Unsolicited protocol event; nothing subscribes to these.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// call issues one protocol command and waits for its response.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, driver.ErrUnavailable
	default:
	}

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		rawParams = b
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan cdpMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.ws, cdpMessage{ID: id, Method: method, Params: rawParams}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: write %s: %v", driver.ErrUnavailable, method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, driver.ErrUnavailable
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, driver.ErrUnavailable
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	})
}
