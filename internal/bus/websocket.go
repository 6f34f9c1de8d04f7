package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"runtrack/internal/events"
)

// WebsocketClient connects to an event bus that delivers one JSON-encoded
// event per websocket message.
type WebsocketClient struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebsocketClient builds a client for the given ws:// or wss:// URL.
func NewWebsocketClient(url string) *WebsocketClient {
	return &WebsocketClient{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect dials the bus and returns a live connection.
func (c *WebsocketClient) Connect() (Conn, error) {
	conn, resp, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event bus %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial event bus %s: %w", c.url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	stopped atomic.Bool
}

func (c *wsConn) Subscribe(handler Handler) error {
	for {
		var payload map[string]any
		if err := c.conn.ReadJSON(&payload); err != nil {
			if c.stopped.Load() {
				// Stop was requested; the read error is just the socket
				// closing underneath us.
				return nil
			}
			return fmt.Errorf("bus receive: %w", err)
		}
		handler(events.Event(payload))
	}
}

func (c *wsConn) RequestStop() {
	if c.stopped.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

func (c *wsConn) Close() error {
	if c.stopped.Load() {
		return nil
	}
	return c.conn.Close()
}
