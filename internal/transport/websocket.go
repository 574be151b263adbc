package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer reaches an external process that listens on a websocket endpoint
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebSocketDialer builds a dialer for base, tagging the request with the
// agreed channel name so the external process can tell bridges apart.
func NewWebSocketDialer(base, channelName string) (*WebSocketDialer, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid transport url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport url must use ws or wss, got %q", u.Scheme)
	}
	if channelName != "" {
		q := u.Query()
		q.Set("channel", channelName)
		u.RawQuery = q.Encode()
	}

	return &WebSocketDialer{
		URL: u.String(),
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Dial opens the websocket
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// structured messages only; binary frames carry nothing we understand
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}
