package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// LiveConn is an open live-update channel.
type LiveConn interface {
	// Read blocks for the next text message. Non-text frames yield "".
	Read(ctx context.Context) (string, error)
	Close() error
}

// WebsocketDialer opens live-update channels over websockets.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial connects to target.
func (d WebsocketDialer) Dial(ctx context.Context, target string) (LiveConn, error) {
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("flagsync: dial live updates: %w", err)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) (string, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", nil
	}
	return string(data), nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
