package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Client speaks the control socket protocol. Calls are serialized; each
// command waits for its reply.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to the control plane at bind (host:port or a unix socket
// path) authenticating with auth, which may be the raw secret or a
// "Bearer <token>" value.
func Dial(ctx context.Context, bind, auth string) (*Client, error) {
	dialer := *websocket.DefaultDialer
	url := "ws://" + bind + "/api/v1/ws"
	if IsUnixSocket(bind) {
		path := bind
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		url = "ws://unix/api/v1/ws"
	}
	header := http.Header{}
	header.Set("Authorization", auth)
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("control plane rejected credentials")
		}
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Do sends one command and returns the response payload. Error replies are
// returned as *RemoteError.
func (c *Client) Do(ctx context.Context, messageType string, data any) (json.RawMessage, error) {
	env, err := NewRequest(messageType, data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("send %s: %w", messageType, err)
	}
	var out Envelope
	if err := c.conn.ReadJSON(&out); err != nil {
		return nil, fmt.Errorf("read %s reply: %w", messageType, err)
	}
	return DecodeReply(out)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
