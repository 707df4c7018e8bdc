package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Watch streams config updates for meshID and calls fn with each one. It
// returns nil when ctx is cancelled or the controller closes the stream
// normally, e.g. after the node's record expired.
func (c *Client) Watch(ctx context.Context, meshID string, fn func(conf string) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.meshPath(meshID, "watch")
	wsURL := u.String()

	dialer := *websocket.DefaultDialer
	if t, ok := c.http.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		dialer.TLSClientConfig = t.TLSClientConfig.Clone()
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("X-Auth-Token", c.token)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return &StatusError{Code: resp.StatusCode, Body: resp.Status}
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("watch closed: %s", ce.Text)
			}
			return fmt.Errorf("watch read: %w", err)
		}
		if err := fn(string(msg)); err != nil {
			return err
		}
	}
}
