package worker

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Client is the page side of the hub connection.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a hub websocket, e.g. ws://localhost:8080/__sw/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(ctx context.Context, m Message) error {
	b, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Client) Receive(ctx context.Context) (Message, error) {
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(b)
}

// Request sends m and waits for its reply, skipping broadcasts that arrive in
// between. Messages without a reply return nil.
func (c *Client) Request(ctx context.Context, m Message) (Message, error) {
	if err := c.Send(ctx, m); err != nil {
		return nil, err
	}
	want := replyType(m)
	if want == "" {
		return nil, nil
	}
	for {
		r, err := c.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if r.Type() == want || r.Type() == TypeError {
			return r, nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func replyType(m Message) string {
	switch m.(type) {
	case CheckVersion:
		return TypeVersionStatus
	case CachePage:
		return TypePageCached
	case ClearCache:
		return TypeCacheCleared
	}
	return ""
}
