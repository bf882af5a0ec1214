package realtime

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxFrameBytes = 1 << 20

// WebsocketDialer connects to URL, sending the current access token as a
// bearer header on the handshake.
type WebsocketDialer struct {
	URL        string
	Token      func() string
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Token != nil {
		if token := d.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Frame, error) {
	var frame Frame
	if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (c *wsConn) Write(ctx context.Context, frame Frame) error {
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
