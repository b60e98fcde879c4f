package channel

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebsocketDialer connects to the relay's websocket endpoint, passing the
// credential as query parameters.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(rawURL string) *WebsocketDialer {
	return &WebsocketDialer{URL: rawURL, Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, cred Credential) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse relay url")
	}
	q := u.Query()
	if cred.Token != "" {
		q.Set("token", cred.Token)
	}
	if cred.UserID != "" {
		q.Set("user", cred.UserID)
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) ReadJSON(v interface{}) error { return w.conn.ReadJSON(v) }

func (w *wsConn) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error { return w.conn.Close() }
