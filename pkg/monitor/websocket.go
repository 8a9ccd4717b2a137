package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/constants"
)

const probe = "probe"

// DefaultDialer is the dialer WebSocketTransport uses unless one is given.
var DefaultDialer = &gorilla.Dialer{
	Proxy:            gorilla.DefaultDialer.Proxy,
	HandshakeTimeout: gorilla.DefaultDialer.HandshakeTimeout,
}

// WebSocketTransport performs the polling handshake, then upgrades the
// session to a websocket. Each frame carries one unframed packet.
type WebSocketTransport struct {
	polling *PollingTransport
	dialer  *gorilla.Dialer

	mu   sync.Mutex
	conn *gorilla.Conn
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(p TransportParams) *WebSocketTransport {
	return &WebSocketTransport{
		polling: NewPollingTransport(p),
		dialer:  DefaultDialer,
	}
}

func (t *WebSocketTransport) SetDialer(d *gorilla.Dialer) *WebSocketTransport {
	t.dialer = d
	return t
}

func (t *WebSocketTransport) Open(ctx context.Context) (string, error) {
	_ = t.Close()

	sid, err := t.polling.Open(ctx)
	if err != nil {
		return "", err
	}

	header := http.Header{}
	if tok := t.polling.params.TokenV2; tok != "" {
		header.Set("Cookie", (&http.Cookie{Name: connection.TokenCookie, Value: tok}).String())
	}
	conn, res, err := t.dialer.DialContext(ctx, t.wsURL(sid), header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return "", &connection.TransportError{Endpoint: "primus", Err: err}
	}

	if err := t.upgrade(conn); err != nil {
		conn.Close()
		return "", err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return sid, nil
}

// upgrade runs the probe exchange that moves the session off polling.
func (t *WebSocketTransport) upgrade(conn *gorilla.Conn) error {
	if err := conn.WriteMessage(gorilla.TextMessage, []byte(Packet{Type: PacketPing, Data: probe}.String())); err != nil {
		return &connection.TransportError{Endpoint: "primus", Err: err}
	}
	_ = conn.SetReadDeadline(time.Now().Add(t.polling.params.ReceiveTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return &connection.TransportError{Endpoint: "primus", Err: err}
	}
	p, err := ParsePacket(string(data))
	if err != nil || p.Type != PacketPong || p.Data != probe {
		return fmt.Errorf("websocket upgrade: unexpected probe answer %q", data)
	}
	if err := conn.WriteMessage(gorilla.TextMessage, []byte{byte(PacketUpgrade)}); err != nil {
		return &connection.TransportError{Endpoint: "primus", Err: err}
	}
	return nil
}

func (t *WebSocketTransport) Send(_ context.Context, packets []Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("websocket send: %w", constants.ErrNotConnected)
	}
	for _, p := range packets {
		if err := t.conn.WriteMessage(gorilla.TextMessage, []byte(p.String())); err != nil {
			return &connection.TransportError{Endpoint: "primus", Err: err}
		}
	}
	return nil
}

// Receive reads one frame. Cancelling ctx closes the socket so the read
// returns.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]Packet, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket receive: %w", constants.ErrNotConnected)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(t.polling.params.ReceiveTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &connection.TransportError{Endpoint: "primus", Err: err}
	}
	p, err := ParsePacket(string(data))
	if err != nil {
		return nil, err
	}
	return []Packet{p}, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	_ = t.polling.Close()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	return conn.Close()
}

func (t *WebSocketTransport) wsURL(sid string) string {
	u := t.polling.url(sid)
	u = strings.Replace(u, "transport=polling", "transport=websocket", 1)
	if parsed, err := url.Parse(u); err == nil {
		switch parsed.Scheme {
		case "https":
			parsed.Scheme = "wss"
		case "http":
			parsed.Scheme = "ws"
		}
		u = parsed.String()
	}
	return u
}
