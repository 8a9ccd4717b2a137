package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
)

const (
	// DefaultRootURL is the public push service.
	DefaultRootURL = "https://msgstore.www.notion.so/primus/"
	DefaultReceiveTimeout = 60 * time.Second

	engineVersion = "3"
)

// Transport carries engine.io packets between the listener and the push
// service. Open starts a new session and returns its id.
type Transport interface {
	Open(ctx context.Context) (string, error)
	Send(ctx context.Context, packets []Packet) error
	Receive(ctx context.Context) ([]Packet, error)
	Close() error
}

type TransportParams struct {
	RootURL        string
	TokenV2        string
	HTTPClient     *http.Client
	ReceiveTimeout time.Duration
}

func (p TransportParams) withDefaults() TransportParams {
	if p.RootURL == "" {
		p.RootURL = DefaultRootURL
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{}
	}
	if p.ReceiveTimeout <= 0 {
		p.ReceiveTimeout = DefaultReceiveTimeout
	}
	return p
}

// PollingTransport speaks the engine.io long-polling variant.
type PollingTransport struct {
	params    TransportParams
	sessionID string

	mu  sync.Mutex
	sid string
}

var _ Transport = (*PollingTransport)(nil)

func NewPollingTransport(p TransportParams) *PollingTransport {
	return &PollingTransport{
		params:    p.withDefaults(),
		sessionID: models.NewID(),
	}
}

// SID returns the current engine.io session id.
func (t *PollingTransport) SID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sid
}

func (t *PollingTransport) Open(ctx context.Context) (string, error) {
	body, err := t.do(ctx, http.MethodGet, t.url(""), nil)
	if err != nil {
		return "", err
	}
	sid, err := openSID(body)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.sid = sid
	t.mu.Unlock()
	return sid, nil
}

func (t *PollingTransport) Send(ctx context.Context, packets []Packet) error {
	if len(packets) == 0 {
		return nil
	}
	sid := t.SID()
	if sid == "" {
		return fmt.Errorf("polling send: %w", constants.ErrNotConnected)
	}
	_, err := t.do(ctx, http.MethodPost, t.url(sid), EncodePayload(packets))
	return err
}

// Receive blocks on one long-poll request, bounded by the receive timeout.
func (t *PollingTransport) Receive(ctx context.Context) ([]Packet, error) {
	sid := t.SID()
	if sid == "" {
		return nil, fmt.Errorf("polling receive: %w", constants.ErrNotConnected)
	}
	ctx, cancel := context.WithTimeout(ctx, t.params.ReceiveTimeout)
	defer cancel()

	body, err := t.do(ctx, http.MethodGet, t.url(sid), nil)
	if err != nil {
		return nil, err
	}
	return DecodePayload(body)
}

func (t *PollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sid = ""
	return nil
}

func (t *PollingTransport) url(sid string) string {
	q := url.Values{}
	q.Set("sessionId", t.sessionID)
	q.Set("EIO", engineVersion)
	q.Set("transport", "polling")
	if sid != "" {
		q.Set("sid", sid)
	}
	return t.params.RootURL + "?" + q.Encode()
}

func (t *PollingTransport) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	if t.params.TokenV2 != "" {
		req.AddCookie(&http.Cookie{Name: connection.TokenCookie, Value: t.params.TokenV2})
	}

	resp, err := t.params.HTTPClient.Do(req)
	if err != nil {
		return nil, &connection.TransportError{Endpoint: "primus", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &connection.TransportError{Endpoint: "primus", Err: err}
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, &connection.ServerError{Endpoint: "primus", StatusCode: resp.StatusCode, Message: string(data)}
	case resp.StatusCode >= 400:
		return nil, &connection.ClientError{Endpoint: "primus", StatusCode: resp.StatusCode, Message: string(data), Body: data}
	}
	return data, nil
}

// openSID finds the open packet in a handshake response and returns the
// session id it carries.
func openSID(body []byte) (string, error) {
	packets, err := DecodePayload(body)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	for _, p := range packets {
		if p.Type != PacketOpen {
			continue
		}
		sid, err := jsonparser.GetString([]byte(p.Data), "sid")
		if err != nil || sid == "" {
			return "", fmt.Errorf("handshake: open packet without sid")
		}
		return sid, nil
	}
	return "", fmt.Errorf("handshake: no open packet in %q", truncate(string(body)))
}
