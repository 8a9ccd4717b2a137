package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingTransport(t *testing.T) {
	var (
		mu     sync.Mutex
		posted []string
		seen   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		q := r.URL.Query()
		assert.Equal(t, "3", q.Get("EIO"))
		assert.Equal(t, "polling", q.Get("transport"))
		assert.NotEmpty(t, q.Get("sessionId"))
		if c, err := r.Cookie("token_v2"); assert.NoError(t, err) {
			assert.Equal(t, "tok", c.Value)
		}
		seen = append(seen, q.Get("sid"))

		switch {
		case q.Get("sid") == "":
			_, _ = w.Write(EncodePayload([]Packet{{Type: PacketOpen, Data: `{"sid":"s1","upgrades":[]}`}}))
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			posted = append(posted, string(body))
			_, _ = w.Write([]byte("ok"))
		default:
			_, _ = w.Write(EncodePayload([]Packet{Message(`{"type":"notification","key":"collection/` + collectionID + `"}`)}))
		}
	}))
	defer srv.Close()

	tr := NewPollingTransport(TransportParams{RootURL: srv.URL + "/primus/", TokenV2: "tok"})
	ctx := context.Background()

	sid, err := tr.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)

	require.NoError(t, tr.Send(ctx, []Packet{Message(`"primus::pong::1"`)}))
	packets, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, PacketMessage, packets[0].Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`18:4"primus::pong::1"`}, posted)
	assert.Equal(t, []string{"", "s1", "s1"}, seen)
}

func TestPollingTransportStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewPollingTransport(TransportParams{RootURL: srv.URL + "/"})
	_, err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestReceiveWithoutSession(t *testing.T) {
	ctx := context.Background()
	tr := NewPollingTransport(TransportParams{})
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, constants.ErrNotConnected)
	assert.ErrorIs(t, tr.Send(ctx, []Packet{Message(`"x"`)}), constants.ErrNotConnected)

	ws := NewWebSocketTransport(TransportParams{})
	_, err = ws.Receive(ctx)
	assert.ErrorIs(t, err, constants.ErrNotConnected)
	assert.ErrorIs(t, ws.Send(ctx, []Packet{Message(`"x"`)}), constants.ErrNotConnected)
}
