package fakenotion

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/monitor"
	"github.com/lxzan/gws"
)

func versionsKey(k models.RecordKey) string {
	return fmt.Sprintf("versions/%s:%s", k.ID, k.Table)
}

func collectionKey(id string) string {
	return "collection/" + id
}

// session is one engine.io client. Packets queue until a long-poll or the
// websocket picks them up.
type session struct {
	sid string

	mu       sync.Mutex
	subs     map[string]int64
	queue    []monitor.Packet
	wake     chan struct{}
	ws       *gws.Conn
	pongs    int
	upgraded bool
	closed   bool
}

func newSession() *session {
	return &session{
		sid:  models.NewID(),
		subs: make(map[string]int64),
		wake: make(chan struct{}, 1),
	}
}

func (ss *session) enqueue(p monitor.Packet) {
	ss.mu.Lock()
	if ss.ws != nil && ss.upgraded {
		ws := ss.ws
		ss.mu.Unlock()
		_ = ws.WriteString(p.String())
		return
	}
	ss.queue = append(ss.queue, p)
	ss.mu.Unlock()

	select {
	case ss.wake <- struct{}{}:
	default:
	}
}

func (ss *session) drain() []monitor.Packet {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := ss.queue
	ss.queue = nil
	return out
}

func (ss *session) close() {
	ss.mu.Lock()
	ss.closed = true
	ws := ss.ws
	ss.mu.Unlock()
	if ws != nil {
		ws.NetConn().Close()
	}
	select {
	case ss.wake <- struct{}{}:
	default:
	}
}

// pushLocked notifies every session watching key.
func (s *Server) pushLocked(key string, version any) {
	msg := map[string]any{"type": "notification", "key": key}
	if version != nil {
		msg["value"] = version
	}
	data, _ := json.Marshal(msg)
	for _, ss := range s.sessions {
		ss.mu.Lock()
		_, watching := ss.subs[key]
		ss.mu.Unlock()
		if watching {
			ss.enqueue(monitor.Message(string(data)))
		}
	}
}

// Ping sends a primus keepalive to every session.
func (s *Server) Ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ss := range s.sessions {
		ss.enqueue(monitor.Message(fmt.Sprintf(`"primus::ping::%d"`, time.Now().UnixMilli())))
	}
}

// Pongs counts keepalive answers across sessions.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ss := range s.sessions {
		ss.mu.Lock()
		n += ss.pongs
		ss.mu.Unlock()
	}
	return n
}

// Sessions counts open push sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Subscribed reports whether any session watches key, for example
// "versions/<id>:block".
func (s *Server) Subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ss := range s.sessions {
		ss.mu.Lock()
		_, ok := ss.subs[key]
		ss.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// DropSessions forgets every session, as a server restart would. Clients
// find out on their next request.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ss := range s.sessions {
		ss.close()
	}
	s.sessions = make(map[string]*session)
}

func (s *Server) handlePrimus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") == "" && r.Method == http.MethodGet {
		http.Error(w, `{"code":5,"message":"Unsupported protocol version"}`, http.StatusBadRequest)
		return
	}
	sid := q.Get("sid")

	s.mu.Lock()
	s.calls["primus"]++
	if sid == "" {
		ss := newSession()
		s.sessions[ss.sid] = ss
		s.mu.Unlock()
		open, _ := json.Marshal(map[string]any{
			"sid":          ss.sid,
			"upgrades":     []string{"websocket"},
			"pingInterval": 25000,
			"pingTimeout":  60000,
		})
		_, _ = w.Write(monitor.EncodePayload([]monitor.Packet{{Type: monitor.PacketOpen, Data: string(open)}}))
		return
	}
	ss := s.sessions[sid]
	s.mu.Unlock()

	if ss == nil {
		http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
		return
	}

	switch {
	case q.Get("transport") == "websocket":
		s.upgrade(w, r, ss)
	case r.Method == http.MethodPost:
		s.receivePolling(w, r, ss)
	default:
		s.longPoll(w, r, ss)
	}
}

func (s *Server) receivePolling(w http.ResponseWriter, r *http.Request, ss *session) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	packets, err := monitor.DecodePayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, p := range packets {
		s.clientPacket(ss, p)
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) longPoll(w http.ResponseWriter, r *http.Request, ss *session) {
	timer := time.NewTimer(s.longPollTimeout)
	defer timer.Stop()

	for {
		if packets := ss.drain(); len(packets) > 0 {
			_, _ = w.Write(monitor.EncodePayload(packets))
			return
		}
		ss.mu.Lock()
		closed := ss.closed
		ss.mu.Unlock()
		if closed {
			_, _ = w.Write(monitor.EncodePayload([]monitor.Packet{{Type: monitor.PacketClose}}))
			return
		}
		select {
		case <-ss.wake:
		case <-timer.C:
			_, _ = w.Write(monitor.EncodePayload([]monitor.Packet{{Type: monitor.PacketNoop}}))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// clientPacket handles a packet sent by the client on either transport.
func (s *Server) clientPacket(ss *session, p monitor.Packet) {
	if p.Type != monitor.PacketMessage {
		return
	}
	if strings.Contains(p.Data, "primus::pong::") {
		ss.mu.Lock()
		ss.pongs++
		ss.mu.Unlock()
		return
	}
	data := []byte(p.Data)
	if typ, _ := jsonparser.GetString(data, "type"); typ != "/api/v1/registerSubscription" {
		return
	}
	key, err := jsonparser.GetString(data, "key")
	if err != nil {
		return
	}
	version, err := jsonparser.GetInt(data, "version")
	if err != nil {
		version = -1
	}

	ss.mu.Lock()
	ss.subs[key] = version
	ss.mu.Unlock()

	// A subscriber that is already behind hears about it at once.
	if id, table, ok := strings.Cut(strings.TrimPrefix(key, "versions/"), ":"); ok && strings.HasPrefix(key, "versions/") {
		s.mu.Lock()
		r := s.records[models.RecordKey{Table: models.Table(table), ID: id}]
		var cur int64
		if r != nil {
			cur, _ = models.Int64(r.value["version"])
		}
		s.mu.Unlock()
		if r != nil && cur > version {
			msg, _ := json.Marshal(map[string]any{"type": "notification", "key": key, "value": cur})
			ss.enqueue(monitor.Message(string(msg)))
		}
	}
}

type wsHandler struct {
	gws.BuiltinEventHandler
	server  *Server
	session *session
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, ss *session) {
	upgrader := gws.NewUpgrader(&wsHandler{server: s, session: ss}, &gws.ServerOption{})
	socket, err := upgrader.Upgrade(w, r)
	if err != nil {
		return
	}
	ss.mu.Lock()
	ss.ws = socket
	ss.mu.Unlock()
	go socket.ReadLoop()
}

func (h *wsHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	p, err := monitor.ParsePacket(message.Data.String())
	if err != nil {
		return
	}
	switch p.Type {
	case monitor.PacketPing:
		_ = socket.WriteString(monitor.Packet{Type: monitor.PacketPong, Data: p.Data}.String())
	case monitor.PacketUpgrade:
		ss := h.session
		ss.mu.Lock()
		ss.upgraded = true
		ss.mu.Unlock()
		for _, q := range ss.drain() {
			_ = socket.WriteString(q.String())
		}
	case monitor.PacketMessage:
		h.server.clientPacket(h.session, p)
	}
}

func (h *wsHandler) OnClose(socket *gws.Conn, err error) {
	ss := h.session
	ss.mu.Lock()
	if ss.ws == socket {
		ss.ws = nil
		ss.upgraded = false
	}
	ss.mu.Unlock()
}
