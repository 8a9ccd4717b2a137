// Package fakenotion is an in-process stand-in for the remote service,
// for tests. It keeps an authoritative record table, applies submitted
// transactions with the same replay rules as the client, bumps versions
// and pushes version notifications to engine.io sessions over long-polling
// or a gws websocket.
//
// Failures are injected per endpoint: the next N calls answer with a given
// status code.
package fakenotion

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jamalex/notion-py/pkg/models"
)

const DefaultLongPollTimeout = 200 * time.Millisecond

type stored struct {
	value models.Value
	role  string
}

type failure struct {
	status    int
	remaining int
}

type Server struct {
	mu       sync.Mutex
	records  map[models.RecordKey]*stored
	rows     map[string][]string
	calls    map[string]int
	failures map[string]*failure
	sessions map[string]*session

	token           string
	userID          string
	spaceID         string
	guest           bool
	longPollTimeout time.Duration

	router *mux.Router
	http   *httptest.Server
}

type Option func(*Server)

// WithToken makes every request require the token_v2 cookie.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

func WithLongPollTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.longPollTimeout = d
	}
}

// WithUser sets the account loadUserContent reports.
func WithUser(userID, spaceID string) Option {
	return func(s *Server) {
		s.userID = userID
		s.spaceID = spaceID
	}
}

// AsGuest makes loadUserContent omit the space, the way the service
// answers for guest accounts.
func AsGuest() Option {
	return func(s *Server) {
		s.guest = true
	}
}

// New starts a server on a loopback port.
func New(opts ...Option) *Server {
	s := &Server{
		records:         make(map[models.RecordKey]*stored),
		rows:            make(map[string][]string),
		calls:           make(map[string]int),
		failures:        make(map[string]*failure),
		sessions:        make(map[string]*session),
		longPollTimeout: DefaultLongPollTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = mux.NewRouter()
	s.routes()
	s.http = httptest.NewServer(s.router)
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v3").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/{endpoint}", s.handleAPI).Methods(http.MethodPost)

	s.router.HandleFunc("/primus/", s.handlePrimus).Methods(http.MethodGet, http.MethodPost)
}

// URL is the base URL to configure the client with.
func (s *Server) URL() string {
	return s.http.URL
}

// MonitorURL is the push endpoint.
func (s *Server) MonitorURL() string {
	return s.http.URL + "/primus/"
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	s.http.Close()
}

// Put stores a record as-is. A value without a version gets version 1.
func (s *Server) Put(table models.Table, id string, value models.Value) {
	key := models.RecordKey{Table: table, ID: models.MustExtractID(id)}
	v := models.CloneValue(value)
	if v == nil {
		v = models.Value{}
	}
	if _, ok := v["version"]; !ok {
		v["version"] = int64(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &stored{value: v, role: "editor"}
}

// SetRole changes the role reported for a record. "none" hides it.
func (s *Server) SetRole(table models.Table, id, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.records[models.RecordKey{Table: table, ID: id}]; r != nil {
		r.role = role
	}
}

// Value returns a copy of the authoritative value.
func (s *Server) Value(table models.Table, id string) models.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.records[models.RecordKey{Table: table, ID: id}]; r != nil {
		return models.CloneValue(r.value)
	}
	return nil
}

// Update changes a record out of band, as another client would, bumps its
// version and notifies subscribers.
func (s *Server) Update(table models.Table, id string, fn func(models.Value)) {
	key := models.RecordKey{Table: table, ID: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[key]
	if r == nil {
		r = &stored{value: models.Value{"id": id, "version": int64(0)}, role: "editor"}
		s.records[key] = r
	}
	fn(r.value)
	s.bumpLocked(key)
}

// SetCollectionRows replaces a collection's row list and pushes a
// collection event.
func (s *Server) SetCollectionRows(collectionID string, rowIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[collectionID] = append([]string(nil), rowIDs...)
	s.pushLocked(collectionKey(collectionID), nil)
}

// Calls reports how many requests an endpoint received.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// FailNext makes the next n calls of endpoint answer with status.
func (s *Server) FailNext(endpoint string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = &failure{status: status, remaining: n}
}

func (s *Server) bumpLocked(key models.RecordKey) {
	r := s.records[key]
	v, _ := models.Int64(r.value["version"])
	v++
	r.value["version"] = v
	s.pushLocked(versionsKey(key), v)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			c, err := r.Cookie("token_v2")
			if err != nil || c.Value != s.token {
				writeError(w, http.StatusUnauthorized, "UnauthorizedError", "Token was invalid or expired.")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
