// Package monitor keeps the record store in step with changes made
// elsewhere. A Listener holds a push session with the service, subscribes
// to record versions and refreshes records whose pushed version is newer
// than the cached one.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
)

const (
	DefaultReceiveRetries = 10
	DefaultReconnectAfter = 5
	DefaultRetryDelay     = 100 * time.Millisecond
)

var errSessionClosed = errors.New("push session closed by server")

// receiveError means the retry budget ran out.
type receiveError struct {
	err error
}

func (e *receiveError) Error() string {
	return "receive: " + e.err.Error()
}

func (e *receiveError) Unwrap() error {
	return e.err
}

// Refresher is what the listener drives when notifications arrive.
type Refresher interface {
	CurrentVersion(table models.Table, id string) int64
	RefreshRecords(ctx context.Context, keys []models.RecordKey) error
	// RefreshCollectionRows re-lists a collection's rows, refreshes the row
	// records and returns their ids.
	RefreshCollectionRows(ctx context.Context, collectionID string) ([]string, error)
}

type Listener struct {
	transport Transport
	refresher Refresher

	receiveRetries int
	reconnectAfter int
	retryDelay     time.Duration

	logger  logger.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	state State
	sid   string
	subs  map[models.RecordKey]Subscription
	order []models.RecordKey

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type Option func(*Listener)

// WithReceiveRetries bounds how many failed receives in a row are retried.
func WithReceiveRetries(n int) Option {
	return func(l *Listener) {
		if n >= 0 {
			l.receiveRetries = n
		}
	}
}

// WithReconnectAfter sets how many retries remain when the listener starts
// reopening the session before each retry.
func WithReconnectAfter(n int) Option {
	return func(l *Listener) {
		if n >= 0 {
			l.reconnectAfter = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Listener) {
		l.retryDelay = d
	}
}

func WithLogger(log logger.Logger) Option {
	return func(l *Listener) {
		if log != nil {
			l.logger = log
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

func NewListener(t Transport, r Refresher, opts ...Option) *Listener {
	l := &Listener{
		transport:      t,
		refresher:      r,
		receiveRetries: DefaultReceiveRetries,
		reconnectAfter: DefaultReconnectAfter,
		retryDelay:     DefaultRetryDelay,
		logger:         logger.Nop(),
		state:          StateDisconnected,
		subs:           make(map[models.RecordKey]Subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) transitionTo(newState State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := l.state.TransitionTo(newState)
	if err != nil {
		return err
	}
	l.state = next
	l.logger.Debug("listener state transitioned", "new_state", next)
	return nil
}

// Subscriptions lists the watched records in subscription order.
func (l *Listener) Subscriptions() []Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Subscription, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.subs[k])
	}
	return out
}

// Subscribe adds records to the watch set. Records already watched are
// skipped. While connected the register messages are sent at once,
// otherwise they go out with the next connect.
func (l *Listener) Subscribe(ctx context.Context, subs ...Subscription) error {
	var fresh []Subscription

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return constants.ErrListenerClosed
	}
	for _, sub := range subs {
		if _, ok := l.subs[sub.Key]; ok {
			continue
		}
		l.subs[sub.Key] = sub
		l.order = append(l.order, sub.Key)
		fresh = append(fresh, sub)
		l.logger.Debug("subscribing record", "key", sub.Key.String(), "version", sub.Version)
	}
	connected := l.state == StateConnected
	l.mu.Unlock()

	if !connected || len(fresh) == 0 {
		return nil
	}
	return l.sendSubscriptions(ctx, fresh)
}

func (l *Listener) sendSubscriptions(ctx context.Context, subs []Subscription) error {
	var packets []Packet
	for _, sub := range subs {
		p, err := subscribePackets(sub)
		if err != nil {
			return err
		}
		packets = append(packets, p...)
	}
	if err := l.transport.Send(ctx, packets); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Connect opens a session and registers every watched record on it.
func (l *Listener) Connect(ctx context.Context) error {
	if err := l.transitionTo(StateConnecting); err != nil {
		return err
	}
	if err := l.open(ctx); err != nil {
		_ = l.transitionTo(StateDisconnected)
		return err
	}
	return l.transitionTo(StateConnected)
}

func (l *Listener) open(ctx context.Context) error {
	sid, err := l.transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("open push session: %w", err)
	}
	l.mu.Lock()
	l.sid = sid
	l.mu.Unlock()
	l.logger.Debug("push session opened", "sid", sid)

	return l.sendSubscriptions(ctx, l.currentSubscriptions())
}

// currentSubscriptions is the watch set tagged with the versions cached
// now, so the server only reports records that moved since.
func (l *Listener) currentSubscriptions() []Subscription {
	subs := l.Subscriptions()
	for i := range subs {
		subs[i].Version = l.refresher.CurrentVersion(subs[i].Key.Table, subs[i].Key.ID)
	}

	l.mu.Lock()
	for _, sub := range subs {
		if _, ok := l.subs[sub.Key]; ok {
			l.subs[sub.Key] = sub
		}
	}
	l.mu.Unlock()
	return subs
}

// reconnect reopens the session in place. The server forgets
// subscriptions with the session, so all of them are sent again.
func (l *Listener) reconnect(ctx context.Context) error {
	if err := l.transitionTo(StateReconnecting); err != nil {
		return err
	}
	l.metrics.Reconnect()
	_ = l.transport.Close()

	err := l.open(ctx)
	// The receive loop decides when to give up, so the listener stays
	// nominally connected between attempts.
	_ = l.transitionTo(StateConnected)
	return err
}

// Poll runs one receive with its retry budget and dispatches whatever
// arrived.
func (l *Listener) Poll(ctx context.Context) error {
	packets, err := l.receive(ctx)
	if err != nil {
		return err
	}
	return l.handle(ctx, packets)
}

func (l *Listener) receive(ctx context.Context) ([]Packet, error) {
	for remaining := l.receiveRetries; ; remaining-- {
		packets, err := l.transport.Receive(ctx)
		if err == nil {
			return packets, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if remaining <= 0 {
			return nil, &receiveError{err: err}
		}

		l.logger.Warn("push receive failed", "error", err, "retries_left", remaining)
		if err := connection.Sleep(ctx, l.retryDelay); err != nil {
			return nil, err
		}
		if remaining <= l.reconnectAfter {
			l.logger.Error("push receive keeps failing, reopening session", "error", err, "retries_left", remaining)
			if rerr := l.reconnect(ctx); rerr != nil {
				l.logger.Warn("reopening push session failed", "error", rerr)
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, packets []Packet) error {
	var (
		keys    []models.RecordKey
		queued  = make(map[models.RecordKey]struct{})
		replies []Packet
		closed  bool
	)
	enqueue := func(k models.RecordKey) {
		if _, ok := queued[k]; ok {
			return
		}
		queued[k] = struct{}{}
		keys = append(keys, k)
	}

	for _, p := range packets {
		switch p.Type {
		case PacketPing:
			replies = append(replies, Packet{Type: PacketPong, Data: p.Data})
			continue
		case PacketClose:
			closed = true
			continue
		case PacketMessage:
		default:
			continue
		}

		if pong, ok := pongFor(p.Data); ok {
			l.logger.Debug("answering keepalive", "ping", p.Data)
			replies = append(replies, pong)
			continue
		}

		ev, err := parseEvent([]byte(p.Data))
		if err != nil {
			l.metrics.Notification(metrics.NotificationMalformed)
			l.logger.Debug("could not parse push message", "data", p.Data, "error", err)
			continue
		}

		switch ev.Kind {
		case EventVersion:
			local := l.refresher.CurrentVersion(ev.Key.Table, ev.Key.ID)
			if ev.Version <= local {
				l.metrics.Notification(metrics.NotificationStale)
				l.logger.Debug("record already current", "key", ev.Key.String(), "local", local, "pushed", ev.Version)
				continue
			}
			l.metrics.Notification(metrics.NotificationRefresh)
			l.logger.Debug("record changed", "key", ev.Key.String(), "local", local, "pushed", ev.Version)
			enqueue(ev.Key)

		case EventCollection:
			rows, err := l.refresher.RefreshCollectionRows(ctx, ev.CollectionID)
			if err != nil {
				l.logger.Warn("re-listing collection rows failed", "collection", ev.CollectionID, "error", err)
				continue
			}
			l.metrics.Notification(metrics.NotificationRefresh)
			l.logger.Debug("collection rows refreshed", "collection", ev.CollectionID, "rows", len(rows))
		}
	}

	if len(replies) > 0 {
		if err := l.transport.Send(ctx, replies); err != nil {
			l.logger.Warn("sending keepalive reply failed", "error", err)
		}
	}

	var errs []error
	if len(keys) > 0 {
		sort.SliceStable(keys, func(i, j int) bool { return keys[i].Table < keys[j].Table })
		if err := l.refresher.RefreshRecords(ctx, keys); err != nil {
			errs = append(errs, fmt.Errorf("refresh notified records: %w", err))
		}
	}
	if closed {
		errs = append(errs, errSessionClosed)
	}
	return errors.Join(errs...)
}

// Run loops receive and dispatch until ctx ends or the retry budget is
// spent. Refresh failures are logged and the loop goes on.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := l.Poll(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errSessionClosed):
			if rerr := l.reconnect(ctx); rerr != nil {
				l.logger.Warn("reopening push session failed", "error", rerr)
			}
		case isReceiveFailure(err):
			_ = l.transitionTo(StateDisconnected)
			return err
		default:
			l.logger.Warn("handling push notifications failed", "error", err)
		}
	}
}

func isReceiveFailure(err error) bool {
	var rf *receiveError
	return errors.As(err, &rf)
}

// Start connects and runs the loop on its own goroutine. A second Start
// while running does nothing; after the loop gave up it starts over.
func (l *Listener) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return nil
		}
	}
	if err := l.Connect(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.err = nil
	l.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		err := l.Run(ctx)
		if err != nil {
			l.logger.Error("listener stopped", "error", err)
		}
		l.runMu.Lock()
		l.err = err
		l.runMu.Unlock()
	}(l.done)
	return nil
}

// Err returns the error that stopped the background loop, if any.
func (l *Listener) Err() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.err
}

// Close stops the loop, waits for it and ends the session. The listener
// cannot be reused.
func (l *Listener) Close() error {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := l.transitionTo(StateClosed); err != nil {
		return constants.ErrListenerClosed
	}
	return l.transport.Close()
}
