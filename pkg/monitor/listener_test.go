package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

type receiveResult struct {
	packets []Packet
	err     error
}

// scriptedTransport replays queued receive results, then blocks until the
// context ends.
type scriptedTransport struct {
	mu      sync.Mutex
	opens   int
	sent    []Packet
	results []receiveResult
	openErr error
}

func (t *scriptedTransport) Open(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return "", t.openErr
	}
	t.opens++
	return "sid", nil
}

func (t *scriptedTransport) Send(_ context.Context, packets []Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, packets...)
	return nil
}

func (t *scriptedTransport) Receive(ctx context.Context) ([]Packet, error) {
	t.mu.Lock()
	if len(t.results) > 0 {
		r := t.results[0]
		t.results = t.results[1:]
		t.mu.Unlock()
		return r.packets, r.err
	}
	t.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *scriptedTransport) Close() error { return nil }

func (t *scriptedTransport) queue(r ...receiveResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r...)
}

func (t *scriptedTransport) sentKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for _, p := range t.sent {
		if k, err := jsonparser.GetString([]byte(p.Data), "key"); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// sentVersions maps each subscribed versions/ key to the version sent with it
// most recently.
func (t *scriptedTransport) sentVersions() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64)
	for _, p := range t.sent {
		data := []byte(p.Data)
		k, err := jsonparser.GetString(data, "key")
		if err != nil {
			continue
		}
		if v, err := jsonparser.GetInt(data, "version"); err == nil {
			out[k] = v
		}
	}
	return out
}

func (t *scriptedTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// fakeRefresher serves versions from a local cache. A refresh copies the
// remote version of each key into that cache.
type fakeRefresher struct {
	mu        sync.Mutex
	versions  map[models.RecordKey]int64
	remote    map[models.RecordKey]int64
	rows      map[string][]string
	refreshed [][]models.RecordKey
	listed    []string
}

func (r *fakeRefresher) CurrentVersion(table models.Table, id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.versions[models.RecordKey{Table: table, ID: id}]; ok {
		return v
	}
	return -1
}

func (r *fakeRefresher) RefreshRecords(_ context.Context, keys []models.RecordKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, keys)
	for _, k := range keys {
		if v, ok := r.remote[k]; ok {
			r.versions[k] = v
		}
	}
	return nil
}

func (r *fakeRefresher) setVersion(k models.RecordKey, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[k] = v
}

func (r *fakeRefresher) RefreshCollectionRows(_ context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed = append(r.listed, id)
	return r.rows[id], nil
}

func (r *fakeRefresher) batches() [][]models.RecordKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.RecordKey(nil), r.refreshed...)
}

func notification(key string, version int) Packet {
	return Message(`{"type":"notification","key":"` + key + `","value":` + itoa(version) + `}`)
}

func itoa(n int) string {
	if n < 0 {
		return "-" + itoa(-n)
	}
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

type ListenerTestSuite struct {
	suite.Suite
	ctx       context.Context
	transport *scriptedTransport
	refresher *fakeRefresher
	metrics   *metrics.Collector
	listener  *Listener
	block     models.RecordKey
}

func TestListenerTestSuite(t *testing.T) {
	suite.Run(t, new(ListenerTestSuite))
}

func (s *ListenerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.block = models.RecordKey{Table: models.TableBlock, ID: blockID}
	s.transport = &scriptedTransport{}
	s.refresher = &fakeRefresher{
		versions: map[models.RecordKey]int64{s.block: 5},
		rows:     map[string][]string{collectionID: {rowID, blockID}},
	}
	s.metrics = metrics.NewCollector("test")
	s.listener = NewListener(s.transport, s.refresher,
		WithRetryDelay(time.Millisecond),
		WithMetrics(s.metrics),
	)
}

func (s *ListenerTestSuite) TestSubscribeIsIdempotent() {
	s.Require().NoError(s.listener.Connect(s.ctx))

	sub := Subscription{Key: s.block, Version: 5}
	s.Require().NoError(s.listener.Subscribe(s.ctx, sub))
	s.Require().NoError(s.listener.Subscribe(s.ctx, sub))

	s.Equal([]string{"versions/" + blockID + ":block"}, s.transport.sentKeys())
	s.Len(s.listener.Subscriptions(), 1)
}

func (s *ListenerTestSuite) TestSubscriptionsBeforeConnectAreSentOnConnect() {
	coll := models.RecordKey{Table: models.TableCollection, ID: collectionID}
	s.Require().NoError(s.listener.Subscribe(s.ctx,
		Subscription{Key: s.block, Version: 5},
		Subscription{Key: coll, Version: -1, Collection: true},
	))
	s.Empty(s.transport.sentKeys())

	s.Require().NoError(s.listener.Connect(s.ctx))
	s.Equal(StateConnected, s.listener.State())
	s.Equal([]string{
		"versions/" + blockID + ":block",
		"versions/" + collectionID + ":collection",
		"collection/" + collectionID,
	}, s.transport.sentKeys())
}

func (s *ListenerTestSuite) TestOnlyNewerVersionsRefresh() {
	other := models.RecordKey{Table: models.TableBlock, ID: rowID}
	s.transport.queue(receiveResult{packets: []Packet{
		notification("versions/"+blockID+":block", 5),
		notification("versions/"+blockID+":block", 6),
		notification("versions/"+blockID+":block", 7),
		notification("versions/"+rowID+":block", 1),
	}})

	s.Require().NoError(s.listener.Poll(s.ctx))

	s.Equal([][]models.RecordKey{{s.block, other}}, s.refresher.batches())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues(metrics.NotificationStale)))
	s.Equal(3.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues(metrics.NotificationRefresh)))
}

func (s *ListenerTestSuite) TestStaleOnlyBatchDoesNotRefresh() {
	s.transport.queue(receiveResult{packets: []Packet{notification("versions/"+blockID+":block", 4)}})
	s.Require().NoError(s.listener.Poll(s.ctx))
	s.Empty(s.refresher.batches())
}

func (s *ListenerTestSuite) TestCollectionEventRefreshesRows() {
	s.transport.queue(receiveResult{packets: []Packet{
		Message(`{"type":"notification","key":"collection/` + collectionID + `"}`),
		notification("versions/"+blockID+":block", 9),
	}})
	s.Require().NoError(s.listener.Poll(s.ctx))

	s.Equal([]string{collectionID}, s.refresher.listed)
	// Rows come back refreshed from the re-listing; only the notified
	// block is fetched again.
	s.Equal([][]models.RecordKey{{{Table: models.TableBlock, ID: blockID}}}, s.refresher.batches())
}

func (s *ListenerTestSuite) TestRepeatedNotificationRefreshesOnce() {
	s.refresher.remote = map[models.RecordKey]int64{s.block: 6}
	note := notification("versions/"+blockID+":block", 6)
	s.transport.queue(
		receiveResult{packets: []Packet{note}},
		receiveResult{packets: []Packet{note}},
	)

	s.Require().NoError(s.listener.Poll(s.ctx))
	s.Require().NoError(s.listener.Poll(s.ctx))

	s.Equal([][]models.RecordKey{{s.block}}, s.refresher.batches())
	s.Equal(int64(6), s.refresher.CurrentVersion(s.block.Table, s.block.ID))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues(metrics.NotificationRefresh)))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues(metrics.NotificationStale)))
}

func (s *ListenerTestSuite) TestReconnectSendsCachedVersions() {
	key := "versions/" + blockID + ":block"
	s.Require().NoError(s.listener.Subscribe(s.ctx, Subscription{Key: s.block, Version: 2}))
	s.Require().NoError(s.listener.Connect(s.ctx))
	s.Equal(int64(5), s.transport.sentVersions()[key])

	s.refresher.setVersion(s.block, 8)
	s.transport.queue(receiveResult{packets: []Packet{{Type: PacketClose}}})
	err := s.listener.Poll(s.ctx)
	s.Require().ErrorIs(err, errSessionClosed)
	s.Require().NoError(s.listener.reconnect(s.ctx))

	s.Equal(2, s.transport.openCount())
	s.Equal(int64(8), s.transport.sentVersions()[key])
	s.Equal(int64(8), s.listener.Subscriptions()[0].Version)
}

func (s *ListenerTestSuite) TestPrimusPingIsAnswered() {
	s.transport.queue(receiveResult{packets: []Packet{Message(`"primus::ping::42"`)}})
	s.Require().NoError(s.listener.Poll(s.ctx))
	s.Equal([]Packet{Message(`"primus::pong::42"`)}, s.transport.sent)
}

func (s *ListenerTestSuite) TestMalformedMessageIsCounted() {
	s.transport.queue(receiveResult{packets: []Packet{Message(`{"type":"notification","key":"versions/nope"}`)}})
	s.Require().NoError(s.listener.Poll(s.ctx))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Notifications.WithLabelValues(metrics.NotificationMalformed)))
}

func (s *ListenerTestSuite) TestTransientFailuresAreRetried() {
	s.Require().NoError(s.listener.Connect(s.ctx))
	boom := errors.New("reset")
	s.transport.queue(
		receiveResult{err: boom},
		receiveResult{err: boom},
		receiveResult{packets: []Packet{notification("versions/"+blockID+":block", 6)}},
	)
	s.Require().NoError(s.listener.Poll(s.ctx))
	s.Len(s.refresher.batches(), 1)
	s.Equal(1, s.transport.openCount(), "early retries keep the session")
}

func (s *ListenerTestSuite) TestPersistentFailuresReconnectThenGiveUp() {
	listener := NewListener(s.transport, s.refresher,
		WithReceiveRetries(3),
		WithReconnectAfter(2),
		WithRetryDelay(time.Millisecond),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(listener.Subscribe(s.ctx, Subscription{Key: s.block, Version: 5}))
	s.Require().NoError(listener.Connect(s.ctx))

	boom := errors.New("down")
	for i := 0; i < 4; i++ {
		s.transport.queue(receiveResult{err: boom})
	}

	err := listener.Run(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, boom)
	s.Equal(StateDisconnected, listener.State())
	s.Equal(3, s.transport.openCount(), "initial open plus one reopen per late retry")
	s.Equal(2.0, testutil.ToFloat64(s.metrics.ListenerReconnects))
	s.Len(s.transport.sentKeys(), 3, "every reopen resubscribes")
}

func (s *ListenerTestSuite) TestServerCloseReopensSession() {
	s.Require().NoError(s.listener.Connect(s.ctx))
	s.transport.queue(receiveResult{packets: []Packet{{Type: PacketClose}}})

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.listener.Run(ctx) }()

	s.Eventually(func() bool { return s.transport.openCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	s.NoError(<-done)
}

func (s *ListenerTestSuite) TestStartAndClose() {
	s.transport.queue(receiveResult{packets: []Packet{notification("versions/"+blockID+":block", 8)}})
	s.Require().NoError(s.listener.Start(s.ctx))
	s.Require().NoError(s.listener.Start(s.ctx))

	s.Eventually(func() bool { return len(s.refresher.batches()) == 1 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.listener.Close())
	s.Equal(StateClosed, s.listener.State())
	s.NoError(s.listener.Err())
	s.ErrorIs(s.listener.Subscribe(s.ctx, Subscription{Key: s.block}), constants.ErrListenerClosed)
	s.ErrorIs(s.listener.Close(), constants.ErrListenerClosed)
}

func (s *ListenerTestSuite) TestConnectFailureLeavesDisconnected() {
	s.transport.openErr = errors.New("refused")
	s.Error(s.listener.Connect(s.ctx))
	s.Equal(StateDisconnected, s.listener.State())
}

func TestStateTransitions(t *testing.T) {
	s := StateDisconnected
	next, err := s.TransitionTo(StateConnected)
	if err == nil {
		t.Fatalf("disconnected -> connected should fail, got %v", next)
	}
	if _, err := StateClosed.TransitionTo(StateClosed); err == nil {
		t.Fatal("closed is terminal")
	}
	if got, err := StateConnected.TransitionTo(StateReconnecting); err != nil || got != StateReconnecting {
		t.Fatalf("connected -> reconnecting: %v %v", got, err)
	}
}
