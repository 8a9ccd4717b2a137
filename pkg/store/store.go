package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"golang.org/x/sync/singleflight"
)

// State distinguishes a record that was never fetched from one the server
// reported as missing.
type State int

const (
	StateUnknown State = iota
	StateAbsent
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresent:
		return "present"
	}
	return "unknown"
}

// Fetcher is the slice of the remote API the store refreshes through.
type Fetcher interface {
	// GetRecordValues returns one entry per key, in key order. Missing or
	// inaccessible records come back with an empty value.
	GetRecordValues(ctx context.Context, keys []models.RecordKey) ([]models.RecordEntry, error)
	LoadPageChunk(ctx context.Context, pageID string, limit int) (models.RecordMap, error)
}

// Deferrer holds refreshes back while a transaction is open. The
// transaction coordinator implements it.
type Deferrer interface {
	InTransaction() bool
	DeferPageRefresh(pageID string)
	DeferRecordRefresh(table models.Table, ids []string)
}

// IDSet selects records of one table: either explicit ids or every record
// of that table currently cached.
type IDSet struct {
	All bool
	IDs []string
}

func IDs(ids ...string) IDSet {
	return IDSet{IDs: ids}
}

var AllCached = IDSet{All: true}

type Selection map[models.Table]IDSet

type entry struct {
	state State
	value models.Value
	role  string
}

// Store is the in-process mirror of server records. All mutation happens
// under one mutex; callbacks run on their own goroutines after it is
// released.
type Store struct {
	mu        sync.Mutex
	entries   map[models.RecordKey]*entry
	rows      map[string][]string
	callbacks map[models.RecordKey][]*registration

	fetcher        Fetcher
	deferrer       Deferrer
	persister      Persister
	ignore         map[string]struct{}
	pageChunkLimit int

	logger  logger.Logger
	metrics *metrics.Collector

	group    singleflight.Group
	inflight sync.WaitGroup
}

func New(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		entries:        make(map[models.RecordKey]*entry),
		rows:           make(map[string][]string),
		callbacks:      make(map[models.RecordKey][]*registration),
		fetcher:        fetcher,
		pageChunkLimit: DefaultPageChunkLimit,
		logger:         logger.Nop(),
	}
	WithVolatileFields(DefaultVolatileFields)(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.persister != nil {
		s.load()
	}
	return s
}

// SetDeferrer installs the transaction hook after construction, since the
// coordinator is built on top of the store.
func (s *Store) SetDeferrer(d Deferrer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferrer = d
}

// Get returns a copy of the cached value for (table, id), fetching it when
// it was never loaded or force is set. A record the server does not return
// resolves to (nil, nil). A forced refresh of a cached record inside an
// open transaction is deferred to commit and returns the cached copy.
func (s *Store) Get(ctx context.Context, table models.Table, id string, force bool) (models.Value, error) {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	e := s.entries[key]
	known := e != nil && e.state != StateUnknown
	if known && !force {
		v := models.CloneValue(e.value)
		s.mu.Unlock()
		s.metrics.CacheHit()
		return v, nil
	}
	d := s.deferrer
	s.mu.Unlock()

	if known && d != nil && d.InTransaction() {
		s.deferRefresh(d, key)
		v, _ := s.Peek(key.Table, key.ID)
		return v, nil
	}

	s.metrics.CacheMiss()
	flight := key.String()
	if force {
		flight += "!"
	}
	_, err, _ = s.group.Do(flight, func() (any, error) {
		cfg := fetchConfig{force: force}
		if key.Table == models.TableBlock {
			return nil, s.loadPageChunk(ctx, key.ID, cfg)
		}
		return nil, s.getRecordValues(ctx, []models.RecordKey{key}, cfg)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e = s.entryLocked(key)
	if e.state == StateUnknown {
		e.state = StateAbsent
	}
	return models.CloneValue(e.value), nil
}

// Peek reads the cache without fetching.
func (s *Store) Peek(table models.Table, id string) (models.Value, State) {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return nil, StateUnknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		return nil, StateUnknown
	}
	return models.CloneValue(e.value), e.state
}

// Role returns the permission role the server last reported.
func (s *Store) Role(table models.Table, id string) string {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil {
		return e.role
	}
	return ""
}

// CurrentVersion returns the cached version, or -1 when the record has no
// cached value.
func (s *Store) CurrentVersion(table models.Table, id string) int64 {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil || e.state != StatePresent {
		return -1
	}
	return models.VersionOf(e.value)
}

// CachedIDs lists the ids of table with a cached value, sorted.
func (s *Store) CachedIDs(table models.Table) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedIDsLocked(table)
}

func (s *Store) cachedIDsLocked(table models.Table) []string {
	var ids []string
	for key, e := range s.entries {
		if key.Table == table && e.state == StatePresent {
			ids = append(ids, key.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CallGetRecordValues refreshes records of several tables in one round
// trip. Inside an open transaction the request is queued on the
// transaction instead.
func (s *Store) CallGetRecordValues(ctx context.Context, sel Selection, opts ...FetchOption) error {
	tables := make([]models.Table, 0, len(sel))
	for table := range sel {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })

	s.mu.Lock()
	d := s.deferrer
	byTable := make(map[models.Table][]string, len(tables))
	for _, table := range tables {
		set := sel[table]
		ids := set.IDs
		if set.All {
			ids = s.cachedIDsLocked(table)
		}
		for _, raw := range ids {
			id, err := models.ExtractID(raw)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			byTable[table] = append(byTable[table], id)
		}
	}
	s.mu.Unlock()

	if d != nil && d.InTransaction() {
		for _, table := range tables {
			if ids := byTable[table]; len(ids) > 0 {
				d.DeferRecordRefresh(table, ids)
			}
		}
		return nil
	}

	var keys []models.RecordKey
	for _, table := range tables {
		for _, id := range byTable[table] {
			keys = append(keys, models.RecordKey{Table: table, ID: id})
		}
	}
	return s.getRecordValues(ctx, keys, newFetchConfig(opts))
}

// CallLoadPageChunk refreshes a page and everything the server bundles
// with it. Inside an open transaction the page is queued instead.
func (s *Store) CallLoadPageChunk(ctx context.Context, pageID string, opts ...FetchOption) error {
	id, err := models.ExtractID(pageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	d := s.deferrer
	s.mu.Unlock()
	if d != nil && d.InTransaction() {
		d.DeferPageRefresh(id)
		return nil
	}
	return s.loadPageChunk(ctx, id, newFetchConfig(opts))
}

// RefreshNow refreshes keys immediately, bypassing any open transaction.
// The coordinator uses it to drain its queues.
func (s *Store) RefreshNow(ctx context.Context, keys []models.RecordKey, opts ...FetchOption) error {
	return s.getRecordValues(ctx, keys, newFetchConfig(opts))
}

// RefreshPageNow is RefreshNow for a page chunk.
func (s *Store) RefreshPageNow(ctx context.Context, pageID string, opts ...FetchOption) error {
	return s.loadPageChunk(ctx, pageID, newFetchConfig(opts))
}

func (s *Store) deferRefresh(d Deferrer, key models.RecordKey) {
	if key.Table == models.TableBlock {
		d.DeferPageRefresh(key.ID)
		return
	}
	d.DeferRecordRefresh(key.Table, []string{key.ID})
}

func (s *Store) getRecordValues(ctx context.Context, keys []models.RecordKey, cfg fetchConfig) error {
	if len(keys) == 0 {
		return nil
	}
	if s.fetcher == nil {
		return fmt.Errorf("getRecordValues: no fetcher configured")
	}
	s.metrics.Fetch("getRecordValues")
	s.logger.Debug("refreshing records", "count", len(keys))

	results, err := s.fetcher.GetRecordValues(ctx, keys)
	if err != nil {
		return fmt.Errorf("getRecordValues: %w", err)
	}

	return s.mutate(func(b *batch) error {
		for i, key := range keys {
			if i >= len(results) {
				break
			}
			s.ingestLocked(b, key, results[i], cfg.force)
		}
		return nil
	})
}

func (s *Store) loadPageChunk(ctx context.Context, pageID string, cfg fetchConfig) error {
	if s.fetcher == nil {
		return fmt.Errorf("loadPageChunk: no fetcher configured")
	}
	s.metrics.Fetch("loadPageChunk")
	s.logger.Debug("loading page chunk", "page", pageID)

	rm, err := s.fetcher.LoadPageChunk(ctx, pageID, s.pageChunkLimit)
	if err != nil {
		return fmt.Errorf("loadPageChunk: %w", err)
	}
	s.storeRecordMap(rm, cfg)
	return nil
}

// StoreRecordMap ingests a record bundle from any response. Snapshots not
// newer than the cached version are skipped unless Force is given.
func (s *Store) StoreRecordMap(rm models.RecordMap, opts ...FetchOption) {
	s.storeRecordMap(rm, newFetchConfig(opts))
}

func (s *Store) storeRecordMap(rm models.RecordMap, cfg fetchConfig) {
	if rm.Len() == 0 {
		return
	}
	_ = s.mutate(func(b *batch) error {
		for table, records := range rm {
			for rawID, ent := range records {
				key, err := models.NewRecordKey(table, rawID)
				if err != nil {
					s.logger.Debug("skipping record with malformed id", "table", string(table), "id", rawID)
					continue
				}
				s.ingestLocked(b, key, ent, cfg.force)
			}
		}
		return nil
	})
}

// RunLocalOperation applies op to the cached value without a network
// call, firing callbacks like any other update.
func (s *Store) RunLocalOperation(op operation.Operation) error {
	return s.RunLocalOperations([]operation.Operation{op})
}

// RunLocalOperations applies ops in order as one unit: if any operation
// fails the cache is left untouched.
func (s *Store) RunLocalOperations(ops []operation.Operation) error {
	return s.mutate(func(b *batch) error {
		staged := make(map[models.RecordKey]models.Value)
		var order []models.RecordKey

		for i, op := range ops {
			if err := op.Validate(); err != nil {
				return fmt.Errorf("local operation %d: %w", i, err)
			}
			key, err := models.NewRecordKey(op.Table, op.ID)
			if err != nil {
				return fmt.Errorf("local operation %d: %w", i, err)
			}
			cur, ok := staged[key]
			if !ok {
				if e := s.entries[key]; e != nil {
					cur = e.value
				}
				order = append(order, key)
			}
			next, err := operation.Apply(cur, op)
			if err != nil {
				return fmt.Errorf("local operation %d: %w", i, err)
			}
			staged[key] = next
		}

		for _, key := range order {
			s.updateLocked(b, key, s.entryLocked(key), staged[key])
		}
		return nil
	})
}

func (s *Store) entryLocked(key models.RecordKey) *entry {
	e := s.entries[key]
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

func (s *Store) ingestLocked(b *batch, key models.RecordKey, ent models.RecordEntry, force bool) {
	e := s.entryLocked(key)
	if ent.Role != "" && ent.Role != e.role {
		e.role = ent.Role
		b.roles = true
	}
	if len(ent.Value) == 0 {
		if e.state == StateUnknown {
			e.state = StateAbsent
		}
		return
	}
	if e.state == StatePresent && !force {
		cur, next := models.VersionOf(e.value), models.VersionOf(ent.Value)
		if cur >= 0 && next >= 0 && next <= cur {
			s.logger.Debug("skipping snapshot that is not newer", "record", key.String(), "cached", cur, "received", next)
			return
		}
	}
	s.metrics.Ingested(string(key.Table))
	s.updateLocked(b, key, e, models.CloneValue(ent.Value))
}

// updateLocked stores value and queues callbacks when there was a previous
// value and the diff is not empty.
func (s *Store) updateLocked(b *batch, key models.RecordKey, e *entry, value models.Value) {
	old := e.value
	hadOld := e.state == StatePresent && len(old) > 0

	e.value = value
	e.state = StatePresent
	b.values = true

	if !hadOld {
		return
	}
	changes := diffWith(old, value, s.ignore)
	if len(changes) == 0 {
		return
	}
	s.logger.Debug("record changed", "record", key.String(), "changes", len(changes))
	b.queue(s.callbacks[key], Event{Key: key, Changes: changes, Old: old, New: value})
}

// SetCollectionRows records the row ids of a collection. When rows were
// known before, membership changes fire callbacks registered on the
// collection record.
func (s *Store) SetCollectionRows(collectionID string, rowIDs []string) error {
	id, err := models.ExtractID(collectionID)
	if err != nil {
		return err
	}
	key := models.RecordKey{Table: models.TableCollection, ID: id}

	return s.mutate(func(b *batch) error {
		old, had := s.rows[id]
		next := append([]string{}, rowIDs...)
		s.rows[id] = next
		b.rows = true
		if !had {
			return nil
		}

		var changes []Change
		prev := make(map[string]struct{}, len(old))
		for _, r := range old {
			prev[r] = struct{}{}
		}
		cur := make(map[string]struct{}, len(next))
		for i, r := range next {
			cur[r] = struct{}{}
			if _, ok := prev[r]; !ok {
				changes = append(changes, Change{Kind: ChangeRowAdded, Path: operation.Path{"rows", i}, New: r})
			}
		}
		for i, r := range old {
			if _, ok := cur[r]; !ok {
				changes = append(changes, Change{Kind: ChangeRowRemoved, Path: operation.Path{"rows", i}, Old: r})
			}
		}
		if len(changes) == 0 {
			return nil
		}
		var value models.Value
		if e := s.entries[key]; e != nil {
			value = e.value
		}
		b.queue(s.callbacks[key], Event{Key: key, Changes: changes, Old: value, New: value})
		return nil
	})
}

// CollectionRows returns the known row ids of a collection.
func (s *Store) CollectionRows(collectionID string) ([]string, bool) {
	id, err := models.ExtractID(collectionID)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return append([]string{}, rows...), true
}

type batch struct {
	firings []firing
	values  bool
	roles   bool
	rows    bool
}

type firing struct {
	regs  []*registration
	event Event
}

func (b *batch) queue(regs []*registration, ev Event) {
	if len(regs) == 0 {
		return
	}
	b.firings = append(b.firings, firing{
		regs:  append([]*registration(nil), regs...),
		event: ev,
	})
}

// mutate runs fn under the store lock, persists what it touched, then
// dispatches queued callbacks after the lock is released.
func (s *Store) mutate(fn func(b *batch) error) error {
	b := &batch{}
	s.mu.Lock()
	err := fn(b)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.persistLocked(b)
	s.mu.Unlock()

	s.dispatch(b.firings)
	return nil
}
