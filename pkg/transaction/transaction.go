// Package transaction batches operations into one submitTransaction call.
//
// A Coordinator holds at most one open transaction for the whole client.
// While it is open, every Submit appends to it and every refresh the record
// store is asked for is queued. Commit sends the batch, replays it against
// the store, then runs the queued refreshes. Abort drops everything without
// sending or touching the cache.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/jamalex/notion-py/pkg/store"
)

type Submitter interface {
	SubmitTransaction(ctx context.Context, ops []operation.Operation) error
}

// Replayer is the part of the record store a commit writes through.
type Replayer interface {
	RunLocalOperations(ops []operation.Operation) error
	RefreshNow(ctx context.Context, keys []models.RecordKey, opts ...store.FetchOption) error
	RefreshPageNow(ctx context.Context, pageID string, opts ...store.FetchOption) error
}

// Transaction is a handle on the open batch. Handles returned by a nested
// Begin share the outer batch and their Commit does nothing.
type Transaction struct {
	outer *Transaction

	ops      []operation.Operation
	pages    []string
	pageSet  map[string]struct{}
	records  map[models.Table][]string
	recSet   map[models.RecordKey]struct{}
	poisoned bool
	done     bool
}

func newTransaction() *Transaction {
	return &Transaction{
		pageSet: make(map[string]struct{}),
		records: make(map[models.Table][]string),
		recSet:  make(map[models.RecordKey]struct{}),
	}
}

// Nested reports whether this handle defers to an outer transaction.
func (t *Transaction) Nested() bool {
	return t.outer != nil
}

type Coordinator struct {
	mu      sync.Mutex
	current *Transaction

	submitter Submitter
	store     Replayer
	userID    func() string
	now       func() time.Time

	commitTimeout time.Duration
	logger        logger.Logger
	metrics       *metrics.Collector
}

var _ store.Deferrer = (*Coordinator)(nil)

type Option func(*Coordinator)

// WithUserID supplies the user stamped into last-edited metadata.
func WithUserID(fn func() string) Option {
	return func(c *Coordinator) {
		c.userID = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithCommitTimeout bounds the send of each commit.
func WithCommitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.commitTimeout = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(submitter Submitter, replayer Replayer, opts ...Option) *Coordinator {
	c := &Coordinator{
		submitter: submitter,
		store:     replayer,
		userID:    func() string { return "" },
		now:       time.Now,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens a transaction, or returns a nested handle when one is open.
func (c *Coordinator) Begin() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return &Transaction{outer: c.current}
	}
	c.current = newTransaction()
	return c.current
}

func (c *Coordinator) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Submit queues ops on the open transaction, or sends them at once (with
// last-edited stamps) and replays them locally when none is open.
func (c *Coordinator) Submit(ctx context.Context, ops ...operation.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.ops = append(c.current.ops, ops...)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	batch := operation.WithLastEdited(ops, c.userID(), c.now())
	if err := c.send(ctx, batch); err != nil {
		c.metrics.Transaction(metrics.OutcomeFailed, len(batch))
		return err
	}
	c.metrics.Transaction(metrics.OutcomeCommitted, len(batch))
	return c.replay(ctx, batch)
}

// Commit closes tx. For the outermost handle it sends the batch, replays
// it into the store and drains the deferred refreshes. A failed send
// leaves the cache untouched and discards the queued refreshes.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) error {
	if tx.Nested() {
		return nil
	}

	c.mu.Lock()
	if tx.done || c.current != tx {
		c.mu.Unlock()
		return constants.ErrTransactionClosed
	}
	tx.done = true
	c.current = nil
	poisoned := tx.poisoned
	c.mu.Unlock()

	if poisoned {
		c.metrics.Transaction(metrics.OutcomeAborted, len(tx.ops))
		return constants.ErrTransactionAborted
	}

	batch := operation.WithLastEdited(tx.ops, c.userID(), c.now())
	if len(batch) > 0 {
		if err := c.send(ctx, batch); err != nil {
			c.metrics.Transaction(metrics.OutcomeFailed, len(batch))
			c.logger.Warn("transaction failed, discarding queued refreshes", "operations", len(batch), "error", err)
			return err
		}
		c.metrics.Transaction(metrics.OutcomeCommitted, len(batch))
	}

	return errors.Join(c.replay(ctx, batch), c.drain(ctx, tx))
}

// Abort discards tx. Aborting a nested handle marks the outer transaction
// so that its Commit aborts too.
func (c *Coordinator) Abort(tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.Nested() {
		tx.outer.poisoned = true
		return
	}
	if tx.done || c.current != tx {
		return
	}
	tx.done = true
	c.current = nil
	c.metrics.Transaction(metrics.OutcomeAborted, len(tx.ops))
}

// Atomic runs fn inside a transaction, committing when it returns nil and
// aborting when it returns an error or panics.
func (c *Coordinator) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx := c.Begin()
	defer func() {
		if r := recover(); r != nil {
			c.Abort(tx)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		c.Abort(tx)
		return err
	}
	return c.Commit(ctx, tx)
}

func (c *Coordinator) DeferPageRefresh(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.current
	if tx == nil {
		return
	}
	if _, ok := tx.pageSet[pageID]; ok {
		return
	}
	tx.pageSet[pageID] = struct{}{}
	tx.pages = append(tx.pages, pageID)
}

func (c *Coordinator) DeferRecordRefresh(table models.Table, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.current
	if tx == nil {
		return
	}
	for _, id := range ids {
		key := models.RecordKey{Table: table, ID: id}
		if _, ok := tx.recSet[key]; ok {
			continue
		}
		tx.recSet[key] = struct{}{}
		tx.records[table] = append(tx.records[table], id)
	}
}

// Pending returns a copy of the operations queued on the open transaction.
func (c *Coordinator) Pending() []operation.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return append([]operation.Operation(nil), c.current.ops...)
}

func (c *Coordinator) send(ctx context.Context, batch []operation.Operation) error {
	if c.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commitTimeout)
		defer cancel()
	}
	if err := c.submitter.SubmitTransaction(ctx, batch); err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	return nil
}

// replay mirrors a sent batch into the store. If the local copy cannot
// take the batch the touched records are refetched instead.
func (c *Coordinator) replay(ctx context.Context, batch []operation.Operation) error {
	if len(batch) == 0 {
		return nil
	}
	err := c.store.RunLocalOperations(batch)
	if err == nil {
		return nil
	}
	c.logger.Warn("local replay failed, refreshing touched records", "error", err)

	seen := make(map[models.RecordKey]struct{})
	var keys []models.RecordKey
	for _, op := range batch {
		k := op.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if rerr := c.store.RefreshNow(ctx, keys, store.Force()); rerr != nil {
		return fmt.Errorf("refresh after failed replay: %w", rerr)
	}
	return nil
}

func (c *Coordinator) drain(ctx context.Context, tx *Transaction) error {
	var errs []error
	for _, id := range tx.pages {
		if err := c.store.RefreshPageNow(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	tables := make([]models.Table, 0, len(tx.records))
	for table := range tx.records {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	var keys []models.RecordKey
	for _, table := range tables {
		for _, id := range tx.records[table] {
			keys = append(keys, models.RecordKey{Table: table, ID: id})
		}
	}
	if len(keys) > 0 {
		if err := c.store.RefreshNow(ctx, keys); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("refresh after commit: %w", err)
	}
	return nil
}
