package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/jamalex/notion-py/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

const (
	pageID  = "11111111-1111-1111-1111-111111111111"
	childA  = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	childB  = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	childC  = "cccccccc-cccc-cccc-cccc-cccccccccccc"
	userID  = "dddddddd-dddd-dddd-dddd-dddddddddddd"
	spaceID = "eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]operation.Operation
	err     error
}

func (f *fakeSubmitter) SubmitTransaction(_ context.Context, ops []operation.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]operation.Operation(nil), ops...))
	return nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	records map[models.RecordKey]models.Value
	pages   []string
	keys    []models.RecordKey
}

func (f *fakeFetcher) GetRecordValues(_ context.Context, keys []models.RecordKey) ([]models.RecordEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys...)
	out := make([]models.RecordEntry, len(keys))
	for i, k := range keys {
		if v, ok := f.records[k]; ok {
			out[i] = models.RecordEntry{Value: models.CloneValue(v), Role: "editor"}
		}
	}
	return out, nil
}

func (f *fakeFetcher) LoadPageChunk(_ context.Context, id string, _ int) (models.RecordMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, id)
	v, ok := f.records[models.RecordKey{Table: models.TableBlock, ID: id}]
	if !ok {
		return models.RecordMap{}, nil
	}
	return models.RecordMap{models.TableBlock: {id: {Value: models.CloneValue(v), Role: "editor"}}}, nil
}

type CoordinatorTestSuite struct {
	suite.Suite
	ctx       context.Context
	fetcher   *fakeFetcher
	submitter *fakeSubmitter
	metrics   *metrics.Collector
	store     *store.Store
	coord     *Coordinator
	now       time.Time
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.fetcher = &fakeFetcher{records: map[models.RecordKey]models.Value{
		{Table: models.TableBlock, ID: pageID}: {
			"id": pageID, "version": 1.0, "type": "page",
			"content": []any{childA, childB},
		},
		{Table: models.TableSpace, ID: spaceID}: {"id": spaceID, "version": 1.0, "name": "Team"},
	}}
	s.submitter = &fakeSubmitter{}
	s.metrics = metrics.NewCollector("test")
	s.store = store.New(s.fetcher, store.WithMetrics(s.metrics))
	s.coord = NewCoordinator(s.submitter, s.store,
		WithUserID(func() string { return userID }),
		WithClock(func() time.Time { return s.now }),
		WithMetrics(s.metrics),
	)
	s.store.SetDeferrer(s.coord)

	_, err := s.store.Get(s.ctx, models.TableBlock, pageID, false)
	s.Require().NoError(err)
}

func (s *CoordinatorTestSuite) listAfter(id, after string) operation.Operation {
	op, err := operation.Build(pageID, "content", map[string]any{"id": id, "after": after},
		operation.WithCommand(operation.CommandListAfter))
	s.Require().NoError(err)
	return op
}

func (s *CoordinatorTestSuite) setTitle(title string) operation.Operation {
	op, err := operation.Build(pageID, "properties.title", []any{[]any{title}})
	s.Require().NoError(err)
	return op
}

func (s *CoordinatorTestSuite) TestSubmitOutsideTransactionSendsAndReplays() {
	s.Require().NoError(s.coord.Submit(s.ctx, s.listAfter(childC, childA)))

	s.Require().Len(s.submitter.batches, 1)
	batch := s.submitter.batches[0]
	s.Require().Len(batch, 2)
	s.Equal(operation.CommandListAfter, batch[0].Command)
	s.Equal(operation.CommandUpdate, batch[1].Command)
	s.Equal(userID, batch[1].Args.(map[string]any)["last_edited_by"])

	v, _ := s.store.Peek(models.TableBlock, pageID)
	s.Equal([]any{childA, childC, childB}, v["content"])
	s.Equal(models.Millis(s.now), v["last_edited_time"])
}

func (s *CoordinatorTestSuite) TestAtomicSendsOneBatchInOrder() {
	err := s.coord.Atomic(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.coord.Submit(ctx, s.setTitle("one")))
		s.Require().NoError(s.coord.Submit(ctx, s.listAfter(childC, childB)))
		s.Len(s.submitter.batches, 0)
		s.Len(s.coord.Pending(), 2)

		v, _ := s.store.Peek(models.TableBlock, pageID)
		s.Equal([]any{childA, childB}, v["content"])
		return nil
	})
	s.Require().NoError(err)

	s.Require().Len(s.submitter.batches, 1)
	batch := s.submitter.batches[0]
	s.Require().Len(batch, 3)
	s.Equal(operation.CommandSet, batch[0].Command)
	s.Equal(operation.CommandListAfter, batch[1].Command)
	s.Equal(operation.CommandUpdate, batch[2].Command)

	v, _ := s.store.Peek(models.TableBlock, pageID)
	s.Equal([]any{childA, childB, childC}, v["content"])
	s.False(s.coord.InTransaction())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Transactions.WithLabelValues(metrics.OutcomeCommitted)))
}

func (s *CoordinatorTestSuite) TestAtomicErrorAbortsWithoutSending() {
	boom := errors.New("boom")
	err := s.coord.Atomic(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.coord.Submit(ctx, s.setTitle("lost")))
		return boom
	})
	s.ErrorIs(err, boom)
	s.Empty(s.submitter.batches)
	s.False(s.coord.InTransaction())

	v, _ := s.store.Peek(models.TableBlock, pageID)
	s.NotContains(v, "properties")
}

func (s *CoordinatorTestSuite) TestAtomicPanicAbortsAndRepanics() {
	s.Panics(func() {
		_ = s.coord.Atomic(s.ctx, func(ctx context.Context) error {
			_ = s.coord.Submit(ctx, s.setTitle("lost"))
			panic("kaput")
		})
	})
	s.Empty(s.submitter.batches)
	s.False(s.coord.InTransaction())
}

func (s *CoordinatorTestSuite) TestSendFailureLeavesCacheUntouched() {
	s.submitter.err = errors.New("503")
	err := s.coord.Atomic(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.store.CallLoadPageChunk(ctx, pageID))
		return s.coord.Submit(ctx, s.listAfter(childC, childA))
	})
	s.Require().Error(err)

	v, _ := s.store.Peek(models.TableBlock, pageID)
	s.Equal([]any{childA, childB}, v["content"])
	s.Len(s.fetcher.pages, 1, "queued refresh must be discarded")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Transactions.WithLabelValues(metrics.OutcomeFailed)))
}

func (s *CoordinatorTestSuite) TestNestedBeginSharesOuterBatch() {
	outer := s.coord.Begin()
	inner := s.coord.Begin()
	s.True(inner.Nested())

	s.Require().NoError(s.coord.Submit(s.ctx, s.setTitle("inner")))
	s.Require().NoError(s.coord.Commit(s.ctx, inner))
	s.Empty(s.submitter.batches)
	s.True(s.coord.InTransaction())

	s.Require().NoError(s.coord.Commit(s.ctx, outer))
	s.Len(s.submitter.batches, 1)
}

func (s *CoordinatorTestSuite) TestNestedAbortPoisonsOuter() {
	outer := s.coord.Begin()
	s.Require().NoError(s.coord.Submit(s.ctx, s.setTitle("x")))

	inner := s.coord.Begin()
	s.coord.Abort(inner)

	err := s.coord.Commit(s.ctx, outer)
	s.ErrorIs(err, constants.ErrTransactionAborted)
	s.Empty(s.submitter.batches)
}

func (s *CoordinatorTestSuite) TestNestedAbortRacingCommit() {
	outer := s.coord.Begin()
	s.Require().NoError(s.coord.Submit(s.ctx, s.setTitle("x")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.coord.Abort(s.coord.Begin())
		}()
	}
	err := s.coord.Commit(s.ctx, outer)
	wg.Wait()

	if err != nil {
		s.ErrorIs(err, constants.ErrTransactionAborted)
		s.Empty(s.submitter.batches)
	} else {
		s.Len(s.submitter.batches, 1)
	}
	s.False(s.coord.InTransaction())
}

func (s *CoordinatorTestSuite) TestCommitTwiceFails() {
	tx := s.coord.Begin()
	s.Require().NoError(s.coord.Commit(s.ctx, tx))
	s.ErrorIs(s.coord.Commit(s.ctx, tx), constants.ErrTransactionClosed)
}

func (s *CoordinatorTestSuite) TestDeferredRefreshesDrainAfterCommit() {
	_, err := s.store.Get(s.ctx, models.TableSpace, spaceID, false)
	s.Require().NoError(err)
	s.fetcher.keys = nil

	err = s.coord.Atomic(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.store.CallLoadPageChunk(ctx, pageID))
		s.Require().NoError(s.store.CallLoadPageChunk(ctx, pageID))
		_, err := s.store.Get(ctx, models.TableSpace, spaceID, true)
		s.Require().NoError(err)
		s.Empty(s.fetcher.keys)
		return s.coord.Submit(ctx, s.setTitle("after"))
	})
	s.Require().NoError(err)

	s.Equal([]string{pageID, pageID}, s.fetcher.pages, "one load at setup and one deduplicated drain")
	s.Equal([]models.RecordKey{{Table: models.TableSpace, ID: spaceID}}, s.fetcher.keys)
}

func (s *CoordinatorTestSuite) TestFailedReplayFallsBackToRefresh() {
	bad, err := operation.Build(pageID, "type.inner", "x")
	s.Require().NoError(err)

	s.Require().NoError(s.coord.Submit(s.ctx, bad))
	s.Len(s.submitter.batches, 1)
	s.Contains(s.fetcher.keys, models.RecordKey{Table: models.TableBlock, ID: pageID})
}

func (s *CoordinatorTestSuite) TestNoUserSkipsStamping() {
	coord := NewCoordinator(s.submitter, s.store)
	s.Require().NoError(coord.Submit(s.ctx, s.setTitle("plain")))
	s.Require().Len(s.submitter.batches, 1)
	s.Len(s.submitter.batches[0], 1)
}

type stalledSubmitter struct{}

func (stalledSubmitter) SubmitTransaction(ctx context.Context, _ []operation.Operation) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *CoordinatorTestSuite) TestCommitTimeoutLeavesCacheUntouched() {
	coord := NewCoordinator(stalledSubmitter{}, s.store,
		WithUserID(func() string { return userID }),
		WithCommitTimeout(10*time.Millisecond),
	)
	s.store.SetDeferrer(coord)

	err := coord.Atomic(s.ctx, func(ctx context.Context) error {
		return coord.Submit(ctx, s.listAfter(childC, childA))
	})
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	v, _ := s.store.Peek(models.TableBlock, pageID)
	s.Equal([]any{childA, childB}, v["content"])
	s.False(coord.InTransaction())
}
