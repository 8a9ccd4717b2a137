package store

import (
	"context"
	"sync"

	"github.com/jamalex/notion-py/pkg/models"
)

type fakeFetcher struct {
	mu          sync.Mutex
	records     map[models.RecordKey]models.RecordEntry
	recordCalls int
	pageCalls   int
	err         error
	gate        chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{records: make(map[models.RecordKey]models.RecordEntry)}
}

func (f *fakeFetcher) put(table models.Table, id string, value models.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[models.RecordKey{Table: table, ID: id}] = models.RecordEntry{Value: value, Role: "editor"}
}

func (f *fakeFetcher) calls() (records, pages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordCalls, f.pageCalls
}

func (f *fakeFetcher) GetRecordValues(_ context.Context, keys []models.RecordKey) ([]models.RecordEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.RecordEntry, len(keys))
	for i, k := range keys {
		ent := f.records[k]
		out[i] = models.RecordEntry{Value: models.CloneValue(ent.Value), Role: ent.Role}
	}
	return out, nil
}

// LoadPageChunk returns the page plus every block whose parent_id is the
// page, like the service bundles children with their page.
func (f *fakeFetcher) LoadPageChunk(_ context.Context, pageID string, _ int) (models.RecordMap, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.err != nil {
		return nil, f.err
	}
	blocks := make(map[string]models.RecordEntry)
	for k, ent := range f.records {
		if k.Table != models.TableBlock {
			continue
		}
		if k.ID == pageID || ent.Value["parent_id"] == pageID {
			blocks[k.ID] = models.RecordEntry{Value: models.CloneValue(ent.Value), Role: ent.Role}
		}
	}
	return models.RecordMap{models.TableBlock: blocks}, nil
}

type fakeDeferrer struct {
	mu      sync.Mutex
	open    bool
	pages   []string
	records map[models.Table][]string
}

func (d *fakeDeferrer) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDeferrer) DeferPageRefresh(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages = append(d.pages, id)
}

func (d *fakeDeferrer) DeferRecordRefresh(table models.Table, ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.records == nil {
		d.records = make(map[models.Table][]string)
	}
	d.records[table] = append(d.records[table], ids...)
}
