package store

import (
	"strings"

	"github.com/jamalex/notion-py/pkg/models"
)

// Event describes one change to a cached record. Old and New are private
// copies owned by the callback.
type Event struct {
	Key        models.RecordKey
	CallbackID string
	Changes    []Change
	Old        models.Value
	New        models.Value
}

type Callback func(Event)

type registration struct {
	id string
	fn Callback
}

// AddCallback registers fn for changes to (table, id) and returns the
// callback id.
func (s *Store) AddCallback(table models.Table, id string, fn Callback) (string, error) {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return "", err
	}
	reg := &registration{id: models.NewID(), fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[key] = append(s.callbacks[key], reg)
	return reg.id, nil
}

// RemoveCallbacks drops the callbacks of (table, id) whose id starts with
// prefix. An empty prefix removes all of them. It returns how many were
// removed.
func (s *Store) RemoveCallbacks(table models.Table, id string, prefix string) int {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	regs := s.callbacks[key]
	kept := regs[:0]
	for _, r := range regs {
		if !strings.HasPrefix(r.id, prefix) {
			kept = append(kept, r)
		}
	}
	removed := len(regs) - len(kept)
	if len(kept) == 0 {
		delete(s.callbacks, key)
	} else {
		s.callbacks[key] = kept
	}
	return removed
}

// CallbackCount reports how many callbacks are registered for (table, id).
func (s *Store) CallbackCount(table models.Table, id string) int {
	key, err := models.NewRecordKey(table, id)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks[key])
}

// Wait blocks until every dispatched callback has returned.
func (s *Store) Wait() {
	s.inflight.Wait()
}

func (s *Store) dispatch(firings []firing) {
	for _, f := range firings {
		for _, reg := range f.regs {
			ev := f.event
			ev.CallbackID = reg.id
			ev.Old = models.CloneValue(f.event.Old)
			ev.New = models.CloneValue(f.event.New)
			s.metrics.CallbackFired()
			s.inflight.Add(1)
			go s.invoke(reg, ev)
		}
	}
}

func (s *Store) invoke(reg *registration, ev Event) {
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.CallbackPanicked()
			s.logger.Error("callback panicked", "callback", reg.id, "record", ev.Key.String(), "panic", r)
		}
	}()
	reg.fn(ev)
}
