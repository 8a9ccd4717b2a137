package notion

import (
	"context"
	"fmt"

	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/jamalex/notion-py/pkg/store"
)

// Record is a handle on one server record. It holds no data of its own:
// every read goes through the client's store.
type Record struct {
	client       *Client
	table        models.Table
	id           string
	childListKey string
}

func (r *Record) ID() string {
	return r.id
}

func (r *Record) Table() models.Table {
	return r.table
}

// ChildListKey names the list of child ids, "" when the record has none.
func (r *Record) ChildListKey() string {
	return r.childListKey
}

func (r *Record) Key() models.RecordKey {
	return models.RecordKey{Table: r.table, ID: r.id}
}

func (r *Record) String() string {
	return r.Key().String()
}

type getOptions struct {
	def   any
	force bool
}

type GetOption func(*getOptions)

// Default is returned when the path does not resolve.
func Default(v any) GetOption {
	return func(o *getOptions) {
		o.def = v
	}
}

// ForceRefresh re-fetches the record before reading it.
func ForceRefresh() GetOption {
	return func(o *getOptions) {
		o.force = true
	}
}

// Value returns a copy of the whole record value, nil when the server
// does not know the record.
func (r *Record) Value(ctx context.Context, opts ...GetOption) (models.Value, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	return r.client.store.Get(ctx, r.table, r.id, o.force)
}

// Get reads path from the record value. The result is a copy; editing it
// does not change the cache.
func (r *Record) Get(ctx context.Context, path any, opts ...GetOption) (any, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := operation.ParsePath(path)
	if err != nil {
		return nil, err
	}
	v, err := r.client.store.Get(ctx, r.table, r.id, o.force)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return o.def, nil
	}
	out, ok := lookup(v, p)
	if !ok {
		return o.def, nil
	}
	return out, nil
}

// Set writes value at path with a set operation. Outside a transaction
// the operation is sent at once; inside one it waits for the commit. The
// cache reflects the change as soon as the server accepts it.
func (r *Record) Set(ctx context.Context, path any, value any) error {
	op, err := operation.Build(r.id, path, value, operation.WithTable(r.table))
	if err != nil {
		return err
	}
	return r.client.Submit(ctx, op)
}

// Update merges fields into the object at path.
func (r *Record) Update(ctx context.Context, path any, fields map[string]any) error {
	op, err := operation.Build(r.id, path, fields,
		operation.WithTable(r.table),
		operation.WithCommand(operation.CommandUpdate),
	)
	if err != nil {
		return err
	}
	return r.client.Submit(ctx, op)
}

// Refresh re-fetches the record. Inside a transaction the fetch runs after
// the commit.
func (r *Record) Refresh(ctx context.Context) error {
	_, err := r.client.store.Get(ctx, r.table, r.id, true)
	return err
}

// Role is the current user's role on the record, "" when unknown.
func (r *Record) Role() string {
	return r.client.store.Role(r.table, r.id)
}

// AddCallback registers fn for changes to the record and returns the
// callback id. With monitoring enabled the record is also subscribed, so
// edits made elsewhere reach fn.
func (r *Record) AddCallback(ctx context.Context, fn store.Callback) (string, error) {
	id, err := r.client.store.AddCallback(r.table, r.id, fn)
	if err != nil {
		return "", err
	}
	if err := r.client.watch(ctx, r.table, r.id); err != nil {
		r.client.store.RemoveCallbacks(r.table, r.id, id)
		return "", err
	}
	return id, nil
}

// RemoveCallbacks drops the callbacks whose id starts with prefix, or all
// of them for "". It returns how many were removed.
func (r *Record) RemoveCallbacks(prefix string) int {
	return r.client.store.RemoveCallbacks(r.table, r.id, prefix)
}

// lookup walks p through nested maps and lists.
func lookup(v any, p operation.Path) (any, bool) {
	cur := v
	for _, seg := range p {
		switch node := cur.(type) {
		case map[string]any:
			key, ok := seg.(string)
			if !ok {
				key = fmt.Sprint(seg)
			}
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, ok := seg.(int)
			if !ok || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, ok := seg.(int)
			if !ok || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
