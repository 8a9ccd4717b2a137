package notion

import (
	"context"
	"fmt"
	"sort"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
)

// Collection is a database: a schema of properties plus rows, which are
// blocks whose parent is the collection.
type Collection struct {
	Record
}

// Property is one column of a collection schema.
type Property struct {
	ID   string
	Name string
	Type string
}

// Name is the plain text of the collection's name.
func (c *Collection) Name(ctx context.Context) (string, error) {
	v, err := c.Get(ctx, "name")
	if err != nil {
		return "", err
	}
	return PlainText(v), nil
}

func (c *Collection) SetName(ctx context.Context, name string) error {
	encoded, err := encodeRichText(name)
	if err != nil {
		return err
	}
	return c.Set(ctx, "name", encoded)
}

// Schema lists the collection's properties sorted by name.
func (c *Collection) Schema(ctx context.Context) ([]Property, error) {
	v, err := c.Get(ctx, "schema")
	if err != nil {
		return nil, err
	}
	raw, _ := v.(map[string]any)
	props := make([]Property, 0, len(raw))
	for id, def := range raw {
		m, _ := def.(map[string]any)
		name, _ := m["name"].(string)
		typ, _ := m["type"].(string)
		props = append(props, Property{ID: id, Name: name, Type: typ})
	}
	sort.Slice(props, func(i, j int) bool {
		if props[i].Name != props[j].Name {
			return props[i].Name < props[j].Name
		}
		return props[i].ID < props[j].ID
	})
	return props, nil
}

// Rows queries the collection and returns its rows.
func (c *Collection) Rows(ctx context.Context) ([]*Block, error) {
	ids, err := c.client.RefreshCollectionRows(ctx, c.id)
	if err != nil {
		return nil, err
	}
	return c.client.blocksOf(ctx, ids)
}

// CachedRowIDs returns the row ids from the last query, if any.
func (c *Collection) CachedRowIDs() ([]string, bool) {
	return c.client.store.CollectionRows(c.id)
}

// AddRow creates a page in the collection and sets fields on it by
// property name, in one transaction.
func (c *Collection) AddRow(ctx context.Context, fields map[string]any) (*Block, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var row *Block
	err := c.client.Atomic(ctx, func(ctx context.Context) error {
		id, err := c.client.CreateRecord(ctx, models.TableBlock, c, map[string]any{"type": string(KindPage)})
		if err != nil {
			return err
		}
		row = &Block{
			Record:  Record{client: c.client, table: models.TableBlock, id: id, childListKey: childListKey},
			kind:    KindCollectionRow,
			rawType: string(KindPage),
		}
		for _, name := range names {
			f, err := row.resolveRowField(ctx, c, name)
			if err != nil {
				return err
			}
			ops, err := f.ops(models.TableBlock, id, fields[name])
			if err != nil {
				return err
			}
			if err := c.client.Submit(ctx, ops...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rows, ok := c.CachedRowIDs(); ok {
		if err := c.client.store.SetCollectionRows(c.id, append(rows, row.id)); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// resolveRowField looks a field up for a row that is not cached yet, so
// the schema comes from coll rather than from the row's parent.
func (b *Block) resolveRowField(ctx context.Context, coll *Collection, name string) (Field, error) {
	if f, ok := b.kind.field(name); ok {
		return f, nil
	}
	schema, err := coll.Schema(ctx)
	if err != nil {
		return Field{}, err
	}
	if f, ok := schemaField(schema, name); ok {
		return f, nil
	}
	return Field{}, fmt.Errorf("%w: %s has no field %q", constants.ErrUnknownField, b.kind, name)
}
