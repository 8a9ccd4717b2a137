package notion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/jamalex/notion-py/pkg/store"
)

const childListKey = "content"

// Block is a record of the block table with the fields of its kind.
type Block struct {
	Record
	kind    Kind
	rawType string
	// aliasParent is set when the block was reached through a parent that
	// lists it without owning it.
	aliasParent string
}

func (c *Client) newBlock(id string, v models.Value) *Block {
	t, _ := v["type"].(string)
	return &Block{
		Record:  Record{client: c, table: models.TableBlock, id: id, childListKey: childListKey},
		kind:    KindOf(v),
		rawType: t,
	}
}

func (b *Block) Kind() Kind {
	return b.kind
}

// Type is the type string the server reported, also for KindUnknown.
func (b *Block) Type() string {
	return b.rawType
}

// IsAlias reports whether the block was listed by a parent other than its
// own.
func (b *Block) IsAlias() bool {
	return b.aliasParent != ""
}

// FieldNames lists the fields of the block's kind.
func (b *Block) FieldNames() []string {
	return b.kind.Fields()
}

// Field reads a named field. Rows and templates also expose the
// collection's properties by name.
func (b *Block) Field(ctx context.Context, name string) (any, error) {
	f, err := b.resolveField(ctx, name)
	if err != nil {
		return nil, err
	}
	v, err := b.Value(ctx)
	if err != nil {
		return nil, err
	}
	return f.read(v), nil
}

// SetField writes a named field. Fields stored in several places are
// written in one transaction.
func (b *Block) SetField(ctx context.Context, name string, value any) error {
	f, err := b.resolveField(ctx, name)
	if err != nil {
		return err
	}
	ops, err := f.ops(b.table, b.id, value)
	if err != nil {
		return err
	}
	return b.client.Submit(ctx, ops...)
}

// Title is the plain text of the title field.
func (b *Block) Title(ctx context.Context) (string, error) {
	v, err := b.Field(ctx, "title")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (b *Block) resolveField(ctx context.Context, name string) (Field, error) {
	if f, ok := b.kind.field(name); ok {
		return f, nil
	}
	if b.kind == KindCollectionRow || b.kind == KindTemplate {
		f, ok, err := b.propertyField(ctx, name)
		if err != nil {
			return Field{}, err
		}
		if ok {
			return f, nil
		}
	}
	return Field{}, fmt.Errorf("%w: %s has no field %q", constants.ErrUnknownField, b.kind, name)
}

// propertyField maps a collection property, matched by name or id, onto
// the row's properties.
func (b *Block) propertyField(ctx context.Context, name string) (Field, bool, error) {
	parentID, err := b.Get(ctx, "parent_id")
	if err != nil {
		return Field{}, false, err
	}
	collectionID, _ := parentID.(string)
	if collectionID == "" {
		return Field{}, false, nil
	}
	coll, err := b.client.GetCollection(ctx, collectionID, false)
	if err != nil || coll == nil {
		return Field{}, false, err
	}
	schema, err := coll.Schema(ctx)
	if err != nil {
		return Field{}, false, err
	}
	f, ok := schemaField(schema, name)
	return f, ok, nil
}

// schemaField matches a property by id or, case-insensitively, by name.
func schemaField(schema []Property, name string) (Field, bool) {
	for _, prop := range schema {
		if prop.ID != name && !strings.EqualFold(prop.Name, name) {
			continue
		}
		if prop.Type == "checkbox" {
			return PropertyMap(name, prop.ID, AsCheckbox()), true
		}
		return PropertyMap(name, prop.ID), true
	}
	return Field{}, false
}

// Parent returns the record holding the block, or nil for a detached
// block.
func (b *Block) Parent(ctx context.Context) (*Record, error) {
	v, err := b.Value(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	id, _ := v["parent_id"].(string)
	table, _ := v["parent_table"].(string)
	if id == "" || table == "" {
		return nil, nil
	}
	r := b.client.newRecord(models.Table(table), id)
	r.childListKey = listKeyOf(models.Table(table))
	return r, nil
}

func listKeyOf(table models.Table) string {
	switch table {
	case models.TableBlock:
		return childListKey
	case models.TableSpace:
		return "pages"
	}
	return ""
}

func (b *Block) Children() *Children {
	return &Children{parent: b}
}

// Remove detaches the block from its parent. A block reached through an
// alias is only dropped from the aliasing list; otherwise it is also
// marked not alive.
func (b *Block) Remove(ctx context.Context) error {
	if b.aliasParent != "" {
		op, err := operation.Build(b.aliasParent, childListKey, map[string]any{"id": b.id},
			operation.WithCommand(operation.CommandListRemove))
		if err != nil {
			return err
		}
		return b.client.Submit(ctx, op)
	}

	parent, err := b.Parent(ctx)
	if err != nil {
		return err
	}
	return b.client.Atomic(ctx, func(ctx context.Context) error {
		if err := b.Update(ctx, "", map[string]any{"alive": false}); err != nil {
			return err
		}
		if parent == nil || parent.ChildListKey() == "" {
			return nil
		}
		op, err := operation.Build(parent.ID(), parent.ChildListKey(), map[string]any{"id": b.id},
			operation.WithTable(parent.Table()),
			operation.WithCommand(operation.CommandListRemove))
		if err != nil {
			return err
		}
		return b.client.Submit(ctx, op)
	})
}

// Position says where MoveTo puts a block relative to its target.
type Position string

const (
	PositionBefore     Position = "before"
	PositionAfter      Position = "after"
	PositionFirstChild Position = "first-child"
	PositionLastChild  Position = "last-child"
)

// MoveTo re-parents the block next to or inside target, in one
// transaction.
func (b *Block) MoveTo(ctx context.Context, target *Block, pos Position) error {
	var (
		newParentID    string
		newParentTable models.Table
		args           = map[string]any{"id": b.id}
		cmd            operation.Command
	)
	switch pos {
	case PositionFirstChild, PositionLastChild:
		newParentID, newParentTable = target.id, models.TableBlock
		cmd = operation.CommandListAfter
		if pos == PositionFirstChild {
			cmd = operation.CommandListBefore
		}
	case PositionBefore, PositionAfter:
		parent, err := target.Parent(ctx)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: %s has no parent", constants.ErrUnknownRecord, target)
		}
		newParentID, newParentTable = parent.ID(), parent.Table()
		args[string(pos)] = target.id
		cmd = operation.CommandListAfter
		if pos == PositionBefore {
			cmd = operation.CommandListBefore
		}
	default:
		return fmt.Errorf("unknown position %q", pos)
	}
	listKey := listKeyOf(newParentTable)
	if listKey == "" {
		return fmt.Errorf("cannot move into a %s", newParentTable)
	}

	old, err := b.Parent(ctx)
	if err != nil {
		return err
	}
	return b.client.Atomic(ctx, func(ctx context.Context) error {
		var ops []operation.Operation
		if old != nil && old.ChildListKey() != "" {
			op, err := operation.Build(old.ID(), old.ChildListKey(), map[string]any{"id": b.id},
				operation.WithTable(old.Table()),
				operation.WithCommand(operation.CommandListRemove))
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		reparent, err := operation.Build(b.id, "", map[string]any{
			"parent_id":    newParentID,
			"parent_table": string(newParentTable),
			"alive":        true,
		}, operation.WithCommand(operation.CommandUpdate))
		if err != nil {
			return err
		}
		insert, err := operation.Build(newParentID, listKey, args,
			operation.WithTable(newParentTable),
			operation.WithCommand(cmd))
		if err != nil {
			return err
		}
		return b.client.Submit(ctx, append(ops, reparent, insert)...)
	})
}

// Children is the ordered list of blocks a block holds in its content
// field.
type Children struct {
	parent *Block
}

func (ch *Children) IDs(ctx context.Context) ([]string, error) {
	v, err := ch.parent.Get(ctx, childListKey)
	if err != nil {
		return nil, err
	}
	return stringList(v), nil
}

func (ch *Children) Len(ctx context.Context) (int, error) {
	ids, err := ch.IDs(ctx)
	return len(ids), err
}

// At returns the child at index i, or nil when it cannot be loaded.
func (ch *Children) At(ctx context.Context, i int) (*Block, error) {
	ids, err := ch.IDs(ctx)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(ids) {
		return nil, fmt.Errorf("child index %d out of range [0,%d)", i, len(ids))
	}
	return ch.resolve(ctx, ids[i])
}

// All returns the children that could be loaded, in list order. Children
// not cached yet are fetched in a single request first.
func (ch *Children) All(ctx context.Context) ([]*Block, error) {
	ids, err := ch.IDs(ctx)
	if err != nil {
		return nil, err
	}
	c := ch.parent.client
	var missing []string
	for _, id := range ids {
		if _, state := c.store.Peek(models.TableBlock, id); state == store.StateUnknown {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if err := c.store.CallGetRecordValues(ctx, store.Selection{models.TableBlock: store.IDs(missing...)}); err != nil {
			return nil, err
		}
	}

	out := make([]*Block, 0, len(ids))
	for _, id := range ids {
		b, err := ch.resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// Filter returns the children of one kind.
func (ch *Children) Filter(ctx context.Context, kind Kind) ([]*Block, error) {
	all, err := ch.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.kind == kind {
			out = append(out, b)
		}
	}
	return out, nil
}

// resolve loads a child, retrying while a freshly listed block still reads
// as missing. Inside a transaction refreshes are deferred, so there is
// nothing to wait for.
func (ch *Children) resolve(ctx context.Context, id string) (*Block, error) {
	c := ch.parent.client
	b, err := c.GetBlock(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if b == nil && c.childRetries > 0 && !c.InTransaction() {
		retryer := connection.NewFixedDelayRetryer(c.childRetryDelay, c.childRetries)
		for attempt := 0; b == nil; attempt++ {
			delay, ok := retryer.NextDelay(attempt, nil)
			if !ok {
				break
			}
			if err := connection.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			if b, err = c.GetBlock(ctx, id, true); err != nil {
				return nil, err
			}
		}
	}
	if b == nil {
		c.logger.Warn("child block not found", "parent", ch.parent.id, "child", id)
		return nil, nil
	}
	if parentID, _ := b.Get(ctx, "parent_id"); parentID != ch.parent.id {
		b.aliasParent = ch.parent.id
	}
	return b, nil
}

// AddNew creates a child of the given kind at the end of the list and
// sets fields on it, all in one transaction.
func (ch *Children) AddNew(ctx context.Context, kind Kind, fields map[string]any) (*Block, error) {
	if !kind.Creatable() {
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownKind, kind)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		f, ok := kind.field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", constants.ErrUnknownField, kind, name)
		}
		if f.readOnly {
			return nil, fmt.Errorf("%w: %s", constants.ErrReadOnlyField, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	c := ch.parent.client
	var id string
	err := c.Atomic(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.CreateRecord(ctx, models.TableBlock, ch.parent, map[string]any{"type": string(kind)})
		if err != nil {
			return err
		}
		for _, name := range names {
			f, _ := kind.field(name)
			ops, err := f.ops(models.TableBlock, id, fields[name])
			if err != nil {
				return err
			}
			if err := c.Submit(ctx, ops...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Block{
		Record:  Record{client: c, table: models.TableBlock, id: id, childListKey: childListKey},
		kind:    kind,
		rawType: string(kind),
	}, nil
}

// AddAlias lists an existing block under this parent without moving it.
func (ch *Children) AddAlias(ctx context.Context, target *Block) error {
	op, err := operation.Build(ch.parent.id, childListKey, map[string]any{"id": target.id},
		operation.WithCommand(operation.CommandListAfter))
	if err != nil {
		return err
	}
	return ch.parent.client.Submit(ctx, op)
}
