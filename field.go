package notion

import (
	"fmt"
	"strings"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
)

// Encoder turns a caller's value into the stored form.
type Encoder func(any) (any, error)

// Decoder turns a stored value into the caller's form. It receives nil
// when the path is missing.
type Decoder func(any) any

type target struct {
	path   operation.Path
	encode Encoder
}

// Field maps a named attribute of a block onto one or more paths of the
// record value.
type Field struct {
	name     string
	targets  []target
	decode   Decoder
	readOnly bool
}

type FieldOption func(*Field)

func WithEncoder(fn Encoder) FieldOption {
	return func(f *Field) {
		for i := range f.targets {
			f.targets[i].encode = fn
		}
	}
}

func WithDecoder(fn Decoder) FieldOption {
	return func(f *Field) {
		f.decode = fn
	}
}

func ReadOnly() FieldOption {
	return func(f *Field) {
		f.readOnly = true
	}
}

// FieldMap maps name onto a dotted path, storing values unchanged.
func FieldMap(name, path string, opts ...FieldOption) Field {
	f := Field{
		name:    name,
		targets: []target{{path: operation.MustParsePath(path), encode: identity}},
		decode:  func(v any) any { return v },
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// PropertyMap maps name onto properties.<property>, where the service
// keeps rich text. Callers read and write plain strings.
func PropertyMap(name, property string, opts ...FieldOption) Field {
	f := Field{
		name:    name,
		targets: []target{{path: operation.Path{"properties", property}, encode: encodeRichText}},
		decode:  decodeRichText,
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// JointMap writes through every field it joins and reads from the first.
func JointMap(name string, fields ...Field) Field {
	f := Field{name: name, decode: func(v any) any { return v }}
	for i, sub := range fields {
		if i == 0 {
			f.decode = sub.decode
		}
		f.targets = append(f.targets, sub.targets...)
		f.readOnly = f.readOnly || sub.readOnly
	}
	return f
}

func (f Field) Name() string {
	return f.name
}

func (f Field) ReadOnly() bool {
	return f.readOnly
}

// read decodes the field from a record value.
func (f Field) read(v models.Value) any {
	if len(f.targets) == 0 {
		return nil
	}
	raw, _ := lookup(v, f.targets[0].path)
	return f.decode(raw)
}

// ops builds the set operations that store value in every target.
func (f Field) ops(table models.Table, id string, value any) ([]operation.Operation, error) {
	if f.readOnly {
		return nil, fmt.Errorf("%w: %s", constants.ErrReadOnlyField, f.name)
	}
	out := make([]operation.Operation, 0, len(f.targets))
	for _, t := range f.targets {
		encoded, err := t.encode(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		op, err := operation.Build(id, t.path, encoded, operation.WithTable(table))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func identity(v any) (any, error) {
	return v, nil
}

// encodeRichText stores a plain string as a single unformatted segment.
func encodeRichText(v any) (any, error) {
	var s string
	switch t := v.(type) {
	case nil:
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	default:
		return nil, fmt.Errorf("rich text needs a string, got %T", v)
	}
	if s == "" {
		return []any{}, nil
	}
	return []any{[]any{s}}, nil
}

// decodeRichText concatenates the text of every segment, dropping the
// formatting.
func decodeRichText(v any) any {
	return PlainText(v)
}

// PlainText flattens a rich text value to its text.
func PlainText(v any) string {
	segments, ok := v.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		if s, ok := parts[0].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

// Checkbox properties hold "Yes" or "No".
func encodeCheckbox(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("checkbox needs a bool, got %T", v)
	}
	if b {
		return []any{[]any{"Yes"}}, nil
	}
	return []any{[]any{"No"}}, nil
}

func decodeCheckbox(v any) any {
	return PlainText(v) == "Yes"
}

// AsCheckbox stores a bool property the way the service does.
func AsCheckbox() FieldOption {
	return func(f *Field) {
		WithEncoder(encodeCheckbox)(f)
		f.decode = decodeCheckbox
	}
}
