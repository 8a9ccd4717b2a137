package operation

import (
	"fmt"
	"strconv"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
)

// Apply returns the result of running op against value. value is not
// modified. A nil value is treated as an empty record, which is how a
// set with an empty path creates one.
//
// Missing segments on the way down are created as maps, except the final
// container of a list command, which is created as a list. Type conflicts
// (update on a scalar, list command on a map, index out of range) return
// an error wrapping constants.ErrStructuralMismatch.
func Apply(value models.Value, op Operation) (models.Value, error) {
	if !op.Command.Valid() {
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownCommand, op.Command)
	}

	if op.Command == CommandSet && len(op.Path) == 0 {
		m, ok := asMap(op.Args)
		if !ok {
			return nil, mismatch(op, "set on the record root needs an object, got %T", op.Args)
		}
		return models.CloneValue(m), nil
	}

	root := models.CloneValue(value)
	if root == nil {
		root = models.Value{}
	}

	out, err := applyAt(root, op.Path, op)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ApplyAll runs ops in order. The first failure stops the batch and the
// input is returned untouched alongside the error.
func ApplyAll(value models.Value, ops []Operation) (models.Value, error) {
	cur := value
	for i, op := range ops {
		next, err := Apply(cur, op)
		if err != nil {
			return value, fmt.Errorf("operation %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

func applyAt(node any, path Path, op Operation) (any, error) {
	if len(path) == 0 {
		return applyHere(node, op)
	}
	if op.Command == CommandSet && len(path) == 1 {
		return assign(node, path[0], op)
	}

	seg := path[0]
	switch n := node.(type) {
	case map[string]any:
		key := segmentKey(seg)
		child, ok := n[key]
		if !ok || child == nil {
			child = emptyContainer(len(path) == 1 && op.Command.IsList())
		}
		updated, err := applyAt(child, path[1:], op)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil
	case []any:
		idx, err := index(seg, len(n), op)
		if err != nil {
			return nil, err
		}
		updated, err := applyAt(n[idx], path[1:], op)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	}
	return nil, mismatch(op, "cannot descend into %T at %q", node, segmentKey(seg))
}

func assign(node any, seg any, op Operation) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		n[segmentKey(seg)] = models.Clone(op.Args)
		return n, nil
	case []any:
		idx, ok := intSegment(seg)
		if !ok || idx < 0 || idx > len(n) {
			return nil, mismatch(op, "index %v out of range for list of %d", seg, len(n))
		}
		if idx == len(n) {
			return append(n, models.Clone(op.Args)), nil
		}
		n[idx] = models.Clone(op.Args)
		return n, nil
	}
	return nil, mismatch(op, "cannot set a key on %T", node)
}

func applyHere(node any, op Operation) (any, error) {
	switch op.Command {
	case CommandUpdate:
		n, ok := node.(map[string]any)
		if !ok {
			return nil, mismatch(op, "update needs an object, found %T", node)
		}
		args, ok := asMap(op.Args)
		if !ok {
			return nil, mismatch(op, "update args must be an object, got %T", op.Args)
		}
		for k, v := range args {
			n[k] = models.Clone(v)
		}
		return n, nil
	case CommandListAfter, CommandListBefore, CommandListRemove:
		list, ok := node.([]any)
		if !ok {
			return nil, mismatch(op, "%s needs a list, found %T", op.Command, node)
		}
		return applyList(list, op)
	}
	return nil, mismatch(op, "set needs a key")
}

func applyList(list []any, op Operation) ([]any, error) {
	args, ok := asMap(op.Args)
	if !ok {
		return nil, mismatch(op, "%s args must be an object, got %T", op.Command, op.Args)
	}
	id, ok := args["id"]
	if !ok {
		return nil, mismatch(op, "%s args need an id", op.Command)
	}

	switch op.Command {
	case CommandListAfter:
		if anchor, ok := args["after"]; ok {
			if at := find(list, anchor); at >= 0 {
				return insert(list, at+1, id), nil
			}
		}
		return append(list, id), nil
	case CommandListBefore:
		if anchor, ok := args["before"]; ok {
			if at := find(list, anchor); at >= 0 {
				return insert(list, at, id), nil
			}
		}
		return insert(list, 0, id), nil
	default:
		if at := find(list, id); at >= 0 {
			return append(list[:at:at], list[at+1:]...), nil
		}
		return list, nil
	}
}

func find(list []any, v any) int {
	if !scalar(v) {
		return -1
	}
	for i, e := range list {
		if scalar(e) && e == v {
			return i
		}
	}
	return -1
}

// scalar guards interface comparison against map and slice elements.
func scalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any, []string, map[string]string:
		return false
	}
	return true
}

func insert(list []any, at int, v any) []any {
	out := make([]any, 0, len(list)+1)
	out = append(out, list[:at]...)
	out = append(out, v)
	return append(out, list[at:]...)
}

func emptyContainer(list bool) any {
	if list {
		return []any{}
	}
	return map[string]any{}
}

func index(seg any, n int, op Operation) (int, error) {
	idx, ok := intSegment(seg)
	if !ok || idx < 0 || idx >= n {
		return 0, mismatch(op, "index %v out of range for list of %d", seg, n)
	}
	return idx, nil
}

func intSegment(seg any) (int, bool) {
	switch s := seg.(type) {
	case int:
		return s, true
	case string:
		n, err := strconv.Atoi(s)
		return n, err == nil
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func mismatch(op Operation, format string, args ...any) error {
	return fmt.Errorf("%w: %s/%s path %q: %s", constants.ErrStructuralMismatch,
		op.Table, op.ID, op.Path.String(), fmt.Sprintf(format, args...))
}
