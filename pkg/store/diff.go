package store

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
)

type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeRemove ChangeKind = "remove"
	ChangeChange ChangeKind = "change"
	// Row membership changes on a collection record.
	ChangeRowAdded   ChangeKind = "row_added"
	ChangeRowRemoved ChangeKind = "row_removed"
)

// Change is one entry of a structural diff. Path locates the change in the
// record value; Old is nil for additions and New is nil for removals.
type Change struct {
	Kind ChangeKind
	Path operation.Path
	Old  any
	New  any
}

// DefaultVolatileFields are top-level keys the server rewrites on every
// edit. Differences in them alone never produce a change event.
var DefaultVolatileFields = []string{"version", "last_edited_time", "last_edited_by"}

// Diff compares two record values and lists added, removed and changed
// entries at any depth. Sequence edits (insertion, removal, reordering)
// are reported per element. Top-level keys in ignore are skipped.
func Diff(old, new models.Value, ignore []string) []Change {
	skip := make(map[string]struct{}, len(ignore))
	for _, k := range ignore {
		skip[k] = struct{}{}
	}
	return diffWith(old, new, skip)
}

func diffWith(old, new models.Value, skip map[string]struct{}) []Change {
	r := &diffReporter{}
	cmp.Equal(old, new,
		cmpopts.EquateEmpty(),
		cmp.FilterPath(func(p cmp.Path) bool {
			if len(p) != 2 {
				return false
			}
			mi, ok := p[1].(cmp.MapIndex)
			if !ok {
				return false
			}
			_, ignored := skip[mi.Key().String()]
			return ignored
		}, cmp.Ignore()),
		cmp.FilterValues(bothNumbers, cmp.Comparer(numbersEqual)),
		cmp.Reporter(r),
	)
	return r.changes
}

type diffReporter struct {
	path    cmp.Path
	changes []Change
}

func (r *diffReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *diffReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

func (r *diffReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	vx, vy := r.path.Last().Values()
	c := Change{Path: renderPath(r.path)}
	switch {
	case !vx.IsValid():
		c.Kind = ChangeAdd
		c.New = valueOf(vy)
	case !vy.IsValid():
		c.Kind = ChangeRemove
		c.Old = valueOf(vx)
	default:
		c.Kind = ChangeChange
		c.Old = valueOf(vx)
		c.New = valueOf(vy)
	}
	r.changes = append(r.changes, c)
}

func renderPath(p cmp.Path) operation.Path {
	out := operation.Path{}
	for _, step := range p {
		switch s := step.(type) {
		case cmp.MapIndex:
			out = append(out, s.Key().String())
		case cmp.SliceIndex:
			ix, iy := s.SplitKeys()
			if iy >= 0 {
				out = append(out, iy)
			} else {
				out = append(out, ix)
			}
		}
	}
	return out
}

func valueOf(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

func bothNumbers(x, y any) bool {
	_, xok := asFloat(x)
	_, yok := asFloat(y)
	return xok && yok
}

// Values decoded from JSON are float64 while locally built ones may be
// ints; both spell the same number.
func numbersEqual(x, y any) bool {
	a, _ := asFloat(x)
	b, _ := asFloat(y)
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
