package operation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jamalex/notion-py/pkg/constants"
)

// Path addresses a location inside a record value. Segments are strings
// (map keys) or ints (list indexes).
type Path []any

// ParsePath normalizes the accepted path forms: a dot-delimited string, a
// []string, a []any of strings and ints, or a Path. Segments of a dotted
// string that are all digits become ints, so "a.b.0" and
// []any{"a", "b", 0} address the same location. nil and "" mean the
// record root.
func ParsePath(p any) (Path, error) {
	switch v := p.(type) {
	case nil:
		return Path{}, nil
	case Path:
		return normalizeSegments(v)
	case string:
		if v == "" {
			return Path{}, nil
		}
		parts := strings.Split(v, ".")
		out := make(Path, len(parts))
		for i, part := range parts {
			if part == "" {
				return nil, fmt.Errorf("%w: empty segment in %q", constants.ErrInvalidPath, v)
			}
			if isDigits(part) {
				n, err := strconv.Atoi(part)
				if err == nil {
					out[i] = n
					continue
				}
			}
			out[i] = part
		}
		return out, nil
	case []string:
		out := make(Path, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make(Path, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, nil
	case []any:
		return normalizeSegments(v)
	}
	return nil, fmt.Errorf("%w: unsupported path type %T", constants.ErrInvalidPath, p)
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(p any) Path {
	path, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return path
}

func normalizeSegments(in []any) (Path, error) {
	out := make(Path, len(in))
	for i, seg := range in {
		switch s := seg.(type) {
		case string:
			out[i] = s
		case int:
			out[i] = s
		case int64:
			out[i] = int(s)
		case float64:
			// decoded from JSON
			if s != float64(int(s)) {
				return nil, fmt.Errorf("%w: non-integer index %v", constants.ErrInvalidPath, s)
			}
			out[i] = int(s)
		default:
			return nil, fmt.Errorf("%w: segment %d has type %T", constants.ErrInvalidPath, i, seg)
		}
	}
	return out, nil
}

// UnmarshalJSON accepts a list of segments or a dotted string.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", constants.ErrInvalidPath, err)
	}
	path, err := ParsePath(raw)
	if err != nil {
		return err
	}
	*p = path
	return nil
}

// String renders the path in dotted form.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = fmt.Sprint(seg)
	}
	return strings.Join(parts, ".")
}

// Equal reports whether two paths address the same location. A string
// segment of digits equals the matching int segment.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if segmentKey(p[i]) != segmentKey(o[i]) {
			return false
		}
	}
	return true
}

func segmentKey(seg any) string {
	switch s := seg.(type) {
	case int:
		return strconv.Itoa(s)
	case string:
		return s
	}
	return fmt.Sprint(seg)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
