package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Value is the JSON-like tree held for one record.
type Value = map[string]any

// RecordEntry is one record inside a server record bundle.
type RecordEntry struct {
	Value Value  `json:"value,omitempty"`
	Role  string `json:"role,omitempty"`
}

// RecordMap is the bundle of records the service attaches to many responses:
// table -> id -> entry.
type RecordMap map[Table]map[string]RecordEntry

// UnmarshalJSON tolerates entries that are not objects. The service mixes
// bookkeeping scalars into some bundles; those are skipped.
func (rm *RecordMap) UnmarshalJSON(data []byte) error {
	var tables map[string]json.RawMessage
	if err := json.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("record map: %w", err)
	}

	out := make(RecordMap, len(tables))
	for table, raw := range tables {
		if !isObject(raw) {
			continue
		}
		var records map[string]json.RawMessage
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("record map table %s: %w", table, err)
		}
		entries := make(map[string]RecordEntry, len(records))
		for id, rec := range records {
			if !isObject(rec) {
				continue
			}
			var entry RecordEntry
			if err := json.Unmarshal(rec, &entry); err != nil {
				return fmt.Errorf("record map entry %s/%s: %w", table, id, err)
			}
			entries[id] = entry
		}
		out[Table(table)] = entries
	}

	*rm = out
	return nil
}

// Len counts the records in the bundle.
func (rm RecordMap) Len() int {
	n := 0
	for _, records := range rm {
		n += len(records)
	}
	return n
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Millis converts t to the millisecond epoch timestamps the service uses.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Int64 converts a decoded JSON number to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// VersionOf returns the version field of a record value, or -1.
func VersionOf(v Value) int64 {
	if v == nil {
		return -1
	}
	raw, ok := v["version"]
	if !ok {
		return -1
	}
	n, ok := Int64(raw)
	if !ok {
		return -1
	}
	return n
}
