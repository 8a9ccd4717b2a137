package models

import (
	"fmt"
	"strings"
)

// Table names a server-side record table.
type Table string

const (
	TableBlock          Table = "block"
	TableCollection     Table = "collection"
	TableCollectionView Table = "collection_view"
	TableSpace          Table = "space"
	TableSpaceView      Table = "space_view"
	TableUser           Table = "notion_user"
)

func (t Table) String() string {
	return string(t)
}

// RecordKey addresses a single record: a table plus a canonical UUID.
type RecordKey struct {
	Table Table
	ID    string
}

// NewRecordKey normalizes id and returns the key for it.
func NewRecordKey(table Table, id string) (RecordKey, error) {
	canonical, err := ExtractID(id)
	if err != nil {
		return RecordKey{}, err
	}
	return RecordKey{Table: table, ID: canonical}, nil
}

// ParseRecordKey parses the "table/id" form produced by String.
func ParseRecordKey(s string) (RecordKey, error) {
	table, id, ok := strings.Cut(s, "/")
	if !ok || table == "" {
		return RecordKey{}, fmt.Errorf("invalid record key %q: expected format is 'table/id'", s)
	}
	return NewRecordKey(Table(table), id)
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s", k.Table, k.ID)
}
