package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jamalex/notion-py/internal/codec"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_sections (
	cache_key TEXT NOT NULL,
	section   TEXT NOT NULL,
	body      BLOB NOT NULL,
	PRIMARY KEY (cache_key, section)
)`

// SQLitePersister keeps every section of every cache key in one SQLite
// file, which suits several clients sharing a data directory.
type SQLitePersister struct {
	db    *sql.DB
	key   string
	codec codec.Codec
}

var _ Persister = (*SQLitePersister)(nil)

func NewSQLitePersister(path, key string, c codec.Codec) (*SQLitePersister, error) {
	if c == nil {
		c = codec.JSON{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &SQLitePersister{db: db, key: key, codec: c}, nil
}

func (p *SQLitePersister) Load() (Snapshot, error) {
	var snap Snapshot
	rows, err := p.db.Query(`SELECT section, body FROM cache_sections WHERE cache_key = ?`, p.key)
	if err != nil {
		return snap, err
	}
	defer rows.Close()

	var errs []error
	for rows.Next() {
		var section string
		var body []byte
		if err := rows.Scan(&section, &body); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := decodeSection(p.codec, Section(section), body, &snap); err != nil {
			errs = append(errs, fmt.Errorf("section %s: %w", section, err))
		}
	}
	errs = append(errs, rows.Err())
	return snap, errors.Join(errs...)
}

func (p *SQLitePersister) Save(section Section, snap Snapshot) error {
	body, err := encodeSection(p.codec, section, snap)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		`INSERT INTO cache_sections (cache_key, section, body) VALUES (?, ?, ?)
		 ON CONFLICT (cache_key, section) DO UPDATE SET body = excluded.body`,
		p.key, string(section), body,
	)
	return err
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
