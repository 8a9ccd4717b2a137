package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/models"
)

// Section names one of the independently persisted parts of the cache.
type Section string

const (
	SectionValues         Section = "values"
	SectionRoles          Section = "role"
	SectionCollectionRows Section = "collection_row_ids"
)

var Sections = []Section{SectionValues, SectionRoles, SectionCollectionRows}

// Snapshot is the persisted form of the cache.
type Snapshot struct {
	Values         map[models.Table]map[string]models.Value
	Roles          map[models.Table]map[string]string
	CollectionRows map[string][]string
}

// Persister stores cache snapshots between runs. Load returns whatever it
// could read; an error means part or all of the snapshot was unreadable and
// the caller starts from what was returned.
type Persister interface {
	Load() (Snapshot, error)
	Save(section Section, snap Snapshot) error
	Close() error
}

// FilePersister writes one file per section: <dir>/<key>_<section><ext>.
type FilePersister struct {
	dir   string
	key   string
	codec codec.Codec
}

var _ Persister = (*FilePersister)(nil)

func NewFilePersister(dir, key string, c codec.Codec) (*FilePersister, error) {
	if c == nil {
		c = codec.JSON{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return &FilePersister{dir: dir, key: key, codec: c}, nil
}

func (p *FilePersister) path(section Section) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s%s", p.key, section, p.codec.Extension()))
}

func (p *FilePersister) Load() (Snapshot, error) {
	var snap Snapshot
	var errs []error
	for _, section := range Sections {
		data, err := os.ReadFile(p.path(section))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := decodeSection(p.codec, section, data, &snap); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.path(section), err))
		}
	}
	return snap, errors.Join(errs...)
}

func (p *FilePersister) Save(section Section, snap Snapshot) error {
	data, err := encodeSection(p.codec, section, snap)
	if err != nil {
		return err
	}

	target := p.path(section)
	tmp, err := os.CreateTemp(p.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (p *FilePersister) Close() error {
	return nil
}

func encodeSection(c codec.Codec, section Section, snap Snapshot) ([]byte, error) {
	switch section {
	case SectionValues:
		return c.Marshal(snap.Values)
	case SectionRoles:
		return c.Marshal(snap.Roles)
	case SectionCollectionRows:
		return c.Marshal(snap.CollectionRows)
	}
	return nil, fmt.Errorf("unknown cache section %q", section)
}

func decodeSection(c codec.Codec, section Section, data []byte, snap *Snapshot) error {
	switch section {
	case SectionValues:
		var v map[models.Table]map[string]models.Value
		if err := c.Unmarshal(data, &v); err != nil {
			return err
		}
		snap.Values = v
	case SectionRoles:
		var v map[models.Table]map[string]string
		if err := c.Unmarshal(data, &v); err != nil {
			return err
		}
		snap.Roles = v
	case SectionCollectionRows:
		var v map[string][]string
		if err := c.Unmarshal(data, &v); err != nil {
			return err
		}
		snap.CollectionRows = v
	default:
		return fmt.Errorf("unknown cache section %q", section)
	}
	return nil
}

// load fills the store from its persister. Unreadable sections are logged
// and left empty.
func (s *Store) load() {
	snap, err := s.persister.Load()
	if err != nil {
		s.logger.Warn("ignoring unreadable cache", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for table, records := range snap.Values {
		for id, v := range records {
			if len(v) == 0 {
				continue
			}
			e := s.entryLocked(models.RecordKey{Table: table, ID: id})
			e.value = v
			e.state = StatePresent
		}
	}
	for table, roles := range snap.Roles {
		for id, role := range roles {
			s.entryLocked(models.RecordKey{Table: table, ID: id}).role = role
		}
	}
	for id, rows := range snap.CollectionRows {
		s.rows[id] = rows
	}
}

func (s *Store) persistLocked(b *batch) {
	if s.persister == nil {
		return
	}
	if b.values {
		s.save(SectionValues, Snapshot{Values: s.valuesLocked()})
	}
	if b.roles {
		s.save(SectionRoles, Snapshot{Roles: s.rolesLocked()})
	}
	if b.rows {
		s.save(SectionCollectionRows, Snapshot{CollectionRows: s.rows})
	}
}

func (s *Store) save(section Section, snap Snapshot) {
	if err := s.persister.Save(section, snap); err != nil {
		s.logger.Warn("failed to persist cache", "section", string(section), "error", err)
	}
}

func (s *Store) valuesLocked() map[models.Table]map[string]models.Value {
	out := make(map[models.Table]map[string]models.Value)
	for key, e := range s.entries {
		if e.state != StatePresent {
			continue
		}
		if out[key.Table] == nil {
			out[key.Table] = make(map[string]models.Value)
		}
		out[key.Table][key.ID] = e.value
	}
	return out
}

func (s *Store) rolesLocked() map[models.Table]map[string]string {
	out := make(map[models.Table]map[string]string)
	for key, e := range s.entries {
		if e.role == "" {
			continue
		}
		if out[key.Table] == nil {
			out[key.Table] = make(map[string]string)
		}
		out[key.Table][key.ID] = e.role
	}
	return out
}
