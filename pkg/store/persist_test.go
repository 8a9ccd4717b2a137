package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, st *Store) {
	t.Helper()
	st.StoreRecordMap(models.RecordMap{
		models.TableBlock: {
			pageID: {Value: models.Value{"id": pageID, "version": 4.0, "content": []any{childID}}, Role: "editor"},
		},
	})
	require.NoError(t, st.SetCollectionRows(otherID, []string{"r1", "r2"}))
}

func assertSeeded(t *testing.T, st *Store) {
	t.Helper()
	v, state := st.Peek(models.TableBlock, pageID)
	require.Equal(t, StatePresent, state)
	assert.Equal(t, []any{childID}, v["content"])
	assert.Equal(t, int64(4), st.CurrentVersion(models.TableBlock, pageID))
	assert.Equal(t, "editor", st.Role(models.TableBlock, pageID))

	rows, ok := st.CollectionRows(otherID)
	assert.True(t, ok)
	assert.Equal(t, []string{"r1", "r2"}, rows)
}

func TestFilePersisterRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, ok := codec.ByName(name)
			require.True(t, ok)
			dir := t.TempDir()

			p, err := NewFilePersister(dir, "abc", c)
			require.NoError(t, err)
			seed(t, New(nil, WithPersister(p)))

			for _, section := range Sections {
				_, err := os.Stat(filepath.Join(dir, "abc_"+string(section)+c.Extension()))
				require.NoError(t, err, section)
			}

			p2, err := NewFilePersister(dir, "abc", c)
			require.NoError(t, err)
			assertSeeded(t, New(nil, WithPersister(p2)))
		})
	}
}

func TestFilePersisterCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc_values.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc_role.json"), []byte(`{"block":{"`+pageID+`":"reader"}}`), 0o644))

	p, err := NewFilePersister(dir, "abc", nil)
	require.NoError(t, err)
	st := New(nil, WithPersister(p))

	_, state := st.Peek(models.TableBlock, pageID)
	assert.Equal(t, StateUnknown, state)
	assert.Equal(t, "reader", st.Role(models.TableBlock, pageID))
}

func TestFilePersisterRewritesAfterLocalOperation(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir, "abc", nil)
	require.NoError(t, err)
	st := New(nil, WithPersister(p))
	seed(t, st)

	op, err := operation.Build(pageID, "title", "persisted")
	require.NoError(t, err)
	require.NoError(t, st.RunLocalOperation(op))

	snap, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "persisted", snap.Values[models.TableBlock][pageID]["title"])
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	p, err := NewSQLitePersister(path, "abc", nil)
	require.NoError(t, err)
	seed(t, New(nil, WithPersister(p)))
	require.NoError(t, p.Close())

	p2, err := NewSQLitePersister(path, "abc", nil)
	require.NoError(t, err)
	defer p2.Close()
	assertSeeded(t, New(nil, WithPersister(p2)))

	p3, err := NewSQLitePersister(path, "other-key", nil)
	require.NoError(t, err)
	defer p3.Close()
	st := New(nil, WithPersister(p3))
	_, state := st.Peek(models.TableBlock, pageID)
	assert.Equal(t, StateUnknown, state)
}
