package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("rounds/b/2"), []byte("two")))
	require.NoError(t, db.Put([]byte("rounds/b/1"), []byte("one")))
	require.NoError(t, db.Put([]byte("rounds/a/1"), []byte("a-one")))
	require.NoError(t, db.Put([]byte("other"), []byte("x")))

	value, err := db.Get([]byte("rounds/b/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	var keys []string
	require.NoError(t, db.Iterate([]byte("rounds/b/"), func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return true, nil
	}))
	require.Equal(t, []string{"rounds/b/1", "rounds/b/2"}, keys)

	keys = nil
	require.NoError(t, db.Iterate([]byte("rounds/"), func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return len(keys) < 2, nil
	}))
	require.Equal(t, []string{"rounds/a/1", "rounds/b/1"}, keys)

	require.NoError(t, db.Delete([]byte("rounds/b/1")))
	require.NoError(t, db.Delete([]byte("rounds/b/1")))
	_, err = db.Get([]byte("rounds/b/1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "rounds"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}
