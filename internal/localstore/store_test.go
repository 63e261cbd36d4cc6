package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return store
}

func TestStoresRoundTrip(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
		"file":   newFileStore(t),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, found, err := store.Read(KeyProgress)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Write(KeyProgress, []byte(`{"a":1}`)))
			require.NoError(t, store.Write(KeyProgress, []byte(`{"a":2}`)))

			value, found, err := store.Read(KeyProgress)
			require.NoError(t, err)
			assert.True(t, found)
			assert.JSONEq(t, `{"a":2}`, string(value))

			require.NoError(t, store.Remove(KeyProgress))
			require.NoError(t, store.Remove(KeyProgress))
			_, found, err = store.Read(KeyProgress)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoresRejectUnsafeKeys(t *testing.T) {
	store := newFileStore(t)
	for _, key := range []string{"", " padded", "../escape", "nested/key", ".hidden"} {
		_, _, err := store.Read(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
		assert.ErrorIs(t, store.Write(key, []byte("x")), ErrInvalidKey, "key %q", key)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, store.Write(KeyNotes, value))
	value[0] = 'z'

	stored, _, err := store.Read(KeyNotes)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(stored))
}

func TestFileStoreWatchReportsChangedKeys(t *testing.T) {
	store := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- store.Watch(ctx, func(key string) {
			changed <- key
		})
	}()

	// the watcher registers asynchronously
	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, store.Write(KeyNotes, []byte(`{}`)))
		select {
		case key := <-changed:
			assert.Equal(t, KeyNotes, key)
			cancel()
			require.NoError(t, <-watchErr)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("expected a change notification")
		}
	}
}
