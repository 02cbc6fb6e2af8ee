package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRecordedOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	first, err := New(dbPath)
	require.NoError(t, err)
	version, err := first.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
	require.NoError(t, first.Close())

	second, err := New(dbPath)
	require.NoError(t, err)
	defer second.Close()

	history, err := second.GetMigrationHistory()
	require.NoError(t, err)
	require.Len(t, history, len(migrations))
	for i, rec := range history {
		assert.Equal(t, migrations[i].Version, rec.Version)
		assert.Equal(t, migrations[i].Name, rec.Name)
		assert.NotEmpty(t, rec.AppliedAt)
	}
}

func TestKVUpdatedIndexExists(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	var name string
	err = store.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_kv_namespace_updated'`,
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "idx_kv_namespace_updated", name)
}

func TestClosedStoreReportsClosed(t *testing.T) {
	var store *Store
	_, err := store.GetSchemaVersion()
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.GetMigrationHistory()
	assert.ErrorIs(t, err, ErrStoreClosed)
}
