package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/storage/sqlite"
	"github.com/c360studio/simflow/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		st, err := sqlite.New(filepath.Join(t.TempDir(), "simflow.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "simflow.db")

	st, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Migrations are idempotent across reopen.
	st, err = sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
