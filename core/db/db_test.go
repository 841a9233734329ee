package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T, backend string) Config {
	t.Helper()
	return Config{
		Backend:     backend,
		Path:        filepath.Join(t.TempDir(), "db"),
		FileID:      1,
		Load:        true,
		BufferPages: 64,
		Buckets:     128,
		DirectIO:    false,
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := Create(testConfig(t, "bztree"), zap.NewNop())
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestBackendRoundTrip(t *testing.T) {
	for _, backend := range []string{"btree", "hashtable"} {
		t.Run(backend, func(t *testing.T) {
			database, err := Create(testConfig(t, backend), zap.NewNop())
			require.NoError(t, err)
			defer database.Close()

			for k := uint64(1); k <= 300; k++ {
				require.NoError(t, database.Insert(k, k*2))
			}
			for k := uint64(1); k <= 300; k++ {
				v, err := database.Read(k)
				require.NoError(t, err)
				require.Equal(t, k*2, v)
			}
			_, err = database.Read(9999)
			require.ErrorIs(t, err, ErrNoData)

			require.ErrorIs(t, database.Insert(5, 5), ErrNoData, "duplicate insert")
		})
	}
}

func TestBTreeScan(t *testing.T) {
	database, err := Create(testConfig(t, "btree"), zap.NewNop())
	require.NoError(t, err)
	defer database.Close()

	for k := uint64(1); k <= 100; k++ {
		require.NoError(t, database.Insert(k, k))
	}
	n, err := database.Scan(10, 50)
	require.NoError(t, err)
	require.Equal(t, 50, n)

	require.ErrorIs(t, database.Delete(1), ErrNotSupported)
}

func TestHashTableUpdateAndDelete(t *testing.T) {
	database, err := Create(testConfig(t, "hashtable"), zap.NewNop())
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Insert(1, 10))
	require.NoError(t, database.Update(1, 20))
	v, err := database.Read(1)
	require.NoError(t, err)
	require.Equal(t, uint64(20), v)

	require.NoError(t, database.Delete(1))
	_, err = database.Read(1)
	require.ErrorIs(t, err, ErrNoData)

	_, err = database.Scan(1, 10)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := testConfig(t, "btree")
	database, err := Create(cfg, zap.NewNop())
	require.NoError(t, err)
	for k := uint64(1); k <= 50; k++ {
		require.NoError(t, database.Insert(k, k+1000))
	}
	require.NoError(t, database.Close())

	cfg.Load = false
	database, err = Create(cfg, zap.NewNop())
	require.NoError(t, err)
	defer database.Close()
	for k := uint64(1); k <= 50; k++ {
		v, err := database.Read(k)
		require.NoError(t, err)
		require.Equal(t, k+1000, v)
	}
}
