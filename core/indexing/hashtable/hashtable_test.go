package hashtable

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

func setupTable(t *testing.T, nBuckets uint64, bufferPages uint32) (*HashTable, *pagedfile.File) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	f, err := pagedfile.Open(filepath.Join(t.TempDir(), "table.hash"), 1,
		pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	ht, err := New(f, nBuckets, bufferPages, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ht.Close() })
	return ht, f
}

func mustInsert(t *testing.T, ht *HashTable, key, value uint64) {
	t.Helper()
	ok, err := ht.Insert(key, value)
	require.NoError(t, err)
	require.True(t, ok, "insert of %d reported duplicate", key)
}

func TestLayoutConstants(t *testing.T) {
	require.Equal(t, 253, SlotsPerPage)
	require.Equal(t, 512, BucketsPerDir)
	require.Equal(t, pagedfile.PageSize, entryOff+SlotsPerPage*entrySize)
}

func TestInsertSearchEraseRoundTrip(t *testing.T) {
	ht, _ := setupTable(t, 64, 16)

	for k := uint64(1); k <= 100; k++ {
		mustInsert(t, ht, k, k*3)
	}
	for k := uint64(1); k <= 100; k++ {
		v, ok, err := ht.Search(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k*3, v)
	}
	_, ok, err := ht.Search(999)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = ht.Erase(50)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = ht.Search(50)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = ht.Erase(50)
	require.NoError(t, err)
	require.False(t, ok, "double erase must miss")
}

// Uniqueness: insert fails exactly when the key is already in the chain.
func TestInsertUniqueness(t *testing.T) {
	ht, _ := setupTable(t, 1, 16)

	mustInsert(t, ht, 7, 70)
	ok, err := ht.Insert(7, 71)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := ht.Search(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(70), v, "failed insert must not clobber the value")

	ok, err = ht.Erase(7)
	require.NoError(t, err)
	require.True(t, ok)
	mustInsert(t, ht, 7, 72)
}

// chainPages walks bucket 0's chain directly through the file after the
// table is flushed, returning each page's entry count.
func chainPages(t *testing.T, f *pagedfile.File) []uint64 {
	t.Helper()
	buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
	require.NoError(t, f.ReadPage(1, buf)) // directory page for bucket 0

	var counts []uint64
	next := pagedfile.PageNum(binary.LittleEndian.Uint64(buf[0:]))
	for next != 0 {
		require.NoError(t, f.ReadPage(next, buf))
		counts = append(counts, binary.LittleEndian.Uint64(buf[nEntryOff:]))
		next = pagedfile.PageNum(binary.LittleEndian.Uint64(buf[nextOff:]))
	}
	return counts
}

// With a single bucket, loading 1000 keys chains several pages; removing all
// but one key must compact the chain down to a single page holding it.
func TestChainCompaction(t *testing.T) {
	logger := zap.NewNop()
	path := filepath.Join(t.TempDir(), "table.hash")

	f, err := pagedfile.Open(path, 1, pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	defer f.Close()
	ht, err := New(f, 1, 16, logger)
	require.NoError(t, err)

	for k := uint64(1); k <= 1000; k++ {
		mustInsert(t, ht, k, k)
	}
	for k := uint64(1); k <= 999; k++ {
		ok, err := ht.Erase(k)
		require.NoError(t, err)
		require.True(t, ok, "erase of %d missed", k)
	}
	// Probing for the survivor compacts the leading empty pages away.
	v, ok, err := ht.Search(1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1000), v)
	require.NoError(t, ht.Close())

	counts := chainPages(t, f)
	require.Len(t, counts, 1, "chain must shrink to one page")
	require.Equal(t, uint64(1), counts[0])
}

// After any mix of operations, no chain page with zero entries may still
// link a successor.
func TestNoEmptyPageBeforeTail(t *testing.T) {
	logger := zap.NewNop()
	path := filepath.Join(t.TempDir(), "table.hash")

	f, err := pagedfile.Open(path, 1, pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	defer f.Close()
	ht, err := New(f, 1, 16, logger)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	model := map[uint64]uint64{}
	for i := 0; i < 20000; i++ {
		k := uint64(rng.Int63n(2000)) + 1
		if rng.Intn(2) == 0 {
			ok, err := ht.Insert(k, k)
			require.NoError(t, err)
			_, exists := model[k]
			require.Equal(t, !exists, ok, "uniqueness violated for %d", k)
			model[k] = k
		} else {
			ok, err := ht.Erase(k)
			require.NoError(t, err)
			_, exists := model[k]
			require.Equal(t, exists, ok, "erase mismatch for %d", k)
			delete(model, k)
		}
	}
	for k, v := range model {
		got, ok, err := ht.Search(k)
		require.NoError(t, err)
		require.True(t, ok, "model key %d missing", k)
		require.Equal(t, v, got)
	}
	// A full-chain probe compacts any page emptied by the trailing erases.
	_, _, err = ht.Search(1 << 60)
	require.NoError(t, err)
	require.NoError(t, ht.Close())

	counts := chainPages(t, f)
	for i, c := range counts {
		if i < len(counts)-1 {
			require.NotZero(t, c, "empty page %d still linked mid-chain", i)
		}
	}
}

// n_entries must equal the bitmap's popcount on every chain page.
func TestBitmapMatchesEntryCount(t *testing.T) {
	logger := zap.NewNop()
	path := filepath.Join(t.TempDir(), "table.hash")

	f, err := pagedfile.Open(path, 1, pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	defer f.Close()
	ht, err := New(f, 1, 16, logger)
	require.NoError(t, err)

	for k := uint64(1); k <= 600; k++ {
		mustInsert(t, ht, k, k)
	}
	for k := uint64(1); k <= 600; k += 3 {
		ok, err := ht.Erase(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, ht.Close())

	buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
	require.NoError(t, f.ReadPage(1, buf))
	next := pagedfile.PageNum(binary.LittleEndian.Uint64(buf[0:]))
	for next != 0 {
		require.NoError(t, f.ReadPage(next, buf))
		popcount := 0
		for _, b := range buf[bitmapOff : bitmapOff+32] {
			for ; b != 0; b &= b - 1 {
				popcount++
			}
		}
		require.Equal(t, binary.LittleEndian.Uint64(buf[nEntryOff:]), uint64(popcount))
		next = pagedfile.PageNum(binary.LittleEndian.Uint64(buf[nextOff:]))
	}
}

func TestBucketCountPersists(t *testing.T) {
	logger := zap.NewNop()
	path := filepath.Join(t.TempDir(), "table.hash")

	f, err := pagedfile.Open(path, 1, pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	ht, err := New(f, 77, 16, logger)
	require.NoError(t, err)
	mustInsert(t, ht, 5, 55)
	require.NoError(t, ht.Close())
	require.NoError(t, f.Close())

	f, err = pagedfile.Open(path, 1, pagedfile.Config{}, logger)
	require.NoError(t, err)
	defer f.Close()
	ht, err = New(f, 0, 16, logger)
	require.NoError(t, err)
	defer ht.Close()

	require.Equal(t, uint64(77), ht.Buckets())
	v, ok, err := ht.Search(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(55), v)

	_, err = New(f, 78, 16, logger)
	require.Error(t, err, "mismatched bucket count must be rejected")
}
