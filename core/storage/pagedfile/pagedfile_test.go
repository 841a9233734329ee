package pagedfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testConfig leaves O_DIRECT off so the tests run on tmpfs-backed temp dirs.
func testConfig() Config {
	return Config{DirectIO: false, Truncate: true}
}

func openTestFile(t *testing.T) *File {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	f, err := Open(filepath.Join(t.TempDir(), "pages.db"), 1, testConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPageIDPacking(t *testing.T) {
	id := NewPageID(7, 123456)
	require.True(t, id.Valid())
	require.Equal(t, FileID(7), id.FileID())
	require.Equal(t, PageNum(123456), id.PageNum())

	require.False(t, InvalidPageID.Valid())
	require.False(t, PageID(1).Valid(), "low 24 bits must be zero")
}

func TestHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pages.db")

	f, err := Open(path, 1, testConfig(), nil)
	require.NoError(t, err)
	require.True(t, f.Empty())

	n1, err := f.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageNum(1), n1)
	f.SetUserField(42)
	require.NoError(t, f.Close())

	f, err = Open(path, 1, Config{}, nil)
	require.NoError(t, err)
	defer f.Close()
	require.False(t, f.Empty())
	require.Equal(t, PageNum(1), f.HighestAllocated())
	require.Equal(t, uint64(42), f.UserField())
}

func TestReadWritePage(t *testing.T) {
	f := openTestFile(t)

	num, err := f.AllocatePage()
	require.NoError(t, err)

	buf := AlignedBuffer(PageSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, f.WritePage(num, buf))

	got := AlignedBuffer(PageSize)
	require.NoError(t, f.ReadPage(num, got))
	require.Equal(t, buf, got)

	require.NoError(t, f.TruncPage(num))
	require.NoError(t, f.ReadPage(num, got))
	require.Equal(t, AlignedBuffer(PageSize), got)
}

func TestReadNeverWrittenPageIsZero(t *testing.T) {
	f := openTestFile(t)

	num, err := f.AllocatePage()
	require.NoError(t, err)

	buf := AlignedBuffer(PageSize)
	buf[0] = 0xff
	require.NoError(t, f.ReadPage(num, buf))
	require.Equal(t, byte(0), buf[0])
}

// Free-list soundness: over an interleaving of allocate and free, no page
// number is ever live twice, and every number is either live, in the free
// list, or beyond the high-water mark.
func TestFreeListSoundness(t *testing.T) {
	f := openTestFile(t)

	live := map[PageNum]bool{}
	for i := 0; i < 10; i++ {
		n, err := f.AllocatePage()
		require.NoError(t, err)
		require.False(t, live[n], "page %d allocated twice", n)
		live[n] = true
	}
	require.Equal(t, PageNum(10), f.HighestAllocated())

	// Free a few and reallocate: the freed numbers must come back (LIFO)
	// before the file grows.
	for _, n := range []PageNum{3, 7, 5} {
		require.NoError(t, f.FreePage(n))
		delete(live, n)
	}
	for i := 0; i < 3; i++ {
		n, err := f.AllocatePage()
		require.NoError(t, err)
		require.False(t, live[n], "page %d allocated twice", n)
		require.LessOrEqual(t, n, PageNum(10), "free list should be drained before growing")
		live[n] = true
	}
	require.Equal(t, PageNum(10), f.HighestAllocated())

	n, err := f.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageNum(11), n)
}

func TestFreeListSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pages.db")

	f, err := Open(path, 1, testConfig(), nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := f.AllocatePage()
		require.NoError(t, err)
	}
	require.NoError(t, f.FreePage(2))
	require.NoError(t, f.Close())

	f, err = Open(path, 1, Config{}, nil)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageNum(2), n)
}

func TestAlignedBuffer(t *testing.T) {
	buf := AlignedBuffer(PageSize)
	require.Len(t, buf, PageSize)
	require.Equal(t, PageSize, cap(buf))
}
