package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

const testFileID pagedfile.FileID = 1

func setupPool(t *testing.T, capacity uint32, pages int) (*Pool, *pagedfile.File) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	f, err := pagedfile.Open(filepath.Join(t.TempDir(), "pool.db"), testFileID,
		pagedfile.Config{Truncate: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	for i := 0; i < pages; i++ {
		num, err := f.AllocatePage()
		require.NoError(t, err)
		buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
		buf[0] = byte(num) // stamp so frames are tellable apart
		require.NoError(t, f.WritePage(num, buf))
	}

	p, err := New(f, capacity, logger)
	require.NoError(t, err)
	return p, f
}

func pid(num pagedfile.PageNum) pagedfile.PageID {
	return pagedfile.NewPageID(testFileID, num)
}

func TestPinReturnsPageBytes(t *testing.T) {
	p, _ := setupPool(t, 4, 3)

	fid, data, err := p.PinPage(pid(2), ReadMode)
	require.NoError(t, err)
	require.Equal(t, byte(2), data[0])
	p.UnpinPage(fid)
}

func TestPinInvalidPageID(t *testing.T) {
	p, _ := setupPool(t, 2, 1)

	_, _, err := p.PinPage(pagedfile.PageID(1), ReadMode)
	require.ErrorIs(t, err, ErrInvalidPageID)

	_, _, err = p.PinPage(pagedfile.NewPageID(99, 1), ReadMode)
	require.ErrorIs(t, err, ErrInvalidPageID)
}

// CLOCK second chance: with two frames, touching page 1 again protects it, so
// reading page 3 must evict page 2's frame.
func TestClockEviction(t *testing.T) {
	p, _ := setupPool(t, 2, 3)

	for _, num := range []pagedfile.PageNum{1, 2, 1} {
		fid, _, err := p.PinPage(pid(num), ReadMode)
		require.NoError(t, err)
		p.UnpinPage(fid)
	}
	frameOf2, ok := p.frameFor(2)
	require.True(t, ok)

	fid3, _, err := p.PinPage(pid(3), ReadMode)
	require.NoError(t, err)
	p.UnpinPage(fid3)

	require.Equal(t, frameOf2, fid3, "page 3 should reuse the frame that held page 2")
	_, still := p.frameFor(2)
	require.False(t, still, "page 2 must be evicted")
	_, still = p.frameFor(1)
	require.True(t, still, "page 1 was recently used and must survive")
}

func TestPinnedFrameIsNeverEvicted(t *testing.T) {
	p, _ := setupPool(t, 2, 4)

	fid1, _, err := p.PinPage(pid(1), ReadMode)
	require.NoError(t, err)

	// Cycle more pages than fit; frame 1 stays put because it is pinned.
	for _, num := range []pagedfile.PageNum{2, 3, 4} {
		fid, _, err := p.PinPage(pid(num), ReadMode)
		require.NoError(t, err)
		p.UnpinPage(fid)
	}
	gotFid, ok := p.frameFor(1)
	require.True(t, ok)
	require.Equal(t, fid1, gotFid)
	p.UnpinPage(fid1)
}

func TestPoolExhausted(t *testing.T) {
	p, _ := setupPool(t, 2, 3)

	fid1, _, err := p.PinPage(pid(1), ReadMode)
	require.NoError(t, err)
	fid2, _, err := p.PinPage(pid(2), ReadMode)
	require.NoError(t, err)

	_, _, err = p.PinPage(pid(3), ReadMode)
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.UnpinPage(fid1)
	p.UnpinPage(fid2)
}

// Dirty victims reach disk before their frame is reused, and a later pin
// reads the written bytes back.
func TestDirtyWriteBackOnEviction(t *testing.T) {
	p, f := setupPool(t, 2, 3)

	fid, data, err := p.PinPage(pid(1), WriteMode)
	require.NoError(t, err)
	data[100] = 0xAB
	p.MarkDirty(fid)
	p.UnpinPage(fid)

	// Force page 1 out.
	for _, num := range []pagedfile.PageNum{2, 3} {
		fid, _, err := p.PinPage(pid(num), ReadMode)
		require.NoError(t, err)
		p.UnpinPage(fid)
	}
	_, resident := p.frameFor(1)
	require.False(t, resident)

	buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
	require.NoError(t, f.ReadPage(1, buf))
	require.Equal(t, byte(0xAB), buf[100])

	fid, data, err = p.PinPage(pid(1), ReadMode)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), data[100])
	p.UnpinPage(fid)
}

// Write mode does not imply dirty: an unmarked mutation may be lost, and the
// pool must not write it back.
func TestWriteModeDoesNotAutoDirty(t *testing.T) {
	p, f := setupPool(t, 2, 3)

	fid, data, err := p.PinPage(pid(1), WriteMode)
	require.NoError(t, err)
	data[100] = 0xCD
	p.UnpinPage(fid) // no MarkDirty

	for _, num := range []pagedfile.PageNum{2, 3} {
		fid, _, err := p.PinPage(pid(num), ReadMode)
		require.NoError(t, err)
		p.UnpinPage(fid)
	}

	buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
	require.NoError(t, f.ReadPage(1, buf))
	require.Equal(t, byte(0), buf[100])
}

func TestFlushAllDurability(t *testing.T) {
	p, f := setupPool(t, 4, 3)

	for _, num := range []pagedfile.PageNum{1, 2, 3} {
		fid, data, err := p.PinPage(pid(num), WriteMode)
		require.NoError(t, err)
		data[7] = byte(0x40 + num)
		p.MarkDirty(fid)
		p.UnpinPage(fid)
	}
	require.NoError(t, p.FlushAll())

	for _, num := range []pagedfile.PageNum{1, 2, 3} {
		buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
		require.NoError(t, f.ReadPage(num, buf))
		require.Equal(t, byte(0x40+num), buf[7])
	}
}

func TestFreePageReturnsToFile(t *testing.T) {
	p, f := setupPool(t, 4, 3)

	fid, _, err := p.PinPage(pid(3), WriteMode)
	require.NoError(t, err)
	require.NoError(t, p.FreePage(fid))
	_, resident := p.frameFor(3)
	require.False(t, resident)

	// The freed number is the next allocation.
	n, err := f.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagedfile.PageNum(3), n)
}

func TestFinalizeFlushes(t *testing.T) {
	p, f := setupPool(t, 4, 2)

	fid, data, err := p.PinPage(pid(2), WriteMode)
	require.NoError(t, err)
	data[0] = 0x77
	p.MarkDirty(fid)
	p.UnpinPage(fid)

	require.NoError(t, p.Finalize())

	buf := pagedfile.AlignedBuffer(pagedfile.PageSize)
	require.NoError(t, f.ReadPage(2, buf))
	require.Equal(t, byte(0x77), buf[0])
}
