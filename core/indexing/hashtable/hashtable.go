// Package hashtable implements a chained, direct-addressed hash table over
// the buffer pool. The bucket count is fixed at creation. A directory page
// holds 512 bucket-chain heads; bucket pages carry 253 fixed 16-byte entry
// slots guarded by a 256-bit occupancy bitmap. Chains are compacted in place:
// any bucket page observed with zero entries is unlinked and returned to the
// file's free list.
//
// A HashTable is not safe for concurrent use: the benchmark harness gives
// every worker thread its own instance.
package hashtable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/bufferpool"
	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

// Bucket page layout (little-endian):
//
//	[0,8)    next bucket page number (0 = end of chain)
//	[8,16)   number of live entries
//	[16,48)  256-bit occupancy bitmap
//	[48,..)  253 x 16-byte {key, value} slots
const (
	nextOff   = 0
	nEntryOff = 8
	bitmapOff = 16
	entryOff  = 48
	entrySize = 16

	// SlotsPerPage is the fixed entry capacity of one bucket page.
	SlotsPerPage = (pagedfile.PageSize - entryOff) / entrySize

	// BucketsPerDir is the number of 8-byte chain heads per directory page.
	BucketsPerDir = pagedfile.PageSize / 8
)

// HashTable maps uint64 keys to uint64 values.
type HashTable struct {
	file     *pagedfile.File
	pool     *bufferpool.Pool
	nBuckets uint64
	logger   *zap.Logger
	keyBuf   [8]byte
}

// New opens a hash table over file with a private buffer pool of bufferPages
// frames. A fresh file is initialised with nBuckets chain heads spread over
// nBuckets/512+1 directory pages; an existing file must have been
// created with the same bucket count, which is read back from the header.
func New(file *pagedfile.File, nBuckets uint64, bufferPages uint32, logger *zap.Logger) (*HashTable, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferPages < 4 {
		return nil, fmt.Errorf("hash table needs at least 4 buffer pages, got %d", bufferPages)
	}
	pool, err := bufferpool.New(file, bufferPages, logger)
	if err != nil {
		return nil, err
	}
	h := &HashTable{
		file:   file,
		pool:   pool,
		logger: logger.Named("hashtable"),
	}
	if file.Empty() {
		if nBuckets == 0 {
			return nil, fmt.Errorf("bucket count must be positive")
		}
		h.nBuckets = nBuckets
		file.SetUserField(nBuckets)
		for i := uint64(0); i <= nBuckets/BucketsPerDir; i++ {
			num, err := file.AllocatePage()
			if err != nil {
				return nil, fmt.Errorf("allocating directory page: %w", err)
			}
			if err := file.TruncPage(num); err != nil {
				return nil, err
			}
		}
		if err := file.Flush(); err != nil {
			return nil, err
		}
	} else {
		h.nBuckets = file.UserField()
		if h.nBuckets == 0 {
			return nil, fmt.Errorf("existing file has no bucket count in its header")
		}
		if nBuckets != 0 && nBuckets != h.nBuckets {
			return nil, fmt.Errorf("bucket count %d does not match the file's %d", nBuckets, h.nBuckets)
		}
	}
	return h, nil
}

// Buckets returns the fixed bucket count.
func (h *HashTable) Buckets() uint64 { return h.nBuckets }

// Pool exposes the underlying buffer pool (benchmark instrumentation).
func (h *HashTable) Pool() *bufferpool.Pool { return h.pool }

// Close flushes every dirty page and releases the buffer pool. The caller
// retains ownership of the file.
func (h *HashTable) Close() error {
	return h.pool.Finalize()
}

func (h *HashTable) hash(key uint64) uint64 {
	binary.LittleEndian.PutUint64(h.keyBuf[:], key)
	return xxhash.Sum64(h.keyBuf[:])
}

// slotRef pinpoints one entry slot inside a pinned bucket frame.
type slotRef struct {
	frame     bufferpool.FrameID
	entryOff  int
	bitmapOff int
	bitmask   byte
}

func (h *HashTable) pin(num pagedfile.PageNum) (bufferpool.FrameID, []byte, error) {
	return h.pool.PinPage(pagedfile.NewPageID(h.file.ID(), num), bufferpool.WriteMode)
}

// newBucketPage allocates and zeroes a fresh bucket page.
func (h *HashTable) newBucketPage() (pagedfile.PageNum, error) {
	num, err := h.file.AllocatePage()
	if err != nil {
		return 0, err
	}
	if err := h.file.TruncPage(num); err != nil {
		return 0, err
	}
	return num, nil
}

// firstSlot returns the slot reference for slot 0 of a freshly pinned page.
func firstSlot(frame bufferpool.FrameID) slotRef {
	return slotRef{frame: frame, entryOff: entryOff, bitmapOff: bitmapOff, bitmask: 1}
}

// Insert places (key, value) into the table. It reports false if the key is
// already present anywhere in the bucket's chain, in which case no entry is
// written and no memoised free slot is consumed; empty pages the walk passed
// before reaching the duplicate are still unlinked and freed.
func (h *HashTable) Insert(key, value uint64) (bool, error) {
	slot, data, ok, err := h.freeSlotWithProbe(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	binary.LittleEndian.PutUint64(data[slot.entryOff:], key)
	binary.LittleEndian.PutUint64(data[slot.entryOff+8:], value)
	n := binary.LittleEndian.Uint64(data[nEntryOff:])
	binary.LittleEndian.PutUint64(data[nEntryOff:], n+1)
	data[slot.bitmapOff] |= slot.bitmask
	h.pool.MarkDirty(slot.frame)
	h.pool.UnpinPage(slot.frame)
	return true, nil
}

// Search returns the value stored under key.
func (h *HashTable) Search(key uint64) (uint64, bool, error) {
	slot, data, ok, err := h.probeAndCompact(key)
	if err != nil || !ok {
		return 0, false, err
	}
	value := binary.LittleEndian.Uint64(data[slot.entryOff+8:])
	h.pool.UnpinPage(slot.frame)
	return value, true, nil
}

// Erase removes key from the table, zeroing its slot and clearing its
// occupancy bit.
func (h *HashTable) Erase(key uint64) (bool, error) {
	slot, data, ok, err := h.probeAndCompact(key)
	if err != nil || !ok {
		return false, err
	}
	for i := 0; i < entrySize; i++ {
		data[slot.entryOff+i] = 0
	}
	n := binary.LittleEndian.Uint64(data[nEntryOff:])
	binary.LittleEndian.PutUint64(data[nEntryOff:], n-1)
	data[slot.bitmapOff] &^= slot.bitmask
	h.pool.MarkDirty(slot.frame)
	h.pool.UnpinPage(slot.frame)
	return true, nil
}

// dirSlot locates the directory page and intra-page offset for a bucket.
func (h *HashTable) dirSlot(key uint64) (pagedfile.PageNum, int) {
	bucket := h.hash(key) % h.nBuckets
	dirPage := pagedfile.PageNum(bucket/BucketsPerDir + 1)
	return dirPage, int(bucket%BucketsPerDir) * 8
}

// freeSlotWithProbe walks the bucket chain for key. It unlinks and frees any
// zero-entry page it passes, fails on a duplicate key, memoises the first
// free slot seen, and extends the chain with a fresh page when the walk ends
// without one. On success the returned frame is pinned and the caller
// completes the insertion.
func (h *HashTable) freeSlotWithProbe(key uint64) (slotRef, []byte, bool, error) {
	dirPage, dirOff := h.dirSlot(key)
	dirFrame, dirData, err := h.pin(dirPage)
	if err != nil {
		return slotRef{}, nil, false, err
	}

	head := pagedfile.PageNum(binary.LittleEndian.Uint64(dirData[dirOff:]))
	if head == 0 {
		// Empty bucket: allocate the first chain page.
		num, err := h.newBucketPage()
		if err != nil {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, err
		}
		binary.LittleEndian.PutUint64(dirData[dirOff:], uint64(num))
		h.pool.MarkDirty(dirFrame)
		h.pool.UnpinPage(dirFrame)
		frame, data, err := h.pin(num)
		if err != nil {
			return slotRef{}, nil, false, err
		}
		return firstSlot(frame), data, true, nil
	}

	curFrame, curData, err := h.pin(head)
	if err != nil {
		h.pool.UnpinPage(dirFrame)
		return slotRef{}, nil, false, err
	}

	// Head-of-chain compaction: drop empty pages until a live one (or the
	// end of the chain) is found.
	for binary.LittleEndian.Uint64(curData[nEntryOff:]) == 0 {
		next := pagedfile.PageNum(binary.LittleEndian.Uint64(curData[nextOff:]))
		binary.LittleEndian.PutUint64(dirData[dirOff:], uint64(next))
		h.pool.MarkDirty(dirFrame)
		if err := h.pool.FreePage(curFrame); err != nil {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, err
		}
		if next == 0 {
			num, err := h.newBucketPage()
			if err != nil {
				h.pool.UnpinPage(dirFrame)
				return slotRef{}, nil, false, err
			}
			binary.LittleEndian.PutUint64(dirData[dirOff:], uint64(num))
			h.pool.MarkDirty(dirFrame)
			h.pool.UnpinPage(dirFrame)
			frame, data, err := h.pin(num)
			if err != nil {
				return slotRef{}, nil, false, err
			}
			return firstSlot(frame), data, true, nil
		}
		curFrame, curData, err = h.pin(next)
		if err != nil {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, err
		}
	}
	h.pool.UnpinPage(dirFrame)

	var (
		freeSlot bool
		slot     slotRef
		slotData []byte
	)

	for {
		nEntries := binary.LittleEndian.Uint64(curData[nEntryOff:])
		scanned := uint64(0)
		off := entryOff
		bmOff := bitmapOff
		bitmask := byte(1)
		for i := 0; i < SlotsPerPage; i++ {
			occupied := curData[bmOff]&bitmask != 0
			if occupied {
				if binary.LittleEndian.Uint64(curData[off:]) == key {
					// Duplicate: release everything and fail the insert.
					if freeSlot && slot.frame != curFrame {
						h.pool.UnpinPage(slot.frame)
					}
					h.pool.UnpinPage(curFrame)
					return slotRef{}, nil, false, nil
				}
				scanned++
			} else if !freeSlot {
				freeSlot = true
				slot = slotRef{frame: curFrame, entryOff: off, bitmapOff: bmOff, bitmask: bitmask}
				slotData = curData
			}
			if freeSlot && scanned == nEntries {
				break
			}
			off += entrySize
			if bitmask == 1<<7 {
				bitmask = 1
				bmOff++
			} else {
				bitmask <<= 1
			}
		}

		next := pagedfile.PageNum(binary.LittleEndian.Uint64(curData[nextOff:]))
		if next == 0 {
			break
		}

		nextFrame, nextData, err := h.pin(next)
		if err != nil {
			if freeSlot && slot.frame != curFrame {
				h.pool.UnpinPage(slot.frame)
			}
			h.pool.UnpinPage(curFrame)
			return slotRef{}, nil, false, err
		}

		// Mid-chain compaction: unlink empty successors before moving on.
		for binary.LittleEndian.Uint64(nextData[nEntryOff:]) == 0 {
			tmpNext := pagedfile.PageNum(binary.LittleEndian.Uint64(nextData[nextOff:]))
			binary.LittleEndian.PutUint64(curData[nextOff:], uint64(tmpNext))
			h.pool.MarkDirty(curFrame)
			if err := h.pool.FreePage(nextFrame); err != nil {
				if freeSlot && slot.frame != curFrame {
					h.pool.UnpinPage(slot.frame)
				}
				h.pool.UnpinPage(curFrame)
				return slotRef{}, nil, false, err
			}
			if tmpNext == 0 {
				if freeSlot {
					// The remembered slot ends the walk; duplicates can no
					// longer appear past the truncated chain.
					if slot.frame != curFrame {
						h.pool.UnpinPage(curFrame)
					}
					return slot, slotData, true, nil
				}
				num, err := h.newBucketPage()
				if err != nil {
					h.pool.UnpinPage(curFrame)
					return slotRef{}, nil, false, err
				}
				binary.LittleEndian.PutUint64(curData[nextOff:], uint64(num))
				h.pool.MarkDirty(curFrame)
				h.pool.UnpinPage(curFrame)
				frame, data, err := h.pin(num)
				if err != nil {
					return slotRef{}, nil, false, err
				}
				return firstSlot(frame), data, true, nil
			}
			nextFrame, nextData, err = h.pin(tmpNext)
			if err != nil {
				if freeSlot && slot.frame != curFrame {
					h.pool.UnpinPage(slot.frame)
				}
				h.pool.UnpinPage(curFrame)
				return slotRef{}, nil, false, err
			}
		}

		// Keep the frame holding the memoised slot pinned; drop the rest.
		if !freeSlot || slot.frame != curFrame {
			h.pool.UnpinPage(curFrame)
		}
		curFrame, curData = nextFrame, nextData
	}

	if freeSlot {
		if slot.frame != curFrame {
			h.pool.UnpinPage(curFrame)
		}
		return slot, slotData, true, nil
	}

	// Chain exhausted with every slot occupied: extend it.
	num, err := h.newBucketPage()
	if err != nil {
		h.pool.UnpinPage(curFrame)
		return slotRef{}, nil, false, err
	}
	binary.LittleEndian.PutUint64(curData[nextOff:], uint64(num))
	h.pool.MarkDirty(curFrame)
	h.pool.UnpinPage(curFrame)
	frame, data, err := h.pin(num)
	if err != nil {
		return slotRef{}, nil, false, err
	}
	return firstSlot(frame), data, true, nil
}

// probeAndCompact walks the bucket chain looking for key, unlinking empty
// pages along the way. On a hit the returned frame stays pinned for the
// caller to read or mutate the slot.
func (h *HashTable) probeAndCompact(key uint64) (slotRef, []byte, bool, error) {
	dirPage, dirOff := h.dirSlot(key)
	dirFrame, dirData, err := h.pin(dirPage)
	if err != nil {
		return slotRef{}, nil, false, err
	}

	head := pagedfile.PageNum(binary.LittleEndian.Uint64(dirData[dirOff:]))
	if head == 0 {
		h.pool.UnpinPage(dirFrame)
		return slotRef{}, nil, false, nil
	}

	curFrame, curData, err := h.pin(head)
	if err != nil {
		h.pool.UnpinPage(dirFrame)
		return slotRef{}, nil, false, err
	}
	for binary.LittleEndian.Uint64(curData[nEntryOff:]) == 0 {
		next := pagedfile.PageNum(binary.LittleEndian.Uint64(curData[nextOff:]))
		binary.LittleEndian.PutUint64(dirData[dirOff:], uint64(next))
		h.pool.MarkDirty(dirFrame)
		if err := h.pool.FreePage(curFrame); err != nil {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, err
		}
		if next == 0 {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, nil
		}
		curFrame, curData, err = h.pin(next)
		if err != nil {
			h.pool.UnpinPage(dirFrame)
			return slotRef{}, nil, false, err
		}
	}
	h.pool.UnpinPage(dirFrame)

	for {
		nEntries := binary.LittleEndian.Uint64(curData[nEntryOff:])
		scanned := uint64(0)
		off := entryOff
		bmOff := bitmapOff
		bitmask := byte(1)
		for i := 0; i < SlotsPerPage; i++ {
			if curData[bmOff]&bitmask != 0 {
				if binary.LittleEndian.Uint64(curData[off:]) == key {
					return slotRef{frame: curFrame, entryOff: off, bitmapOff: bmOff, bitmask: bitmask}, curData, true, nil
				}
				scanned++
				if scanned == nEntries {
					break
				}
			}
			off += entrySize
			if bitmask == 1<<7 {
				bitmask = 1
				bmOff++
			} else {
				bitmask <<= 1
			}
		}

		next := pagedfile.PageNum(binary.LittleEndian.Uint64(curData[nextOff:]))
		if next == 0 {
			h.pool.UnpinPage(curFrame)
			return slotRef{}, nil, false, nil
		}

		nextFrame, nextData, err := h.pin(next)
		if err != nil {
			h.pool.UnpinPage(curFrame)
			return slotRef{}, nil, false, err
		}
		for binary.LittleEndian.Uint64(nextData[nEntryOff:]) == 0 {
			tmpNext := pagedfile.PageNum(binary.LittleEndian.Uint64(nextData[nextOff:]))
			binary.LittleEndian.PutUint64(curData[nextOff:], uint64(tmpNext))
			h.pool.MarkDirty(curFrame)
			if err := h.pool.FreePage(nextFrame); err != nil {
				h.pool.UnpinPage(curFrame)
				return slotRef{}, nil, false, err
			}
			if tmpNext == 0 {
				h.pool.UnpinPage(curFrame)
				return slotRef{}, nil, false, nil
			}
			nextFrame, nextData, err = h.pin(tmpNext)
			if err != nil {
				h.pool.UnpinPage(curFrame)
				return slotRef{}, nil, false, err
			}
		}
		h.pool.UnpinPage(curFrame)
		curFrame, curData = nextFrame, nextData
	}
}
