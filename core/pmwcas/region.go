package pmwcas

import "sync/atomic"

// Offset addresses one 8-byte word inside a Region. Offsets, not in-process
// addresses, are what descriptors persist and what tagged target words carry,
// so recovery never interprets a stale virtual address.
type Offset uint64

// offsetNone marks an unused word-descriptor slot.
const offsetNone Offset = ^Offset(0)

// Region models the byte-addressable persistent address space the MwCAS
// targets live in. Words are 8-byte aligned by construction.
type Region struct {
	words []uint64
}

// NewRegion allocates a region of n words, zero-initialised.
func NewRegion(n int) *Region {
	return &Region{words: make([]uint64, n)}
}

// Len returns the number of words in the region.
func (r *Region) Len() int { return len(r.words) }

// addr exposes the raw word for CAS; internal use only.
func (r *Region) addr(off Offset) *uint64 {
	return &r.words[off]
}

// Store writes a word without any MwCAS coordination. Only for
// initialisation before concurrent operations begin.
func (r *Region) Store(off Offset, v uint64) {
	atomic.StoreUint64(&r.words[off], v)
}

// Load reads a word without helping. The value may carry descriptor tags;
// concurrent readers should go through Thread.Read instead.
func (r *Region) Load(off Offset) uint64 {
	return atomic.LoadUint64(&r.words[off])
}

// compareExchange64 is a CAS that reports the witnessed value: it returns
// expected exactly when the swap happened, and a current value != expected
// otherwise.
func compareExchange64(addr *uint64, desired, expected uint64) uint64 {
	for {
		cur := atomic.LoadUint64(addr)
		if cur != expected {
			return cur
		}
		if atomic.CompareAndSwapUint64(addr, expected, desired) {
			return expected
		}
	}
}
