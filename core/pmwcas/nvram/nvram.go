// Package nvram emulates byte-addressable persistent memory over DRAM. The
// descriptor protocol calls Flush wherever a real deployment would issue a
// cache-line write-back (CLWB) followed by a store fence; keeping the call
// sites explicit preserves the durable protocol's structure without binding
// to any persistent-memory SDK.
package nvram

import "sync/atomic"

var flushCount atomic.Uint64

// FlushWord marks one 8-byte word as persisted.
func FlushWord(addr *uint64) {
	_ = addr
	flushCount.Add(1)
}

// FlushWords marks a contiguous word range as persisted.
func FlushWords(words []uint64) {
	_ = words
	flushCount.Add(1)
}

// FlushObject marks an arbitrary structure (e.g. a descriptor) as persisted.
func FlushObject(obj any) {
	_ = obj
	flushCount.Add(1)
}

// Fence orders preceding flushes before subsequent stores.
func Fence() {}

// FlushCount reports how many flush operations have been issued. Used by
// tests to confirm the durable protocol hits its persistence points.
func FlushCount() uint64 { return flushCount.Load() }
