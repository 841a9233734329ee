// Package epoch provides epoch-based memory reclamation for the lock-free
// descriptor pool. Threads Protect() before touching shared descriptors and
// Unprotect() when done; an object unlinked under epoch e may be reclaimed
// only once no protected thread's epoch is <= e.
//
// There is no hidden thread-local state: each worker registers an explicit
// Slot and passes it to Protect/Unprotect.
package epoch

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Epoch is a logical timestamp bounding when memory released in the past may
// be reclaimed.
type Epoch = uint64

const (
	cacheLineSize = 64

	// DefaultSlots is the default number of distinct worker slots.
	DefaultSlots = 128
)

var ErrSlotsExhausted = errors.New("epoch table is out of worker slots")

// entry tracks one worker's protected/unprotected state. Entries are
// cache-line sized to keep workers from contending on neighbours.
type entry struct {
	// protectedEpoch is the worker's snapshot of the global epoch, taken
	// with a sequentially consistent store on Protect; zero when unprotected.
	protectedEpoch atomic.Uint64
	// lastUnprotectedEpoch loosely records when the worker last left the
	// protected region.
	lastUnprotectedEpoch uint64
	// ownerID locks the entry to one worker; entries are claimed by CAS.
	ownerID atomic.Uint64

	_ [cacheLineSize - 24]byte
}

// Manager tracks the global epoch and every worker's active epoch.
type Manager struct {
	current       atomic.Uint64
	safeToReclaim atomic.Uint64
	table         []entry
	nextOwner     atomic.Uint64
}

// NewManager creates a manager with the given number of worker slots, which
// must be a power of two.
func NewManager(slots int) (*Manager, error) {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if slots&(slots-1) != 0 {
		return nil, fmt.Errorf("slot count %d is not a power of two", slots)
	}
	m := &Manager{table: make([]entry, slots)}
	m.current.Store(1)
	return m, nil
}

// CurrentEpoch returns a snapshot of the global epoch.
func (m *Manager) CurrentEpoch() Epoch {
	return m.current.Load()
}

// IsSafeToReclaim reports whether an item removed at the given epoch can no
// longer be reached by any protected worker.
func (m *Manager) IsSafeToReclaim(e Epoch) bool {
	return e <= m.safeToReclaim.Load()
}

// BumpCurrentEpoch advances the global epoch and refreshes the cached
// safe-to-reclaim horizon.
func (m *Manager) BumpCurrentEpoch() {
	newEpoch := m.current.Add(1)
	m.computeSafeToReclaim(newEpoch)
}

// computeSafeToReclaim scans the worker table for the oldest active epoch.
// The result is always strictly below the current epoch, so items removed in
// the present epoch never qualify.
func (m *Manager) computeSafeToReclaim(current Epoch) {
	oldest := current
	for i := range m.table {
		if e := m.table[i].protectedEpoch.Load(); e != 0 && e < oldest {
			oldest = e
		}
	}
	m.safeToReclaim.Store(oldest - 1)
}

// murmur3 mixes a worker id into a starting probe position.
func murmur3(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// Slot is one worker's handle into the epoch table.
type Slot struct {
	m *Manager
	e *entry
}

// RegisterSlot claims a table entry for a worker. The slot stays claimed for
// the manager's lifetime.
func (m *Manager) RegisterSlot() (*Slot, error) {
	id := m.nextOwner.Add(1)
	start := murmur3(id)
	size := uint64(len(m.table))
	for i := uint64(0); i < size; i++ {
		e := &m.table[(start+i)&(size-1)]
		if e.ownerID.Load() == 0 && e.ownerID.CompareAndSwap(0, id) {
			return &Slot{m: m, e: e}, nil
		}
	}
	return nil, ErrSlotsExhausted
}

// Protect enters the worker into the protected region. Calling Protect on an
// already-protected slot is undefined.
func (s *Slot) Protect() {
	s.e.lastUnprotectedEpoch = 0
	s.e.protectedEpoch.Store(s.m.current.Load())
}

// Unprotect exits the protected region. The worker must not touch protected
// pointers afterwards.
func (s *Slot) Unprotect() {
	s.e.lastUnprotectedEpoch = s.m.current.Load()
	s.e.protectedEpoch.Store(0)
}

// IsProtected reports whether the slot is inside the protected region.
func (s *Slot) IsProtected() bool {
	return s.e.protectedEpoch.Load() != 0
}
