// Package pmwcas implements a persistent multi-word compare-and-swap: a
// lock-free, non-blocking atomic swap of up to DescCap separate 8-byte words
// with cooperative helping and optional durability on byte-addressable
// persistent memory.
//
// The algorithm follows Harris, Fraser and Pratt's practical MwCAS: a
// conditional CAS (RDCSS) installs word-descriptor tags one target at a time,
// the descriptor's status decides the outcome, and a final pass swings every
// installed target to its new (or old) value. Target words reserve their top
// three bits:
//
//	|--63---|----62---|---61--|--rest bits--|
//	|-MwCAS-|-CondCAS-|-Dirty-|-------------|
//
// so application values must fit in bits 0..60. The bits under the flags
// carry the descriptor's pool slot (and word index), never a raw address.
package pmwcas

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/pmwcas/nvram"
)

const (
	// DescCap is the maximum number of words one descriptor can swap.
	DescCap = 4

	// FlagMwCAS marks a target word holding an MwCAS descriptor reference.
	FlagMwCAS = uint64(1) << 63
	// FlagCondCAS marks a target word with a conditional CAS in flight.
	FlagCondCAS = uint64(1) << 62
	// FlagDirty marks a word not yet known to be persistent.
	FlagDirty = uint64(1) << 61

	flagMask = FlagMwCAS | FlagCondCAS | FlagDirty

	// recycleFlag rides on the top bit of stored old/new value slots when
	// the descriptor owns the referenced memory (safe-memory variant).
	recycleFlag = uint64(1) << 63

	// statusDirtyFlag marks a status word not yet known to be persistent.
	statusDirtyFlag = uint32(1) << 31
)

// Descriptor status values. Valid transitions:
//
//	Undecided -> Succeeded -> Finished -> Undecided (reuse)
//	         \-> Failed    -> Finished -> Undecided
const (
	statusFinished  uint32 = 0
	statusSucceeded uint32 = 1
	statusFailed    uint32 = 2
	statusUndecided uint32 = 3
)

// RecyclePolicy controls which of a word's old/new values are handed to the
// descriptor's free callback when it is reclaimed.
type RecyclePolicy uint32

const (
	// RecycleNever leaves the memory alone.
	RecycleNever RecyclePolicy = iota
	// RecycleOnRecovery sets no recycle flag on either value, so neither
	// normal reclamation nor crash recovery hands a value to the free
	// callback; it behaves like RecycleNever.
	RecycleOnRecovery
	// RecycleAlways frees the old value on success, the new on failure.
	RecycleAlways
	// RecycleOldOnSuccess frees only the old value, and only on success.
	RecycleOldOnSuccess
	// RecycleNewOnFailure frees only the new value, and only on failure.
	RecycleNewOnFailure
)

// AddEntry result codes.
const (
	// EntryFull: the descriptor already holds DescCap words.
	EntryFull int32 = -1
	// EntryDuplicateAddress: the target is already covered by this
	// descriptor. Two new values for one address would make the outcome
	// ambiguous, and a failed operation could not restore old values.
	EntryDuplicateAddress int32 = -2
)

func isMwCAS(v uint64) bool   { return v&FlagMwCAS != 0 }
func isCondCAS(v uint64) bool { return v&FlagCondCAS != 0 }
func isDirty(v uint64) bool   { return v&FlagDirty != 0 }

// IsClean reports whether a word carries no MwCAS management flags.
func IsClean(v uint64) bool { return v&flagMask == 0 }

func cleanValue(v uint64) uint64 { return v &^ flagMask }

// mwcasTag encodes a descriptor's pool slot under the MwCAS flag.
func mwcasTag(slot uint32) uint64 { return FlagMwCAS | uint64(slot) }

// condCASTag encodes a descriptor slot and word index under the CondCAS flag.
func condCASTag(slot uint32, word int) uint64 {
	return FlagCondCAS | uint64(slot)<<3 | uint64(word)
}

// wordDescriptor records one word's target, before and after images, plus a
// back reference to the parent descriptor's slot (the stand-in for the
// original's status-address back pointer).
type wordDescriptor struct {
	target   Offset
	oldValue uint64 // top bit may carry the recycle flag
	newValue uint64
	parent   uint32
	index    uint8
}

func (w *wordDescriptor) oldVal() uint64 { return w.oldValue &^ recycleFlag }
func (w *wordDescriptor) newVal() uint64 { return w.newValue &^ recycleFlag }

func (w *wordDescriptor) shouldRecycleOld() bool { return w.oldValue&recycleFlag != 0 }
func (w *wordDescriptor) shouldRecycleNew() bool { return w.newValue&recycleFlag != 0 }

// Descriptor records one in-flight MwCAS operation's intentions and status.
// Descriptors are pool-allocated, helped to completion by any thread that
// observes them, and recycled through the epoch-protected garbage list.
type Descriptor struct {
	status      atomic.Uint32
	count       uint32
	nextFree    int32 // free-list link: pool slot index, -1 at the tail
	partition   int32
	callbackIdx uint32
	words       [DescCap]wordDescriptor
	// order caches the word indexes sorted by target offset so helping
	// threads install in the same deadlock-free order.
	order [DescCap]uint8
	slot  uint32
	pool  *DescriptorPool
}

// initialize readies a finalized descriptor for a fresh operation. The
// Undecided status is persisted before entries are added so recovery can
// undo a crash mid-preparation.
func (d *Descriptor) initialize() {
	d.count = 0
	d.nextFree = -1
	d.status.Store(statusUndecided)
	if d.pool.durable {
		d.persistStatus()
	}
}

// finalize concludes a reclaimed descriptor: status Finished, words cleared.
func (d *Descriptor) finalize() {
	d.status.Store(statusFinished)
	for i := range d.words {
		d.words[i] = wordDescriptor{target: offsetNone, parent: d.slot, index: uint8(i)}
	}
	if d.pool.durable {
		nvram.FlushObject(d)
	}
}

func (d *Descriptor) persistStatus() {
	nvram.FlushObject(&d.status)
}

// readPersistStatus reads the status, persisting it first if its dirty bit
// is still set. The returned value has the dirty bit cleared.
func (d *Descriptor) readPersistStatus() uint32 {
	cur := d.status.Load()
	stable := cur &^ statusDirtyFlag
	if cur&statusDirtyFlag != 0 {
		d.persistStatus()
		d.status.CompareAndSwap(cur, stable)
	}
	return stable
}

// readStatus is the variant-neutral status read used by control flow.
func (d *Descriptor) readStatus() uint32 {
	if d.pool.durable {
		return d.readPersistStatus()
	}
	return d.status.Load()
}

// addEntry records a word to be modified. Entries must have distinct
// targets; the install order is fixed by sorting at commit time.
func (d *Descriptor) addEntry(off Offset, oldVal, newVal uint64, policy RecyclePolicy) int32 {
	if d.count >= DescCap {
		return EntryFull
	}
	for i := int32(d.count) - 1; i >= 0; i-- {
		if d.words[i].target == off {
			return EntryDuplicateAddress
		}
	}
	if policy == RecycleAlways || policy == RecycleOldOnSuccess {
		oldVal |= recycleFlag
	}
	if policy == RecycleAlways || policy == RecycleNewOnFailure {
		newVal |= recycleFlag
	}
	pos := int32(d.count)
	d.words[pos] = wordDescriptor{
		target:   off,
		oldValue: oldVal,
		newValue: newVal,
		parent:   d.slot,
		index:    uint8(pos),
	}
	d.count++
	return pos
}

// condCAS tries to install this word's CondCAS tag over its expected old
// value, helping any conflicting CondCAS it finds. The return is the
// witnessed word value: the old value on success, or whatever blocked us.
func (d *Descriptor) condCAS(wordIdx int) uint64 {
	w := &d.words[wordIdx]
	tag := condCASTag(d.slot, wordIdx)
	addr := d.pool.region.addr(w.target)

	for {
		ret := compareExchange64(addr, tag, w.oldVal())
		if d.pool.durable && isDirty(ret) {
			nvram.FlushWord(addr)
			compareExchange64(addr, ret&^FlagDirty, ret)
			continue
		}
		if isCondCAS(ret) {
			other := d.pool.wordFromTag(ret)
			d.pool.completeCondCAS(other)
			continue
		}
		if ret == w.oldVal() {
			d.pool.completeCondCAS(w)
		}
		return ret
	}
}

// mwcas executes (or helps) the multi-word CAS. depth 0 is the owner; any
// deeper call is a helper that must not push the descriptor to garbage.
func (d *Descriptor) mwcas(depth int) bool {
	p := d.pool

	if depth == 0 {
		// Sort words by target so concurrent operations over overlapping
		// word sets cannot cyclically help each other. The sorted index
		// array is persisted with the words before the descriptor becomes
		// visible.
		for i := uint32(0); i < d.count; i++ {
			d.order[i] = uint8(i)
		}
		for i := uint32(1); i < d.count; i++ {
			for j := i; j > 0 && d.words[d.order[j-1]].target > d.words[d.order[j]].target; j-- {
				d.order[j-1], d.order[j] = d.order[j], d.order[j-1]
			}
		}
		if p.durable {
			nvram.FlushObject(&d.words)
			nvram.FlushObject(&d.order)
		}
	}

	myStatus := statusSucceeded

	if d.readStatus() == statusUndecided {
		// Phase 1: install the descriptor on every target in sorted order.
		for i := uint32(0); i < d.count && myStatus == statusSucceeded; i++ {
			wi := int(d.order[i])
			w := &d.words[wi]
			for {
				rval := d.condCAS(wi)
				if rval == w.oldVal() || (isMwCAS(rval) && cleanValue(rval) == uint64(d.slot)) {
					// Installed by us, or a helper already promoted us.
					break
				}
				if isMwCAS(rval) {
					// Clashed with another MwCAS; help it finish, then retry.
					other := p.descFromTag(rval)
					other.mwcas(depth + 1)
					if p.metrics != nil {
						p.metrics.HelpAttempts.Inc()
					}
					continue
				}
				// An unrelated value: the expected old value is gone.
				myStatus = statusFailed
				break
			}
		}

		// Decide.
		if p.durable {
			d.status.CompareAndSwap(statusUndecided, myStatus|statusDirtyFlag)
			// The operation is concluded; blind-flush and clear the dirty bit.
			d.persistStatus()
			if cur := d.status.Load(); cur&statusDirtyFlag != 0 {
				d.status.CompareAndSwap(cur, cur&^statusDirtyFlag)
			}
		} else {
			d.status.CompareAndSwap(statusUndecided, myStatus)
		}
	}

	// Phase 2: swing every installed target to its final value.
	succeeded := d.readStatus() == statusSucceeded
	descTag := mwcasTag(d.slot)
	for i := uint32(0); i < d.count; i++ {
		w := &d.words[d.order[i]]
		val := w.oldVal()
		if succeeded {
			val = w.newVal()
		}
		addr := p.region.addr(w.target)
		if p.durable {
			dirtyVal := val | FlagDirty
			rval := compareExchange64(addr, dirtyVal, descTag)
			if rval == descTag || rval == dirtyVal {
				nvram.FlushWord(addr)
				compareExchange64(addr, val, dirtyVal)
			}
		} else {
			compareExchange64(addr, val, descTag)
		}
	}

	if depth == 0 {
		return d.cleanup()
	}
	return succeeded
}

// cleanup pushes the concluded descriptor onto its partition's garbage list.
// The descriptor flips to Finished only inside the reclamation callback,
// once no thread can still reach it.
func (d *Descriptor) cleanup() bool {
	success := d.readStatus() == statusSucceeded
	p := d.pool
	if p.metrics != nil {
		if success {
			p.metrics.SucceededUpdates.Inc()
		} else {
			p.metrics.FailedUpdates.Inc()
		}
	}
	part := &p.partitions[d.partition]
	if err := part.garbage.Push(d, freeDescriptor, p); err != nil {
		p.logger.Error("garbage list push failed", zap.Error(err))
	}
	return success
}

// abort moves an Undecided descriptor straight to Failed and reclaims it.
// Legal only before the first install.
func (d *Descriptor) abort() {
	d.status.Store(statusFailed)
	p := d.pool
	part := &p.partitions[d.partition]
	if err := part.garbage.Push(d, freeDescriptor, p); err != nil {
		p.logger.Error("garbage list push failed", zap.Error(err))
	}
}

// deallocateMemory hands recycle-flagged values to the free callback,
// depending on the operation's outcome.
func (d *Descriptor) deallocateMemory() {
	cb := d.pool.freeCallback(d.callbackIdx)
	status := d.status.Load()
	for i := uint32(0); i < d.count; i++ {
		w := &d.words[i]
		switch status {
		case statusSucceeded:
			if w.shouldRecycleOld() {
				cb(&w.oldValue)
			}
		case statusFailed:
			if w.shouldRecycleNew() {
				cb(&w.newValue)
			}
		}
	}
}

// freeDescriptor is the garbage-list destroy callback: recycle owned memory,
// finalize, and return the descriptor to its partition's free list.
func freeDescriptor(context any, item any) {
	d := item.(*Descriptor)
	p := context.(*DescriptorPool)
	d.deallocateMemory()
	d.finalize()
	part := &p.partitions[d.partition]
	d.nextFree = part.freeHead
	part.freeHead = int32(d.slot)
}
