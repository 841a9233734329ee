package pmwcas

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/pmwcas/epoch"
	"github.com/sfu-dis/ssd-vs-pm/core/pmwcas/nvram"
)

const (
	maxPartitions      = 1024
	maxFreeCallbacks   = 16
	allocationAttempts = 1000
)

var (
	ErrOutOfDescriptors = errors.New("descriptor pool exhausted: nothing reclaimable")
	ErrTooManyCallbacks = errors.New("free callback table is full")
	ErrNotUndecided     = errors.New("descriptor is not in the Undecided state")
	ErrRegionTooLarge   = errors.New("region exceeds the taggable value space")
	ErrAlreadyConcluded = errors.New("operation already executed on this descriptor")
)

// FreeCallback reclaims the memory referenced by an old/new value slot. It
// receives a pointer to the slot (not the value) and should clear the slot to
// record a completed reclamation.
type FreeCallback func(valueSlot *uint64)

// defaultFreeCallback clears the slot.
func defaultFreeCallback(valueSlot *uint64) { *valueSlot = 0 }

// Config sizes a DescriptorPool.
type Config struct {
	// PoolSize is the requested number of descriptors; rounded up to a
	// power of two.
	PoolSize uint32
	// Partitions is the requested partition count; rounded to a power of
	// two, capped at 1024. One partition serves one worker in steady state.
	Partitions uint32
	// Durable enables the persistent-memory protocol: dirty bits on every
	// control-flow-bearing store and explicit flush points.
	Durable bool
	// EpochSlots sizes the epoch table (power of two; defaults to 128).
	EpochSlots int
}

// partition is one worker's descriptor home: a singly linked free list
// (threaded through descriptor slots) and an owned garbage list.
type partition struct {
	freeHead  int32
	garbage   *epoch.GarbageList
	allocated uint32
}

// DescriptorPool preallocates descriptors, partitions them across workers,
// and owns the epoch manager that gates descriptor reuse.
type DescriptorPool struct {
	poolSize         uint32
	partitionCount   uint32
	descPerPartition uint32
	descriptors      []Descriptor
	partitions       []partition
	nextPartition    atomic.Uint32
	epoch            *epoch.Manager
	region           *Region
	durable          bool

	freeCallbacks [maxFreeCallbacks]FreeCallback
	nextCallback  uint32

	metrics *Metrics
	logger  *zap.Logger
}

func roundUpPow2(v uint32) uint32 {
	p := uint32(1)
	for p < v {
		p *= 2
	}
	return p
}

// NewDescriptorPool builds a pool over region. Descriptor slot indexes are
// what tagged target words carry, so the pool, not raw addresses, is the
// decoding authority.
func NewDescriptorPool(cfg Config, region *Region, logger *zap.Logger) (*DescriptorPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if region == nil || region.Len() == 0 {
		return nil, fmt.Errorf("descriptor pool requires a non-empty region")
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 1
	}
	poolSize := roundUpPow2(cfg.PoolSize)
	partitions := roundUpPow2(max32(cfg.Partitions, 1))
	if partitions > maxPartitions {
		partitions = maxPartitions
	}
	if poolSize < partitions {
		poolSize = partitions
	}
	// Tagged words pack the slot index into bits 0..60 (shifted by 3 for
	// CondCAS tags); the pool size bound is far below that ceiling.
	if uint64(poolSize) > 1<<24 {
		return nil, ErrRegionTooLarge
	}

	em, err := epoch.NewManager(cfg.EpochSlots)
	if err != nil {
		return nil, err
	}

	p := &DescriptorPool{
		poolSize:         poolSize,
		partitionCount:   partitions,
		descPerPartition: poolSize / partitions,
		descriptors:      make([]Descriptor, poolSize),
		partitions:       make([]partition, partitions),
		epoch:            em,
		region:           region,
		durable:          cfg.Durable,
		logger:           logger.Named("pmwcas"),
	}
	p.freeCallbacks[0] = defaultFreeCallback
	p.nextCallback = 1

	p.initDescriptors()
	return p, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// initDescriptors resets every descriptor to Finished and rebuilds the
// per-partition free lists and garbage lists. Any recovery business must be
// done by now.
func (p *DescriptorPool) initDescriptors() {
	ringSize := int(roundUpPow2(p.descPerPartition))
	for i := range p.partitions {
		gl, err := epoch.NewGarbageList(p.epoch, ringSize)
		if err != nil {
			p.logger.Fatal("garbage list initialization failure", zap.Error(err))
		}
		p.partitions[i] = partition{freeHead: -1, garbage: gl}
	}
	for i := uint32(0); i < p.poolSize; i++ {
		d := &p.descriptors[i]
		part := int32(i / p.descPerPartition)
		d.slot = i
		d.partition = part
		d.pool = p
		d.count = 0
		d.callbackIdx = 0
		d.finalize()
		d.nextFree = p.partitions[part].freeHead
		p.partitions[part].freeHead = int32(i)
	}
	if p.durable {
		nvram.FlushObject(p.descriptors)
	}
}

// Epoch returns the pool's epoch manager.
func (p *DescriptorPool) Epoch() *epoch.Manager { return p.epoch }

// Region returns the persistent word region this pool operates on.
func (p *DescriptorPool) Region() *Region { return p.region }

// SetMetrics attaches operation counters.
func (p *DescriptorPool) SetMetrics(m *Metrics) { p.metrics = m }

// RegisterFreeCallback adds a reclamation callback and returns its index for
// AllocateDescriptorWithCallback. The callback table is rebuilt identically
// after every restart so persisted indexes stay meaningful.
func (p *DescriptorPool) RegisterFreeCallback(cb FreeCallback) (uint32, error) {
	if p.nextCallback >= maxFreeCallbacks {
		return 0, ErrTooManyCallbacks
	}
	idx := p.nextCallback
	p.freeCallbacks[idx] = cb
	p.nextCallback++
	return idx, nil
}

func (p *DescriptorPool) freeCallback(idx uint32) FreeCallback {
	if idx < p.nextCallback {
		return p.freeCallbacks[idx]
	}
	return defaultFreeCallback
}

// wordFromTag decodes a CondCAS-tagged word value into its word descriptor.
func (p *DescriptorPool) wordFromTag(v uint64) *wordDescriptor {
	bits := cleanValue(v)
	d := &p.descriptors[bits>>3]
	return &d.words[bits&7]
}

// descFromTag decodes an MwCAS-tagged word value into its descriptor.
func (p *DescriptorPool) descFromTag(v uint64) *Descriptor {
	return &p.descriptors[cleanValue(v)]
}

// completeCondCAS finishes an installed conditional CAS: the word-descriptor
// tag is promoted to the parent's MwCAS tag while the parent is still
// Undecided, or rolled back to the old value otherwise.
func (p *DescriptorPool) completeCondCAS(w *wordDescriptor) {
	d := &p.descriptors[w.parent]
	expected := condCASTag(w.parent, int(w.index))
	addr := p.region.addr(w.target)

	if p.durable {
		var desired uint64
		if d.readPersistStatus() == statusUndecided {
			desired = mwcasTag(w.parent)
		} else {
			desired = w.oldVal()
		}
		desired |= FlagDirty
		rval := compareExchange64(addr, desired, expected)
		if rval == expected || rval == desired {
			nvram.FlushWord(addr)
			compareExchange64(addr, desired&^FlagDirty, desired)
		}
		return
	}

	var desired uint64
	if d.status.Load() == statusUndecided {
		desired = mwcasTag(w.parent)
	} else {
		desired = w.oldVal()
	}
	compareExchange64(addr, desired, expected)
}

// readValue implements the reader contract: help-complete any CondCAS,
// persist-and-clear any dirty word, help any MwCAS, then return the clean,
// current value.
func (p *DescriptorPool) readValue(off Offset) uint64 {
	addr := p.region.addr(off)
	for {
		val := atomic.LoadUint64(addr)
		if isCondCAS(val) {
			p.completeCondCAS(p.wordFromTag(val))
			continue
		}
		if p.durable && isDirty(val) {
			nvram.FlushWord(addr)
			compareExchange64(addr, val&^FlagDirty, val)
			continue
		}
		if isMwCAS(val) {
			p.descFromTag(val).mwcas(1)
			continue
		}
		if p.metrics != nil {
			p.metrics.Reads.Inc()
		}
		return val
	}
}

// Thread is one worker's explicitly owned handle: its assigned partition and
// epoch slot. Partitions are strictly thread-local in steady state, so a
// Thread must not be shared.
type Thread struct {
	pool *DescriptorPool
	part *partition
	slot *epoch.Slot
}

// NewThread registers a worker, assigning it a partition round-robin and an
// epoch table slot.
func (p *DescriptorPool) NewThread() (*Thread, error) {
	slot, err := p.epoch.RegisterSlot()
	if err != nil {
		return nil, err
	}
	idx := (p.nextPartition.Add(1) - 1) % p.partitionCount
	return &Thread{pool: p, part: &p.partitions[idx], slot: slot}, nil
}

// Protect enters epoch protection. Required around every MwCAS operation and
// Read.
func (t *Thread) Protect() { t.slot.Protect() }

// Unprotect leaves epoch protection.
func (t *Thread) Unprotect() { t.slot.Unprotect() }

// IsProtected reports whether the worker is inside the protected region.
func (t *Thread) IsProtected() bool { return t.slot.IsProtected() }

// Read returns the current, clean value of a target word, helping any
// in-flight operation it observes.
func (t *Thread) Read(off Offset) uint64 {
	return t.pool.readValue(off)
}

// AllocateDescriptor pops a descriptor from the worker's partition, bumping
// the epoch and scavenging the partition's garbage when the free list runs
// dry. The returned guard must be concluded with MwCAS or Abort.
func (t *Thread) AllocateDescriptor() (*DescriptorGuard, error) {
	return t.AllocateDescriptorWithCallback(0)
}

// AllocateDescriptorWithCallback selects the free callback applied when the
// descriptor's recycle-flagged values are reclaimed.
func (t *Thread) AllocateDescriptorWithCallback(callbackIdx uint32) (*DescriptorGuard, error) {
	part := t.part
	for attempt := 0; part.freeHead < 0; attempt++ {
		if attempt >= allocationAttempts {
			return nil, ErrOutOfDescriptors
		}
		part.garbage.Manager().BumpCurrentEpoch()
		scavenged := part.garbage.Scavenge()
		if scavenged > 0 {
			part.allocated -= uint32(scavenged)
			if t.pool.metrics != nil {
				t.pool.metrics.DescriptorScavenges.Inc()
			}
		}
	}
	d := &t.pool.descriptors[part.freeHead]
	part.freeHead = d.nextFree
	part.allocated++
	d.callbackIdx = callbackIdx
	d.initialize()
	if t.pool.metrics != nil {
		t.pool.metrics.DescriptorAllocs.Inc()
	}
	return &DescriptorGuard{desc: d}, nil
}

// DescriptorGuard tracks one allocated descriptor through its operation. A
// guard that is released without MwCAS having run aborts the descriptor, so
// an abandoned preparation cannot leak it.
type DescriptorGuard struct {
	desc      *Descriptor
	concluded bool
}

// AddEntry records a word to swap: *target old -> new. Entries must carry
// distinct targets. Returns the slot index, or EntryFull /
// EntryDuplicateAddress.
func (g *DescriptorGuard) AddEntry(target Offset, oldVal, newVal uint64, policy RecyclePolicy) int32 {
	return g.desc.addEntry(target, oldVal, newVal, policy)
}

// ReserveEntry records a word whose new value is not known yet; fill it in
// with SetNewValue before MwCAS. Only the policies that can free the new
// value make sense here.
func (g *DescriptorGuard) ReserveEntry(target Offset, oldVal uint64, policy RecyclePolicy) int32 {
	return g.desc.addEntry(target, oldVal, 0, policy)
}

// SetNewValue fills a reserved entry's new value, preserving its recycle bit.
func (g *DescriptorGuard) SetNewValue(slot int32, newVal uint64) {
	w := &g.desc.words[slot]
	w.newValue = newVal | (w.newValue & recycleFlag)
}

// MwCAS executes the multi-word compare-and-swap. The guard is spent
// afterwards regardless of the outcome; a false return means some target no
// longer held its expected old value and every word was restored.
func (g *DescriptorGuard) MwCAS() (bool, error) {
	if g.concluded {
		return false, ErrAlreadyConcluded
	}
	if g.desc.readStatus() != statusUndecided {
		return false, ErrNotUndecided
	}
	g.concluded = true
	return g.desc.mwcas(0), nil
}

// Abort cancels a prepared operation before any install. Legal only in the
// Undecided state.
func (g *DescriptorGuard) Abort() error {
	if g.concluded {
		return ErrAlreadyConcluded
	}
	if g.desc.readStatus() != statusUndecided {
		return ErrNotUndecided
	}
	g.concluded = true
	g.desc.abort()
	return nil
}

// Release aborts the descriptor if the operation never ran. Callers that use
// defer g.Release() get the drop-aborts behavior.
func (g *DescriptorGuard) Release() {
	if !g.concluded {
		_ = g.Abort()
	}
}
