package epoch

import (
	"fmt"
	"sync/atomic"
)

// DestroyCallback releases one reclaimed item. It must free every resource
// the item holds.
type DestroyCallback func(context any, item any)

// invalidEpoch marks a ring slot that is being modified.
const invalidEpoch Epoch = ^Epoch(0)

// item holds a removed object until its removal epoch clears the reclamation
// horizon.
type item struct {
	removalEpoch Epoch
	destroy      DestroyCallback
	context      any
	removed      any
}

// GarbageList is a power-of-two ring of removed items owned by a single
// partition. Only the owning worker pushes; the cursor is still an atomic
// fetch-add so a push racing a helping thread's scavenge stays sound.
type GarbageList struct {
	manager *Manager
	tail    atomic.Int64
	items   []item
}

// NewGarbageList creates a ring of capacity items (a power of two) bound to
// the manager.
func NewGarbageList(manager *Manager, capacity int) (*GarbageList, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("garbage list capacity %d is not a power of two", capacity)
	}
	return &GarbageList{manager: manager, items: make([]item, capacity)}, nil
}

// Manager returns the epoch manager this list reclaims against.
func (g *GarbageList) Manager() *Manager { return g.manager }

// Push stamps the removed object with the current epoch and stores it in the
// ring. Every quarter turn of the ring the global epoch is bumped so old
// items age out. If the chosen slot still holds a prior item, that item must
// be safe to reclaim; its destroy callback runs before the slot is reused.
func (g *GarbageList) Push(removed any, destroy DestroyCallback, context any) error {
	removalEpoch := g.manager.CurrentEpoch()
	mask := int64(len(g.items) - 1)

	for {
		slot := (g.tail.Add(1) - 1) & mask

		if (slot<<2)&mask == 0 {
			g.manager.BumpCurrentEpoch()
		}

		it := &g.items[slot]
		prior := it.removalEpoch
		if prior == invalidEpoch {
			// Another push is mid-flight on this slot; take the next one.
			continue
		}
		it.removalEpoch = invalidEpoch

		if prior != 0 {
			if !g.manager.IsSafeToReclaim(prior) {
				it.removalEpoch = prior
				continue
			}
			it.destroy(it.context, it.removed)
		}

		it.destroy = destroy
		it.context = context
		it.removed = removed
		it.removalEpoch = removalEpoch
		return nil
	}
}

// Scavenge sweeps the ring reclaiming every item whose epoch has cleared the
// horizon, returning the number reclaimed.
func (g *GarbageList) Scavenge() int {
	scavenged := 0
	for slot := range g.items {
		it := &g.items[slot]
		prior := it.removalEpoch
		if prior == 0 || prior == invalidEpoch {
			continue
		}
		it.removalEpoch = invalidEpoch
		if !g.manager.IsSafeToReclaim(prior) {
			it.removalEpoch = prior
			continue
		}
		it.destroy(it.context, it.removed)
		it.destroy = nil
		it.context = nil
		it.removed = nil
		it.removalEpoch = 0
		scavenged++
	}
	return scavenged
}

// Uninitialize reclaims every remaining item unconditionally, ignoring the
// epoch protocol. The caller must have stopped all threads first.
func (g *GarbageList) Uninitialize() {
	for slot := range g.items {
		it := &g.items[slot]
		if it.removed != nil {
			it.destroy(it.context, it.removed)
			*it = item{}
		}
	}
}
