package pmwcas

import (
	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/pmwcas/nvram"
)

// recoveryStats tallies what one Recover pass did.
type recoveryStats struct {
	finished     int
	rollBackDesc int
	rollBackWord int
	rollFwdDesc  int
	rollFwdWord  int
}

// Recover rolls every in-flight descriptor forward or back after a restart.
// It must run once, before any new operations start. Per descriptor:
//
//   - Finished: nothing to do.
//   - Undecided or Failed: any target still holding this descriptor's
//     CondCAS or MwCAS tag is restored to its old value. Recycle-flagged new
//     values are handed to the free callback.
//   - Succeeded: targets holding the MwCAS tag roll forward to the new
//     value; targets still holding an unpromoted CondCAS tag roll back to
//     the old value (their new value was never propagated, which is safe
//     because a Succeeded descriptor implies every word was observed
//     installed at some point). Recycle-flagged old values are freed.
//
// Finally every descriptor is reinitialised as free and the partitions are
// rebuilt. Running Recover twice back-to-back is a no-op the second time.
func (p *DescriptorPool) Recover() {
	var stats recoveryStats

	for i := uint32(0); i < p.poolSize; i++ {
		d := &p.descriptors[i]
		status := d.status.Load() &^ statusDirtyFlag

		switch status {
		case statusFinished:
			stats.finished++

		case statusUndecided, statusFailed:
			stats.rollBackDesc++
			for wi := 0; wi < DescCap; wi++ {
				w := &d.words[wi]
				if w.target == offsetNone {
					continue
				}
				addr := p.region.addr(w.target)
				val := *addr
				if isDirty(val) {
					*addr = val &^ FlagDirty
					nvram.FlushWord(addr)
					val &^= FlagDirty
				}
				rollBack := false
				if isCondCAS(val) {
					rollBack = cleanValue(val) == uint64(d.slot)<<3|uint64(wi)
				} else if isMwCAS(val) {
					rollBack = cleanValue(val) == uint64(d.slot)
				}
				if rollBack {
					// Neither the final value nor (for a CondCAS tag) the
					// descriptor itself made it to this word; restore.
					*addr = w.oldVal()
					nvram.FlushWord(addr)
					stats.rollBackWord++
				}
			}
			cb := p.freeCallback(d.callbackIdx)
			for wi := 0; wi < DescCap; wi++ {
				w := &d.words[wi]
				if w.target != offsetNone && w.shouldRecycleNew() {
					cb(&w.newValue)
				}
			}

		case statusSucceeded:
			stats.rollFwdDesc++
			for wi := 0; wi < DescCap; wi++ {
				w := &d.words[wi]
				if w.target == offsetNone {
					continue
				}
				addr := p.region.addr(w.target)
				val := *addr
				if isDirty(val) {
					*addr = val &^ FlagDirty
					nvram.FlushWord(addr)
					val &^= FlagDirty
				}
				switch {
				case isMwCAS(val) && cleanValue(val) == uint64(d.slot):
					*addr = w.newVal()
					nvram.FlushWord(addr)
					stats.rollFwdWord++
				case isCondCAS(val) && cleanValue(val) == uint64(d.slot)<<3|uint64(wi):
					*addr = w.oldVal()
					nvram.FlushWord(addr)
					stats.rollBackWord++
				}
			}
			cb := p.freeCallback(d.callbackIdx)
			for wi := 0; wi < DescCap; wi++ {
				w := &d.words[wi]
				if w.target != offsetNone && w.shouldRecycleOld() {
					cb(&w.oldValue)
				}
			}

		default:
			p.logger.Error("descriptor with invalid status during recovery",
				zap.Uint32("slot", d.slot), zap.Uint32("status", status))
			continue
		}

		// No target may still reference this descriptor.
		for wi := 0; wi < DescCap; wi++ {
			w := &d.words[wi]
			if w.target == offsetNone {
				continue
			}
			val := *p.region.addr(w.target) &^ FlagDirty
			if val == mwcasTag(d.slot) || val == condCASTag(d.slot, wi) {
				p.logger.Error("target still tagged after recovery",
					zap.Uint32("slot", d.slot), zap.Uint64("target", uint64(w.target)))
			}
		}
	}

	p.logger.Info("descriptor pool recovered",
		zap.Int("finished", stats.finished),
		zap.Int("rolled_back_descriptors", stats.rollBackDesc),
		zap.Int("rolled_back_words", stats.rollBackWord),
		zap.Int("rolled_forward_descriptors", stats.rollFwdDesc),
		zap.Int("rolled_forward_words", stats.rollFwdWord))

	p.initDescriptors()
}
