// Package affinity pins benchmark worker goroutines to dedicated CPUs so
// per-thread storage instances do not migrate between cores mid-run.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Manager assigns CPUs to workers with a fixed stride from a starting CPU.
type Manager struct {
	Stride      int
	StartingCPU int
}

// AssignedCPU computes the CPU for a worker, wrapping when the stride walks
// past the configured core count.
func (m Manager) AssignedCPU(workerNum int) int {
	stride := m.Stride
	if stride <= 0 {
		stride = 1
	}
	cpus := runtime.NumCPU()
	cpu := m.StartingCPU + workerNum*stride
	if cpu >= cpus {
		cpu = cpu % cpus
	}
	return cpu
}

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the worker's assigned CPU. Callers keep the goroutine locked for the
// worker's lifetime.
func (m Manager) Pin(workerNum int) (int, error) {
	cpu := m.AssignedCPU(workerNum)
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return cpu, fmt.Errorf("binding worker %d to cpu %d: %w", workerNum, cpu, err)
	}
	return cpu, nil
}
