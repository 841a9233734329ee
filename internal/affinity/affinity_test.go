package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignedCPUStride(t *testing.T) {
	m := Manager{Stride: 2, StartingCPU: 0}
	require.Equal(t, 0, m.AssignedCPU(0))
	if runtime.NumCPU() > 2 {
		require.Equal(t, 2, m.AssignedCPU(1))
	}
}

func TestAssignedCPUWraps(t *testing.T) {
	m := Manager{Stride: 1, StartingCPU: 0}
	cpus := runtime.NumCPU()
	require.Equal(t, 0, m.AssignedCPU(cpus))

	// A zero stride degrades to 1 rather than stacking every worker on the
	// starting CPU.
	m = Manager{Stride: 0, StartingCPU: 0}
	require.Equal(t, 1%cpus, m.AssignedCPU(1))
}
