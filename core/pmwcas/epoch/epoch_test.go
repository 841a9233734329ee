package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectUnprotect(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)

	s, err := m.RegisterSlot()
	require.NoError(t, err)
	require.False(t, s.IsProtected())

	s.Protect()
	require.True(t, s.IsProtected())
	s.Unprotect()
	require.False(t, s.IsProtected())
}

func TestSlotCountMustBePowerOfTwo(t *testing.T) {
	_, err := NewManager(3)
	require.Error(t, err)
}

func TestSlotsExhausted(t *testing.T) {
	m, err := NewManager(2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := m.RegisterSlot()
		require.NoError(t, err)
	}
	_, err = m.RegisterSlot()
	require.ErrorIs(t, err, ErrSlotsExhausted)
}

// A protected thread blocks reclamation of anything removed at or after its
// entry epoch; once it unprotects, the horizon advances.
func TestSafeToReclaimHorizon(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)
	s, err := m.RegisterSlot()
	require.NoError(t, err)

	s.Protect()
	removalEpoch := m.CurrentEpoch()
	m.BumpCurrentEpoch()
	require.False(t, m.IsSafeToReclaim(removalEpoch),
		"item removed under an active protection must not be reclaimable")

	s.Unprotect()
	m.BumpCurrentEpoch()
	require.True(t, m.IsSafeToReclaim(removalEpoch))
}

func TestGarbagePushAndScavenge(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)
	g, err := NewGarbageList(m, 16)
	require.NoError(t, err)

	var destroyed []int
	destroy := func(ctx, item any) { destroyed = append(destroyed, item.(int)) }

	for i := 0; i < 4; i++ {
		require.NoError(t, g.Push(i, destroy, nil))
	}
	require.Empty(t, destroyed, "nothing reclaimable before the epoch advances")

	m.BumpCurrentEpoch()
	m.BumpCurrentEpoch()
	n := g.Scavenge()
	require.Equal(t, 4, n)
	require.ElementsMatch(t, []int{0, 1, 2, 3}, destroyed)

	require.Zero(t, g.Scavenge(), "second sweep finds nothing")
}

func TestGarbageRingOverwriteReclaims(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)
	g, err := NewGarbageList(m, 4)
	require.NoError(t, err)

	var destroyed []int
	destroy := func(ctx, item any) { destroyed = append(destroyed, item.(int)) }

	// Wrapping the tiny ring forces Push to reclaim prior occupants; the
	// quarter-capacity epoch bumps keep them eligible.
	for i := 0; i < 12; i++ {
		require.NoError(t, g.Push(i, destroy, nil))
	}
	require.NotEmpty(t, destroyed)
	for _, v := range destroyed {
		require.Less(t, v, 8, "the last ring-full is still pending")
	}
}

func TestGarbageCapacityMustBePowerOfTwo(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)
	_, err = NewGarbageList(m, 6)
	require.Error(t, err)
}

func TestUninitializeReclaimsEverything(t *testing.T) {
	m, err := NewManager(8)
	require.NoError(t, err)
	g, err := NewGarbageList(m, 8)
	require.NoError(t, err)

	var destroyed []int
	destroy := func(ctx, item any) { destroyed = append(destroyed, item.(int)) }
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Push(i, destroy, nil))
	}
	g.Uninitialize()
	require.ElementsMatch(t, []int{0, 1, 2, 3, 4}, destroyed)
}
