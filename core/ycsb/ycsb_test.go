package ycsb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterGenerator(t *testing.T) {
	g := NewCounterGenerator(10)
	require.Equal(t, uint64(11), g.Next())
	require.Equal(t, uint64(12), g.Next())
	require.Equal(t, uint64(11), func() uint64 { g2 := NewCounterGenerator(10); return g2.Next() }())
	require.Equal(t, uint64(12), g.Last())
}

func TestUniformGeneratorStaysInRange(t *testing.T) {
	g := NewUniformGenerator(100, 199, 1)
	for i := 0; i < 10000; i++ {
		v := g.Next()
		require.GreaterOrEqual(t, v, uint64(100))
		require.LessOrEqual(t, v, uint64(199))
	}
}

func TestZipfianGeneratorSkew(t *testing.T) {
	g := NewZipfianGenerator(0, 999, ZipfianConstant, 1)
	counts := make(map[uint64]int)
	const draws = 100000
	for i := 0; i < draws; i++ {
		v := g.Next()
		require.LessOrEqual(t, v, uint64(999))
		counts[v]++
	}
	// The head of the distribution dominates.
	require.Greater(t, counts[0], draws/20, "item 0 should be hot")
	require.Greater(t, counts[0], counts[500]*10)
}

func TestScrambledZipfianCoversRange(t *testing.T) {
	g := NewScrambledZipfianGenerator(1000, 1999, ZipfianConstant, 1)
	seen := make(map[uint64]bool)
	for i := 0; i < 50000; i++ {
		v := g.Next()
		require.GreaterOrEqual(t, v, uint64(1000))
		require.LessOrEqual(t, v, uint64(1999))
		seen[v] = true
	}
	require.Greater(t, len(seen), 500, "scrambling should spread the head across the space")
}

func TestDiscreteGeneratorProportions(t *testing.T) {
	g := NewDiscreteGenerator(1)
	g.AddValue(OpRead, 0.8)
	g.AddValue(OpUpdate, 0.2)

	counts := map[Operation]int{}
	const draws = 100000
	for i := 0; i < draws; i++ {
		counts[g.Next()]++
	}
	require.InDelta(t, 0.8, float64(counts[OpRead])/draws, 0.02)
	require.InDelta(t, 0.2, float64(counts[OpUpdate])/draws, 0.02)
}

func TestFNVHash64(t *testing.T) {
	require.NotEqual(t, FNVHash64(1), FNVHash64(2))
	require.Equal(t, FNVHash64(12345), FNVHash64(12345))
}

func TestLoadProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workloada.spec")
	content := "# workload A\nrecordcount=1000\noperationcount = 5000\nreadproportion=0.5\n\nrequestdistribution=zipfian\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	props, err := LoadProperties(path)
	require.NoError(t, err)

	rc, err := props.GetInt(PropRecordCount, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rc)

	oc, err := props.GetInt(PropOperationCount, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), oc)

	rp, err := props.GetFloat(PropReadProportion, 0)
	require.NoError(t, err)
	require.Equal(t, 0.5, rp)

	require.Equal(t, "zipfian", props.Get(PropRequestDist, "uniform"))
	require.Equal(t, "fallback", props.Get("missing", "fallback"))
}

func TestCoreWorkloadPartitionsKeySpace(t *testing.T) {
	props := Properties{
		PropRecordCount: "1000",
		PropThreadCount: "4",
		PropInsertOrder: "ordered",
	}
	w0, err := NewCoreWorkload(props, 0, 1)
	require.NoError(t, err)
	w1, err := NewCoreWorkload(props, 1, 2)
	require.NoError(t, err)

	require.Equal(t, uint64(250), w0.RecordCount)
	require.Equal(t, uint64(0), w0.InsertStart)
	require.Equal(t, uint64(250), w1.InsertStart)

	for i := 0; i < 250; i++ {
		k := w0.NextSequenceKey()
		require.LessOrEqual(t, k, uint64(250))
	}
	k := w1.NextSequenceKey()
	require.Greater(t, k, uint64(250))
}

func TestCoreWorkloadTransactionKeysStayLoaded(t *testing.T) {
	props := Properties{
		PropRecordCount:    "100",
		PropInsertOrder:    "ordered",
		PropRequestDist:    "uniform",
		PropOperationCount: "1000",
	}
	w, err := NewCoreWorkload(props, 0, 3)
	require.NoError(t, err)
	for i := uint64(0); i < w.RecordCount; i++ {
		w.NextSequenceKey()
	}
	for i := 0; i < 1000; i++ {
		k := w.NextTransactionKey()
		require.LessOrEqual(t, k, uint64(100))
	}
}

func TestCoreWorkloadRejectsUnknownDistribution(t *testing.T) {
	props := Properties{
		PropRecordCount: "100",
		PropRequestDist: "pareto",
	}
	_, err := NewCoreWorkload(props, 0, 1)
	require.Error(t, err)
}
