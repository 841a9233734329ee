package ycsb

import (
	"fmt"
)

// Operation is one transaction kind in the workload mix.
type Operation int

const (
	OpInsert Operation = iota
	OpRead
	OpUpdate
	OpScan
	OpReadModifyWrite
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpRead:
		return "READ"
	case OpUpdate:
		return "UPDATE"
	case OpScan:
		return "SCAN"
	case OpReadModifyWrite:
		return "READMODIFYWRITE"
	}
	return "UNKNOWN"
}

// Property keys understood by the core workload, matching the classic YCSB
// names.
const (
	PropReadProportion   = "readproportion"
	PropUpdateProportion = "updateproportion"
	PropInsertProportion = "insertproportion"
	PropScanProportion   = "scanproportion"
	PropRMWProportion    = "readmodifywriteproportion"
	PropRequestDist      = "requestdistribution"
	PropZipfianSkew      = "zipfianskewfactor"
	PropMaxScanLength    = "maxscanlength"
	PropScanLengthDist   = "scanlengthdistribution"
	PropInsertOrder      = "insertorder"
	PropInsertStart      = "insertstart"
	PropRecordCount      = "recordcount"
	PropOperationCount   = "operationcount"
	PropThreadCount      = "threadcount"
	PropBenchmarkSeconds = "benchmarkseconds"
	PropRampUp           = "ramp_up"
)

// CoreWorkload generates the per-thread key and operation streams. Each
// worker thread owns a CoreWorkload over its own disjoint key partition, so
// instances need no synchronisation.
type CoreWorkload struct {
	ThreadID    int
	RecordCount uint64
	InsertStart uint64

	orderedInserts bool

	sequenceKeys      *CounterGenerator
	insertKeySequence *CounterGenerator
	opChooser         *DiscreteGenerator
	keyChooser        Generator
	scanLenChooser    Generator
}

// NewCoreWorkload builds a workload from properties for one worker thread.
// Record and operation counts are split evenly across threads, with each
// thread's keys offset into its own range.
func NewCoreWorkload(props Properties, threadID int, seed int64) (*CoreWorkload, error) {
	threads, err := props.GetInt(PropThreadCount, 1)
	if err != nil {
		return nil, err
	}
	totalRecords, err := props.GetInt(PropRecordCount, 0)
	if err != nil {
		return nil, err
	}
	if totalRecords <= 0 {
		return nil, fmt.Errorf("property %s must be positive", PropRecordCount)
	}
	recordCount := uint64(totalRecords) / uint64(threads)

	insertStartBase, err := props.GetInt(PropInsertStart, 0)
	if err != nil {
		return nil, err
	}
	insertStart := uint64(insertStartBase) + recordCount*uint64(threadID)

	w := &CoreWorkload{
		ThreadID:       threadID,
		RecordCount:    recordCount,
		InsertStart:    insertStart,
		orderedInserts: props.Get(PropInsertOrder, "hashed") == "ordered",
		sequenceKeys:   NewCounterGenerator(insertStart),
		opChooser:      NewDiscreteGenerator(seed),
	}

	read, err := props.GetFloat(PropReadProportion, 0.95)
	if err != nil {
		return nil, err
	}
	update, err := props.GetFloat(PropUpdateProportion, 0.05)
	if err != nil {
		return nil, err
	}
	insert, err := props.GetFloat(PropInsertProportion, 0.0)
	if err != nil {
		return nil, err
	}
	scan, err := props.GetFloat(PropScanProportion, 0.0)
	if err != nil {
		return nil, err
	}
	rmw, err := props.GetFloat(PropRMWProportion, 0.0)
	if err != nil {
		return nil, err
	}
	if read > 0 {
		w.opChooser.AddValue(OpRead, read)
	}
	if update > 0 {
		w.opChooser.AddValue(OpUpdate, update)
	}
	if insert > 0 {
		w.opChooser.AddValue(OpInsert, insert)
	}
	if scan > 0 {
		w.opChooser.AddValue(OpScan, scan)
	}
	if rmw > 0 {
		w.opChooser.AddValue(OpReadModifyWrite, rmw)
	}

	w.insertKeySequence = NewCounterGenerator(insertStart + recordCount)

	skew, err := props.GetFloat(PropZipfianSkew, ZipfianConstant)
	if err != nil {
		return nil, err
	}
	switch dist := props.Get(PropRequestDist, "uniform"); dist {
	case "uniform":
		w.keyChooser = NewUniformGenerator(insertStart, insertStart+recordCount-1, seed+1)
	case "zipfian":
		// Build the generator over a key space larger than what exists at
		// the start of the run so popular keys stay stable as inserts land.
		opCount, err := props.GetInt(PropOperationCount, 0)
		if err != nil {
			return nil, err
		}
		newKeys := uint64(float64(opCount/threads) * insert * 2)
		w.keyChooser = NewScrambledZipfianGenerator(insertStart, insertStart+recordCount+newKeys, skew, seed+1)
	case "latest":
		w.keyChooser = NewSkewedLatestGenerator(w.insertKeySequence, seed+1)
	default:
		return nil, fmt.Errorf("unknown request distribution %q", dist)
	}

	maxScanLen, err := props.GetInt(PropMaxScanLength, 1000)
	if err != nil {
		return nil, err
	}
	switch dist := props.Get(PropScanLengthDist, "uniform"); dist {
	case "uniform":
		w.scanLenChooser = NewUniformGenerator(1, uint64(maxScanLen), seed+2)
	case "zipfian":
		w.scanLenChooser = NewZipfianGenerator(1, uint64(maxScanLen), ZipfianConstant, seed+2)
	default:
		return nil, fmt.Errorf("scan length distribution %q not allowed", dist)
	}

	return w, nil
}

// buildKeyName optionally scatters sequential key numbers across the space.
func (w *CoreWorkload) buildKeyName(keyNum uint64) uint64 {
	if !w.orderedInserts {
		return FNVHash64(keyNum)
	}
	return keyNum
}

// NextSequenceKey produces the next load-phase key.
func (w *CoreWorkload) NextSequenceKey() uint64 {
	return w.buildKeyName(w.sequenceKeys.Next())
}

// NextTransactionKey produces a run-phase key, skipping draws beyond the
// highest key inserted so far.
func (w *CoreWorkload) NextTransactionKey() uint64 {
	var keyNum uint64
	for {
		keyNum = w.keyChooser.Next()
		if keyNum <= w.insertKeySequence.Last() {
			break
		}
	}
	return w.buildKeyName(keyNum)
}

// NextInsertKey produces a run-phase insert key past the loaded range.
func (w *CoreWorkload) NextInsertKey() uint64 {
	return w.buildKeyName(w.insertKeySequence.Next())
}

// NextOperation draws from the configured mix.
func (w *CoreWorkload) NextOperation() Operation {
	return w.opChooser.Next()
}

// NextScanLength draws a scan length.
func (w *CoreWorkload) NextScanLength() int {
	return int(w.scanLenChooser.Next())
}
