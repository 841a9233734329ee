// ssdpm_bench drives the YCSB workloads against the paged B-tree and hash
// table backends, one database instance per worker thread.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sfu-dis/ssd-vs-pm/core/db"
	"github.com/sfu-dis/ssd-vs-pm/core/ycsb"
	"github.com/sfu-dis/ssd-vs-pm/internal/affinity"
	"github.com/sfu-dis/ssd-vs-pm/pkg/logger"
	"github.com/sfu-dis/ssd-vs-pm/pkg/telemetry"
)

// rampUpRate throttles each worker during the warm-up window so the page
// caches populate without skewing the measured phase.
const rampUpRate = 10000

type options struct {
	tree             string
	path             string
	threads          int
	load             bool
	run              bool
	propFile         string
	benchmarkSeconds int
	rampUp           int
	latencySample    int
	bufferPage       uint
	fallocIndex      int64
	fallocData       int64
	deviceSize       int64
	poolSize         uint
	epoch            int
	stride           int
	startingCPU      int
	directIO         bool
	metricsPort      int
	logLevel         string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.tree, "tree", "btree", "backend: btree|hashtable|btree_rdev|pibench|dash|bztree")
	flag.StringVar(&o.path, "path", "ssdpm", "index file path prefix")
	flag.IntVar(&o.threads, "threads", 1, "worker thread count")
	var loadStr, runStr string
	flag.StringVar(&loadStr, "load", "false", "run the load phase (truncates files): true|false")
	flag.StringVar(&runStr, "run", "true", "run the transaction phase: true|false")
	flag.StringVar(&o.propFile, "p", "", "workload property file")
	flag.IntVar(&o.benchmarkSeconds, "benchmarkseconds", 0, "transaction phase duration (0: run operationcount ops)")
	flag.IntVar(&o.rampUp, "ramp_up", 0, "warm-up seconds before -benchmarkseconds whose operations are not counted (elapsed time still includes them)")
	flag.IntVar(&o.latencySample, "latency_sample", 0, "sample every Nth operation's latency (0: off)")
	flag.UintVar(&o.bufferPage, "buffer_page", 1000, "buffer pool pages per worker")
	flag.Int64Var(&o.fallocIndex, "falloc_index", 0, "preallocate bytes for the index file")
	flag.Int64Var(&o.fallocData, "falloc_data", 0, "preallocate bytes for the data file")
	flag.Int64Var(&o.deviceSize, "device_size", 0, "raw device size in bytes (btree_rdev)")
	flag.UintVar(&o.poolSize, "poolsize", 0, "descriptor pool size (persistent backends)")
	flag.IntVar(&o.epoch, "epoch", 0, "epoch table size (persistent backends)")
	flag.IntVar(&o.stride, "stride", 1, "CPU stride between workers")
	flag.IntVar(&o.startingCPU, "starting_cpu", 0, "first CPU to pin workers to")
	flag.BoolVar(&o.directIO, "direct_io", true, "open index files with O_DIRECT")
	flag.IntVar(&o.metricsPort, "metrics_port", 0, "Prometheus /metrics port (0: off)")
	flag.StringVar(&o.logLevel, "log_level", "info", "log level")
	flag.Parse()

	var err error
	if o.load, err = strconv.ParseBool(loadStr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -load value %q\n", loadStr)
		os.Exit(1)
	}
	if o.run, err = strconv.ParseBool(runStr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -run value %q\n", runStr)
		os.Exit(1)
	}
	return o
}

type workerStats struct {
	ops      atomic.Uint64
	failures atomic.Uint64
	samples  []time.Duration
}

func main() {
	o := parseFlags()

	log, err := logger.New(logger.Config{Level: o.logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch o.tree {
	case "btree", "hashtable":
	case "btree_rdev", "pibench", "dash", "bztree":
		log.Error("backend is not wired into this build", zap.String("tree", o.tree))
		os.Exit(1)
	default:
		log.Error("unknown backend", zap.String("tree", o.tree))
		os.Exit(1)
	}
	if o.threads <= 0 {
		log.Error("thread count must be positive", zap.Int("threads", o.threads))
		os.Exit(1)
	}

	props := ycsb.Properties{}
	if o.propFile != "" {
		props, err = ycsb.LoadProperties(o.propFile)
		if err != nil {
			log.Error("cannot load workload properties", zap.Error(err))
			os.Exit(1)
		}
	}
	props[ycsb.PropThreadCount] = strconv.Itoa(o.threads)

	if o.metricsPort > 0 {
		_, shutdown, err := telemetry.New(telemetry.Config{
			Enabled:        true,
			ServiceName:    "ssdpm_bench",
			PrometheusPort: o.metricsPort,
		})
		if err != nil {
			log.Fatal("telemetry init failed", zap.Error(err))
		}
		defer shutdown(context.Background())
	}

	runID := uuid.NewString()
	log.Info("benchmark starting",
		zap.String("run_id", runID),
		zap.String("tree", o.tree),
		zap.Int("threads", o.threads),
		zap.Bool("load", o.load),
		zap.Bool("run", o.run))

	aff := affinity.Manager{Stride: o.stride, StartingCPU: o.startingCPU}
	stats := make([]workerStats, o.threads)
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < o.threads; i++ {
		worker := i
		g.Go(func() error {
			return runWorker(o, props, aff, worker, &stats[worker], log)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("benchmark failed", zap.Error(err))
	}
	elapsed := time.Since(start)

	var totalOps, totalFailures uint64
	var samples []time.Duration
	for i := range stats {
		totalOps += stats[i].ops.Load()
		totalFailures += stats[i].failures.Load()
		samples = append(samples, stats[i].samples...)
	}
	summary := []zap.Field{
		zap.String("run_id", runID),
		zap.Uint64("operations", totalOps),
		zap.Uint64("failures", totalFailures),
		zap.Duration("elapsed", elapsed),
		zap.Float64("ops_per_sec", float64(totalOps)/elapsed.Seconds()),
	}
	if len(samples) > 0 {
		sort.Slice(samples, func(a, b int) bool { return samples[a] < samples[b] })
		pct := func(p float64) time.Duration {
			idx := int(p * float64(len(samples)-1))
			return samples[idx]
		}
		summary = append(summary,
			zap.Duration("latency_p50", pct(0.50)),
			zap.Duration("latency_p95", pct(0.95)),
			zap.Duration("latency_p99", pct(0.99)))
	}
	log.Info("benchmark finished", summary...)
}

func runWorker(o options, props ycsb.Properties, aff affinity.Manager, worker int, stats *workerStats, log *zap.Logger) error {
	cpu, err := aff.Pin(worker)
	if err != nil {
		log.Warn("could not pin worker", zap.Int("worker", worker), zap.Error(err))
	} else {
		log.Debug("worker pinned", zap.Int("worker", worker), zap.Int("cpu", cpu))
	}

	workload, err := ycsb.NewCoreWorkload(props, worker, int64(worker)+1)
	if err != nil {
		return fmt.Errorf("worker %d workload: %w", worker, err)
	}

	database, err := db.Create(db.Config{
		Backend:     o.tree,
		Path:        fmt.Sprintf("%s-%d", o.path, worker),
		FileID:      1,
		Load:        o.load,
		BufferPages: uint32(o.bufferPage),
		FallocBytes: o.fallocIndex,
		DirectIO:    o.directIO,
	}, log)
	if err != nil {
		return fmt.Errorf("worker %d backend: %w", worker, err)
	}
	defer database.Close()

	if o.load {
		for i := uint64(0); i < workload.RecordCount; i++ {
			key := workload.NextSequenceKey()
			if err := database.Insert(key, key); err != nil {
				return fmt.Errorf("worker %d load key %d: %w", worker, key, err)
			}
		}
		log.Info("load phase done", zap.Int("worker", worker),
			zap.Uint64("records", workload.RecordCount))
	}

	if !o.run {
		return nil
	}

	opCount, err := props.GetInt(ycsb.PropOperationCount, 0)
	if err != nil {
		return err
	}
	opsPerWorker := uint64(opCount) / uint64(o.threads)

	var deadline, rampEnd time.Time
	now := time.Now()
	if o.benchmarkSeconds > 0 {
		rampEnd = now.Add(time.Duration(o.rampUp) * time.Second)
		deadline = rampEnd.Add(time.Duration(o.benchmarkSeconds) * time.Second)
	}
	limiter := rate.NewLimiter(rampUpRate, rampUpRate)

	executed := uint64(0)
	for {
		if o.benchmarkSeconds > 0 {
			if time.Now().After(deadline) {
				break
			}
		} else if executed >= opsPerWorker {
			break
		}

		inRampUp := o.benchmarkSeconds > 0 && time.Now().Before(rampEnd)
		if inRampUp {
			if err := limiter.Wait(context.Background()); err != nil {
				return err
			}
		}

		opStart := time.Time{}
		sampling := !inRampUp && o.latencySample > 0 && executed%uint64(o.latencySample) == 0
		if sampling {
			opStart = time.Now()
		}

		if err := runOperation(database, workload); err != nil {
			stats.failures.Add(1)
		}
		executed++
		if !inRampUp {
			stats.ops.Add(1)
			if sampling {
				stats.samples = append(stats.samples, time.Since(opStart))
			}
		}
	}
	return nil
}

func runOperation(database db.DB, workload *ycsb.CoreWorkload) error {
	switch workload.NextOperation() {
	case ycsb.OpRead:
		_, err := database.Read(workload.NextTransactionKey())
		return err
	case ycsb.OpUpdate:
		key := workload.NextTransactionKey()
		return database.Update(key, key)
	case ycsb.OpInsert:
		key := workload.NextInsertKey()
		return database.Insert(key, key)
	case ycsb.OpScan:
		_, err := database.Scan(workload.NextTransactionKey(), workload.NextScanLength())
		return err
	case ycsb.OpReadModifyWrite:
		key := workload.NextTransactionKey()
		if _, err := database.Read(key); err != nil {
			return err
		}
		return database.Update(key, key)
	}
	return nil
}
