// Command se-loadtest drives the self-encryption engine directly with
// concurrent write/flush/read cycles and reports latency and throughput
// statistics, with an optional baseline file for regression detection.
// Adapted from the teacher's cmd/loadtest, which drove the same workload
// shape (workers, qps, duration, object size, baseline regression
// thresholds) against an HTTP gateway process managing MinIO/Garage; this
// harness instead exercises selfencrypt.Engine and a ChunkStore in-process,
// since the self-encryption core has no network surface of its own to load
// test.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/selfencrypt/selfencrypt"
	"github.com/kenneth/selfencrypt/selfencrypt/store"
)

// result captures one worker iteration's outcome.
type result struct {
	writeLatency time.Duration
	readLatency  time.Duration
	bytes        int
	err          error
}

// baseline is the persisted regression-comparison snapshot.
type baseline struct {
	P50WriteMs float64 `json:"p50_write_ms"`
	P99WriteMs float64 `json:"p99_write_ms"`
	P50ReadMs  float64 `json:"p50_read_ms"`
	P99ReadMs  float64 `json:"p99_read_ms"`
	Throughput float64 `json:"throughput_mbps"`
}

func main() {
	var (
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Target iterations per second per worker")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		objectSize     = flag.Int64("object-size", 4*1024*1024, "Object size in bytes")
		storeBackend   = flag.String("store", "memory", "Chunk store backend: memory")
		baselinePath   = flag.String("baseline-file", "", "Path to baseline JSON file for regression checking")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Write a new baseline instead of comparing against one")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var chunkStore store.ChunkStore
	switch *storeBackend {
	case "", "memory":
		chunkStore = store.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "unsupported store backend %q for se-loadtest\n", *storeBackend)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	resultsCh := make(chan result, *workers*int(*qps)*int(duration.Seconds())+1024)
	var wg sync.WaitGroup
	var iterations int64

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ticker := time.NewTicker(time.Second / time.Duration(*qps))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					resultsCh <- runIteration(ctx, chunkStore, logger, *objectSize)
					atomic.AddInt64(&iterations, 1)
				}
			}
		}(w)
	}

	wg.Wait()
	close(resultsCh)

	var (
		writeLatencies []float64
		readLatencies  []float64
		totalBytes     int64
		errCount       int64
	)
	for r := range resultsCh {
		if r.err != nil {
			errCount++
			logger.WithError(r.err).Warn("iteration failed")
			continue
		}
		writeLatencies = append(writeLatencies, float64(r.writeLatency.Microseconds())/1000.0)
		readLatencies = append(readLatencies, float64(r.readLatency.Microseconds())/1000.0)
		totalBytes += int64(r.bytes)
	}

	sort.Float64s(writeLatencies)
	sort.Float64s(readLatencies)
	throughputMBps := float64(totalBytes) / (1024 * 1024) / duration.Seconds()

	summary := baseline{
		P50WriteMs: percentile(writeLatencies, 50),
		P99WriteMs: percentile(writeLatencies, 99),
		P50ReadMs:  percentile(readLatencies, 50),
		P99ReadMs:  percentile(readLatencies, 99),
		Throughput: throughputMBps,
	}

	fmt.Printf("iterations=%d errors=%d\n", iterations, errCount)
	fmt.Printf("write p50=%.2fms p99=%.2fms\n", summary.P50WriteMs, summary.P99WriteMs)
	fmt.Printf("read  p50=%.2fms p99=%.2fms\n", summary.P50ReadMs, summary.P99ReadMs)
	fmt.Printf("throughput=%.2f MB/s\n", summary.Throughput)

	if *baselinePath == "" {
		return
	}
	if *updateBaseline {
		if err := writeBaseline(*baselinePath, summary); err != nil {
			logger.WithError(err).Fatal("failed to write baseline")
		}
		return
	}
	if err := checkRegression(*baselinePath, summary, *threshold); err != nil {
		logger.WithError(err).Fatal("regression check failed")
	}
}

// runIteration writes objectSize random bytes through a fresh engine,
// flushes, then reads the whole object back, timing each half.
func runIteration(ctx context.Context, chunkStore store.ChunkStore, logger *logrus.Logger, objectSize int64) result {
	data := make([]byte, objectSize)
	if _, err := rand.Read(data); err != nil {
		return result{err: fmt.Errorf("generate data: %w", err)}
	}

	writeStart := time.Now()
	engine := selfencrypt.Open(nil, chunkStore, logger)
	if err := engine.Write(ctx, data, 0); err != nil {
		return result{err: fmt.Errorf("write: %w", err)}
	}
	if err := engine.Flush(ctx); err != nil {
		return result{err: fmt.Errorf("flush: %w", err)}
	}
	writeLatency := time.Since(writeStart)

	readStart := time.Now()
	readBack := make([]byte, engine.Size())
	reader := selfencrypt.Open(engine.DataMap(), chunkStore, logger)
	if err := reader.Read(ctx, readBack, 0); err != nil {
		return result{err: fmt.Errorf("read: %w", err)}
	}
	readLatency := time.Since(readStart)

	for i := range data {
		if data[i] != readBack[i] {
			return result{err: fmt.Errorf("readback mismatch at offset %d", i)}
		}
	}

	return result{writeLatency: writeLatency, readLatency: readLatency, bytes: len(data)}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func writeBaseline(path string, b baseline) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

func checkRegression(path string, current baseline, thresholdPct float64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open baseline: %w", err)
	}
	defer f.Close()

	var base baseline
	if err := json.NewDecoder(f).Decode(&base); err != nil {
		return fmt.Errorf("decode baseline: %w", err)
	}

	checks := []struct {
		name     string
		base     float64
		current  float64
		lowerIsBetter bool
	}{
		{"p50_write_ms", base.P50WriteMs, current.P50WriteMs, true},
		{"p99_write_ms", base.P99WriteMs, current.P99WriteMs, true},
		{"p50_read_ms", base.P50ReadMs, current.P50ReadMs, true},
		{"p99_read_ms", base.P99ReadMs, current.P99ReadMs, true},
		{"throughput_mbps", base.Throughput, current.Throughput, false},
	}

	for _, c := range checks {
		if c.base == 0 {
			continue
		}
		deltaPct := (c.current - c.base) / c.base * 100
		regressed := (c.lowerIsBetter && deltaPct > thresholdPct) || (!c.lowerIsBetter && -deltaPct > thresholdPct)
		if regressed {
			return fmt.Errorf("%s regressed by %.1f%% (baseline=%.2f current=%.2f)", c.name, deltaPct, c.base, c.current)
		}
	}
	return nil
}
