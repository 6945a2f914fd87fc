// Package main — bench/cmd/consumelatency/main.go
//
// Measures AlarmService.Consume latency end to end: WAL append included,
// notifier fan-out included, against an in-process alarm.TagBasedInstance
// with no matchers (so every sample is accepted and persisted).
//
// Output CSV columns:
//
//	iteration, latency_us
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
	"github.com/sentrywatch/sentrywatch/internal/alarmservice"
	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Consume calls to measure")
	outputFile := flag.String("output", "consume_latency_raw.csv", "Output CSV file path")
	dataDir := flag.String("data-dir", "", "WAL directory (default: a temp dir, removed on exit)")
	flag.Parse()

	dir := *dataDir
	cleanup := func() {}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "consumelatency-wal-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdtemp: %v\n", err)
			os.Exit(1)
		}
		dir = tmp
		cleanup = func() { os.RemoveAll(tmp) }
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cleanup()
		os.Exit(1)
	}()

	inst := alarm.NewTagBasedInstance("bench", alarm.TagBasedAlarmConfig{
		Agg:               alarm.AggAvg,
		Value:             1 << 30,
		ValueComp:         alarm.ThresholdLessThan,
		TimeWindowMinutes: 60,
	}, alarm.Noop{})

	svc, err := alarmservice.New(alarmservice.Config{
		StoragePath:       dir,
		MaxSizePerPageWAL: 64 * 1024 * 1024,
	}, []alarm.Instance{inst}, zap.NewNop(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alarm service open: %v\n", err)
		os.Exit(1)
	}
	defer svc.Shutdown(context.Background()) //nolint:errcheck

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	var p99Bucket [100001]int // histogram buckets: 0-100000us

	for i := 0; i < *iterations; i++ {
		now := time.Now().UnixMilli()
		m := metrictypes.Metric{
			Name: "bench.series",
			Time: now,
			Data: metrictypes.MetricData{
				Kind:  metrictypes.KindGauge,
				Gauge: &metrictypes.GaugeData{Time: now, Value: float64(i)},
			},
		}

		start := time.Now()
		if err := svc.Consume(&m, false); err != nil {
			fmt.Fprintf(os.Stderr, "consume failed at iteration %d: %v\n", i, err)
			os.Exit(1)
		}
		latency := time.Since(start)

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p99Bucket) {
			p99Bucket[latencyUs]++
		}
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(p99Bucket[:], *iterations)
	fmt.Printf("Consume Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
