// Package main — cmd/metricfeed/main.go
//
// metricfeed is a synthetic metric generator that drives a running
// sentrywatch instance's ingestion surface, for local testing of alarm
// definitions without a real telemetry pipeline.
//
// Generation model: -count Gauge series (one per host) named -series,
// each sampled once per -interval from a bounded random walk seeded at
// -seed:
//
//	v_{t+1} = clamp(v_t + N(0, step), floor, ceiling)
//
// Each sample carries the attribute {"host": "metricfeed-N"} (matchers
// see its name through the synthetic "metric_name" attribute), and all
// samples of one round are batched into a single Put RPC every -interval.
//
// Usage:
//
//	metricfeed -addr 127.0.0.1:7090 -series cpu.load -count 3 -interval 5s
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/sentrywatch/sentrywatch/internal/ingestion"
	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
	"github.com/sentrywatch/sentrywatch/internal/rpcutil"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7090", "Ingestion gRPC address")
	series := flag.String("series", "cpu.load", "Metric name to generate")
	count := flag.Int("count", 3, "Number of independent series instances (hosts)")
	interval := flag.Duration("interval", 5*time.Second, "Sample interval")
	step := flag.Float64("step", 2.0, "Random-walk step standard deviation")
	floor := flag.Float64("floor", 0.0, "Lower clamp bound")
	ceiling := flag.Float64("ceiling", 100.0, "Upper clamp bound")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	iterations := flag.Int("iterations", 0, "Stop after N rounds of -count samples each (0 = run forever)")
	flag.Parse()

	if *count < 1 {
		fmt.Fprintln(os.Stderr, "ERROR: count must be >= 1")
		os.Exit(1)
	}

	conn, err := grpc.Dial(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(encoding.GetCodec(rpcutil.Name))),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(*seed))
	values := make([]float64, *count)
	for i := range values {
		values[i] = (*floor + *ceiling) / 2
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Fprintf(os.Stderr, "metricfeed: sending %q from %d host(s) every %s to %s\n",
		*series, *count, *interval, *addr)

	for n := 0; *iterations == 0 || n < *iterations; n++ {
		now := time.Now().UnixMilli()
		batch := make([]metrictypes.Metric, *count)
		for i := range values {
			values[i] = clamp(values[i]+rng.NormFloat64()*(*step), *floor, *ceiling)
			batch[i] = metrictypes.Metric{
				Name:       *series,
				Attributes: map[string]string{"host": fmt.Sprintf("metricfeed-%d", i)},
				Time:       now,
				Data: metrictypes.MetricData{
					Kind:  metrictypes.KindGauge,
					Gauge: &metrictypes.GaugeData{Time: now, Value: values[i]},
				},
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp := new(ingestion.PutResponse)
		err := conn.Invoke(ctx, "/sentrywatch.ingestion.v1.Ingestion/Put",
			&ingestion.PutRequest{Metrics: batch}, resp)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "metricfeed: put failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "metricfeed: sent %d, accepted %d\n", resp.Received, resp.Accepted)
		}

		<-ticker.C
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
