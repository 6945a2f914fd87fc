package ingestion

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

type blockingConsumer struct {
	release chan struct{}
}

func (c *blockingConsumer) Consume(metric *metrictypes.Metric, recoverMode bool) error {
	<-c.release
	return nil
}

func sampleMetric() *metrictypes.Metric {
	return &metrictypes.Metric{
		Name: "x",
		Data: metrictypes.MetricData{Kind: metrictypes.KindGauge, Gauge: &metrictypes.GaugeData{Value: 1}},
	}
}

// TestRunDrainsQueueOnShutdown guards against the case where a job
// loses the race against ctx.Done() in Run's select: it must still be
// answered (with an error) rather than leaving its Put caller blocked
// forever on j.result.
func TestRunDrainsQueueOnShutdown(t *testing.T) {
	consumer := &blockingConsumer{release: make(chan struct{})}
	s := NewServer(consumer, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	// Occupy the single consumer goroutine so subsequent jobs pile up
	// in the queue rather than being dequeued immediately.
	occupied := job{metric: sampleMetric(), result: make(chan error, 1)}
	s.queue <- occupied

	queued := job{metric: sampleMetric(), result: make(chan error, 1)}
	s.queue <- queued

	cancel()
	close(consumer.release)

	select {
	case <-queued.result:
	case <-time.After(2 * time.Second):
		t.Fatal("queued job was never answered after shutdown — Put caller would hang")
	}

	<-runDone
	select {
	case <-s.stopped:
	default:
		t.Fatal("stopped channel should be closed once Run exits")
	}
}

// TestPutRejectsAfterShutdown confirms a Put call arriving after Run has
// already exited is rejected promptly instead of blocking.
func TestPutRejectsAfterShutdown(t *testing.T) {
	consumer := &blockingConsumer{release: make(chan struct{})}
	close(consumer.release)
	s := NewServer(consumer, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()
	<-s.stopped

	_, err := s.Put(context.Background(), &PutRequest{Metrics: []metrictypes.Metric{*sampleMetric()}})
	if err == nil {
		t.Fatal("Put after shutdown should return an error, not hang or succeed silently")
	}
}
