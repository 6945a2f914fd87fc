package alarmservice

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

func gaugeMetric(name string, value float64, timeMillis int64) *metrictypes.Metric {
	return &metrictypes.Metric{
		Name: name,
		Time: timeMillis,
		Data: metrictypes.MetricData{
			Kind:  metrictypes.KindGauge,
			Gauge: &metrictypes.GaugeData{Time: timeMillis, Value: value},
		},
	}
}

func newTestService(t *testing.T, alarms []alarm.Instance) *AlarmService {
	t.Helper()
	dir := t.TempDir()
	svc, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, alarms, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func passthroughAlarm(id string) *alarm.TagBasedInstance {
	return alarm.NewTagBasedInstance(id, alarm.TagBasedAlarmConfig{
		Agg:               alarm.AggAvg,
		Value:             1 << 30,
		ValueComp:         alarm.ThresholdLessThan,
		TimeWindowMinutes: 60,
	}, alarm.Noop{})
}

func TestNewRejectsDuplicateAlarmID(t *testing.T) {
	dir := t.TempDir()
	a := passthroughAlarm("dup")
	b := passthroughAlarm("dup")
	_, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, []alarm.Instance{a, b}, zap.NewNop(), nil)
	if err == nil {
		t.Fatal("expected an error constructing a service with two alarms sharing an id")
	}
	svcErr, ok := err.(*Error)
	if !ok || svcErr.Kind != KindDuplicateAlarmID {
		t.Fatalf("expected KindDuplicateAlarmID, got %v", err)
	}
}

func TestConsumeAppendsToWALOnlyWhenAccepted(t *testing.T) {
	inst := passthroughAlarm("a")
	svc := newTestService(t, []alarm.Instance{inst})

	rejected := &metrictypes.Metric{
		Name: "x",
		Data: metrictypes.MetricData{Kind: metrictypes.KindSum, Sum: &metrictypes.SumData{Value: 1}},
	}
	if err := svc.Consume(rejected, false); err != nil {
		t.Fatalf("Consume rejected metric: %v", err)
	}
	if size, err := svc.wal.CurrPageSize(); err != nil || size != 0 {
		t.Fatalf("WAL size after a rejected metric = (%d, %v), want (0, nil)", size, err)
	}

	if err := svc.Consume(gaugeMetric("x", 1, 0), false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if inst.Metrics()[0].Count() != 1 {
		t.Fatal("accepted metric should have updated the instance's bucket")
	}
	if size, err := svc.wal.CurrPageSize(); err != nil || size == 0 {
		t.Fatalf("WAL size after an accepted metric = (%d, %v), want > 0", size, err)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	svc := newTestService(t, []alarm.Instance{passthroughAlarm("a")})
	if err := svc.Add(passthroughAlarm("a")); err == nil {
		t.Fatal("Add with a duplicate id should fail")
	}
	if err := svc.Add(passthroughAlarm("b")); err != nil {
		t.Fatalf("Add with a new id should succeed, got %v", err)
	}
}

func TestDeleteRemovesFromOrder(t *testing.T) {
	svc := newTestService(t, []alarm.Instance{passthroughAlarm("a"), passthroughAlarm("b")})
	if !svc.Delete("a") {
		t.Fatal("Delete of an existing id should return true")
	}
	if svc.Delete("a") {
		t.Fatal("Delete of an already-removed id should return false")
	}
	snap := svc.Snapshot()
	if len(snap) != 1 || snap[0].ID != "b" {
		t.Fatalf("Snapshot after delete = %+v, want only %q", snap, "b")
	}
}

func TestSnapshotReportsAlarmingAndBuckets(t *testing.T) {
	inst := alarm.NewTagBasedInstance("hot", alarm.TagBasedAlarmConfig{
		Agg: alarm.AggAvg, Value: 1, ValueComp: alarm.ThresholdGreaterThan, TimeWindowMinutes: 5,
	}, alarm.Noop{})
	svc := newTestService(t, []alarm.Instance{inst})

	svc.Consume(gaugeMetric("m", 100, 0), false)
	svc.Tick(0)

	snap := svc.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
	if !snap[0].IsAlarming {
		t.Fatal("Snapshot should report the alarm as alarming")
	}
	if snap[0].Buckets != 1 {
		t.Fatalf("Snapshot buckets = %d, want 1", snap[0].Buckets)
	}
}

// TestRecoveryRebuildsBucketState is scenario S4: write 3 accepted metrics,
// reopen the service against the same storage path, and confirm the
// recovered instance has the same bucket count — modulo pruning, which
// cannot happen here since all three metrics share a bucket.
func TestRecoveryRebuildsBucketState(t *testing.T) {
	dir := t.TempDir()
	inst := passthroughAlarm("a")
	svc, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, []alarm.Instance{inst}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.Consume(gaugeMetric("x", float64(i), 0), false); err != nil {
			t.Fatalf("Consume %d: %v", i, err)
		}
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	inst2 := passthroughAlarm("a")
	svc2, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, []alarm.Instance{inst2}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer svc2.Shutdown(context.Background())

	b := inst2.Metrics()[0]
	if b.Count() != 3 {
		t.Fatalf("recovered bucket count = %d, want 3", b.Count())
	}
}

// TestRecoveryToleratesTruncatedTrailingRecord is scenario S6: a WAL whose
// last record was cut short by a crash mid-write must still recover every
// complete record that precedes it, without surfacing an error.
func TestRecoveryToleratesTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	inst := passthroughAlarm("a")
	svc, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, []alarm.Instance{inst}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Consume(gaugeMetric("x", 1, 0), false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	walPath := dir + "/log_page_0"
	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open wal page: %v", err)
	}
	if _, err := f.Write([]byte{0x20, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("append truncated record: %v", err)
	}
	f.Close()

	inst2 := passthroughAlarm("a")
	svc2, err := New(Config{StoragePath: dir, MaxSizePerPageWAL: 1 << 20}, []alarm.Instance{inst2}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("reopen with truncated tail should not fail, got %v", err)
	}
	defer svc2.Shutdown(context.Background())

	if inst2.Metrics()[0].Count() != 1 {
		t.Fatalf("expected the one complete record to have recovered, count = %d", inst2.Metrics()[0].Count())
	}
}

// TestShutdownRejectsNewConsumeCalls confirms the ingress gate: once
// Shutdown has returned, no further Consume call is allowed through.
func TestShutdownRejectsNewConsumeCalls(t *testing.T) {
	inst := passthroughAlarm("a")
	svc := newTestService(t, []alarm.Instance{inst})

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := svc.Consume(gaugeMetric("x", 1, 0), false)
	if err == nil {
		t.Fatal("Consume after Shutdown should be rejected")
	}
	svcErr, ok := err.(*Error)
	if !ok || svcErr.Kind != KindClosed {
		t.Fatalf("expected KindClosed, got %v", err)
	}
}

// TestShutdownIsIdempotent confirms a second Shutdown call is a no-op
// rather than double-closing the WAL.
func TestShutdownIsIdempotent(t *testing.T) {
	svc := newTestService(t, []alarm.Instance{passthroughAlarm("a")})
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got %v", err)
	}
}

func TestTickIsSerializedAgainstConsume(t *testing.T) {
	inst := passthroughAlarm("a")
	svc := newTestService(t, []alarm.Instance{inst})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			svc.Consume(gaugeMetric("x", float64(i), int64(i)*60_000), false)
		}
		close(done)
	}()
	for i := 0; i < 50; i++ {
		svc.Tick(time.Now().UnixMilli())
	}
	<-done
}
