// Package alarmservice owns the registry of alarm instances and the WAL:
// it fans metrics out to every instance, persists anything at least one
// instance consumed, drives periodic evaluation, and rebuilds in-memory
// state from the WAL on startup.
package alarmservice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentrywatch/sentrywatch/internal/admin"
	"github.com/sentrywatch/sentrywatch/internal/alarm"
	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
	"github.com/sentrywatch/sentrywatch/internal/observability"
	"github.com/sentrywatch/sentrywatch/internal/wal"
)

// Kind distinguishes the failure modes AlarmService surfaces.
type Kind int

const (
	KindWAL Kind = iota
	KindSerialize
	KindInvalidEntryInLog
	KindDuplicateAlarmID
	KindClosed
)

// Error wraps an AlarmService failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func walErr(err error) error           { return &Error{Kind: KindWAL, Err: err} }
func serializeErr(err error) error     { return &Error{Kind: KindSerialize, Err: err} }
func invalidEntryErr(err error) error  { return &Error{Kind: KindInvalidEntryInLog, Err: err} }
func duplicateIDErr(id string) error {
	return &Error{Kind: KindDuplicateAlarmID, Err: fmt.Errorf("alarmservice: duplicate alarm id %q", id)}
}
func closedErr() error {
	return &Error{Kind: KindClosed, Err: fmt.Errorf("alarmservice: service is shutting down")}
}

// lengthPrefixSize is the width of the record-length prefix written
// ahead of every serialized metric: 8 bytes, platform byte order. This
// matches the reference wire format; a production deployment that needs
// cross-architecture portability should fix this to little-endian (see
// SPEC_FULL.md §9).
const lengthPrefixSize = 8

// Config configures an AlarmService's WAL.
type Config struct {
	StoragePath       string
	MaxSizePerPageWAL int64
}

// AlarmService is the registry of alarm instances plus the WAL that
// backs them. It is the single mutator of bucket state and the log:
// callers must funnel metrics through Consume one at a time (see
// SPEC_FULL.md §5 for the concurrency model).
type AlarmService struct {
	wal     *wal.WAL
	log     *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	order  []string
	alarms map[string]alarm.Instance

	// shutdownMu guards closed and the wg.Add/Shutdown race: a Consume
	// call must never register itself with wg after Shutdown has already
	// started draining it.
	shutdownMu sync.Mutex
	closed     bool
	wg         sync.WaitGroup
}

// New opens the WAL at config.StoragePath and replays it to rebuild
// in-memory alarm state before returning. alarms must not contain two
// entries with the same Identifier(). metrics may be nil, in which case
// no Prometheus instrumentation is recorded.
func New(config Config, alarms []alarm.Instance, log *zap.Logger, metrics *observability.Metrics) (*AlarmService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := wal.New(wal.Config{Dir: config.StoragePath, MaxSizePerPage: config.MaxSizePerPageWAL})
	if err != nil {
		return nil, walErr(err)
	}

	s := &AlarmService{
		wal:     w,
		log:     log,
		metrics: metrics,
		alarms:  make(map[string]alarm.Instance, len(alarms)),
	}
	for _, a := range alarms {
		if err := s.add(a); err != nil {
			w.Close()
			return nil, err
		}
	}

	log.Info("replaying WAL", zap.String("storage_path", config.StoragePath))
	start := time.Now()
	if err := s.recover(); err != nil {
		w.Close()
		return nil, err
	}
	if metrics != nil {
		metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
		metrics.WALPages.Set(float64(w.LastPage()))
	}
	log.Info("WAL replay complete", zap.Int("alarms_registered", len(s.alarms)), zap.Duration("took", time.Since(start)))
	return s, nil
}

// Add registers a new alarm instance. Returns a KindDuplicateAlarmID
// Error if an instance with the same id is already registered —
// registration never silently overwrites.
func (s *AlarmService) Add(a alarm.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(a)
}

func (s *AlarmService) add(a alarm.Instance) error {
	id := a.Identifier()
	if _, exists := s.alarms[id]; exists {
		return duplicateIDErr(id)
	}
	s.alarms[id] = a
	s.order = append(s.order, id)
	return nil
}

// Delete removes the alarm instance with the given id. Returns whether
// an instance was actually removed.
func (s *AlarmService) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alarms[id]; !exists {
		return false
	}
	delete(s.alarms, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// beginOp registers an in-flight operation against the shutdown
// WaitGroup, refusing to do so once Shutdown has started draining it.
// This is the single ingress goroutine's gate: once closed is true, no
// new Consume call can join the drain that is already in progress.
func (s *AlarmService) beginOp() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.closed {
		return closedErr()
	}
	s.wg.Add(1)
	return nil
}

func (s *AlarmService) endOp() {
	s.wg.Done()
}

// Consume offers metric to every registered alarm instance, in
// registration order. If at least one instance accepted it and
// recoverMode is false, the metric is serialized and appended to the
// WAL before Consume returns. Rejected once Shutdown has begun draining
// in-flight calls.
func (s *AlarmService) Consume(metric *metrictypes.Metric, recoverMode bool) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	anyConsumed := false
	for _, id := range s.order {
		if s.alarms[id].Consume(metric) {
			anyConsumed = true
		}
	}

	if s.metrics != nil && !recoverMode {
		s.metrics.MetricsConsumedTotal.WithLabelValues(strconvBool(anyConsumed)).Inc()
		defer func() { s.metrics.ConsumeLatency.Observe(time.Since(start).Seconds()) }()
	}

	if !anyConsumed || recoverMode {
		return nil
	}

	payload, err := json.Marshal(metric)
	if err != nil {
		return serializeErr(fmt.Errorf("marshal metric: %w", err))
	}

	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.NativeEndian.PutUint64(frame[:lengthPrefixSize], uint64(len(payload)))
	copy(frame[lengthPrefixSize:], payload)

	if _, _, err := s.wal.Write(frame); err != nil {
		return walErr(err)
	}
	if s.metrics != nil {
		s.metrics.WALBytesWrittenTotal.Add(float64(len(frame)))
		s.metrics.WALPages.Set(float64(s.wal.LastPage()))
	}
	return nil
}

func strconvBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Tick evaluates every registered alarm instance. Never fails: a
// notifier error would be logged and discarded, but the built-in
// notifiers in package alarm cannot themselves fail.
func (s *AlarmService) Tick(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.alarms[id].Tick(now)
	}
}

// recover replays the WAL from the start, re-invoking Consume in
// recover mode to rebuild bucket state without re-appending to the log.
func (s *AlarmService) recover() error {
	empty, err := s.wal.IsEmpty()
	if err != nil {
		return walErr(err)
	}
	if empty {
		return nil
	}

	lastPage := s.wal.LastPage()
	page, offset := 0, int64(0)
	lenBuf := make([]byte, lengthPrefixSize)

	for page < lastPage {
		n, err := s.wal.Read(page, offset, lenBuf)
		if err != nil {
			return walErr(err)
		}
		if n == 0 {
			page++
			offset = 0
			continue
		}
		if n < lengthPrefixSize {
			// Truncated tail: tolerate and stop cleanly (S6).
			return nil
		}

		size := binary.NativeEndian.Uint64(lenBuf)
		payload := make([]byte, size)
		read, err := s.wal.Read(page, offset+lengthPrefixSize, payload)
		if err != nil {
			return walErr(err)
		}
		if uint64(read) < size {
			// Short payload read past the intended record: either a
			// truncated tail (tolerate) or real corruption. We can only
			// distinguish by whether we are at the very end of data;
			// treat it as a truncated tail per the tolerate-and-continue
			// policy (S6 / open question in SPEC_FULL.md §9).
			return nil
		}

		var metric metrictypes.Metric
		if err := json.Unmarshal(payload, &metric); err != nil {
			return invalidEntryErr(fmt.Errorf("recover: decode metric at page %d offset %d: %w", page, offset, err))
		}

		if err := s.Consume(&metric, true); err != nil {
			return err
		}

		offset += lengthPrefixSize + int64(size)
	}
	return nil
}

// Snapshot implements admin.StatusProvider: a point-in-time view of every
// registered alarm's alarming state and bucket count, in registration
// order. Best-effort only (alarm.Instance does not expose IsAlarming, so
// tag-based and combination instances are introspected separately).
func (s *AlarmService) Snapshot() []admin.AlarmSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]admin.AlarmSnapshot, 0, len(s.order))
	totalBuckets := 0
	for _, id := range s.order {
		inst := s.alarms[id]
		bucketCount := len(inst.Metrics())
		totalBuckets += bucketCount
		snap := admin.AlarmSnapshot{ID: id, Buckets: bucketCount}
		switch v := inst.(type) {
		case *alarm.TagBasedInstance:
			snap.IsAlarming = v.IsAlarming()
		case *alarm.CombinationInstance:
			snap.IsAlarming = v.IsAlarming()
		}
		out = append(out, snap)
	}
	if s.metrics != nil {
		s.metrics.BucketsTracked.Set(float64(totalBuckets))
	}
	return out
}

// Shutdown closes the ingress gate (any Consume call still arriving
// after this point is rejected with a KindClosed Error), waits for
// whichever Consume call the single ingress goroutine already has
// in flight to finish, then closes the WAL. If ctx is cancelled before
// the drain completes, Shutdown gives up waiting and folds the
// deadline error into its return value via multierr rather than
// blocking forever; the WAL is still closed either way. Safe to call
// more than once — later calls are a no-op.
func (s *AlarmService) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.closed {
		s.shutdownMu.Unlock()
		return nil
	}
	s.closed = true
	s.shutdownMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("shutdown: in-flight Consume call did not drain before deadline", zap.Error(ctx.Err()))
		err = multierr.Append(err, fmt.Errorf("alarmservice: drain in-flight consume: %w", ctx.Err()))
	}

	s.mu.Lock()
	walCloseErr := s.wal.Close()
	s.mu.Unlock()
	if walCloseErr != nil {
		s.log.Error("WAL close failed during shutdown", zap.Error(walCloseErr))
		err = multierr.Append(err, walErr(walCloseErr))
	}

	if err != nil {
		return err
	}
	s.log.Info("alarm service shut down")
	return nil
}
