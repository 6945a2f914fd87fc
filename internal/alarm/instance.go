package alarm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

const bucketSizeMillis = 60_000

// NowFunc is an injected time source, in the same unit as Metric.Time
// (milliseconds since epoch). Nothing in this package stores or calls
// one: Tick receives the current instant as a parameter, and tests drive
// it by passing fixed instants rather than reading a global clock.
type NowFunc func() int64

// bucket is one minute-aligned aggregate slot within an alarm's window.
type bucket struct {
	count uint64
	agg   float64 // running aggregate; see value() for how it is interpreted
}

// value returns the bucket's representative value for a given Aggregation.
func (b bucket) value(agg Aggregation) float64 {
	if agg == AggAvg {
		return b.agg / float64(b.count)
	}
	return b.agg
}

// Count returns how many data points the bucket has aggregated.
func (b bucket) Count() uint64 { return b.count }

func (b *bucket) update(agg Aggregation, v float64) {
	if b.count == 0 {
		b.agg = v
		b.count = 1
		return
	}
	switch agg {
	case AggMax:
		if v > b.agg {
			b.agg = v
		}
	case AggMin:
		if v < b.agg {
			b.agg = v
		}
	default: // AggAvg: agg accumulates the running sum, divided by count in value()
		b.agg += v
	}
	b.count++
}

// Instance is the runtime capability shared by both concrete alarm
// shapes: consume a metric, periodically tick, and report identity.
type Instance interface {
	// Consume offers metric to the alarm. Returns true iff the alarm's
	// predicate matched and the metric's data point updated its state —
	// this is also the signal the caller uses to decide whether the
	// metric must be durably persisted.
	Consume(metric *metrictypes.Metric) bool

	// Tick prunes buckets outside the window and re-derives is_alarming,
	// notifying on edge transitions.
	Tick(now int64)

	// Identifier returns the alarm's stable id, assigned at construction.
	Identifier() string

	// Metrics returns a snapshot of bucket state, test-only.
	Metrics() map[int64]bucket
}

// TagBasedInstance is the runtime state of a single tag-based alarm:
// minute buckets, the alarming flag, and the notifier to call on edges.
type TagBasedInstance struct {
	id       string
	config   TagBasedAlarmConfig
	notifier Notifier

	mu         sync.Mutex
	buckets    map[int64]bucket
	isAlarming bool
}

// NewTagBasedInstance constructs a TagBasedInstance in the Clear state.
func NewTagBasedInstance(id string, config TagBasedAlarmConfig, notifier Notifier) *TagBasedInstance {
	if notifier == nil {
		notifier = Noop{}
	}
	return &TagBasedInstance{
		id:       id,
		config:   config,
		notifier: notifier,
		buckets:  make(map[int64]bucket),
	}
}

func (a *TagBasedInstance) Identifier() string { return a.id }

// Consume implements Instance. Only Gauge data points update bucket
// state today; Sum and Histogram are rejected (return false) pending
// the consume semantics called out as an open question in the alarm
// predicate spec.
func (a *TagBasedInstance) Consume(metric *metrictypes.Metric) bool {
	if !a.config.Matches(metric) {
		return false
	}
	if metric.Data.Kind != metrictypes.KindGauge || metric.Data.Gauge == nil {
		return false
	}
	key := bucketKey(metric.Data.Gauge.Time)

	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buckets[key]
	b.update(a.config.Agg, metric.Data.Gauge.Value)
	a.buckets[key] = b
	return true
}

func bucketKey(timeMillis int64) int64 {
	return (timeMillis / bucketSizeMillis) * bucketSizeMillis
}

// Tick implements Instance: prunes stale buckets, evaluates the
// threshold over every remaining bucket, and fires a notification on a
// Clear<->Alarming edge.
func (a *TagBasedInstance) Tick(now int64) {
	a.mu.Lock()
	cutoff := bucketKey(now) - a.config.TimeWindowMinutes*bucketSizeMillis
	for k := range a.buckets {
		if k <= cutoff {
			delete(a.buckets, k)
		}
	}

	shouldAlarm := len(a.buckets) > 0
	if shouldAlarm {
		for _, b := range a.buckets {
			v := b.value(a.config.Agg)
			if !a.config.ValueComp.compare(v, a.config.Value) {
				shouldAlarm = false
				break
			}
		}
	}

	was := a.isAlarming
	a.isAlarming = shouldAlarm
	a.mu.Unlock()

	a.notifyEdge(was, shouldAlarm)
}

func (a *TagBasedInstance) notifyEdge(was, now bool) {
	if was == now {
		return
	}
	if now {
		a.notifier.Notify(Event{
			Kind:    EventRaised,
			AlarmID: a.id,
			Description: fmt.Sprintf("%s(%s) %s %.4g over %dm window",
				a.config.Agg, describeMatchers(a.config.Matchers),
				describeComp(a.config.ValueComp), a.config.Value, a.config.TimeWindowMinutes),
		})
		return
	}
	a.notifier.Notify(Event{Kind: EventCleared, AlarmID: a.id})
}

// Metrics implements Instance (test-only snapshot).
func (a *TagBasedInstance) Metrics() map[int64]bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int64]bucket, len(a.buckets))
	for k, v := range a.buckets {
		out[k] = v
	}
	return out
}

// IsAlarming reports the current edge-triggered state. Exposed for tests,
// for CombinationInstance.Tick, and for AlarmService.Snapshot.
func (a *TagBasedInstance) IsAlarming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isAlarming
}

func describeMatchers(ms []Matcher) string {
	if len(ms) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		op := "=="
		if m.Op == MatchNotEq {
			op = "!="
		}
		parts = append(parts, fmt.Sprintf("%s%s%s", m.Attribute, op, m.Value))
	}
	sort.Strings(parts)
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

func describeComp(t ThresholdType) string {
	switch t {
	case ThresholdEq:
		return "=="
	case ThresholdNotEq:
		return "!="
	case ThresholdLessThan:
		return "<"
	default:
		return ">"
	}
}

// CombinationInstance owns one TagBasedInstance per leaf of its boolean
// expression and derives its own is_alarming from their composition.
type CombinationInstance struct {
	id       string
	config   CombinationAlarmConfig
	notifier Notifier
	leaves   []*TagBasedInstance

	mu         sync.Mutex
	isAlarming bool
}

// NewCombinationInstance constructs a CombinationInstance with one
// child TagBasedInstance per leaf in config.Expr, each sharing the
// combination's window and a no-op notifier (only the combination's own
// edge transitions are reported).
func NewCombinationInstance(id string, config CombinationAlarmConfig, notifier Notifier) *CombinationInstance {
	if notifier == nil {
		notifier = Noop{}
	}
	leaves := config.Expr.Leaves()
	children := make([]*TagBasedInstance, len(leaves))
	for i, leaf := range leaves {
		leaf.TimeWindowMinutes = config.TimeWindowMinutes
		children[i] = NewTagBasedInstance(fmt.Sprintf("%s#%d", id, i), leaf, Noop{})
	}
	return &CombinationInstance{
		id:       id,
		config:   config,
		notifier: notifier,
		leaves:   children,
	}
}

func (c *CombinationInstance) Identifier() string { return c.id }

// Consume offers metric to every leaf and returns the logical OR of
// their acceptance — the persistence decision for the combination as a
// whole.
func (c *CombinationInstance) Consume(metric *metrictypes.Metric) bool {
	consumed := false
	for _, leaf := range c.leaves {
		if leaf.Consume(metric) {
			consumed = true
		}
	}
	return consumed
}

// Tick ticks every leaf first, then folds their is_alarming values
// through the boolean expression to derive the combination's own state.
func (c *CombinationInstance) Tick(now int64) {
	values := make([]bool, len(c.leaves))
	for i, leaf := range c.leaves {
		leaf.Tick(now)
		values[i] = leaf.IsAlarming()
	}
	shouldAlarm := c.config.Expr.Eval(values)

	c.mu.Lock()
	was := c.isAlarming
	c.isAlarming = shouldAlarm
	c.mu.Unlock()

	if was == shouldAlarm {
		return
	}
	if shouldAlarm {
		c.notifier.Notify(Event{Kind: EventRaised, AlarmID: c.id, Description: "combination expression satisfied"})
	} else {
		c.notifier.Notify(Event{Kind: EventCleared, AlarmID: c.id})
	}
}

// Metrics implements Instance: the union of every leaf's buckets, keyed
// by the leaf's own identifier prefix is not preserved — callers that
// need per-leaf detail should inspect Leaves() directly. Test-only.
func (c *CombinationInstance) Metrics() map[int64]bucket {
	out := make(map[int64]bucket)
	for _, leaf := range c.leaves {
		for k, v := range leaf.Metrics() {
			out[k] = v
		}
	}
	return out
}

// IsAlarming reports the combination's current edge-triggered state.
func (c *CombinationInstance) IsAlarming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlarming
}

// Leaves exposes the child instances, e.g. for metrics/debugging.
func (c *CombinationInstance) Leaves() []*TagBasedInstance {
	return c.leaves
}
