// Package alarm implements the alarm predicate tree (pure configuration
// data) and the runtime alarm instances that evaluate it against a
// sliding window of metric buckets.
//
// The predicate tree is deliberately side-effect free: matching and
// boolean composition never touch bucket state, so it can be shared,
// copied, and unit tested independently of the instances in instance.go.
package alarm

import (
	"fmt"

	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

// MatchOp is the comparison a Matcher applies to an attribute value.
type MatchOp int

const (
	MatchEq MatchOp = iota
	MatchNotEq
)

// Matcher filters metrics by an attribute (including the synthetic
// "metric_name" attribute — see metrictypes.MetaAttrMetricName).
type Matcher struct {
	Attribute string
	Op        MatchOp
	Value     string
}

func (m Matcher) matches(metric *metrictypes.Metric) bool {
	v, ok := metric.AttributeValue(m.Attribute)
	switch m.Op {
	case MatchNotEq:
		return !ok || v != m.Value
	default: // MatchEq
		return ok && v == m.Value
	}
}

// Aggregation selects how multiple data points within one minute bucket
// are combined into a single representative value.
type Aggregation int

const (
	AggAvg Aggregation = iota
	AggMax
	AggMin
)

func (a Aggregation) String() string {
	switch a {
	case AggMax:
		return "max"
	case AggMin:
		return "min"
	default:
		return "avg"
	}
}

// ThresholdType is the comparison applied between a bucket's
// representative value and the alarm's configured threshold.
type ThresholdType int

const (
	ThresholdEq ThresholdType = iota
	ThresholdNotEq
	ThresholdLessThan
	ThresholdGreaterThan
)

func (t ThresholdType) compare(v, threshold float64) bool {
	switch t {
	case ThresholdEq:
		return v == threshold
	case ThresholdNotEq:
		return v != threshold
	case ThresholdLessThan:
		return v < threshold
	case ThresholdGreaterThan:
		return v > threshold
	default:
		return false
	}
}

// TagBasedAlarmConfig is the most basic alarm shape: a set of matchers,
// an aggregation over matching points per minute bucket, and a threshold
// comparison evaluated over every bucket remaining in the window.
type TagBasedAlarmConfig struct {
	Matchers        []Matcher
	Agg             Aggregation
	Value           float64
	ValueComp       ThresholdType
	TimeWindowMinutes int64
}

// Validate enforces the invariants spec'd for a tag-based alarm:
// TimeWindowMinutes must be at least one minute. Matchers may be empty
// (an empty matcher set matches every metric).
func (c TagBasedAlarmConfig) Validate() error {
	if c.TimeWindowMinutes < 1 {
		return fmt.Errorf("alarm: time_window_minutes must be >= 1, got %d", c.TimeWindowMinutes)
	}
	return nil
}

// Matches reports whether every matcher is satisfied by metric.
func (c TagBasedAlarmConfig) Matches(metric *metrictypes.Metric) bool {
	for _, m := range c.Matchers {
		if !m.matches(metric) {
			return false
		}
	}
	return true
}

// LogicalOperator is a recursive boolean algebra over leaves of type I.
// Exactly one of the fields is populated, selected by Kind.
type LogicalOperator[I any] struct {
	Kind LogicalKind

	Leaf I // valid when Kind == LogicalIdentity

	Left  *LogicalOperator[I] // valid when Kind in {LogicalAnd, LogicalOr}
	Right *LogicalOperator[I] // valid when Kind in {LogicalAnd, LogicalOr}

	Operand *LogicalOperator[I] // valid when Kind == LogicalNot
}

// LogicalKind selects the active variant of a LogicalOperator.
type LogicalKind int

const (
	LogicalIdentity LogicalKind = iota
	LogicalAnd
	LogicalOr
	LogicalNot
)

// Identity builds a leaf node.
func Identity[I any](leaf I) *LogicalOperator[I] {
	return &LogicalOperator[I]{Kind: LogicalIdentity, Leaf: leaf}
}

// And builds a conjunction of two sub-expressions.
func And[I any](l, r *LogicalOperator[I]) *LogicalOperator[I] {
	return &LogicalOperator[I]{Kind: LogicalAnd, Left: l, Right: r}
}

// Or builds a disjunction of two sub-expressions.
func Or[I any](l, r *LogicalOperator[I]) *LogicalOperator[I] {
	return &LogicalOperator[I]{Kind: LogicalOr, Left: l, Right: r}
}

// Not builds a negation of a sub-expression.
func Not[I any](operand *LogicalOperator[I]) *LogicalOperator[I] {
	return &LogicalOperator[I]{Kind: LogicalNot, Operand: operand}
}

// Leaves returns every leaf value in tree order, for fan-out to
// per-leaf sub-instances in a combination alarm.
func (l *LogicalOperator[I]) Leaves() []I {
	switch l.Kind {
	case LogicalIdentity:
		return []I{l.Leaf}
	case LogicalNot:
		return l.Operand.Leaves()
	default:
		return append(l.Left.Leaves(), l.Right.Leaves()...)
	}
}

// Eval folds the tree down to a single bool given a lookup from leaf
// index (in Leaves() order) to its current truth value.
func (l *LogicalOperator[I]) Eval(values []bool) bool {
	idx := 0
	return l.eval(values, &idx)
}

func (l *LogicalOperator[I]) eval(values []bool, idx *int) bool {
	switch l.Kind {
	case LogicalIdentity:
		v := values[*idx]
		*idx++
		return v
	case LogicalAnd:
		left := l.Left.eval(values, idx)
		right := l.Right.eval(values, idx)
		return left && right
	case LogicalOr:
		left := l.Left.eval(values, idx)
		right := l.Right.eval(values, idx)
		return left || right
	case LogicalNot:
		return !l.Operand.eval(values, idx)
	default:
		return false
	}
}

// AlarmLogicalOperator is the logical composition of tag-based leaves
// used by a combination alarm.
type AlarmLogicalOperator = LogicalOperator[TagBasedAlarmConfig]

// AlarmConfigKind selects the active variant of an AlarmConfig.
type AlarmConfigKind int

const (
	AlarmKindTagBased AlarmConfigKind = iota
	AlarmKindCombination
)

// CombinationAlarmConfig composes several tag-based leaves with a
// boolean expression. Every leaf is evaluated over the combination's
// TimeWindowMinutes; a leaf's own TimeWindowMinutes is not used.
type CombinationAlarmConfig struct {
	Expr              *AlarmLogicalOperator
	TimeWindowMinutes int64
}

// AlarmConfig is the user-facing alarm definition: either a single
// tag-based predicate or a boolean combination of several.
type AlarmConfig struct {
	Kind        AlarmConfigKind
	TagBased    TagBasedAlarmConfig
	Combination CombinationAlarmConfig
}

// Validate enforces invariants across both alarm shapes.
func (c AlarmConfig) Validate() error {
	switch c.Kind {
	case AlarmKindTagBased:
		return c.TagBased.Validate()
	case AlarmKindCombination:
		if c.Combination.TimeWindowMinutes < 1 {
			return fmt.Errorf("alarm: time_window_minutes must be >= 1, got %d", c.Combination.TimeWindowMinutes)
		}
		if c.Combination.Expr == nil {
			return fmt.Errorf("alarm: combination alarm has no expression")
		}
		return nil
	default:
		return fmt.Errorf("alarm: unknown alarm config kind %d", c.Kind)
	}
}

// Matches reports whether metric is relevant to this alarm: for a
// tag-based alarm, whether its matchers are satisfied; for a
// combination alarm, whether ANY leaf would consume the metric (the
// disjunction of leaf matches, regardless of how the leaves compose
// in the boolean expression).
func (c AlarmConfig) Matches(metric *metrictypes.Metric) bool {
	switch c.Kind {
	case AlarmKindTagBased:
		return c.TagBased.Matches(metric)
	case AlarmKindCombination:
		for _, leaf := range c.Combination.Expr.Leaves() {
			if leaf.Matches(metric) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
