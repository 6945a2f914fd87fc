package alarm

import (
	"testing"

	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
)

func gaugeMetric(name string, attrs map[string]string, value float64, timeMillis int64) *metrictypes.Metric {
	return &metrictypes.Metric{
		Name:       name,
		Attributes: attrs,
		Time:       timeMillis,
		Data: metrictypes.MetricData{
			Kind:  metrictypes.KindGauge,
			Gauge: &metrictypes.GaugeData{Time: timeMillis, Value: value},
		},
	}
}

func TestMatcherMetaAttrMetricName(t *testing.T) {
	m := Matcher{Attribute: metrictypes.MetaAttrMetricName, Op: MatchEq, Value: "cpu.load"}
	metric := gaugeMetric("cpu.load", nil, 1, 0)
	if !m.matches(metric) {
		t.Fatal("matcher on metric_name should match metric.Name")
	}
	other := gaugeMetric("mem.used", nil, 1, 0)
	if m.matches(other) {
		t.Fatal("matcher should not match a different metric name")
	}
}

func TestMatcherNotEqTreatsMissingAsMismatch(t *testing.T) {
	m := Matcher{Attribute: "region", Op: MatchNotEq, Value: "us-east"}
	metric := gaugeMetric("x", map[string]string{}, 1, 0)
	if !m.matches(metric) {
		t.Fatal("not_eq against a missing attribute should match (vacuously true)")
	}
}

func TestTagBasedAlarmConfigValidate(t *testing.T) {
	valid := TagBasedAlarmConfig{TimeWindowMinutes: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	invalid := TagBasedAlarmConfig{TimeWindowMinutes: 0}
	if err := invalid.Validate(); err == nil {
		t.Fatal("Validate() should reject time_window_minutes < 1")
	}
}

func TestTagBasedAlarmConfigMatchesEmptyMatchersMatchesEverything(t *testing.T) {
	cfg := TagBasedAlarmConfig{TimeWindowMinutes: 1}
	if !cfg.Matches(gaugeMetric("anything", nil, 1, 0)) {
		t.Fatal("empty matcher set should match every metric")
	}
}

func TestLogicalOperatorLeavesOrder(t *testing.T) {
	a := TagBasedAlarmConfig{Value: 1}
	b := TagBasedAlarmConfig{Value: 2}
	c := TagBasedAlarmConfig{Value: 3}
	expr := And(Identity(a), Or(Identity(b), Identity(c)))

	leaves := expr.Leaves()
	if len(leaves) != 3 {
		t.Fatalf("Leaves() len = %d, want 3", len(leaves))
	}
	if leaves[0].Value != 1 || leaves[1].Value != 2 || leaves[2].Value != 3 {
		t.Fatalf("Leaves() order = %+v, want [1,2,3] by Value", leaves)
	}
}

func TestLogicalOperatorEval(t *testing.T) {
	leaf := TagBasedAlarmConfig{}
	and := And(Identity(leaf), Identity(leaf))
	if and.Eval([]bool{true, false}) {
		t.Fatal("And(true,false) should be false")
	}
	if !and.Eval([]bool{true, true}) {
		t.Fatal("And(true,true) should be true")
	}

	or := Or(Identity(leaf), Identity(leaf))
	if !or.Eval([]bool{false, true}) {
		t.Fatal("Or(false,true) should be true")
	}

	not := Not(Identity(leaf))
	if !not.Eval([]bool{false}) {
		t.Fatal("Not(false) should be true")
	}
	if not.Eval([]bool{true}) {
		t.Fatal("Not(true) should be false")
	}
}

func TestAlarmConfigValidateCombinationRequiresExpr(t *testing.T) {
	cfg := AlarmConfig{Kind: AlarmKindCombination, Combination: CombinationAlarmConfig{TimeWindowMinutes: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("combination alarm with nil Expr should fail validation")
	}
}

func TestAlarmConfigMatchesCombinationIsDisjunctionOfLeaves(t *testing.T) {
	leaf1 := TagBasedAlarmConfig{Matchers: []Matcher{{Attribute: metrictypes.MetaAttrMetricName, Op: MatchEq, Value: "a"}}}
	leaf2 := TagBasedAlarmConfig{Matchers: []Matcher{{Attribute: metrictypes.MetaAttrMetricName, Op: MatchEq, Value: "b"}}}
	cfg := AlarmConfig{
		Kind: AlarmKindCombination,
		Combination: CombinationAlarmConfig{
			Expr:              Or(Identity(leaf1), Identity(leaf2)),
			TimeWindowMinutes: 1,
		},
	}
	if !cfg.Matches(gaugeMetric("b", nil, 1, 0)) {
		t.Fatal("combination Matches should accept a metric matching any leaf")
	}
	if cfg.Matches(gaugeMetric("c", nil, 1, 0)) {
		t.Fatal("combination Matches should reject a metric matching no leaf")
	}
}
