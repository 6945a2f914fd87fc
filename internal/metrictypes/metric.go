// Package metrictypes defines the telemetry data model consumed by the
// alarm evaluation engine.
//
// Metric is modeled after OpenTelemetry's metrics data points
// (https://github.com/open-telemetry/opentelemetry-proto/blob/v0.9.0/opentelemetry/proto/metrics/v1/metrics.proto#L141):
// a named, unit-bearing series identified by a set of attributes, carrying
// one of Gauge, Sum, or Histogram data.
package metrictypes

import (
	"encoding/json"
	"fmt"
)

// Temporality describes the relationship between successive points of a
// Sum or Histogram series and the time interval over which they apply.
type Temporality int

const (
	TemporalityNone Temporality = iota
	TemporalityDelta
	TemporalityCumulative
)

func (t Temporality) String() string {
	switch t {
	case TemporalityDelta:
		return "delta"
	case TemporalityCumulative:
		return "cumulative"
	default:
		return "none"
	}
}

// DataKind distinguishes the tagged variants of MetricData.
type DataKind int

const (
	KindGauge DataKind = iota
	KindSum
	KindHistogram
)

// GaugeData is an instantaneous measurement.
type GaugeData struct {
	StartTime int64   `json:"start_time"`
	Time      int64   `json:"time"`
	Value     float64 `json:"value"`
}

// SumData is a monotonic or non-monotonic running total.
type SumData struct {
	StartTime   int64       `json:"start_time"`
	Time        int64       `json:"time"`
	Value       float64     `json:"value"`
	Temporality Temporality `json:"temporality"`
	Monotonic   bool        `json:"monotonic"`
}

// HistogramData summarizes a population of values, optionally with an
// explicit bucket distribution. BucketCounts and ExplicitBounds are kept
// even though the evaluation engine does not yet consume them (see the
// non-Gauge consume policy in package alarm), so that a future aggregation
// extension does not require a wire-format change.
type HistogramData struct {
	StartTime      int64     `json:"start_time"`
	Time           int64     `json:"time"`
	Count          uint64    `json:"count"`
	Sum            float64   `json:"sum"`
	BucketCounts   []uint64  `json:"bucket_counts,omitempty"`
	ExplicitBounds []float64 `json:"explicit_bounds,omitempty"`
}

// MetricData is the tagged union of the data a Metric may carry.
// Exactly one of Gauge, Sum, Histogram is non-nil, matching Kind.
type MetricData struct {
	Kind      DataKind
	Gauge     *GaugeData
	Sum       *SumData
	Histogram *HistogramData
}

// Metric is a single observation of a named, unit-bearing time series.
//
// Attribute "metric_name" is synthesized from Name at matcher-evaluation
// time (see package alarm) — it is never stored in Attributes itself.
type Metric struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit"`
	Attributes map[string]string `json:"attributes"`
	Time       int64             `json:"time"`
	Data       MetricData        `json:"data"`
}

// MetaAttrMetricName is the synthetic attribute key matchers may use to
// filter on the metric's own Name.
const MetaAttrMetricName = "metric_name"

// AttributeValue returns the value of attr on m, synthesizing
// MetaAttrMetricName from m.Name when requested.
func (m *Metric) AttributeValue(attr string) (string, bool) {
	if attr == MetaAttrMetricName {
		return m.Name, true
	}
	v, ok := m.Attributes[attr]
	return v, ok
}

// wireMetric is the on-the-wire JSON shape: MetricData is flattened into
// one of three optional fields rather than carrying a Kind discriminant,
// so that the serialization is self-describing without a redundant tag.
type wireMetric struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit"`
	Attributes map[string]string `json:"attributes"`
	Time       int64             `json:"time"`
	Gauge      *GaugeData        `json:"gauge,omitempty"`
	Sum        *SumData          `json:"sum,omitempty"`
	Histogram  *HistogramData    `json:"histogram,omitempty"`
}

// MarshalJSON implements json.Marshaler for the self-describing wire form.
func (m Metric) MarshalJSON() ([]byte, error) {
	w := wireMetric{
		Name:       m.Name,
		Unit:       m.Unit,
		Attributes: m.Attributes,
		Time:       m.Time,
	}
	switch m.Data.Kind {
	case KindGauge:
		w.Gauge = m.Data.Gauge
	case KindSum:
		w.Sum = m.Data.Sum
	case KindHistogram:
		w.Histogram = m.Data.Histogram
	default:
		return nil, fmt.Errorf("metrictypes: unknown data kind %d", m.Data.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for the self-describing wire form.
func (m *Metric) UnmarshalJSON(b []byte) error {
	var w wireMetric
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Name = w.Name
	m.Unit = w.Unit
	m.Attributes = w.Attributes
	m.Time = w.Time

	switch {
	case w.Gauge != nil:
		m.Data = MetricData{Kind: KindGauge, Gauge: w.Gauge}
	case w.Sum != nil:
		m.Data = MetricData{Kind: KindSum, Sum: w.Sum}
	case w.Histogram != nil:
		m.Data = MetricData{Kind: KindHistogram, Histogram: w.Histogram}
	default:
		return fmt.Errorf("metrictypes: metric %q carries no data point", w.Name)
	}
	return nil
}
