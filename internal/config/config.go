// Package config provides configuration loading, validation, and hot-reload
// for the sentrywatch alarm engine.
//
// Configuration file: /etc/sentrywatch/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply alarm definitions only; every other field, including the log
//     level, keeps its startup value.
//   - Destructive changes (WAL path, ledger path, listen addresses) require
//     a restart; hot-reload ignores them without logging a warning.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., time windows >= 1 minute).
//   - File paths must be absolute.
//   - Invalid config on startup: process refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultWALDir is the default write-ahead log directory.
const DefaultWALDir = "/var/lib/sentrywatch/wal"

// DefaultLedgerPath is the default BoltDB audit ledger path.
const DefaultLedgerPath = "/var/lib/sentrywatch/ledger.db"

// Config is the root configuration structure for sentrywatch.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this sentrywatch instance in logs. Ledger entries
	// do not carry it. Default: hostname.
	NodeID string `yaml:"node_id"`

	// WAL configures the write-ahead log backing alarm state.
	WAL WALConfig `yaml:"wal"`

	// Ledger configures the durable audit trail of alarm events.
	Ledger LedgerConfig `yaml:"ledger"`

	// Ingestion configures the gRPC metric-ingestion surface.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Admin configures the gRPC admin surface.
	Admin AdminConfig `yaml:"admin"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Alarms is the set of alarm definitions this instance evaluates.
	// Hot-reloadable: SIGHUP replaces this list wholesale (existing
	// bucket state for alarms whose id is unchanged is preserved; new
	// ids start cold; removed ids are deleted).
	Alarms []AlarmDefinition `yaml:"alarms"`

	// TickInterval is how often every alarm instance is evaluated for
	// threshold crossings. Default: 10s.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// WALConfig holds write-ahead log parameters.
type WALConfig struct {
	// Dir is the absolute path to the WAL directory. Destructive to
	// change: requires a restart. Default: /var/lib/sentrywatch/wal.
	Dir string `yaml:"dir"`

	// MaxSizePerPage bounds a single WAL page before rolling to the
	// next. Default: 64MiB.
	MaxSizePerPage int64 `yaml:"max_size_per_page"`
}

// LedgerConfig holds audit ledger parameters.
type LedgerConfig struct {
	// Enabled controls whether alarm events are durably recorded. When
	// false, alarms still fire and log, they are simply not persisted
	// for later inspection. Default: true.
	Enabled bool `yaml:"enabled"`

	// Path is the absolute path to the BoltDB ledger file. Destructive
	// to change: requires a restart. Default: /var/lib/sentrywatch/ledger.db.
	Path string `yaml:"path"`
}

// IngestionConfig holds the gRPC metric-ingestion surface parameters.
type IngestionConfig struct {
	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:7090.
	ListenAddr string `yaml:"listen_addr"`

	// QueueDepth bounds the number of metrics (one queue slot per metric,
	// across all in-flight Put requests) buffered ahead of the single
	// AlarmService.Consume goroutine. Default: 1024.
	QueueDepth int `yaml:"queue_depth"`
}

// AdminConfig holds the gRPC admin surface parameters.
type AdminConfig struct {
	// ListenAddr is the gRPC listen address. Default: 127.0.0.1:7091.
	ListenAddr string `yaml:"listen_addr"`

	// HealthListenAddr is the gRPC health-checking service's listen
	// address (standard grpc.health.v1.Health, no custom codec).
	// Default: 127.0.0.1:7092.
	HealthListenAddr string `yaml:"health_listen_addr"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// AlarmDefinition is the YAML shape of a single alarm, decoded into an
// alarm.AlarmConfig by ToAlarmConfig.
type AlarmDefinition struct {
	// ID uniquely identifies this alarm across restarts. Stable ids let
	// WAL recovery and ledger history reattach to the right instance.
	ID string `yaml:"id"`

	// Kind is "tag_based" or "combination".
	Kind string `yaml:"kind"`

	// TagBased is populated when Kind == "tag_based".
	TagBased *TagBasedDefinition `yaml:"tag_based,omitempty"`

	// Combination is populated when Kind == "combination".
	Combination *CombinationDefinition `yaml:"combination,omitempty"`
}

// TagBasedDefinition is the YAML shape of alarm.TagBasedAlarmConfig.
type TagBasedDefinition struct {
	Matchers          []MatcherDefinition `yaml:"matchers"`
	Aggregation       string               `yaml:"aggregation"`
	Value             float64              `yaml:"value"`
	ValueComparison   string               `yaml:"value_comparison"`
	TimeWindowMinutes int                  `yaml:"time_window_minutes"`
}

// MatcherDefinition is the YAML shape of alarm.Matcher.
type MatcherDefinition struct {
	Attribute string `yaml:"attribute"`
	Op        string `yaml:"op"`
	Value     string `yaml:"value"`
}

// CombinationDefinition is the YAML shape of alarm.CombinationAlarmConfig.
// Expr is a nested boolean expression tree over named leaf alarms already
// declared elsewhere in Alarms.
type CombinationDefinition struct {
	Expr              ExprDefinition `yaml:"expr"`
	TimeWindowMinutes int            `yaml:"time_window_minutes"`
}

// ExprDefinition is the YAML shape of a alarm.LogicalOperator node. Exactly
// one of LeafID, And, Or, Not, Identity may be set.
type ExprDefinition struct {
	LeafID   string            `yaml:"leaf_id,omitempty"`
	And      []ExprDefinition  `yaml:"and,omitempty"`
	Or       []ExprDefinition  `yaml:"or,omitempty"`
	Not      *ExprDefinition   `yaml:"not,omitempty"`
	Identity *ExprDefinition   `yaml:"identity,omitempty"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		WAL: WALConfig{
			Dir:            DefaultWALDir,
			MaxSizePerPage: 64 * 1024 * 1024,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Path:    DefaultLedgerPath,
		},
		Ingestion: IngestionConfig{
			ListenAddr: "0.0.0.0:7090",
			QueueDepth: 1024,
		},
		Admin: AdminConfig{
			ListenAddr:       "127.0.0.1:7091",
			HealthListenAddr: "127.0.0.1:7092",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		TickInterval: 10 * time.Second,
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating every
// violation rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !filepath.IsAbs(cfg.WAL.Dir) {
		errs = append(errs, fmt.Sprintf("wal.dir must be an absolute path, got %q", cfg.WAL.Dir))
	}
	if cfg.WAL.MaxSizePerPage < 4096 {
		errs = append(errs, fmt.Sprintf("wal.max_size_per_page must be >= 4096, got %d", cfg.WAL.MaxSizePerPage))
	}
	if cfg.Ledger.Enabled && !filepath.IsAbs(cfg.Ledger.Path) {
		errs = append(errs, fmt.Sprintf("ledger.path must be an absolute path, got %q", cfg.Ledger.Path))
	}
	if cfg.Ingestion.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("ingestion.queue_depth must be >= 1, got %d", cfg.Ingestion.QueueDepth))
	}
	if cfg.Ingestion.ListenAddr == "" {
		errs = append(errs, "ingestion.listen_addr must not be empty")
	}
	if cfg.Admin.ListenAddr == "" {
		errs = append(errs, "admin.listen_addr must not be empty")
	}
	if cfg.Admin.HealthListenAddr == "" {
		errs = append(errs, "admin.health_listen_addr must not be empty")
	}
	if cfg.TickInterval < time.Second {
		errs = append(errs, fmt.Sprintf("tick_interval must be >= 1s, got %s", cfg.TickInterval))
	}

	seen := make(map[string]bool, len(cfg.Alarms))
	for _, a := range cfg.Alarms {
		if a.ID == "" {
			errs = append(errs, "every alarm must have a non-empty id")
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("duplicate alarm id %q", a.ID))
			continue
		}
		seen[a.ID] = true

		if err := validateAlarmDefinition(a, cfg.Alarms); err != nil {
			errs = append(errs, fmt.Sprintf("alarm %q: %s", a.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// validateAlarmDefinition checks a single alarm definition. Tag-based
// alarms are fully converted (ToAlarmConfig also runs alarm.AlarmConfig's
// own Validate). Combination alarms cannot be converted here — assembling
// one requires the already-parsed sibling tag-based configs, which only
// cmd/sentrywatch has in scope — so they are checked structurally against
// siblings instead: every leaf_id referenced must name a sibling tag_based
// alarm, and every And/Or node must have exactly two operands.
func validateAlarmDefinition(d AlarmDefinition, siblings []AlarmDefinition) error {
	switch d.Kind {
	case "tag_based":
		_, err := d.ToAlarmConfig()
		return err
	case "combination":
		if d.Combination == nil {
			return fmt.Errorf("kind combination requires a combination block")
		}
		if d.Combination.TimeWindowMinutes < 1 {
			return fmt.Errorf("time_window_minutes must be >= 1, got %d", d.Combination.TimeWindowMinutes)
		}
		tagBasedIDs := make(map[string]bool, len(siblings))
		for _, s := range siblings {
			if s.Kind == "tag_based" {
				tagBasedIDs[s.ID] = true
			}
		}
		return validateExprDefinition(d.Combination.Expr, tagBasedIDs)
	default:
		return fmt.Errorf("unknown alarm kind %q", d.Kind)
	}
}

func validateExprDefinition(e ExprDefinition, tagBasedIDs map[string]bool) error {
	switch {
	case e.LeafID != "":
		if !tagBasedIDs[e.LeafID] {
			return fmt.Errorf("leaf_id %q does not name a sibling tag_based alarm", e.LeafID)
		}
		return nil
	case e.Not != nil:
		return validateExprDefinition(*e.Not, tagBasedIDs)
	case e.Identity != nil:
		return validateExprDefinition(*e.Identity, tagBasedIDs)
	case len(e.And) == 2:
		if err := validateExprDefinition(e.And[0], tagBasedIDs); err != nil {
			return err
		}
		return validateExprDefinition(e.And[1], tagBasedIDs)
	case len(e.Or) == 2:
		if err := validateExprDefinition(e.Or[0], tagBasedIDs); err != nil {
			return err
		}
		return validateExprDefinition(e.Or[1], tagBasedIDs)
	default:
		return fmt.Errorf("expression node has no recognised variant (want exactly one of leaf_id, and[2], or[2], not, identity)")
	}
}

// ToAlarmConfig converts the YAML definition into an alarm.AlarmConfig,
// running alarm.AlarmConfig.Validate before returning.
func (d AlarmDefinition) ToAlarmConfig() (alarm.AlarmConfig, error) {
	var cfg alarm.AlarmConfig

	switch d.Kind {
	case "tag_based":
		if d.TagBased == nil {
			return cfg, fmt.Errorf("kind tag_based requires a tag_based block")
		}
		tb, err := d.TagBased.toConfig()
		if err != nil {
			return cfg, err
		}
		cfg = alarm.AlarmConfig{Kind: alarm.AlarmKindTagBased, TagBased: tb}
	case "combination":
		if d.Combination == nil {
			return cfg, fmt.Errorf("kind combination requires a combination block")
		}
		return cfg, fmt.Errorf("combination alarms must be assembled in code from sibling tag_based alarms: see cmd/sentrywatch")
	default:
		return cfg, fmt.Errorf("unknown alarm kind %q", d.Kind)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (d TagBasedDefinition) toConfig() (alarm.TagBasedAlarmConfig, error) {
	agg, err := parseAggregation(d.Aggregation)
	if err != nil {
		return alarm.TagBasedAlarmConfig{}, err
	}
	comp, err := parseThresholdType(d.ValueComparison)
	if err != nil {
		return alarm.TagBasedAlarmConfig{}, err
	}

	matchers := make([]alarm.Matcher, 0, len(d.Matchers))
	for _, m := range d.Matchers {
		op, err := parseMatchOp(m.Op)
		if err != nil {
			return alarm.TagBasedAlarmConfig{}, err
		}
		matchers = append(matchers, alarm.Matcher{Attribute: m.Attribute, Op: op, Value: m.Value})
	}

	return alarm.TagBasedAlarmConfig{
		Matchers:          matchers,
		Agg:               agg,
		Value:             d.Value,
		ValueComp:         comp,
		TimeWindowMinutes: int64(d.TimeWindowMinutes),
	}, nil
}

func parseAggregation(s string) (alarm.Aggregation, error) {
	switch s {
	case "avg":
		return alarm.AggAvg, nil
	case "max":
		return alarm.AggMax, nil
	case "min":
		return alarm.AggMin, nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q (want avg, max, min)", s)
	}
}

func parseThresholdType(s string) (alarm.ThresholdType, error) {
	switch s {
	case "eq":
		return alarm.ThresholdEq, nil
	case "not_eq":
		return alarm.ThresholdNotEq, nil
	case "less_than":
		return alarm.ThresholdLessThan, nil
	case "greater_than":
		return alarm.ThresholdGreaterThan, nil
	default:
		return 0, fmt.Errorf("unknown value_comparison %q (want eq, not_eq, less_than, greater_than)", s)
	}
}

func parseMatchOp(s string) (alarm.MatchOp, error) {
	switch s {
	case "eq":
		return alarm.MatchEq, nil
	case "not_eq":
		return alarm.MatchNotEq, nil
	default:
		return 0, fmt.Errorf("unknown matcher op %q (want eq, not_eq)", s)
	}
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
