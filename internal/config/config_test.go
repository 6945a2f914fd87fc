package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
schema_version: "1"
node_id: test-node
wal:
  dir: /var/lib/sentrywatch/wal
tick_interval: 30s
alarms:
  - id: cpu-high
    kind: tag_based
    tag_based:
      matchers:
        - attribute: metric_name
          op: eq
          value: cpu.load
      aggregation: avg
      value: 90
      value_comparison: greater_than
      time_window_minutes: 5
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "test-node" {
		t.Fatalf("NodeID = %q, want test-node", cfg.NodeID)
	}
	if cfg.Ingestion.ListenAddr != Defaults().Ingestion.ListenAddr {
		t.Fatalf("Ingestion.ListenAddr should fall back to default, got %q", cfg.Ingestion.ListenAddr)
	}
	if len(cfg.Alarms) != 1 || cfg.Alarms[0].ID != "cpu-high" {
		t.Fatalf("Alarms = %+v, want one alarm cpu-high", cfg.Alarms)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("schema_version: \"2\"\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject an unsupported schema_version")
	}
}

func TestValidateAccumulatesAllViolations(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.NodeID = ""
	cfg.WAL.Dir = "relative/path"
	cfg.TickInterval = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "node_id", "wal.dir", "tick_interval"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Validate error %q missing mention of %q", msg, want)
		}
	}
}

func TestValidateRejectsDuplicateAlarmIDs(t *testing.T) {
	cfg := Defaults()
	alarmDef := AlarmDefinition{
		ID:   "dup",
		Kind: "tag_based",
		TagBased: &TagBasedDefinition{
			Aggregation:       "avg",
			ValueComparison:   "greater_than",
			TimeWindowMinutes: 1,
		},
	}
	cfg.Alarms = []AlarmDefinition{alarmDef, alarmDef}

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate should reject two alarms with the same id")
	}
}

func TestAlarmDefinitionToAlarmConfigTagBased(t *testing.T) {
	def := AlarmDefinition{
		ID:   "cpu-high",
		Kind: "tag_based",
		TagBased: &TagBasedDefinition{
			Matchers:          []MatcherDefinition{{Attribute: "host", Op: "eq", Value: "a"}},
			Aggregation:       "avg",
			Value:             90,
			ValueComparison:   "greater_than",
			TimeWindowMinutes: 5,
		},
	}
	cfg, err := def.ToAlarmConfig()
	if err != nil {
		t.Fatalf("ToAlarmConfig: %v", err)
	}
	if cfg.Kind != alarm.AlarmKindTagBased {
		t.Fatalf("Kind = %v, want AlarmKindTagBased", cfg.Kind)
	}
	if cfg.TagBased.TimeWindowMinutes != 5 {
		t.Fatalf("TimeWindowMinutes = %d, want 5", cfg.TagBased.TimeWindowMinutes)
	}
}

func TestAlarmDefinitionToAlarmConfigCombinationRequiresAssembly(t *testing.T) {
	def := AlarmDefinition{
		ID:          "combo",
		Kind:        "combination",
		Combination: &CombinationDefinition{TimeWindowMinutes: 5},
	}
	if _, err := def.ToAlarmConfig(); err == nil {
		t.Fatal("combination alarms should not be convertible by ToAlarmConfig alone")
	}
}

func TestAlarmDefinitionRejectsUnknownKind(t *testing.T) {
	def := AlarmDefinition{ID: "x", Kind: "bogus"}
	if _, err := def.ToAlarmConfig(); err == nil {
		t.Fatal("unknown alarm kind should be rejected")
	}
}

// TestValidateAcceptsCombinationAlarmReferencingSiblingLeaves guards
// against a regression where Validate rejected every combination alarm
// outright, since AlarmDefinition.ToAlarmConfig always errors on the
// combination kind (full assembly needs sibling configs only
// cmd/sentrywatch has in scope). Validate must check combination alarms
// structurally instead.
func TestValidateAcceptsCombinationAlarmReferencingSiblingLeaves(t *testing.T) {
	cfg := Defaults()
	cfg.Alarms = []AlarmDefinition{
		{
			ID:   "leaf-a",
			Kind: "tag_based",
			TagBased: &TagBasedDefinition{
				Aggregation: "avg", ValueComparison: "greater_than", TimeWindowMinutes: 1,
			},
		},
		{
			ID:   "leaf-b",
			Kind: "tag_based",
			TagBased: &TagBasedDefinition{
				Aggregation: "avg", ValueComparison: "less_than", TimeWindowMinutes: 1,
			},
		},
		{
			ID:   "combo",
			Kind: "combination",
			Combination: &CombinationDefinition{
				TimeWindowMinutes: 5,
				Expr: ExprDefinition{
					And: []ExprDefinition{
						{LeafID: "leaf-a"},
						{LeafID: "leaf-b"},
					},
				},
			},
		},
	}

	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate should accept a combination alarm over valid sibling leaves, got %v", err)
	}
}

func TestValidateRejectsCombinationAlarmWithUnknownLeaf(t *testing.T) {
	cfg := Defaults()
	cfg.Alarms = []AlarmDefinition{
		{
			ID:   "combo",
			Kind: "combination",
			Combination: &CombinationDefinition{
				TimeWindowMinutes: 5,
				Expr:              ExprDefinition{LeafID: "does-not-exist"},
			},
		},
	}

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate should reject a combination alarm referencing an unknown leaf_id")
	}
}
