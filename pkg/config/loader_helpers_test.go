package config

import "testing"

func TestMergeYAMLKeepsUnsetFields(t *testing.T) {
	base := DefaultConfig()
	base.Telemetry.Metrics = true

	if err := mergeYAML(base, []byte("chat:\n  model: custom\n")); err != nil {
		t.Fatalf("mergeYAML: %v", err)
	}
	if base.Chat.Model != "custom" {
		t.Fatalf("expected model override, got %s", base.Chat.Model)
	}
	if !base.Telemetry.Metrics {
		t.Fatalf("metrics flag should remain true when not overridden")
	}
	if base.Bus.Driver != BusDriverMemory {
		t.Fatalf("bus driver should keep default, got %s", base.Bus.Driver)
	}
}

func TestMergeYAMLRespectsBooleanOverrides(t *testing.T) {
	base := DefaultConfig()
	if err := mergeYAML(base, []byte("telemetry:\n  metrics: false\n")); err != nil {
		t.Fatalf("mergeYAML: %v", err)
	}
	if base.Telemetry.Metrics {
		t.Fatalf("expected explicit false to disable metrics")
	}
}

func TestMergeYAMLEmptyDocument(t *testing.T) {
	base := DefaultConfig()
	if err := mergeYAML(base, nil); err != nil {
		t.Fatalf("empty document should be a no-op: %v", err)
	}
}

func TestParseEnvFile(t *testing.T) {
	vars := parseEnvFile("# comment\nexport A='1'\nB = two\n=skip\nnoequals\n")
	if vars["A"] != "1" || vars["B"] != "two" {
		t.Fatalf("unexpected vars: %v", vars)
	}
	if len(vars) != 2 {
		t.Fatalf("expected 2 vars, got %v", vars)
	}
}
