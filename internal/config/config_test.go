package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()

	if cfg.GetListen() != ":8000" {
		t.Errorf("GetListen() = %q, want :8000", cfg.GetListen())
	}
	if cfg.GetAssumedSampleIntervalMs() != 10 {
		t.Errorf("GetAssumedSampleIntervalMs() = %v, want 10", cfg.GetAssumedSampleIntervalMs())
	}
	if cfg.GetFlushInterval() != time.Second {
		t.Errorf("GetFlushInterval() = %v, want 1s", cfg.GetFlushInterval())
	}
	if cfg.GetRedrawInterval() != 50*time.Millisecond {
		t.Errorf("GetRedrawInterval() = %v, want 50ms", cfg.GetRedrawInterval())
	}
	if cfg.GetInterpolationIntervalMs() != 10 {
		t.Errorf("GetInterpolationIntervalMs() = %v, want 10", cfg.GetInterpolationIntervalMs())
	}
	if cfg.GetReconstruction() != ReconstructionSpline {
		t.Errorf("GetReconstruction() = %q, want spline", cfg.GetReconstruction())
	}
	if cfg.GetSeamPolicy() != SeamDedup {
		t.Errorf("GetSeamPolicy() = %q, want dedup", cfg.GetSeamPolicy())
	}
	if cfg.GetPreviewPoints() != 200 || cfg.GetMinWindow() != 200 || cfg.GetDefaultWindow() != 2000 || cfg.GetOverviewPoints() != 1000 {
		t.Errorf("view defaults = %d/%d/%d/%d", cfg.GetPreviewPoints(), cfg.GetMinWindow(), cfg.GetDefaultWindow(), cfg.GetOverviewPoints())
	}
	if cfg.GetCountdownSeconds() != 3 {
		t.Errorf("GetCountdownSeconds() = %d, want 3", cfg.GetCountdownSeconds())
	}
	if cfg.GetMQTTBroker() != "" || cfg.GetMQTTTopicPrefix() != "scg" {
		t.Errorf("mqtt defaults = %q/%q", cfg.GetMQTTBroker(), cfg.GetMQTTTopicPrefix())
	}
	if got := cfg.GetCORSOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("GetCORSOrigins() = %v", got)
	}
}

func TestMustLoadDefaultMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefault()
	empty := Empty()

	if cfg.GetFlushInterval() != empty.GetFlushInterval() {
		t.Errorf("flush interval drift: file=%v builtin=%v", cfg.GetFlushInterval(), empty.GetFlushInterval())
	}
	if cfg.GetInterpolationRateHz() != empty.GetInterpolationRateHz() {
		t.Errorf("rate drift: file=%v builtin=%v", cfg.GetInterpolationRateHz(), empty.GetInterpolationRateHz())
	}
	if cfg.GetMinWindow() != empty.GetMinWindow() || cfg.GetDefaultWindow() != empty.GetDefaultWindow() {
		t.Errorf("window drift")
	}
	if cfg.GetSampleQueueCapacity() != empty.GetSampleQueueCapacity() {
		t.Errorf("queue capacity drift")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scg.json")
	if err := os.WriteFile(path, []byte(`{"interpolation_rate_hz": 250, "reconstruction": "linear", "flush_interval": "500ms"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetInterpolationIntervalMs() != 4 {
		t.Errorf("GetInterpolationIntervalMs() = %v, want 4", cfg.GetInterpolationIntervalMs())
	}
	if cfg.GetReconstruction() != ReconstructionLinear {
		t.Errorf("GetReconstruction() = %q", cfg.GetReconstruction())
	}
	if cfg.GetFlushInterval() != 500*time.Millisecond {
		t.Errorf("GetFlushInterval() = %v", cfg.GetFlushInterval())
	}
	// untouched fields keep defaults
	if cfg.GetMinWindow() != 200 {
		t.Errorf("GetMinWindow() = %d, want 200", cfg.GetMinWindow())
	}
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"wrong extension", "scg.yaml", `{}`},
		{"bad json", "bad.json", `{"listen":`},
		{"bad duration", "dur.json", `{"flush_interval": "soon"}`},
		{"negative duration", "neg.json", `{"redraw_interval": "-1s"}`},
		{"zero rate", "rate.json", `{"interpolation_rate_hz": 0}`},
		{"unknown strategy", "strat.json", `{"reconstruction": "akima"}`},
		{"unknown seam policy", "seam.json", `{"seam_policy": "blend"}`},
		{"default below min", "win.json", `{"min_window": 500, "default_window": 300}`},
		{"zero queue", "queue.json", `{"sample_queue_capacity": 0}`},
		{"negative countdown", "cd.json", `{"countdown_seconds": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%s) succeeded, want error", tt.file)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault(\"\"): %v", err)
	}
	if cfg.GetListen() != ":8000" {
		t.Errorf("GetListen() = %q", cfg.GetListen())
	}
}
