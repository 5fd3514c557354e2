package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the defaults form a valid configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default configuration to validate, got %v", err)
	}
	if cfg.RefPixel.X != -1 || cfg.RefPixel.Y != -1 {
		t.Errorf("Expected reference pixel search enabled by default")
	}
	if cfg.Orbital.Mode != OrbitalModeIndependent {
		t.Errorf("Expected independent orbital mode by default, got %q", cfg.Orbital.Mode)
	}
	if cfg.Runtime.Workers < 1 {
		t.Errorf("Expected at least one worker by default, got %d", cfg.Runtime.Workers)
	}
}

// TestLoadConfigMissingFile verifies that a missing file yields defaults.
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got error %v", err)
	}
	if cfg.RefPhase.Method != RefPhaseMethodRefPixel {
		t.Errorf("Expected default ref phase method, got %d", cfg.RefPhase.Method)
	}
}

// TestSaveLoadRoundtrip verifies that a saved configuration loads back
// identically, including values that differ from the defaults.
func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Runtime.Workers = 3
	cfg.Runtime.TileRows = 2
	cfg.Runtime.TileCols = 4
	cfg.RefPhase.Method = RefPhaseMethodNanMask
	cfg.Orbital.Mode = OrbitalModeLeader
	cfg.Orbital.Degree = 2
	cfg.Covariance.CalcAlpha = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Runtime.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", loaded.Runtime.Workers)
	}
	if loaded.Runtime.TileRows != 2 || loaded.Runtime.TileCols != 4 {
		t.Errorf("Expected 2x4 tiling, got %dx%d", loaded.Runtime.TileRows, loaded.Runtime.TileCols)
	}
	if loaded.RefPhase.Method != RefPhaseMethodNanMask {
		t.Errorf("Expected nan-mask method, got %d", loaded.RefPhase.Method)
	}
	if loaded.Orbital.Mode != OrbitalModeLeader || loaded.Orbital.Degree != 2 {
		t.Errorf("Expected leader quadratic orbital settings, got %q degree %d",
			loaded.Orbital.Mode, loaded.Orbital.Degree)
	}
	if loaded.Covariance.CalcAlpha {
		t.Errorf("Expected alpha fit disabled after roundtrip")
	}
}

// TestLoadConfigInvalidYAML verifies the parse error path.
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("runtime: [not a mapping"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected error for malformed YAML")
	}
}

// TestValidateRejections walks the fatal selector errors.
func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ref phase method", func(c *Config) { c.RefPhase.Method = 3 }},
		{"bad orbital mode", func(c *Config) { c.Orbital.Mode = "scatter" }},
		{"bad mst backend", func(c *Config) { c.MST.Backend = "pixel-graph" }},
		{"bad orbital degree", func(c *Config) { c.Orbital.Degree = 4 }},
		{"even chip size", func(c *Config) { c.RefPixel.ChipSize = 4 }},
		{"tiny chip size", func(c *Config) { c.RefPixel.ChipSize = 1 }},
		{"zero tiles", func(c *Config) { c.Runtime.TileRows = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for %s", tc.name)
		}
	}
}
