// Package config provides configuration loading and management for insarrate.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Reference phase estimation methods.
const (
	RefPhaseMethodNanMask  = 1
	RefPhaseMethodRefPixel = 2
)

// Orbital correction execution modes.
const (
	// OrbitalModeIndependent corrects each worker's shard of paths in place
	OrbitalModeIndependent = "independent"

	// OrbitalModeLeader runs the full correction once on the leader
	OrbitalModeLeader = "leader"
)

// MSTBackendEpochGraph is the supported minimum-spanning-tree backend.
const MSTBackendEpochGraph = "epoch-graph"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// NodataValue is the raw phase value marking missing observations
		NodataValue float64 `yaml:"nodataValue"`
	} `yaml:"input"`

	// Runtime parameters
	Runtime struct {
		// Workers is the number of cooperating worker processes
		Workers int `yaml:"workers"`

		// WorkDir is the directory holding all persisted run artifacts
		WorkDir string `yaml:"workDir"`

		// TileRows and TileCols control the raster tiling
		TileRows int `yaml:"tileRows"`
		TileCols int `yaml:"tileCols"`
	} `yaml:"runtime"`

	// RefPixel parameters control the reference pixel search
	RefPixel struct {
		// X and Y optionally pre-supply the reference pixel; zero or
		// negative triggers the search
		X int `yaml:"x"`
		Y int `yaml:"y"`

		// GridNx and GridNy set the candidate grid density
		GridNx int `yaml:"gridNx"`
		GridNy int `yaml:"gridNy"`

		// ChipSize is the odd patch width evaluated around each candidate
		ChipSize int `yaml:"chipSize"`

		// MinFrac is the minimum valid-cell fraction for a usable patch
		MinFrac float64 `yaml:"minFrac"`
	} `yaml:"refPixel"`

	// RefPhase parameters control reference phase estimation
	RefPhase struct {
		// Method selects the estimation method (1 or 2)
		Method int `yaml:"method"`
	} `yaml:"refPhase"`

	// Orbital parameters control the orbital error correction
	Orbital struct {
		// Mode selects distributed or leader-only execution
		Mode string `yaml:"mode"`

		// Degree is the fitted surface degree (1 planar, 2 quadratic)
		Degree int `yaml:"degree"`
	} `yaml:"orbital"`

	// MST parameters
	MST struct {
		// Backend selects the spanning-tree implementation
		Backend string `yaml:"backend"`
	} `yaml:"mst"`

	// Covariance parameters
	Covariance struct {
		// CalcAlpha enables the exponential decay fit
		CalcAlpha bool `yaml:"calcAlpha"`

		// SaveACG persists the autocorrelation-vs-distance samples
		SaveACG bool `yaml:"saveAcg"`
	} `yaml:"covariance"`

	// TimeSeries parameters
	TimeSeries struct {
		// Enabled switches the time series calculation on
		Enabled bool `yaml:"enabled"`
	} `yaml:"timeSeries"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.NodataValue = 0

	cfg.Runtime.Workers = runtime.NumCPU()
	cfg.Runtime.WorkDir = "insarrate_work"
	cfg.Runtime.TileRows = 1
	cfg.Runtime.TileCols = 1

	cfg.RefPixel.X = -1
	cfg.RefPixel.Y = -1
	cfg.RefPixel.GridNx = 5
	cfg.RefPixel.GridNy = 5
	cfg.RefPixel.ChipSize = 5
	cfg.RefPixel.MinFrac = 0.8

	cfg.RefPhase.Method = RefPhaseMethodRefPixel

	cfg.Orbital.Mode = OrbitalModeIndependent
	cfg.Orbital.Degree = 1

	cfg.MST.Backend = MSTBackendEpochGraph

	cfg.Covariance.CalcAlpha = true
	cfg.Covariance.SaveACG = true

	cfg.TimeSeries.Enabled = true

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate rejects non-recoverable misconfiguration up front. Selector
// errors are fatal: no stage retries them.
func (cfg *Config) Validate() error {
	switch cfg.RefPhase.Method {
	case RefPhaseMethodNanMask, RefPhaseMethodRefPixel:
	default:
		return fmt.Errorf("ref phase estimation method must be 1 or 2, got %d", cfg.RefPhase.Method)
	}

	switch cfg.Orbital.Mode {
	case OrbitalModeIndependent, OrbitalModeLeader:
	default:
		return fmt.Errorf("unsupported orbital correction mode %q", cfg.Orbital.Mode)
	}

	if cfg.MST.Backend != MSTBackendEpochGraph {
		return fmt.Errorf("only the %s mst backend is supported, got %q",
			MSTBackendEpochGraph, cfg.MST.Backend)
	}

	if cfg.Orbital.Degree < 1 || cfg.Orbital.Degree > 2 {
		return fmt.Errorf("orbital fit degree must be 1 or 2, got %d", cfg.Orbital.Degree)
	}

	if cfg.RefPixel.ChipSize < 3 || cfg.RefPixel.ChipSize%2 == 0 {
		return fmt.Errorf("reference pixel chip size must be odd and at least 3, got %d", cfg.RefPixel.ChipSize)
	}

	if cfg.Runtime.TileRows < 1 || cfg.Runtime.TileCols < 1 {
		return fmt.Errorf("tile counts must be positive, got %dx%d",
			cfg.Runtime.TileRows, cfg.Runtime.TileCols)
	}

	return nil
}
