// Package config provides configuration loading and management for wsifocus.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"wsifocus/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the worker pool size; 0 means one worker per CPU
		Workers int `yaml:"workers"`

		// TileSize is the edge length of a square tile in pixels
		TileSize int `yaml:"tileSize"`

		// Overlap is how many pixels neighbouring tiles share
		Overlap int `yaml:"overlap"`

		// Level is the pyramid level to process, 0 being full resolution
		Level int `yaml:"level"`

		// ExtractTileSize is the tile edge used when extracting per-plane tiles
		ExtractTileSize int `yaml:"extractTileSize"`

		// PyramidLevels caps the levels the built-in .zstack decoder exposes
		PyramidLevels int `yaml:"pyramidLevels"`
	} `yaml:"processing"`

	// Focus measure parameters
	Focus struct {
		// WindowRadius is the half-width of the window the per-pixel
		// sharpness is averaged over
		WindowRadius int `yaml:"windowRadius"`
	} `yaml:"focus"`

	// External focus-stacking tool
	External struct {
		// Binary is the command name or path of the tool
		Binary string `yaml:"binary"`

		// Args are extra arguments passed before the input files
		Args []string `yaml:"args"`

		// TempDir is where per-invocation working directories are created
		TempDir string `yaml:"tempDir"`

		// Workers bounds concurrent invocations of the tool
		Workers int `yaml:"workers"`
	} `yaml:"external"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// File, when set, receives logs with size/age rotation
		File string `yaml:"file"`

		// MaxSizeMB is the size at which the log file is rotated
		MaxSizeMB int `yaml:"maxSizeMB"`

		// MaxAgeDays is how long rotated files are kept
		MaxAgeDays int `yaml:"maxAgeDays"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.Workers = 0 // Use all available cores by default
	cfg.Processing.TileSize = 2048
	cfg.Processing.Overlap = 0
	cfg.Processing.Level = 0
	cfg.Processing.ExtractTileSize = 4096
	cfg.Processing.PyramidLevels = 4

	cfg.Focus.WindowRadius = 1

	cfg.External.Binary = "focus-stack"
	cfg.External.Workers = 32

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 30

	return cfg
}

// Validate rejects parameter combinations no pipeline can run with
func (c *Config) Validate() error {
	p := c.Processing
	switch {
	case p.Overlap < 0:
		return fmt.Errorf("%w: overlap %d is negative", models.ErrInvalidConfiguration, p.Overlap)
	case p.TileSize <= p.Overlap:
		return fmt.Errorf("%w: tile size %d must exceed overlap %d", models.ErrInvalidConfiguration, p.TileSize, p.Overlap)
	case p.ExtractTileSize <= p.Overlap:
		return fmt.Errorf("%w: extract tile size %d must exceed overlap %d", models.ErrInvalidConfiguration, p.ExtractTileSize, p.Overlap)
	case p.Level < 0:
		return fmt.Errorf("%w: level %d is negative", models.ErrInvalidConfiguration, p.Level)
	case p.Workers < 0, c.External.Workers < 0:
		return fmt.Errorf("%w: worker counts must not be negative", models.ErrInvalidConfiguration)
	case p.PyramidLevels < 1:
		return fmt.Errorf("%w: pyramidLevels must be at least 1", models.ErrInvalidConfiguration)
	case c.Focus.WindowRadius < 0:
		return fmt.Errorf("%w: focus window radius %d is negative", models.ErrInvalidConfiguration, c.Focus.WindowRadius)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: error parsing config file: %v", models.ErrInvalidConfiguration, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
