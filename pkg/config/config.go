// Package config provides configuration loading and management for the
// pipeline. It handles loading configuration from YAML files and provides
// default values; command-line flags override whatever is loaded here, so
// no component ever reads ambient process state.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ravens/pkg/registration"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// Backend selects the registration engine, "classical" or
		// "alternative"
		Backend string `yaml:"backend"`

		// Profile names the parameter preset to run
		Profile string `yaml:"profile"`

		// Profiles adds custom parameter presets on top of the
		// built-in ones
		Profiles []registration.Profile `yaml:"profiles"`

		// Tools locates the external solver executables
		Tools registration.Config `yaml:"tools"`
	} `yaml:"registration"`

	// Pipeline parameters
	Pipeline struct {
		// MeanICV is the population mean intracranial volume, in cubic
		// millimeters, used to normalize away head-size variation
		MeanICV float64 `yaml:"meanICV"`

		// InvertScaleMax is the intensity ceiling used when contrast
		// inversion is requested
		InvertScaleMax float64 `yaml:"invertScaleMax"`

		// VolumeExt is the extension of written volumes, ".nii" or
		// ".nii.gz"
		VolumeExt string `yaml:"volumeExt"`
	} `yaml:"pipeline"`

	// Projection parameters
	Projection struct {
		// AtlasDir holds the precomputed factorization atlas volumes
		AtlasDir string `yaml:"atlasDir"`

		// Components is the number of atlas components to evaluate
		Components int `yaml:"components"`

		// ResampleSpacing is the isotropic spacing, in millimeters, the
		// gray-matter density map is resampled to before projection
		ResampleSpacing float64 `yaml:"resampleSpacing"`
	} `yaml:"projection"`

	// Output parameters
	Output struct {
		// Cleanup removes intermediate directories once final outputs
		// are confirmed present
		Cleanup bool `yaml:"cleanup"`

		// QCSnapshots exports mid-slice images of the warped volumes
		QCSnapshots bool `yaml:"qcSnapshots"`

		// Verbose controls the level of progress output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registration.Backend = "classical"
	cfg.Registration.Profile = "default"

	// 1.45 liters, the population constant used for ICV correction.
	cfg.Pipeline.MeanICV = 1450000
	cfg.Pipeline.InvertScaleMax = 2048
	cfg.Pipeline.VolumeExt = ".nii.gz"

	cfg.Projection.Components = 64
	cfg.Projection.ResampleSpacing = 2.0

	cfg.Output.Cleanup = false
	cfg.Output.QCSnapshots = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
