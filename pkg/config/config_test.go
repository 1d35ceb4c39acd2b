package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the default values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Registration.Backend != "classical" {
		t.Errorf("expected default backend classical, got %q", cfg.Registration.Backend)
	}
	if cfg.Registration.Profile != "default" {
		t.Errorf("expected default profile, got %q", cfg.Registration.Profile)
	}
	if cfg.Pipeline.MeanICV != 1450000 {
		t.Errorf("expected mean ICV 1450000, got %g", cfg.Pipeline.MeanICV)
	}
	if cfg.Pipeline.VolumeExt != ".nii.gz" {
		t.Errorf("expected volume extension .nii.gz, got %q", cfg.Pipeline.VolumeExt)
	}
	if cfg.Projection.Components != 64 {
		t.Errorf("expected 64 projection components, got %d", cfg.Projection.Components)
	}
	if cfg.Projection.ResampleSpacing != 2.0 {
		t.Errorf("expected 2.0 mm resampling, got %g", cfg.Projection.ResampleSpacing)
	}
}

// TestLoadConfigMissing verifies a missing file yields the defaults.
func TestLoadConfigMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Registration.Backend != "classical" {
		t.Errorf("expected defaults for a missing file, got backend %q", cfg.Registration.Backend)
	}
}

// TestLoadConfigOverrides verifies file values override defaults while
// unspecified fields keep theirs.
func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `registration:
  backend: alternative
  profile: quick
  profiles:
    - name: tiny
      scales: [2, 1]
      smoothing: [1, 0]
      linearIterations: [10, 5]
      deformableIterations: [2, 0]
pipeline:
  meanICV: 1500000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Registration.Backend != "alternative" {
		t.Errorf("expected backend alternative, got %q", cfg.Registration.Backend)
	}
	if cfg.Registration.Profile != "quick" {
		t.Errorf("expected profile quick, got %q", cfg.Registration.Profile)
	}
	if len(cfg.Registration.Profiles) != 1 || cfg.Registration.Profiles[0].Name != "tiny" {
		t.Errorf("expected one extra profile named tiny, got %v", cfg.Registration.Profiles)
	}
	if cfg.Pipeline.MeanICV != 1500000 {
		t.Errorf("expected mean ICV 1500000, got %g", cfg.Pipeline.MeanICV)
	}
	// Unspecified fields retain their defaults.
	if cfg.Pipeline.InvertScaleMax != 2048 {
		t.Errorf("expected default invert ceiling 2048, got %g", cfg.Pipeline.InvertScaleMax)
	}
}

// TestLoadConfigInvalid verifies malformed YAML fails.
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("registration: [broken\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected an error for malformed YAML")
	}
}

// TestSaveLoadRoundTrip verifies a saved configuration loads back intact.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Registration.Backend = "alternative"
	cfg.Output.Cleanup = true
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Registration.Backend != "alternative" {
		t.Errorf("expected backend alternative after round trip, got %q", loaded.Registration.Backend)
	}
	if !loaded.Output.Cleanup {
		t.Errorf("expected cleanup true after round trip")
	}
}

// TestCreateDefaultConfigFile verifies the convenience writer.
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Errorf("config file is empty")
	}
}
