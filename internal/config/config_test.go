package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validConfig returns the defaults plus the one required setting.
func validConfig() *Config {
	c := Default()
	c.Calibration.GainFactor = Float(0.2)
	return c
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	config := Default()

	if config.Run.Iterations != 200 {
		t.Errorf("expected Iterations 200, got %d", config.Run.Iterations)
	}
	if config.Run.CheckpointInterval != 10 {
		t.Errorf("expected CheckpointInterval 10, got %d", config.Run.CheckpointInterval)
	}
	if config.Array.CenterFrequency != 150e6 {
		t.Errorf("expected CenterFrequency 150e6, got %g", config.Array.CenterFrequency)
	}
	if config.Array.Channels != 4 {
		t.Errorf("expected Channels 4, got %d", config.Array.Channels)
	}
	if config.Calibration.GainFactor != nil {
		t.Errorf("expected GainFactor unset, got %v", *config.Calibration.GainFactor)
	}
	if config.Calibration.Polarization != "P1" {
		t.Errorf("expected Polarization 'P1', got '%s'", config.Calibration.Polarization)
	}
	if config.Logging.Level != "info" {
		t.Errorf("expected Logging.Level 'info', got '%s'", config.Logging.Level)
	}
	if config.Archive.Keep != 20 {
		t.Errorf("expected Archive.Keep 20, got %d", config.Archive.Keep)
	}
	if config.Imaging.FreqScaling != "scale" || config.Imaging.Illumination != "uniform" {
		t.Errorf("expected scale/uniform gridding, got %s/%s", config.Imaging.FreqScaling, config.Imaging.Illumination)
	}
}

func TestDefault_RequiresGainFactor(t *testing.T) {
	err := Default().Validate()
	if err == nil {
		t.Fatal("expected validation error without gain_factor")
	}
	if !strings.Contains(err.Error(), "gain_factor") {
		t.Errorf("error should name gain_factor, got: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
run:
  iterations: 20
  checkpoint_interval: 5
  seed: 42
array:
  antennas: 10
  channels: 8
sky:
  l: 0.1
  m: -0.2
  noise_rms: 0
calibration:
  gain_factor: 0
  reference_antenna: 3
  sky_model: [2.5]
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Run.Iterations != 20 || config.Run.CheckpointInterval != 5 {
		t.Errorf("unexpected run section: %+v", config.Run)
	}
	if config.Run.Seed != 42 {
		t.Errorf("expected Seed 42, got %d", config.Run.Seed)
	}
	if config.Array.Channels != 8 {
		t.Errorf("expected Channels 8, got %d", config.Array.Channels)
	}
	// Unset fields keep their defaults.
	if config.Array.ChannelWidth != 40e3 {
		t.Errorf("expected default ChannelWidth, got %g", config.Array.ChannelWidth)
	}
	if config.Sky.L != 0.1 || config.Sky.M != -0.2 {
		t.Errorf("unexpected source position (%g, %g)", config.Sky.L, config.Sky.M)
	}
	if config.Calibration.GainFactor == nil || *config.Calibration.GainFactor != 0 {
		t.Errorf("expected explicit GainFactor 0, got %v", config.Calibration.GainFactor)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestLoadFromFile_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_GEOMETRY_DIR", "/data/arrays")
	path := writeConfig(t, `
array:
  geometry_file: ${TEST_GEOMETRY_DIR}/core.txt
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Array.GeometryFile != "/data/arrays/core.txt" {
		t.Errorf("expected expanded GeometryFile, got '%s'", config.Array.GeometryFile)
	}
}

func TestLoad_FromRoot(t *testing.T) {
	root := t.TempDir()
	cfg := validConfig()
	cfg.Run.Iterations = 30
	if err := cfg.Save(Path(root)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Run.Iterations != 30 {
		t.Errorf("expected Iterations 30, got %d", loaded.Run.Iterations)
	}
	if loaded.Calibration.GainFactor == nil || *loaded.Calibration.GainFactor != 0.2 {
		t.Errorf("expected GainFactor 0.2 to round-trip, got %v", loaded.Calibration.GainFactor)
	}
}

func TestLoad_NoFile(t *testing.T) {
	loaded, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Run.Iterations != Default().Run.Iterations {
		t.Errorf("expected default iterations, got %d", loaded.Run.Iterations)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOFFCAL_LOG_LEVEL", "debug")
	t.Setenv("MOFFCAL_WORKERS", "3")
	t.Setenv("MOFFCAL_ITERATIONS", "40")
	t.Setenv("MOFFCAL_SEED", "7")
	t.Setenv("MOFFCAL_GAIN_FACTOR", "0.5")
	t.Setenv("MOFFCAL_GEOMETRY_FILE", "/tmp/ants.txt")

	config := Default()
	applyEnvOverrides(config)

	if config.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level 'debug', got '%s'", config.Logging.Level)
	}
	if config.Run.Workers != 3 {
		t.Errorf("expected Workers 3, got %d", config.Run.Workers)
	}
	if config.Run.Iterations != 40 {
		t.Errorf("expected Iterations 40, got %d", config.Run.Iterations)
	}
	if config.Run.Seed != 7 {
		t.Errorf("expected Seed 7, got %d", config.Run.Seed)
	}
	if config.Calibration.GainFactor == nil || *config.Calibration.GainFactor != 0.5 {
		t.Errorf("expected GainFactor 0.5, got %v", config.Calibration.GainFactor)
	}
	if config.Array.GeometryFile != "/tmp/ants.txt" {
		t.Errorf("expected GeometryFile '/tmp/ants.txt', got '%s'", config.Array.GeometryFile)
	}
}

func TestEnvOverrides_IgnoresUnparseable(t *testing.T) {
	t.Setenv("MOFFCAL_ITERATIONS", "many")
	t.Setenv("MOFFCAL_GAIN_FACTOR", "fast")

	config := Default()
	applyEnvOverrides(config)

	if config.Run.Iterations != 200 {
		t.Errorf("expected Iterations unchanged, got %d", config.Run.Iterations)
	}
	if config.Calibration.GainFactor != nil {
		t.Error("expected GainFactor to stay unset")
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_GainFactorBounds(t *testing.T) {
	tests := []struct {
		name    string
		factor  float64
		wantErr bool
	}{
		{"zero disables updates", 0, false},
		{"one applies full correction", 1, false},
		{"typical", 0.2, false},
		{"negative", -0.1, true},
		{"greater than 1", 1.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			config.Calibration.GainFactor = Float(tt.factor)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Run.Iterations = 0 }},
		{"zero checkpoint interval", func(c *Config) { c.Run.CheckpointInterval = 0 }},
		{"iterations not a multiple", func(c *Config) { c.Run.Iterations = 25 }},
		{"negative workers", func(c *Config) { c.Run.Workers = -1 }},
		{"no antennas", func(c *Config) { c.Array.Antennas = 0 }},
		{"zero layout extent", func(c *Config) { c.Array.LayoutExtent = 0 }},
		{"negative skip rows", func(c *Config) { c.Array.SkipRows = -1 }},
		{"zero frequency", func(c *Config) { c.Array.CenterFrequency = 0 }},
		{"zero channels", func(c *Config) { c.Array.Channels = 0 }},
		{"zero channel width", func(c *Config) { c.Array.ChannelWidth = 0 }},
		{"zero flux", func(c *Config) { c.Sky.Flux = 0 }},
		{"source below horizon", func(c *Config) {
			c.Sky.L = 0.8
			c.Sky.M = 0.8
		}},
		{"negative noise", func(c *Config) { c.Sky.NoiseRMS = -1 }},
		{"perturbation of one", func(c *Config) { c.Calibration.Perturbation = 1 }},
		{"reference out of range", func(c *Config) { c.Calibration.ReferenceAntenna = 32 }},
		{"bad polarization", func(c *Config) { c.Calibration.Polarization = "XX" }},
		{"sky model length", func(c *Config) { c.Calibration.SkyModel = []float64{1, 2} }},
		{"sky model zero", func(c *Config) { c.Calibration.SkyModel = []float64{0} }},
		{"negative cell size", func(c *Config) { c.Imaging.CellSize = -1 }},
		{"bad freq scaling", func(c *Config) { c.Imaging.FreqScaling = "warp" }},
		{"bad illumination", func(c *Config) { c.Imaging.Illumination = "horn" }},
		{"dipole across calibrated feed", func(c *Config) {
			c.Imaging.Illumination = "dipole"
			c.Imaging.Orientation = 90
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"negative archive keep", func(c *Config) { c.Archive.Keep = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_ValidLogLevels(t *testing.T) {
	validLevels := []string{"", "info", "debug", "trace"}

	for _, level := range validLevels {
		t.Run(level, func(t *testing.T) {
			config := validConfig()
			config.Logging.Level = level
			if err := config.Validate(); err != nil {
				t.Errorf("expected log level '%s' to be valid, got error: %v", level, err)
			}
		})
	}
}

func TestResolvedCellSize(t *testing.T) {
	config := validConfig()
	want := 0.5 * speedOfLight / 150e6
	if got := config.ResolvedCellSize(); got != want {
		t.Errorf("ResolvedCellSize() = %g, want %g", got, want)
	}

	config.Imaging.CellSize = 3
	if got := config.ResolvedCellSize(); got != 3 {
		t.Errorf("ResolvedCellSize() = %g, want 3", got)
	}
}

func TestResolvedSkyModel(t *testing.T) {
	config := validConfig()
	config.Sky.Flux = 2
	if got := config.ResolvedSkyModel(); len(got) != 1 || got[0] != 2 {
		t.Errorf("ResolvedSkyModel() = %v, want [2]", got)
	}

	config.Calibration.SkyModel = []float64{1, 2, 3, 4}
	if got := config.ResolvedSkyModel(); len(got) != 4 {
		t.Errorf("ResolvedSkyModel() = %v, want 4 values", got)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
run:
  iterations: [invalid yaml
`)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
