// Package config provides unified configuration loading for moffcal.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config contains all settings of one calibration run. A loaded Config is
// treated as immutable once handed to the control loop.
type Config struct {
	// Run controls iteration count, cadence and reproducibility.
	Run RunConfig `json:"run" yaml:"run"`

	// Array describes the antenna layout and the observing band.
	Array ArrayConfig `json:"array" yaml:"array"`

	// Sky describes the simulated source and receiver noise.
	Sky SkyConfig `json:"sky" yaml:"sky"`

	// Calibration contains the gain solver settings.
	Calibration CalibrationConfig `json:"calibration" yaml:"calibration"`

	// Imaging contains aperture gridding settings.
	Imaging ImagingConfig `json:"imaging" yaml:"imaging"`

	// Logging contains settings for operational and trace logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Archive contains retention settings for exported run archives.
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// RunConfig configures the control loop.
type RunConfig struct {
	// Iterations is the number of loop iterations (itr).
	Iterations int `json:"iterations" yaml:"iterations"`

	// CheckpointInterval is the number of iterations between gain and image
	// snapshots (cal_iter). Iterations must be a multiple of it.
	CheckpointInterval int `json:"checkpoint_interval" yaml:"checkpoint_interval"`

	// Seed drives every random draw of the run.
	Seed uint64 `json:"seed" yaml:"seed"`

	// Workers bounds per-antenna parallelism. 0 means one per CPU.
	Workers int `json:"workers" yaml:"workers"`

	// Plots enables PNG output of the average image and gain convergence.
	Plots bool `json:"plots" yaml:"plots"`
}

// ArrayConfig configures antenna geometry and the spectral setup.
type ArrayConfig struct {
	// GeometryFile is a whitespace table of id, x, y, z. Supports ${VAR}.
	// When empty a random layout of Antennas elements is generated.
	GeometryFile string `json:"geometry_file,omitempty" yaml:"geometry_file,omitempty"`

	// SkipRows drops leading lines of the geometry file.
	SkipRows int `json:"skip_rows" yaml:"skip_rows"`

	// CoreHalfWidth keeps antennas within this many metres of the centre
	// along x and y. 0 keeps all.
	CoreHalfWidth float64 `json:"core_half_width" yaml:"core_half_width"`

	// Antennas is the size of the generated layout.
	Antennas int `json:"antennas" yaml:"antennas"`

	// LayoutExtent is the side in metres of the square the generated
	// layout is drawn from.
	LayoutExtent float64 `json:"layout_extent" yaml:"layout_extent"`

	// CenterFrequency in Hz.
	CenterFrequency float64 `json:"center_frequency" yaml:"center_frequency"`

	// Channels is the number of frequency channels.
	Channels int `json:"channels" yaml:"channels"`

	// ChannelWidth in Hz.
	ChannelWidth float64 `json:"channel_width" yaml:"channel_width"`
}

// SkyConfig configures the simulated sky.
type SkyConfig struct {
	// L and M are the source direction cosines.
	L float64 `json:"l" yaml:"l"`
	M float64 `json:"m" yaml:"m"`

	// Flux is the source power.
	Flux float64 `json:"flux" yaml:"flux"`

	// NoiseRMS is the per-channel complex receiver noise amplitude.
	NoiseRMS float64 `json:"noise_rms" yaml:"noise_rms"`
}

// CalibrationConfig configures the gain solver.
type CalibrationConfig struct {
	// GainFactor is the update step in [0, 1]. Required: there is no default.
	GainFactor *float64 `json:"gain_factor" yaml:"gain_factor"`

	// Perturbation is the fractional deviation of the initial gain guess.
	Perturbation float64 `json:"perturbation" yaml:"perturbation"`

	// ReferenceAntenna is the row index of the phase reference.
	ReferenceAntenna int `json:"reference_antenna" yaml:"reference_antenna"`

	// Integrations is the number of updates averaged before a commit.
	Integrations int `json:"integrations" yaml:"integrations"`

	// Polarization is the calibrated polarization: "P1" or "P2".
	Polarization string `json:"polarization" yaml:"polarization"`

	// SkyModel is the modelled source power per channel (one value applies
	// to all). Empty means the simulated source flux.
	SkyModel []float64 `json:"sky_model,omitempty" yaml:"sky_model,omitempty"`
}

// ImagingConfig configures aperture gridding.
type ImagingConfig struct {
	// CellSize is the nearest-neighbour grid spacing in metres. 0 means half
	// a wavelength at the center frequency.
	CellSize float64 `json:"cell_size" yaml:"cell_size"`

	// Padding multiplies the aperture extent before choosing the FFT size.
	Padding int `json:"padding" yaml:"padding"`

	// MinSize is the smallest image side in pixels.
	MinSize int `json:"min_size" yaml:"min_size"`

	// Tolerance is the fraction of a cell around a cell boundary inside
	// which an antenna snaps toward the grid origin.
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`

	// FreqScaling is "scale" (antenna cells follow each channel's
	// wavelength) or "noscale".
	FreqScaling string `json:"freq_scaling" yaml:"freq_scaling"`

	// Illumination is the element pattern lookup: "uniform" or "dipole".
	Illumination string `json:"illumination" yaml:"illumination"`

	// Orientation of dipole elements in degrees from the P1 axis.
	Orientation float64 `json:"orientation" yaml:"orientation"`
}

// LoggingConfig configures moffcal's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the per-iteration trace file of each run.
	Level string `json:"level" yaml:"level"`
}

// ArchiveConfig configures retention in the archive directory.
type ArchiveConfig struct {
	// Keep is the number of newest archives to retain. 0 keeps all.
	Keep int `json:"keep" yaml:"keep"`

	// MaxAge drops archives older than this, e.g. "30d" or "72h". Empty
	// disables the age limit.
	MaxAge string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// Float returns a pointer to v, for optional float settings.
func Float(v float64) *float64 { return &v }

// Default returns a Config with sensible defaults. GainFactor is left unset
// and must be supplied by a config file, environment or flag.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Iterations:         200,
			CheckpointInterval: 10,
			Seed:               1,
		},
		Array: ArrayConfig{
			SkipRows:        0,
			CoreHalfWidth:   150,
			Antennas:        32,
			LayoutExtent:    40,
			CenterFrequency: 150e6,
			Channels:        4,
			ChannelWidth:    40e3,
		},
		Sky: SkyConfig{
			Flux:     1,
			NoiseRMS: 0.1,
		},
		Calibration: CalibrationConfig{
			Perturbation: 0.2,
			Integrations: 1,
			Polarization: "P1",
		},
		Imaging: ImagingConfig{
			Padding:      2,
			MinSize:      8,
			Tolerance:    1e-6,
			FreqScaling:  "scale",
			Illumination: "uniform",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Archive: ArchiveConfig{
			Keep: 20,
		},
	}
}

// Path returns the config file location under a project root.
func Path(root string) string {
	return filepath.Join(root, ".moffcal", "config.yaml")
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> <root>/.moffcal/config.yaml -> environment variables
func Load(root string) (*Config, error) {
	config := Default()

	configPath := Path(root)
	if _, statErr := os.Stat(configPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(configPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading config file: %w", loadErr)
		}
		config = fileConfig
	}

	// Apply environment variable overrides
	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Array.GeometryFile = expandEnvVars(config.Array.GeometryFile)

	return config, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Run.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Run.Iterations)
	}
	if c.Run.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive, got %d", c.Run.CheckpointInterval)
	}
	if c.Run.Iterations%c.Run.CheckpointInterval != 0 {
		return fmt.Errorf("iterations (%d) must be a multiple of checkpoint_interval (%d)",
			c.Run.Iterations, c.Run.CheckpointInterval)
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Run.Workers)
	}

	if c.Array.GeometryFile == "" && c.Array.Antennas <= 0 {
		return fmt.Errorf("antennas must be positive when no geometry_file is set, got %d", c.Array.Antennas)
	}
	if c.Array.GeometryFile == "" && c.Array.LayoutExtent <= 0 {
		return fmt.Errorf("layout_extent must be positive, got %g", c.Array.LayoutExtent)
	}
	if c.Array.SkipRows < 0 {
		return fmt.Errorf("skip_rows must be non-negative, got %d", c.Array.SkipRows)
	}
	if c.Array.CoreHalfWidth < 0 {
		return fmt.Errorf("core_half_width must be non-negative, got %g", c.Array.CoreHalfWidth)
	}
	if c.Array.CenterFrequency <= 0 {
		return fmt.Errorf("center_frequency must be positive, got %g", c.Array.CenterFrequency)
	}
	if c.Array.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Array.Channels)
	}
	if c.Array.ChannelWidth <= 0 {
		return fmt.Errorf("channel_width must be positive, got %g", c.Array.ChannelWidth)
	}

	if c.Sky.Flux <= 0 {
		return fmt.Errorf("flux must be positive, got %g", c.Sky.Flux)
	}
	if c.Sky.L*c.Sky.L+c.Sky.M*c.Sky.M > 1 {
		return fmt.Errorf("source position (l=%g, m=%g) is outside the unit circle", c.Sky.L, c.Sky.M)
	}
	if c.Sky.NoiseRMS < 0 {
		return fmt.Errorf("noise_rms must be non-negative, got %g", c.Sky.NoiseRMS)
	}

	if c.Calibration.GainFactor == nil {
		return fmt.Errorf("gain_factor is required")
	}
	if g := *c.Calibration.GainFactor; math.IsNaN(g) || g < 0 || g > 1 {
		return fmt.Errorf("gain_factor must be between 0 and 1, got %f", g)
	}
	if c.Calibration.Perturbation < 0 || c.Calibration.Perturbation >= 1 {
		return fmt.Errorf("perturbation must be in [0, 1), got %f", c.Calibration.Perturbation)
	}
	if c.Calibration.ReferenceAntenna < 0 {
		return fmt.Errorf("reference_antenna must be non-negative, got %d", c.Calibration.ReferenceAntenna)
	}
	if c.Array.GeometryFile == "" && c.Calibration.ReferenceAntenna >= c.Array.Antennas {
		return fmt.Errorf("reference_antenna %d out of range for %d antennas", c.Calibration.ReferenceAntenna, c.Array.Antennas)
	}
	if c.Calibration.Integrations < 0 {
		return fmt.Errorf("integrations must be non-negative, got %d", c.Calibration.Integrations)
	}
	validPols := map[string]bool{"P1": true, "P2": true}
	if !validPols[c.Calibration.Polarization] {
		return fmt.Errorf("invalid polarization: %s (valid: P1, P2)", c.Calibration.Polarization)
	}
	if n := len(c.Calibration.SkyModel); n > 1 && n != c.Array.Channels {
		return fmt.Errorf("sky_model needs 1 or %d values, got %d", c.Array.Channels, n)
	}
	for i, s := range c.Calibration.SkyModel {
		if s <= 0 {
			return fmt.Errorf("sky_model[%d] must be positive, got %g", i, s)
		}
	}

	if c.Imaging.CellSize < 0 {
		return fmt.Errorf("cell_size must be non-negative, got %g", c.Imaging.CellSize)
	}
	if c.Imaging.Padding < 0 {
		return fmt.Errorf("padding must be non-negative, got %d", c.Imaging.Padding)
	}
	if c.Imaging.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", c.Imaging.Tolerance)
	}
	switch c.Imaging.FreqScaling {
	case "", "scale", "noscale":
	default:
		return fmt.Errorf("invalid freq_scaling: %s (valid: scale, noscale)", c.Imaging.FreqScaling)
	}
	switch c.Imaging.Illumination {
	case "", "uniform":
	case "dipole":
		theta := c.Imaging.Orientation * math.Pi / 180
		onFeed := math.Cos(theta)
		if c.Calibration.Polarization == "P2" {
			onFeed = math.Sin(theta)
		}
		if math.Abs(onFeed) < 1e-9 {
			return fmt.Errorf("dipole orientation %g has no response on %s", c.Imaging.Orientation, c.Calibration.Polarization)
		}
	default:
		return fmt.Errorf("invalid illumination: %s (valid: uniform, dipole)", c.Imaging.Illumination)
	}

	if c.Archive.Keep < 0 {
		return fmt.Errorf("archive keep must be non-negative, got %d", c.Archive.Keep)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// ResolvedCellSize returns the gridding cell size in metres.
func (c *Config) ResolvedCellSize() float64 {
	if c.Imaging.CellSize > 0 {
		return c.Imaging.CellSize
	}
	return 0.5 * speedOfLight / c.Array.CenterFrequency
}

// ResolvedSkyModel returns the calibration sky model, falling back to the
// simulated source flux.
func (c *Config) ResolvedSkyModel() []float64 {
	if len(c.Calibration.SkyModel) > 0 {
		return append([]float64(nil), c.Calibration.SkyModel...)
	}
	return []float64{c.Sky.Flux}
}

const speedOfLight = 299792458.0

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MOFFCAL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("MOFFCAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Run.Workers = n
		}
	}

	if v := os.Getenv("MOFFCAL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Run.Iterations = n
		}
	}

	if v := os.Getenv("MOFFCAL_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Run.Seed = n
		}
	}

	if v := os.Getenv("MOFFCAL_GAIN_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Calibration.GainFactor = Float(f)
		}
	}

	if v := os.Getenv("MOFFCAL_GEOMETRY_FILE"); v != "" {
		config.Array.GeometryFile = expandEnvVars(v)
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
