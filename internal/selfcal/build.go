package selfcal

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nvandessel/moffcal/internal/array"
	"github.com/nvandessel/moffcal/internal/calibration"
	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/imaging"
	"github.com/nvandessel/moffcal/internal/logging"
	"github.com/nvandessel/moffcal/internal/simulate"
	"github.com/nvandessel/moffcal/internal/workpool"
)

// seedStream is the PCG stream selector paired with the configured seed.
const seedStream = 0x6d6f6666

// BuildOptions are the runtime settings that are not part of Config.
type BuildOptions struct {
	Logger *slog.Logger

	// RunsDir receives runs/<run-id>/iterations.jsonl at debug level and
	// above. Empty disables the trace.
	RunsDir string

	// RunID overrides the generated run identifier.
	RunID string
}

// Build assembles a Loop with the standard collaborators: the antenna
// layout from the geometry file (or a seeded random layout), the simulator,
// the aperture imager and a freshly initialized calibrator. Every random
// draw comes from one PCG source seeded by cfg.Run.Seed, so equal configs
// give equal runs.
func Build(cfg *config.Config, opts BuildOptions) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	rng := rand.New(rand.NewPCG(cfg.Run.Seed, seedStream))

	ants, err := loadAntennas(cfg, rng)
	if err != nil {
		return nil, err
	}
	if cfg.Calibration.ReferenceAntenna >= len(ants) {
		return nil, fmt.Errorf("reference_antenna %d out of range for %d antennas",
			cfg.Calibration.ReferenceAntenna, len(ants))
	}

	arr, err := array.New(ants, array.Options{
		CenterFrequency: cfg.Array.CenterFrequency,
		Channels:        cfg.Array.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("building array: %w", err)
	}
	positions := arr.Positions()

	sim, err := simulate.New(simulate.Config{
		CenterFrequency: cfg.Array.CenterFrequency,
		Channels:        cfg.Array.Channels,
		ChannelWidth:    cfg.Array.ChannelWidth,
		Source:          simulate.Source{L: cfg.Sky.L, M: cfg.Sky.M, Flux: cfg.Sky.Flux},
		NoiseRMS:        cfg.Sky.NoiseRMS,
		Polarizations:   array.Polarizations,
	}, positions, rng)
	if err != nil {
		return nil, fmt.Errorf("building simulator: %w", err)
	}

	imager, err := imaging.New(imaging.Config{
		CenterFrequency: cfg.Array.CenterFrequency,
		Frequencies:     simulate.ChannelFrequencies(cfg.Array.CenterFrequency, cfg.Array.ChannelWidth, cfg.Array.Channels),
		Padding:         cfg.Imaging.Padding,
		MinSize:         cfg.Imaging.MinSize,
	})
	if err != nil {
		return nil, fmt.Errorf("building imager: %w", err)
	}

	cal, err := calibration.New(calibration.Config{
		Antennas:         arr.Len(),
		Channels:         cfg.Array.Channels,
		Perturbation:     cfg.Calibration.Perturbation,
		GainFactor:       *cfg.Calibration.GainFactor,
		ReferenceAntenna: cfg.Calibration.ReferenceAntenna,
		SkyModel:         cfg.ResolvedSkyModel(),
		Integrations:     cfg.Calibration.Integrations,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("building calibrator: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	var trace *logging.TraceLogger
	if opts.RunsDir != "" {
		trace = logging.NewTraceLogger(filepath.Join(opts.RunsDir, runID), cfg.Logging.Level)
	}

	logger.Debug("run assembled",
		"run_id", runID,
		"antennas", arr.Len(),
		"cell_size", cfg.ResolvedCellSize(),
		"freq_scaling", cfg.Imaging.FreqScaling,
		"illumination", cfg.Imaging.Illumination,
		"trace", trace.Path())

	return New(*cfg, Deps{
		Simulator:  sim,
		Array:      arr,
		Imager:     imager,
		Calibrator: cal,
		Pool:       workpool.New(cfg.Run.Workers),
		Logger:     logger,
		Trace:      trace,
		RunID:      runID,
	})
}

func loadAntennas(cfg *config.Config, rng *rand.Rand) ([]array.Antenna, error) {
	if cfg.Array.GeometryFile == "" {
		ants, err := array.RandomLayout(cfg.Array.Antennas, cfg.Array.LayoutExtent, rng)
		if err != nil {
			return nil, fmt.Errorf("generating layout: %w", err)
		}
		return ants, nil
	}

	ants, err := array.LoadGeometry(cfg.Array.GeometryFile, array.GeometryOptions{
		SkipRows:      cfg.Array.SkipRows,
		Center:        true,
		CoreHalfWidth: cfg.Array.CoreHalfWidth,
	})
	if err != nil {
		return nil, err
	}
	if len(ants) == 0 {
		return nil, fmt.Errorf("no antennas left in %s after the core cut", cfg.Array.GeometryFile)
	}
	return ants, nil
}
