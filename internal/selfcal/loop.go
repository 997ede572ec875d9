// Package selfcal runs the closed self-calibration loop: simulate, ingest,
// correct, image, update gains, accumulate.
package selfcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvandessel/moffcal/internal/accumulate"
	"github.com/nvandessel/moffcal/internal/array"
	"github.com/nvandessel/moffcal/internal/calibration"
	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/gains"
	"github.com/nvandessel/moffcal/internal/imaging"
	"github.com/nvandessel/moffcal/internal/logging"
	"github.com/nvandessel/moffcal/internal/simulate"
	"github.com/nvandessel/moffcal/internal/workpool"
)

// ErrShapeMismatch reports an image whose shape changed during a run.
var ErrShapeMismatch = accumulate.ErrShapeMismatch

// Simulator produces one integration per call.
type Simulator interface {
	Simulate(ctx context.Context) (*simulate.Integration, error)
}

// Instrument ingests per-antenna updates and exposes channelized voltages.
type Instrument interface {
	Antennas() []array.Antenna
	Update(ctx context.Context, pool *workpool.Pool, reqs []*array.UpdateRequest) error
	EFields(p array.Polarization) (*gains.Matrix, error)
	Apertures(p array.Polarization) ([]array.Aperture, error)
}

// Imager grids calibrated voltages onto the antennas' apertures and images
// them.
type Imager interface {
	Image(ctx context.Context, data *gains.Matrix, aps []array.Aperture) (*imaging.Image, error)
}

// Calibrator owns the gain state.
type Calibrator interface {
	Corrupt(sky *gains.Matrix) (*gains.Matrix, error)
	Apply(raw *gains.Matrix) (*gains.Matrix, error)
	Update(corrected *gains.Matrix, center []complex128) error
	CurrentGains() *gains.Matrix
	SimGains() *gains.Matrix
	GainError() float64
}

// Deps are the collaborators of a Loop. Simulator, Array, Imager and
// Calibrator are required.
type Deps struct {
	Simulator  Simulator
	Array      Instrument
	Imager     Imager
	Calibrator Calibrator

	Pool   *workpool.Pool
	Logger *slog.Logger
	Trace  *logging.TraceLogger
	RunID  string
}

// Result is the outcome of a run, complete or aborted.
type Result struct {
	RunID      string
	Iterations int
	Completed  int
	Diverged   bool
	AbortedAt  int // -1 when the run completed

	AverageImage *cube.Cube
	L, M         []float64
	Checkpoints  []accumulate.Checkpoint
	FinalGains   *gains.Matrix
	SimGains     *gains.Matrix

	// CenterPower is the channel-mean |I|² at the image center per
	// completed iteration. GainErrors is ||curr - sim||_F after each.
	CenterPower []float64
	GainErrors  []float64

	StartedAt time.Time
	Duration  time.Duration
}

// Loop is one calibration run. A Loop runs once; build a new one per run.
type Loop struct {
	cfg    config.Config
	pol    array.Polarization
	grid   array.GridConfig
	labels []string

	sim    Simulator
	arr    Instrument
	imager Imager
	cal    Calibrator
	pool   *workpool.Pool
	logger *slog.Logger
	trace  *logging.TraceLogger
	runID  string
}

// New validates cfg and wires the loop.
func New(cfg config.Config, deps Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Simulator == nil || deps.Array == nil || deps.Imager == nil || deps.Calibrator == nil {
		return nil, fmt.Errorf("simulator, array, imager and calibrator are required")
	}

	ants := deps.Array.Antennas()
	if len(ants) == 0 {
		return nil, fmt.Errorf("array has no antennas")
	}
	labels := make([]string, len(ants))
	for i, a := range ants {
		labels[i] = a.Label
	}

	grid := array.GridConfig{
		Method:      array.GridNearest,
		DistNN:      cfg.ResolvedCellSize(),
		Tolerance:   cfg.Imaging.Tolerance,
		FreqScaling: cfg.Imaging.FreqScaling,
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid config: %w", err)
	}

	l := &Loop{
		cfg:    cfg,
		pol:    array.Polarization(cfg.Calibration.Polarization),
		grid:   grid,
		labels: labels,
		sim:    deps.Simulator,
		arr:    deps.Array,
		imager: deps.Imager,
		cal:    deps.Calibrator,
		pool:   deps.Pool,
		logger: deps.Logger,
		trace:  deps.Trace,
		runID:  deps.RunID,
	}
	if l.pool == nil {
		l.pool = workpool.New(cfg.Run.Workers)
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	return l, nil
}

// RunID returns the identifier of this run.
func (l *Loop) RunID() string { return l.runID }

// Close releases the iteration trace.
func (l *Loop) Close() {
	l.trace.Close()
}

// Run executes the configured iterations. It stops early on context
// cancellation, a changed image shape or calibration divergence; in every
// case the returned Result is finalized over the completed iterations and
// the error wraps the cause.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	itr := l.cfg.Run.Iterations

	acc, err := accumulate.New(l.cfg.Run.CheckpointInterval)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:       l.runID,
		Iterations:  itr,
		AbortedAt:   -1,
		CenterPower: make([]float64, 0, itr),
		GainErrors:  make([]float64, 0, itr),
		StartedAt:   start.UTC(),
	}

	l.logger.Info("starting calibration run",
		"run_id", l.runID,
		"antennas", len(l.labels),
		"iterations", itr,
		"checkpoint_interval", l.cfg.Run.CheckpointInterval,
		"gain_factor", *l.cfg.Calibration.GainFactor,
		"polarization", l.pol,
		"workers", l.pool.Size())

	var (
		runErr error
		shape  cube.Shape
		cx, cy int
	)

	for i := 0; i < itr; i++ {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("run cancelled at iteration %d: %w", i, err)
			res.AbortedAt = i
			break
		}

		corrected, img, err := l.observe(ctx, i)
		if err != nil {
			runErr = err
			res.AbortedAt = i
			break
		}

		if i == 0 {
			shape = img.Shape()
			cx, cy = shape.Center()
		} else if img.Shape() != shape {
			runErr = fmt.Errorf("iteration %d: %w: got %s, expected %s", i, ErrShapeMismatch, img.Shape(), shape)
			res.AbortedAt = i
			l.logger.Error("image shape changed", "iteration", i, "shape", img.Shape().String(), "expected", shape.String())
			break
		}
		if res.L == nil {
			res.L, res.M = img.L, img.M
		}

		center := img.Field.Pixel(cx, cy)
		if err := l.cal.Update(corrected, center); err != nil {
			if errors.Is(err, calibration.ErrCalibrationDivergence) {
				res.Diverged = true
				l.logger.Error("calibration diverged", "iteration", i, "error", err)
			}
			runErr = fmt.Errorf("iteration %d: %w", i, err)
			res.AbortedAt = i
			break
		}

		bg := imaging.BackgroundSubtracted(img.Power)
		if err := acc.AddIteration(bg); err != nil {
			runErr = fmt.Errorf("iteration %d: %w", i, err)
			res.AbortedAt = i
			break
		}

		gainErr := l.cal.GainError()
		slot := len(acc.Checkpoints())
		took, err := acc.CheckpointIfDue(i, l.cal.CurrentGains(), gainErr, bg)
		if err != nil {
			runErr = fmt.Errorf("iteration %d: %w", i, err)
			res.AbortedAt = i
			break
		}

		power := make([]float64, len(center))
		var meanPower float64
		for ch, v := range center {
			power[ch] = real(v)*real(v) + imag(v)*imag(v)
			meanPower += power[ch]
		}
		meanPower /= float64(len(power))
		res.CenterPower = append(res.CenterPower, meanPower)
		res.GainErrors = append(res.GainErrors, gainErr)

		l.trace.Iteration(logging.IterationEvent{
			Iteration:   i,
			CenterPower: power,
			GainError:   gainErr,
			Checkpoint:  took,
			Slot:        slot,
		})
		l.logger.Debug("iteration complete",
			"iteration", i,
			"center_power", meanPower,
			"gain_error", gainErr,
			"checkpoint", took)
		if l.logger.Enabled(ctx, logging.LevelTrace) {
			l.logger.Log(ctx, logging.LevelTrace, "center values", "iteration", i, "center", fmt.Sprint(center))
		}
	}

	res.Completed = acc.Iterations()
	res.Checkpoints = acc.Checkpoints()
	res.FinalGains = l.cal.CurrentGains()
	res.SimGains = l.cal.SimGains()

	if res.Completed > 0 {
		avg, err := acc.Finalize(res.Completed)
		if err != nil && runErr == nil {
			runErr = fmt.Errorf("finalizing run: %w", err)
		}
		res.AverageImage = avg
	}
	res.Duration = time.Since(start)

	l.trace.Log(map[string]any{
		"event":      "finish",
		"completed":  res.Completed,
		"diverged":   res.Diverged,
		"aborted_at": res.AbortedAt,
		"error":      errString(runErr),
	})
	if runErr != nil {
		l.logger.Error("calibration run stopped",
			"run_id", l.runID,
			"completed", res.Completed,
			"error", runErr)
	} else {
		l.logger.Info("calibration run finished",
			"run_id", l.runID,
			"completed", res.Completed,
			"checkpoints", len(res.Checkpoints),
			"gain_error", l.cal.GainError(),
			"duration", res.Duration)
	}

	return res, runErr
}

// observe runs one integration through the array and returns the
// calibrated voltages and their image.
func (l *Loop) observe(ctx context.Context, i int) (*gains.Matrix, *imaging.Image, error) {
	integ, err := l.sim.Simulate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("simulating iteration %d: %w", i, err)
	}

	reqs, err := l.requests(integ)
	if err != nil {
		return nil, nil, fmt.Errorf("building updates for iteration %d: %w", i, err)
	}
	if err := l.arr.Update(ctx, l.pool, reqs); err != nil {
		return nil, nil, fmt.Errorf("iteration %d: %w", i, err)
	}

	raw, err := l.arr.EFields(l.pol)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s fields for iteration %d: %w", l.pol, i, err)
	}
	aps, err := l.arr.Apertures(l.pol)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s apertures for iteration %d: %w", l.pol, i, err)
	}
	observed, err := l.cal.Corrupt(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupting iteration %d: %w", i, err)
	}
	corrected, err := l.cal.Apply(observed)
	if err != nil {
		return nil, nil, fmt.Errorf("calibrating iteration %d: %w", i, err)
	}

	img, err := l.imager.Image(ctx, corrected, aps)
	if err != nil {
		return nil, nil, fmt.Errorf("imaging iteration %d: %w", i, err)
	}
	return corrected, img, nil
}

// requests builds one validated update per antenna, in array order.
func (l *Loop) requests(integ *simulate.Integration) ([]*array.UpdateRequest, error) {
	for pol, volts := range integ.Voltages {
		if len(volts) != len(l.labels) {
			return nil, fmt.Errorf("%s has %d antennas, array has %d", pol, len(volts), len(l.labels))
		}
	}

	weights := []array.WeightsInfo{{Orientation: l.cfg.Imaging.Orientation, Lookup: l.cfg.Imaging.Illumination}}
	reqs := make([]*array.UpdateRequest, len(l.labels))
	for a, label := range l.labels {
		var pd [2]*array.PolarizationData
		for k, pol := range array.Polarizations {
			volts, ok := integ.Voltages[pol]
			if !ok {
				continue
			}
			pd[k] = &array.PolarizationData{Samples: volts[a], Weights: weights}
		}
		req, err := array.NewUpdateRequest(label, integ.Timestamp, integ.SampleTimes, l.grid, pd[0], pd[1])
		if err != nil {
			return nil, err
		}
		reqs[a] = req
	}
	return reqs, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
