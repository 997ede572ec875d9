// Package calibration holds the evolving per-antenna, per-channel complex
// gain solution of a self-calibration run.
//
// The Calibrator keeps three matrices of identical shape: the simulation
// gains (ground truth used to corrupt simulated voltages), the current gain
// estimate, and a staging copy that every update is written to before it is
// committed. A staged update containing NaN is never committed.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"

	"github.com/nvandessel/moffcal/internal/gains"
)

// ErrCalibrationDivergence reports a NaN in the staged gain update.
var ErrCalibrationDivergence = errors.New("calibration diverged")

// Config configures a Calibrator.
type Config struct {
	Antennas int
	Channels int

	// Perturbation is the fractional random deviation applied to the initial
	// gain estimate, in [0, 1).
	Perturbation float64

	// GainFactor is the update step in [0, 1]. 0 keeps the current gains,
	// 1 replaces them with the new estimate.
	GainFactor float64

	// ReferenceAntenna is the row pinned to 1+0i at initialization and used
	// as the phase reference for updates.
	ReferenceAntenna int

	// SkyModel is the modelled source power seen at the image center, either
	// one value for all channels or one per channel.
	SkyModel []float64

	// Integrations is the number of Update calls averaged before a commit.
	// Values below 1 mean 1.
	Integrations int
}

func (c Config) validate() error {
	if c.Antennas <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid shape %dx%d", c.Antennas, c.Channels)
	}
	if c.Perturbation < 0 || c.Perturbation >= 1 {
		return fmt.Errorf("perturbation must be in [0, 1), got %g", c.Perturbation)
	}
	if c.GainFactor < 0 || c.GainFactor > 1 || math.IsNaN(c.GainFactor) {
		return fmt.Errorf("gain factor must be in [0, 1], got %g", c.GainFactor)
	}
	if c.ReferenceAntenna < 0 || c.ReferenceAntenna >= c.Antennas {
		return fmt.Errorf("reference antenna %d out of range [0, %d)", c.ReferenceAntenna, c.Antennas)
	}
	if len(c.SkyModel) != 1 && len(c.SkyModel) != c.Channels {
		return fmt.Errorf("sky model needs 1 or %d values, got %d", c.Channels, len(c.SkyModel))
	}
	for i, s := range c.SkyModel {
		if !(s > 0) {
			return fmt.Errorf("sky model value %d must be positive, got %g", i, s)
		}
	}
	return nil
}

// Calibrator owns the gain state of one run. It is not safe for concurrent use.
type Calibrator struct {
	cfg     Config
	sim     *gains.Matrix
	curr    *gains.Matrix
	temp    *gains.Matrix
	estSum  *gains.Matrix
	count   int
	commits int
}

// New initializes the gain state: the simulation gains are all ones and the
// current estimate is a random perturbation of them, with the reference
// antenna pinned to exactly 1+0i on every channel.
func New(cfg Config, rng *rand.Rand) (*Calibrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if cfg.Integrations < 1 {
		cfg.Integrations = 1
	}

	sim, err := gains.Ones(cfg.Antennas, cfg.Channels)
	if err != nil {
		return nil, err
	}
	curr := sim.Clone()
	p := cfg.Perturbation
	for a := 0; a < cfg.Antennas; a++ {
		for ch := 0; ch < cfg.Channels; ch++ {
			amp := 1 + p*(2*rng.Float64()-1)
			phase := p * math.Pi * (2*rng.Float64() - 1)
			curr.Set(a, ch, sim.At(a, ch)*cmplx.Rect(amp, phase))
		}
	}
	curr.SetRow(cfg.ReferenceAntenna, 1)

	estSum, _ := gains.New(cfg.Antennas, cfg.Channels)

	return &Calibrator{
		cfg:    cfg,
		sim:    sim,
		curr:   curr,
		temp:   curr.Clone(),
		estSum: estSum,
	}, nil
}

// CurrentGains returns a copy of the current gain estimate.
func (c *Calibrator) CurrentGains() *gains.Matrix { return c.curr.Clone() }

// SimGains returns a copy of the simulation (true) gains.
func (c *Calibrator) SimGains() *gains.Matrix { return c.sim.Clone() }

// StagedGains returns a copy of the most recent staged update.
func (c *Calibrator) StagedGains() *gains.Matrix { return c.temp.Clone() }

// Commits returns how many staged updates have been committed.
func (c *Calibrator) Commits() int { return c.commits }

// GainError returns ||current - sim||_F.
func (c *Calibrator) GainError() float64 { return c.curr.DistanceTo(c.sim) }

// Apply returns raw divided elementwise by the current gains.
func (c *Calibrator) Apply(raw *gains.Matrix) (*gains.Matrix, error) {
	return divide(raw, c.curr)
}

// Corrupt returns sky multiplied elementwise by the simulation gains,
// modelling the instrument response seen by the array.
func (c *Calibrator) Corrupt(sky *gains.Matrix) (*gains.Matrix, error) {
	if !sky.SameShape(c.sim) {
		return nil, shapeError(sky, c.sim)
	}
	out := sky.Clone()
	nAnt, nChan := out.Dims()
	for a := 0; a < nAnt; a++ {
		for ch := 0; ch < nChan; ch++ {
			out.Set(a, ch, out.At(a, ch)*c.sim.At(a, ch))
		}
	}
	return out, nil
}

func divide(num, den *gains.Matrix) (*gains.Matrix, error) {
	if !num.SameShape(den) {
		return nil, shapeError(num, den)
	}
	out := num.Clone()
	nAnt, nChan := out.Dims()
	for a := 0; a < nAnt; a++ {
		for ch := 0; ch < nChan; ch++ {
			out.Set(a, ch, out.At(a, ch)/den.At(a, ch))
		}
	}
	return out, nil
}

func shapeError(a, b *gains.Matrix) error {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	return fmt.Errorf("shape mismatch: %dx%d vs %dx%d", ra, ca, rb, cb)
}

func (c *Calibrator) skyModel(ch int) float64 {
	if len(c.cfg.SkyModel) == 1 {
		return c.cfg.SkyModel[0]
	}
	return c.cfg.SkyModel[ch]
}

// Update refines the gains from calibrated voltages and the image value at
// the array's central pixel.
//
// For each channel the antenna estimate is curr·v·conj(I)/|I|², scaled so the
// measured center power matches the sky model and rotated so the reference
// antenna has zero phase. Estimates are averaged over the integration
// window and the staged gains move a GainFactor step toward the average.
// A staged update containing NaN returns ErrCalibrationDivergence and leaves
// the current gains untouched.
func (c *Calibrator) Update(corrected *gains.Matrix, center []complex128) error {
	if !corrected.SameShape(c.curr) {
		return shapeError(corrected, c.curr)
	}
	nAnt, nChan := c.curr.Dims()
	if len(center) != nChan {
		return fmt.Errorf("got %d center values for %d channels", len(center), nChan)
	}

	ref := c.cfg.ReferenceAntenna
	est := make([]complex128, nAnt)
	for ch := 0; ch < nChan; ch++ {
		img := center[ch]
		power := real(img)*real(img) + imag(img)*imag(img)
		scale := complex(math.Sqrt(power/c.skyModel(ch)), 0)

		for a := 0; a < nAnt; a++ {
			v := c.curr.At(a, ch) * corrected.At(a, ch) * cmplx.Conj(img)
			// Real division so a zero measurement yields NaN rather than Inf.
			est[a] = complex(real(v)/power, imag(v)/power) * scale
		}

		r := est[ref]
		mag := cmplx.Abs(r)
		rot := complex(real(r)/mag, -imag(r)/mag)

		for a := 0; a < nAnt; a++ {
			c.estSum.Set(a, ch, c.estSum.At(a, ch)+est[a]*rot)
		}
	}
	c.count++

	g := complex(c.cfg.GainFactor, 0)
	inv := complex(1/float64(c.count), 0)
	for a := 0; a < nAnt; a++ {
		for ch := 0; ch < nChan; ch++ {
			avg := c.estSum.At(a, ch) * inv
			c.temp.Set(a, ch, (1-g)*c.curr.At(a, ch)+g*avg)
		}
	}

	if c.temp.HasNaN() {
		return fmt.Errorf("%w: NaN in staged gains after %d commits", ErrCalibrationDivergence, c.commits)
	}

	if c.count >= c.cfg.Integrations {
		if err := c.curr.CopyFrom(c.temp); err != nil {
			return err
		}
		c.estSum, _ = gains.New(nAnt, nChan)
		c.count = 0
		c.commits++
	}
	return nil
}
