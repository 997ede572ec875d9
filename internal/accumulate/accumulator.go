// Package accumulate keeps the running image sum and the periodic gain and
// image checkpoints of a calibration run.
package accumulate

import (
	"errors"
	"fmt"

	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/gains"
)

var (
	// ErrShapeMismatch reports an image whose shape differs from the first
	// accumulated one.
	ErrShapeMismatch = errors.New("image shape mismatch")

	// ErrNoIterations reports Finalize with nothing to average.
	ErrNoIterations = errors.New("no completed iterations")
)

// Checkpoint is one periodic snapshot.
type Checkpoint struct {
	Slot      int
	Iteration int
	Gains     *gains.Matrix
	Image     *cube.Plane
	GainError float64
}

// Accumulator sums power images and records a checkpoint every calIter
// iterations. Checkpoints are append-only.
type Accumulator struct {
	calIter     int
	sum         *cube.Cube
	iterations  int
	checkpoints []Checkpoint
}

// New returns an empty accumulator checkpointing every calIter iterations.
func New(calIter int) (*Accumulator, error) {
	if calIter < 1 {
		return nil, fmt.Errorf("checkpoint interval must be positive, got %d", calIter)
	}
	return &Accumulator{calIter: calIter}, nil
}

// Interval returns the checkpoint interval.
func (a *Accumulator) Interval() int { return a.calIter }

// Iterations returns the number of images added so far.
func (a *Accumulator) Iterations() int { return a.iterations }

// Shape returns the accumulated image shape, or the zero Shape before the
// first AddIteration.
func (a *Accumulator) Shape() cube.Shape {
	if a.sum == nil {
		return cube.Shape{}
	}
	return a.sum.Shape()
}

// AddIteration adds a background-subtracted power image to the running sum.
func (a *Accumulator) AddIteration(power *cube.Cube) error {
	if a.sum == nil {
		a.sum = power.Clone()
		a.iterations++
		return nil
	}
	if power.Shape() != a.sum.Shape() {
		return fmt.Errorf("%w: got %s, accumulating %s", ErrShapeMismatch, power.Shape(), a.sum.Shape())
	}
	if err := a.sum.Add(power); err != nil {
		return err
	}
	a.iterations++
	return nil
}

// CheckpointIfDue records a snapshot of g and the channel-mean of power when
// i is a multiple of the checkpoint interval. It reports whether a checkpoint
// was taken.
func (a *Accumulator) CheckpointIfDue(i int, g *gains.Matrix, gainError float64, power *cube.Cube) (bool, error) {
	if i%a.calIter != 0 {
		return false, nil
	}
	if len(a.checkpoints) > 0 && !g.SameShape(a.checkpoints[0].Gains) {
		return false, fmt.Errorf("checkpoint %d: gain shape changed", len(a.checkpoints))
	}
	a.checkpoints = append(a.checkpoints, Checkpoint{
		Slot:      len(a.checkpoints),
		Iteration: i,
		Gains:     g.Clone(),
		Image:     power.ChannelMean(),
		GainError: gainError,
	})
	return true, nil
}

// Checkpoints returns the recorded checkpoints in order.
func (a *Accumulator) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(a.checkpoints))
	copy(out, a.checkpoints)
	return out
}

// Finalize returns the running sum divided by n, the number of completed
// iterations.
func (a *Accumulator) Finalize(n int) (*cube.Cube, error) {
	if n <= 0 || a.sum == nil {
		return nil, ErrNoIterations
	}
	if n != a.iterations {
		return nil, fmt.Errorf("finalize with %d iterations, accumulated %d", n, a.iterations)
	}
	out := a.sum.Clone()
	out.Scale(1 / float64(n))
	return out, nil
}
