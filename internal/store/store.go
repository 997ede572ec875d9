// Package store defines the RunStore interface for persisting calibration
// runs: their summary, checkpoints, convergence history and average image.
package store

import (
	"context"
	"time"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/gains"
	"github.com/nvandessel/moffcal/internal/selfcal"
)

// Run status values.
const (
	StatusCompleted = "completed"
	StatusDiverged  = "diverged"
	StatusAborted   = "aborted"
)

// Run is one catalogued calibration run.
type Run struct {
	selfcal.Summary
	Status    string    `json:"status"`
	Config    string    `json:"config,omitempty"` // effective YAML
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is a persisted gain and image snapshot.
type Checkpoint struct {
	Slot      int            `json:"slot"`
	Iteration int            `json:"iteration"`
	GainError float64        `json:"gain_error"`
	Gains     [][][2]float64 `json:"gains"` // [antenna][channel] = {re, im}
	Image     *cube.Plane    `json:"image,omitempty"`
}

// IterationStat is the convergence record of one iteration.
type IterationStat struct {
	Iteration   int     `json:"iteration"`
	CenterPower float64 `json:"center_power"`
	GainError   float64 `json:"gain_error"`
}

// Record is everything stored for one run.
type Record struct {
	Run         Run             `json:"run"`
	Checkpoints []Checkpoint    `json:"checkpoints"`
	Iterations  []IterationStat `json:"iterations"`
	Image       *cube.Plane     `json:"image,omitempty"` // channel-mean average image
}

// RunStore defines the interface for storing and querying runs.
type RunStore interface {
	// SaveRun inserts or replaces a run with all of its data.
	SaveRun(ctx context.Context, rec Record) error

	// GetRun returns a run by ID. Returns nil if not found.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs newest first. limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// GetRecord returns the full stored record of a run. Returns nil if not found.
	GetRecord(ctx context.Context, id string) (*Record, error)

	// DeleteRun removes a run and its data.
	DeleteRun(ctx context.Context, id string) error

	Close() error
}

// StatusOf classifies a result.
func StatusOf(res *selfcal.Result) string {
	switch {
	case res.Diverged:
		return StatusDiverged
	case res.AbortedAt >= 0:
		return StatusAborted
	default:
		return StatusCompleted
	}
}

// NewRecord converts a run result and its configuration into a Record.
func NewRecord(res *selfcal.Result, cfg *config.Config) (Record, error) {
	rec := Record{
		Run: Run{
			Summary:   res.Summary(),
			Status:    StatusOf(res),
			CreatedAt: time.Now().UTC(),
		},
	}
	if cfg != nil {
		data, err := cfg.Marshal()
		if err != nil {
			return Record{}, err
		}
		rec.Run.Config = string(data)
	}

	for _, cp := range res.Checkpoints {
		rec.Checkpoints = append(rec.Checkpoints, Checkpoint{
			Slot:      cp.Slot,
			Iteration: cp.Iteration,
			GainError: cp.GainError,
			Gains:     EncodeGains(cp.Gains),
			Image:     cp.Image,
		})
	}
	for i := range res.CenterPower {
		rec.Iterations = append(rec.Iterations, IterationStat{
			Iteration:   i,
			CenterPower: res.CenterPower[i],
			GainError:   res.GainErrors[i],
		})
	}
	if res.AverageImage != nil {
		rec.Image = res.AverageImage.ChannelMean()
	}
	return rec, nil
}

// EncodeGains flattens a gain matrix into JSON-friendly {re, im} pairs.
func EncodeGains(m *gains.Matrix) [][][2]float64 {
	if m == nil {
		return nil
	}
	rows := m.Rows()
	out := make([][][2]float64, len(rows))
	for a, row := range rows {
		out[a] = make([][2]float64, len(row))
		for c, v := range row {
			out[a][c] = [2]float64{real(v), imag(v)}
		}
	}
	return out
}

// DecodeGains is the inverse of EncodeGains.
func DecodeGains(enc [][][2]float64) (*gains.Matrix, error) {
	rows := make([][]complex128, len(enc))
	for a, row := range enc {
		rows[a] = make([]complex128, len(row))
		for c, v := range row {
			rows[a][c] = complex(v[0], v[1])
		}
	}
	return gains.FromRows(rows)
}
