// Package mcp provides an MCP (Model Context Protocol) server for moffcal.
package mcp

import (
	"time"

	"github.com/nvandessel/moffcal/internal/selfcal"
	"github.com/nvandessel/moffcal/internal/store"
)

// RunInput defines the input for the moffcal_run tool. Zero values keep
// the project configuration.
type RunInput struct {
	Iterations         int      `json:"iterations,omitempty" jsonschema:"Number of loop iterations; must be a multiple of checkpoint_interval"`
	CheckpointInterval int      `json:"checkpoint_interval,omitempty" jsonschema:"Iterations between gain and image checkpoints"`
	GainFactor         *float64 `json:"gain_factor,omitempty" jsonschema:"Calibration update step between 0 and 1"`
	Seed               uint64   `json:"seed,omitempty" jsonschema:"Random seed of the simulation"`
	Antennas           int      `json:"antennas,omitempty" jsonschema:"Size of the generated antenna layout"`
	NoiseRMS           *float64 `json:"noise_rms,omitempty" jsonschema:"Per-channel receiver noise amplitude"`
	Perturbation       *float64 `json:"perturbation,omitempty" jsonschema:"Fractional deviation of the initial gain guess"`
	Plots              bool     `json:"plots,omitempty" jsonschema:"Render PNG plots of the average image and gain convergence"`
}

// RunOutput defines the output for the moffcal_run tool.
type RunOutput struct {
	Summary selfcal.Summary `json:"summary" jsonschema:"Scalar outline of the run"`
	Status  string          `json:"status" jsonschema:"completed, diverged or aborted"`
	Plots   []string        `json:"plots,omitempty" jsonschema:"Paths of rendered plots"`
	Error   string          `json:"error,omitempty" jsonschema:"Why the run stopped early"`
	Message string          `json:"message" jsonschema:"Human-readable result message"`
}

// RunsInput defines the input for the moffcal_runs tool.
type RunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of runs to list, newest first (default: 20)"`
}

// RunsOutput defines the output for the moffcal_runs tool.
type RunsOutput struct {
	Runs  []RunListItem `json:"runs" jsonschema:"Stored runs"`
	Count int           `json:"count" jsonschema:"Number of runs returned"`
}

// RunListItem provides a list view of a stored run.
type RunListItem struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Completed      int       `json:"completed"`
	Iterations     int       `json:"iterations"`
	Antennas       int       `json:"antennas"`
	FinalGainError float64   `json:"final_gain_error"`
	PeakPower      float64   `json:"peak_power"`
	CreatedAt      time.Time `json:"created_at"`
}

// ShowInput defines the input for the moffcal_show tool.
type ShowInput struct {
	RunID      string `json:"run_id" jsonschema:"ID of the run to show"`
	Iterations bool   `json:"iterations,omitempty" jsonschema:"Include the per-iteration convergence history"`
}

// ShowOutput defines the output for the moffcal_show tool.
type ShowOutput struct {
	Summary     selfcal.Summary       `json:"summary" jsonschema:"Scalar outline of the run"`
	Status      string                `json:"status" jsonschema:"completed, diverged or aborted"`
	CreatedAt   time.Time             `json:"created_at" jsonschema:"When the run was stored"`
	CenterValue float64               `json:"center_value" jsonschema:"Channel-mean of the average image at the phase centre"`
	Checkpoints []CheckpointItem      `json:"checkpoints" jsonschema:"Checkpoint slots in order"`
	Iterations  []store.IterationStat `json:"iterations,omitempty" jsonschema:"Center power and gain error per iteration"`
}

// CheckpointItem is a checkpoint without its gain and image payload.
type CheckpointItem struct {
	Slot      int     `json:"slot"`
	Iteration int     `json:"iteration"`
	GainError float64 `json:"gain_error"`
	ImagePeak float64 `json:"image_peak"`
}

// ExportInput defines the input for the moffcal_export tool.
type ExportInput struct {
	RunID      string `json:"run_id" jsonschema:"ID of the run to export"`
	OutputPath string `json:"output_path,omitempty" jsonschema:"Archive path inside .moffcal/archives or .moffcal/runs (default: generated)"`
}

// ExportOutput defines the output for the moffcal_export tool.
type ExportOutput struct {
	Path      string `json:"path" jsonschema:"Written archive"`
	Checksum  string `json:"checksum" jsonschema:"sha256 checksum of the compressed payload"`
	SizeBytes int64  `json:"size_bytes" jsonschema:"Archive size on disk"`
	Pruned    int    `json:"pruned" jsonschema:"Older archives removed by retention"`
	Message   string `json:"message" jsonschema:"Human-readable result message"`
}

// ConfigInput defines the input for the moffcal_config tool.
type ConfigInput struct{}

// ConfigOutput defines the output for the moffcal_config tool.
type ConfigOutput struct {
	Path   string `json:"path" jsonschema:"Project config file location"`
	Exists bool   `json:"exists" jsonschema:"Whether the config file exists"`
	YAML   string `json:"yaml" jsonschema:"Effective configuration after defaults and environment overrides"`
	Valid  bool   `json:"valid" jsonschema:"Whether the effective configuration can run"`
	Error  string `json:"error,omitempty" jsonschema:"Validation error"`
}
