// Package runner executes a configured calibration run end to end: it
// builds the loop, runs it, persists the record and renders plots. The CLI
// and the MCP server share it.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/logging"
	"github.com/nvandessel/moffcal/internal/plotting"
	"github.com/nvandessel/moffcal/internal/selfcal"
	"github.com/nvandessel/moffcal/internal/store"
)

// Options configures Execute.
type Options struct {
	// Root is the project root. Traces and plots go under
	// <root>/.moffcal/runs/<run-id>/. Empty disables both.
	Root string

	Logger *slog.Logger

	// Store receives the run record. Nil skips persistence.
	Store store.RunStore
}

// Outcome is what Execute produced.
type Outcome struct {
	Result *selfcal.Result
	Record store.Record
	RunDir string
	Plots  []string
}

// Execute builds and runs one calibration. A run that stops early is still
// recorded; the returned error then wraps the cause and Outcome is non-nil.
func Execute(ctx context.Context, cfg *config.Config, opts Options) (*Outcome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	buildOpts := selfcal.BuildOptions{Logger: logger}
	if opts.Root != "" {
		buildOpts.RunsDir = store.RunsDir(opts.Root)
	}
	loop, err := selfcal.Build(cfg, buildOpts)
	if err != nil {
		return nil, err
	}
	defer loop.Close()

	res, runErr := loop.Run(ctx)
	if res == nil {
		return nil, runErr
	}

	rec, err := store.NewRecord(res, cfg)
	if err != nil {
		return nil, fmt.Errorf("building run record: %w", err)
	}
	out := &Outcome{Result: res, Record: rec}
	if opts.Root != "" {
		out.RunDir = store.RunDir(opts.Root, res.RunID)
	}

	if opts.Store != nil {
		// Persist aborted runs too, even when ctx is what stopped them.
		if err := opts.Store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
			return out, fmt.Errorf("saving run %s: %w", res.RunID, err)
		}
	}

	if cfg.Run.Plots && out.RunDir != "" && res.AverageImage != nil {
		plots, err := plotting.Save(out.RunDir, res.AverageImage.ChannelMean(),
			res.L, res.M, cfg.Sky.L, cfg.Sky.M, res.GainErrors)
		if err != nil {
			logger.Warn("failed to render plots", "run_id", res.RunID, "error", err)
		}
		out.Plots = plots
	}

	return out, runErr
}
