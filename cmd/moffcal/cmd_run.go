package main

import (
	"fmt"
	"io"
	"os"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/runner"
	"github.com/nvandessel/moffcal/internal/store"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the self-calibration loop",
		Long: `Run the self-calibration loop with the project configuration.

Flags override the corresponding config values for this run only. The run
is stored in .moffcal/runs.db unless --no-store is given. Interrupting the
run stops it at the next iteration; the partial result is still stored.

Examples:
  moffcal run --gain-factor 0.2
  moffcal run --iterations 400 --checkpoint-interval 20 --plots
  moffcal run --geometry antennas.txt --skip-rows 6 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			noStore, _ := cmd.Flags().GetBool("no-store")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			opts := runner.Options{
				Root:   root,
				Logger: newLogger(cmd, cfg.Logging.Level),
			}
			if !noStore {
				s, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer s.Close()
				opts.Store = s
			}

			ctx, stop := interruptible(cmd.Context(), opts.Logger)
			defer stop()

			out, runErr := runner.Execute(ctx, cfg, opts)
			if out == nil {
				return runErr
			}

			if jsonOut {
				result := map[string]any{
					"summary": out.Record.Run.Summary,
					"status":  out.Record.Run.Status,
					"stored":  !noStore,
				}
				if len(out.Plots) > 0 {
					result["plots"] = out.Plots
				}
				if runErr != nil {
					result["error"] = runErr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printRunSummary(cmd.OutOrStdout(), out.Record.Run)
				for _, p := range out.Plots {
					fmt.Fprintf(cmd.OutOrStdout(), "  Plot:        %s\n", p)
				}
			}
			return runErr
		},
	}

	cmd.Flags().Int("iterations", 0, "Number of loop iterations")
	cmd.Flags().Int("checkpoint-interval", 0, "Iterations between checkpoints")
	cmd.Flags().Float64("gain-factor", 0, "Calibration update step in [0, 1]")
	cmd.Flags().Uint64("seed", 0, "Random seed")
	cmd.Flags().Int("antennas", 0, "Size of the generated layout")
	cmd.Flags().String("geometry", "", "Antenna geometry file (id x y z per line)")
	cmd.Flags().Int("skip-rows", 0, "Leading geometry lines to skip")
	cmd.Flags().Float64("noise", 0, "Receiver noise RMS")
	cmd.Flags().Int("workers", 0, "Parallel workers (0 = one per CPU)")
	cmd.Flags().String("log-level", "", "Log level: info, debug or trace")
	cmd.Flags().Bool("plots", false, "Write PNG plots into .moffcal/runs/<id>/")
	cmd.Flags().Bool("no-store", false, "Do not save the run")

	return cmd
}

// applyRunFlags overlays the explicitly set run flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("iterations") {
		cfg.Run.Iterations, _ = flags.GetInt("iterations")
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Run.CheckpointInterval, _ = flags.GetInt("checkpoint-interval")
	}
	if flags.Changed("gain-factor") {
		g, _ := flags.GetFloat64("gain-factor")
		cfg.Calibration.GainFactor = config.Float(g)
	}
	if flags.Changed("seed") {
		cfg.Run.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("antennas") {
		cfg.Array.Antennas, _ = flags.GetInt("antennas")
	}
	if flags.Changed("geometry") {
		path, _ := flags.GetString("geometry")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("geometry file: %w", err)
		}
		cfg.Array.GeometryFile = path
	}
	if flags.Changed("skip-rows") {
		cfg.Array.SkipRows, _ = flags.GetInt("skip-rows")
	}
	if flags.Changed("noise") {
		cfg.Sky.NoiseRMS, _ = flags.GetFloat64("noise")
	}
	if flags.Changed("workers") {
		cfg.Run.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("plots") {
		cfg.Run.Plots, _ = flags.GetBool("plots")
	}
	return nil
}

func printRunSummary(w io.Writer, r store.Run) {
	fmt.Fprintf(w, "Run %s: %s\n", r.RunID, r.Status)
	fmt.Fprintf(w, "  Iterations:  %d/%d\n", r.Completed, r.Iterations)
	if r.AbortedAt >= 0 {
		fmt.Fprintf(w, "  Stopped at:  iteration %d\n", r.AbortedAt)
	}
	fmt.Fprintf(w, "  Array:       %d antennas x %d channels\n", r.Antennas, r.Channels)
	fmt.Fprintf(w, "  Checkpoints: %d\n", r.Checkpoints)
	fmt.Fprintf(w, "  Gain error:  %.4g -> %.4g\n", r.InitialGainError, r.FinalGainError)
	fmt.Fprintf(w, "  Peak power:  %.4g\n", r.PeakPower)
	fmt.Fprintf(w, "  Duration:    %dms\n", r.DurationMS)
}
