package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/nvandessel/moffcal/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"runs":  runs,
					"count": len(runs),
				})
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs stored. Start one with 'moffcal run'.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tITERATIONS\tANTENNAS\tGAIN ERROR\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%.4g\t%s\n",
					r.RunID, r.Status, r.Completed, r.Iterations, r.Antennas,
					r.FinalGainError, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs (0 = all)")
	return cmd
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			withIterations, _ := cmd.Flags().GetBool("iterations")
			withConfig, _ := cmd.Flags().GetBool("config")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("run not found: %s", args[0])
			}

			if jsonOut {
				view := struct {
					Run         store.Run             `json:"run"`
					Checkpoints []checkpointView      `json:"checkpoints"`
					Iterations  []store.IterationStat `json:"iterations,omitempty"`
				}{Run: rec.Run, Checkpoints: checkpointViews(rec.Checkpoints)}
				if withIterations {
					view.Iterations = rec.Iterations
				}
				if !withConfig {
					view.Run.Config = ""
				}
				return writeJSON(cmd.OutOrStdout(), view)
			}

			w := cmd.OutOrStdout()
			printRunSummary(w, rec.Run)
			fmt.Fprintf(w, "  Created:     %s\n", rec.Run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Checkpoints:")
			for _, cp := range checkpointViews(rec.Checkpoints) {
				fmt.Fprintf(w, "  [%d] iteration %4d  gain error %.4g  image peak %.4g\n",
					cp.Slot, cp.Iteration, cp.GainError, cp.ImagePeak)
			}
			if withIterations {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "Iterations:")
				for _, it := range rec.Iterations {
					fmt.Fprintf(w, "  %4d  center power %.4g  gain error %.4g\n", it.Iteration, it.CenterPower, it.GainError)
				}
			}
			if withConfig && rec.Run.Config != "" {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "Config:")
				fmt.Fprint(w, rec.Run.Config)
			}
			return nil
		},
	}
	cmd.Flags().Bool("iterations", false, "Include per-iteration history")
	cmd.Flags().Bool("config", false, "Include the effective config of the run")
	return cmd
}

type checkpointView struct {
	Slot      int     `json:"slot"`
	Iteration int     `json:"iteration"`
	GainError float64 `json:"gain_error"`
	ImagePeak float64 `json:"image_peak"`
}

func checkpointViews(cps []store.Checkpoint) []checkpointView {
	out := make([]checkpointView, 0, len(cps))
	for _, cp := range cps {
		v := checkpointView{Slot: cp.Slot, Iteration: cp.Iteration, GainError: cp.GainError}
		if cp.Image != nil {
			v.ImagePeak = cp.Image.Max()
		}
		out = append(out, v)
	}
	return out
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run not found: %s", args[0])
			}
			if err := s.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}
