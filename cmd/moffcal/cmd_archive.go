package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvandessel/moffcal/internal/export"
	"github.com/nvandessel/moffcal/internal/pathutil"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a stored run to a portable archive",
		Long: `Write a run, its checkpoints, convergence history and average image to a
gzip archive with a sha256 checksum. The default location is
.moffcal/archives/moffcal-<run-id>.run.gz; archive retention from the
config is applied to that directory afterwards.

Examples:
  moffcal export 3f2a...
  moffcal export 3f2a... --output /tmp/run.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			output, _ := cmd.Flags().GetString("output")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			policy, err := export.NewPolicy(cfg.Archive.Keep, cfg.Archive.MaxAge)
			if err != nil {
				return fmt.Errorf("invalid archive retention: %w", err)
			}

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			useDefault := output == ""
			if useDefault {
				output = export.DefaultPath(pathutil.ArchiveDir(root), args[0])
			}
			header, err := export.Export(cmd.Context(), s, args[0], output)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			// Retention only manages the default archive directory.
			var pruned []string
			if useDefault {
				pruned, err = export.ApplyRetention(filepath.Dir(output), policy)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to apply retention: %v\n", err)
				}
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"path":        output,
					"run_id":      header.RunID,
					"checksum":    header.Checksum,
					"checkpoints": header.Checkpoints,
					"iterations":  header.Iterations,
					"pruned":      len(pruned),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported run %s → %s\n", header.RunID, output)
			fmt.Fprintf(cmd.OutOrStdout(), "  Checksum: %s\n", header.Checksum)
			if len(pruned) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  Pruned %d old archive(s)\n", len(pruned))
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Archive path (default: .moffcal/archives/moffcal-<run-id>.run.gz)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a run archive into the project store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := export.Import(cmd.Context(), s, args[0])
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"run_id": rec.Run.RunID,
					"status": rec.Run.Status,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported run %s (%s)\n", rec.Run.RunID, rec.Run.Status)
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show an archive header and verify its checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")

			header, err := export.ReadHeader(filePath)
			if err != nil {
				return fmt.Errorf("failed to read archive: %w", err)
			}
			verifyErr := export.VerifyChecksum(filePath)

			var size int64
			if info, err := os.Stat(filePath); err == nil {
				size = info.Size()
			}

			if jsonOut {
				result := map[string]any{
					"file":       filePath,
					"header":     header,
					"size_bytes": size,
					"valid":      verifyErr == nil,
				}
				if verifyErr != nil {
					result["error"] = verifyErr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Archive:     %s (%d bytes)\n", filePath, size)
				fmt.Fprintf(w, "  Run:         %s (%s)\n", header.RunID, header.Status)
				fmt.Fprintf(w, "  Created:     %s\n", header.CreatedAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(w, "  Checkpoints: %d\n", header.Checkpoints)
				fmt.Fprintf(w, "  Iterations:  %d\n", header.Iterations)
				if verifyErr == nil {
					fmt.Fprintln(w, "  Checksum:    OK")
				} else {
					fmt.Fprintf(w, "  Checksum:    FAILED (%v)\n", verifyErr)
				}
			}

			if verifyErr != nil {
				return fmt.Errorf("checksum verification failed")
			}
			return nil
		},
	}
}
