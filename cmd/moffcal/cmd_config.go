package main

import (
	"fmt"
	"os"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect moffcal configuration",
		Long: `View and check the effective configuration.

Configuration is stored in .moffcal/config.yaml under the project root.
MOFFCAL_* environment variables override file values.

Examples:
  moffcal config show              # Effective YAML
  moffcal config validate          # Check that a run can start`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}

			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")

			path := config.Path(root)
			_, statErr := os.Stat(path)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			validErr := cfg.Validate()

			if jsonOut {
				result := map[string]any{
					"path":   path,
					"exists": statErr == nil,
					"valid":  validErr == nil,
				}
				if validErr != nil {
					result["error"] = validErr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if validErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Config OK (%s)\n", path)
			}

			if validErr != nil {
				return fmt.Errorf("invalid config: %w", validErr)
			}
			return nil
		},
	}
}
