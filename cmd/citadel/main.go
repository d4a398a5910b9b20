// citadel drives autonomous agents through a graph of beads: the
// conductor routes runnable beads onto a durable ticket queue, role
// pools claim tickets, and the runner turns claims into agent runs.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/config"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "citadel",
		Short:   "Deterministic orchestration engine for agent workflows",
		Version: version,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "citadel.toml", "path to config file")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newResetQueueCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config. A missing file is only
// an error when the flag was set explicitly; otherwise defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			return config.Default(), path, nil
		}
		return nil, "", err
	}
	return cfg, path, nil
}
