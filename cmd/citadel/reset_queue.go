package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/queue"
)

func newResetQueueCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset-queue [beadId]",
		Short: "Delete the tickets for one bead, or every ticket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runResetQueue(cmd, cfg, args, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func runResetQueue(cmd *cobra.Command, cfg *config.Config, args []string, force bool) error {
	queuePath := config.ExpandHome(cfg.Queue.Path)
	if _, err := os.Stat(queuePath); os.IsNotExist(err) {
		return fmt.Errorf("no ticket database at %s", queuePath)
	}

	q, err := queue.Open(queuePath)
	if err != nil {
		return err
	}
	defer q.Close()

	out := cmd.OutOrStdout()

	if len(args) == 1 {
		n, err := q.ResetBead(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d tickets for %s.\n", n, args[0])
		return nil
	}

	if !force {
		fmt.Fprint(out, "Delete ALL tickets? [y/N] ")
		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	n, err := q.ResetAll()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d tickets.\n", n)
	return nil
}
