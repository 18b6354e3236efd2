//go:build !linux

package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

func statusDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the installed launchd agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := exec.CommandContext(cmd.Context(), "launchctl", "list", launchdLabel).CombinedOutput()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not loaded\n", launchdLabel)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
