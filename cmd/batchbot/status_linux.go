//go:build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/spf13/cobra"
)

func statusDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the installed systemd user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			conn, err := dbus.NewUserConnectionContext(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect to systemd: %w", err)
			}
			defer conn.Close()

			props, err := conn.GetUnitPropertiesContext(ctx, systemdUnit)
			if err != nil {
				return fmt.Errorf("query %s: %w", systemdUnit, err)
			}
			load, _ := props["LoadState"].(string)
			active, _ := props["ActiveState"].(string)
			sub, _ := props["SubState"].(string)
			if load == "not-found" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not installed (run `batchbot daemon install`)\n", systemdUnit)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s), %s\n", systemdUnit, active, sub, load)
			return nil
		},
	}
}
