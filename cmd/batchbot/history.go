package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"batchbot/internal/store"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batch runs from the delivery log",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, done, err := openStore()
			if err != nil {
				return err
			}
			defer done()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMESSAGE\tTRIGGER\tRESULT\tDELIVERED\tABANDONED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					shortID(r.ID), r.MessageID, r.Trigger, r.Overall, r.Delivered, r.Abandoned, humanize.Time(r.StartedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	var asJSON bool
	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show every item and attempt of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, done, err := openStore()
			if err != nil {
				return err
			}
			defer done()

			run, report, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(out, "started %s (%s), trigger %s\n",
				run.StartedAt.Format(time.DateTime), humanize.Time(run.StartedAt), run.Trigger)
			printReport(out, report)
			for _, rr := range report.Recipients {
				for _, a := range report.Attempts(rr.Recipient) {
					fmt.Fprintf(out, "    %s #%d attempt %d %s %s %s %s\n",
						a.Recipient, a.ItemIndex, a.Attempt, a.Stage, a.Outcome,
						a.Duration.Round(time.Millisecond), a.Reason)
				}
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than store.retentionDays",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Prune(cmd.Context(), retention(cfg.Store.RetentionDays))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d run(s)\n", n)
			return nil
		},
	})
	return cmd
}

func retention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func openStore() (*store.SQLiteStore, func(), error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Store.Enabled {
		closeLog()
		return nil, nil, fmt.Errorf("delivery log disabled (store.enabled=false)")
	}
	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return st, func() { st.Close(); closeLog() }, nil
}
