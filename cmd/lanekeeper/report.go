package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/lanekeeper/internal/telemetry"
)

func openStore(cmd *cobra.Command) (*telemetry.Store, float64, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Telemetry.DBPath == "" {
		return nil, 0, fmt.Errorf("no telemetry database configured")
	}
	s, err := telemetry.Open(cfg.Telemetry.DBPath)
	if err != nil {
		return nil, 0, err
	}
	return s, cfg.Control.ReferenceRow, nil
}

func newPlotCmd() *cobra.Command {
	var (
		runID string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Plot lane positions, steering, wheel speeds and battery voltage of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, row, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if runID == "" {
				if runID, err = store.LatestRun(ctx); err != nil {
					return err
				}
			}
			cycles, err := store.Cycles(ctx, runID)
			if err != nil {
				return err
			}
			files, err := telemetry.PlotRun(cycles, out, row)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (default latest)")
	cmd.Flags().StringVarP(&out, "out", "o", "plots", "output directory")
	return cmd
}

func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context())
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}
}

func writeRuns(w io.Writer, runs []telemetry.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tSOURCE\tREASON\tVERSION")
	for _, r := range runs {
		dur, reason := "-", r.Reason
		if !r.Ended.IsZero() {
			dur = r.Ended.Sub(r.Started).Round(time.Second).String()
		}
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Started.Format(time.DateTime), dur, r.Source, reason, r.Version)
	}
	return tw.Flush()
}
