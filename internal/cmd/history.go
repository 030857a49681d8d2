package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/history"
	"github.com/3leaps/graspatracker/pkg/jobstate"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the run and transition ledger",
	Long: `Query the SQLite ledger written by "run" when history.enabled is set
in the manifest. Every tracker run and every status transition it observed
is recorded there.`,
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List tracker runs, newest first",
	Long: `List tracker runs, newest first.

Examples:
  graspa-tracker history runs -c campaign.yaml
  graspa-tracker history runs -c campaign.yaml --limit 5 --json`,
	RunE: runHistoryRuns,
}

var historyTransitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "List status transitions",
	Long: `List recorded status transitions in observation order.

Examples:
  graspa-tracker history transitions -c campaign.yaml --batch 7
  graspa-tracker history transitions -c campaign.yaml --run <run-id> --status FAILED`,
	RunE: runHistoryTransitions,
}

var (
	historyLimit  int
	historyJSON   bool
	historyRunID  string
	historyBatch  int
	historyStatus string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyRunsCmd, historyTransitionsCmd)

	historyCmd.PersistentFlags().IntVar(&historyLimit, "limit", 50, "Maximum rows (0 for all)")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Print rows as JSON")
	historyTransitionsCmd.Flags().StringVar(&historyRunID, "run", "", "Only this run id")
	historyTransitionsCmd.Flags().IntVar(&historyBatch, "batch", 0, "Only this batch")
	historyTransitionsCmd.Flags().StringVar(&historyStatus, "status", "", "Only transitions to this status")
}

func runHistoryRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManifest()
	if err != nil {
		return err
	}
	db, err := openHistory(ctx, m, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := history.ListRuns(ctx, db, historyLimit)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read history", err)
	}
	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tJOB\tSTATUS\tSTARTED\tDURATION\tDRY RUN")
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			r.RunID, r.JobName, r.Status, humanize.RelTime(r.StartedAt, now, "ago", "from now"), duration, r.DryRun)
	}
	return tw.Flush()
}

func runHistoryTransitions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	filter := history.TransitionFilter{RunID: historyRunID, BatchID: historyBatch, Limit: historyLimit}
	if historyStatus != "" {
		st, err := jobstate.ParseStatus(historyStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Status = string(st)
	}

	m, err := loadManifest()
	if err != nil {
		return err
	}
	db, err := openHistory(ctx, m, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := history.ListTransitions(ctx, db, filter)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read history", err)
	}
	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OBSERVED\tSUBJOB\tJOB ID\tFROM\tTO\tSOURCE")
	for _, r := range rows {
		key := jobstate.SubJobKey{BatchID: r.BatchID, ParamCombinationID: r.ParamCombinationID}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ObservedAt.Local().Format(time.DateTime), key, orDash(r.JobID), orDash(r.From), r.To, r.Source)
	}
	return tw.Flush()
}
