package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/jobstate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the job status table",
	Long: `Show the latest row of every sub-job in the status table, followed by
counts per status. Reads the table without contacting the scheduler; run
"reconcile" first for fresh states.

Examples:
  graspa-tracker status -c campaign.yaml
  graspa-tracker status -c campaign.yaml --status FAILED
  graspa-tracker status -c campaign.yaml --batch 12 --all
  graspa-tracker status -c campaign.yaml --json`,
	RunE: runStatus,
}

var (
	statusJSON   bool
	statusFilter string
	statusBatch  int
	statusAll    bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print rows as JSON")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only show sub-jobs with this status")
	statusCmd.Flags().IntVar(&statusBatch, "batch", 0, "Only show this batch")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Show every row, not only the latest per sub-job")
}

type statusRow struct {
	SubJob             string     `json:"subjob"`
	BatchID            int        `json:"batch_id"`
	ParamCombinationID string     `json:"param_combination_id,omitempty"`
	JobID              string     `json:"job_id,omitempty"`
	Status             string     `json:"status"`
	WorkflowStage      string     `json:"workflow_stage,omitempty"`
	SubmissionTime     *time.Time `json:"submission_time,omitempty"`
	CompletionTime     *time.Time `json:"completion_time,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var want jobstate.Status
	if statusFilter != "" {
		st, err := jobstate.ParseStatus(statusFilter)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		want = st
	}

	m, err := loadManifest()
	if err != nil {
		return err
	}
	store, err := storeFor(m)
	if err != nil {
		return err
	}
	t, err := store.Load()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job status table", err)
	}

	rows := selectRows(t, want, statusBatch, statusAll)
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	writeStatusTable(cmd.OutOrStdout(), rows, time.Now())
	writeCounts(cmd.OutOrStdout(), t)
	return nil
}

func selectRows(t *jobstate.Table, want jobstate.Status, batchID int, all bool) []statusRow {
	recs := t.LatestRecords()
	if all {
		recs = t.Records()
	}
	out := []statusRow{}
	for _, r := range recs {
		if want != "" && r.Status != want {
			continue
		}
		if batchID > 0 && r.BatchID != batchID {
			continue
		}
		row := statusRow{
			SubJob:         r.Key().String(),
			BatchID:        r.BatchID,
			JobID:          r.JobID,
			Status:         displayStatus(r.Status),
			WorkflowStage:  r.WorkflowStage,
			SubmissionTime: r.SubmissionTime,
			CompletionTime: r.CompletionTime,
		}
		if r.ParamCombinationID != jobstate.NoParamCombination {
			row.ParamCombinationID = r.ParamCombinationID
		}
		out = append(out, row)
	}
	return out
}

func writeStatusTable(w io.Writer, rows []statusRow, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SUBJOB\tJOB ID\tSTATUS\tSTAGE\tSUBMITTED\tFINISHED")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SubJob, orDash(r.JobID), r.Status, orDash(r.WorkflowStage),
			relTime(r.SubmissionTime, now), relTime(r.CompletionTime, now))
	}
	_ = tw.Flush()
}

func writeCounts(w io.Writer, t *jobstate.Table) {
	counts := make(map[jobstate.Status]int)
	latest := t.LatestRecords()
	for _, r := range latest {
		counts[r.Status]++
	}
	_, _ = fmt.Fprintf(w, "\n%s sub-jobs", humanize.Comma(int64(len(latest))))
	for _, st := range jobstate.AllStatuses {
		if n := counts[st]; n > 0 {
			_, _ = fmt.Fprintf(w, ", %s %s", humanize.Comma(int64(n)), st)
		}
	}
	_, _ = fmt.Fprintln(w)
	if n := t.Invalid(); n > 0 {
		_, _ = fmt.Fprintf(w, "%d unparseable rows kept as-is\n", n)
	}
}

func relTime(ts *time.Time, now time.Time) string {
	if ts == nil {
		return "-"
	}
	return humanize.RelTime(*ts, now, "ago", "from now")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func displayStatus(s jobstate.Status) string {
	if s == "" {
		return "-"
	}
	return string(s)
}
