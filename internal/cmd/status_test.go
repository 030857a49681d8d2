package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
)

func sampleTable() *jobstate.Table {
	t := jobstate.NewTable(true)
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_cold", JobID: "10", Status: jobstate.StatusFailed})
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_hot", JobID: "11", Status: jobstate.StatusCompleted, WorkflowStage: "analysis"})
	t.Append(jobstate.Record{BatchID: 2, ParamCombinationID: "B2_cold"})
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_cold", JobID: "12", Status: jobstate.StatusRunning})
	return t
}

func TestSelectRows(t *testing.T) {
	tests := []struct {
		name    string
		status  jobstate.Status
		batchID int
		all     bool
		want    []string
	}{
		{name: "latest per sub-job", want: []string{"B1_cold", "B1_hot", "B2_cold"}},
		{name: "all rows", all: true, want: []string{"B1_cold", "B1_hot", "B2_cold", "B1_cold"}},
		{name: "status filter", status: jobstate.StatusCompleted, want: []string{"B1_hot"}},
		{name: "status filter sees only latest", status: jobstate.StatusFailed, want: []string{}},
		{name: "batch filter", batchID: 2, want: []string{"B2_cold"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := selectRows(sampleTable(), tt.status, tt.batchID, tt.all)
			got := make([]string, 0, len(rows))
			for _, r := range rows {
				got = append(got, r.SubJob)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectRows_UnsetStatusDisplay(t *testing.T) {
	rows := selectRows(sampleTable(), "", 2, false)
	require.Len(t, rows, 1)
	assert.Equal(t, "-", rows[0].Status)
}

func TestWriteStatusTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	submitted := now.Add(-2 * time.Hour)
	rows := []statusRow{{SubJob: "batch_1", BatchID: 1, JobID: "42", Status: "RUNNING", SubmissionTime: &submitted}}

	var buf bytes.Buffer
	writeStatusTable(&buf, rows, now)

	out := buf.String()
	assert.Contains(t, out, "batch_1")
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "2 hours ago")
}

func TestRelTime(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "-", relTime(nil, now))
	past := now.Add(-3 * time.Minute)
	assert.Equal(t, "3 minutes ago", relTime(&past, now))
}

func TestFormatParams(t *testing.T) {
	p := parammatrix.Params{
		{Key: "temperature", Value: 298.0},
		{Key: "molecule", Value: "CO2"},
		{Key: "flexible", Value: true},
	}
	assert.Equal(t, "temperature=298.0 molecule=CO2 flexible=True", formatParams(p))
}

func TestRunInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")

	origForce := initConfigForce
	defer func() { initConfigForce = origForce }()

	run := func() (string, error) {
		var buf bytes.Buffer
		c := &cobra.Command{}
		c.SetOut(&buf)
		err := runInitConfig(c, []string{path})
		return buf.String(), err
	}

	initConfigForce = false
	out, err := run()
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run()
	require.Error(t, err)

	initConfigForce = true
	_, err = run()
	require.NoError(t, err)
}
