package jobstate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(TimeLayout, s, time.Local)
	require.NoError(t, err)
	return ts
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "batch_id,job_id,status,submission_time,completion_time,workflow_stage",
		strings.Join(Header(false), ","))
	assert.Equal(t, "batch_id,job_id,param_combination_id,status,submission_time,completion_time,workflow_stage",
		strings.Join(Header(true), ","))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sub := Timestamp(mustTime(t, "2026-03-01 10:00:00"))
	done := Timestamp(mustTime(t, "2026-03-01 12:30:15"))

	tbl := NewTable(true)
	tbl.Append(Record{BatchID: 1, JobID: "1001", ParamCombinationID: "B1_T298", Status: StatusCompleted, SubmissionTime: sub, CompletionTime: done, WorkflowStage: "completed"})
	tbl.Append(Record{BatchID: 2, Status: StatusNeverSubmitted, WorkflowStage: "never_submitted"})

	var buf bytes.Buffer
	require.NoError(t, tbl.Encode(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1,1001,B1_T298,COMPLETED,2026-03-01 10:00:00,2026-03-01 12:30:15,completed", lines[1])
	assert.Equal(t, "2,,NA,NEVER_SUBMITTED,,,never_submitted", lines[2])

	got, rowErrs, err := Decode(&buf, true)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	recs := got.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, SubJobKey{BatchID: 1, ParamCombinationID: "B1_T298"}, recs[0].Key())
	assert.True(t, recs[0].CompletionTime.Equal(*done))
	assert.Equal(t, SubJobKey{BatchID: 2}, recs[1].Key())
}

func TestDecodeKeepsMalformedRows(t *testing.T) {
	in := "batch_id,job_id,status,submission_time,completion_time,workflow_stage\n" +
		"1,100,RUNNING,2026-03-01 10:00:00,,running\n" +
		"oops,,,\n" +
		"2,101,WHATEVER,,,\n" +
		"3,dry-run,DRY-RUN,,,dry-run\n"

	tbl, rowErrs, err := Decode(strings.NewReader(in), false)
	require.NoError(t, err)
	assert.Len(t, rowErrs, 2)
	assert.Equal(t, 4, tbl.Len())
	assert.Equal(t, 2, tbl.Invalid())

	recs := tbl.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, StatusRunning, recs[0].Status)
	assert.False(t, recs[1].HasJob())

	var buf bytes.Buffer
	require.NoError(t, tbl.Encode(&buf))
	assert.Contains(t, buf.String(), "oops,,,\n")
	assert.Contains(t, buf.String(), "2,101,WHATEVER,,,\n")
}

func TestDecodeLegacyValues(t *testing.T) {
	in := "\ufeffbatch_id,job_id,status,submission_time,completion_time,workflow_stage\n" +
		"4.0,12345.0,TIMEOUT,nan,nan,nan\n"

	tbl, rowErrs, err := Decode(strings.NewReader(in), true)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)

	recs := tbl.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 4, r.BatchID)
	assert.Equal(t, "12345", r.JobID)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Nil(t, r.SubmissionTime)
	assert.Equal(t, NoParamCombination, r.ParamCombinationID)
	assert.Equal(t, SubJobKey{BatchID: 4}, r.Key())
}

func TestDecodeRejectsForeignHeader(t *testing.T) {
	_, _, err := Decode(strings.NewReader("a,b,c\n1,2,3\n"), false)
	require.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	tbl, rowErrs, err := Decode(strings.NewReader(""), false)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableQueries(t *testing.T) {
	tbl := NewTable(true)
	tbl.Append(Record{BatchID: 1, JobID: "1", ParamCombinationID: "B1_T1", Status: StatusFailed})
	tbl.Append(Record{BatchID: 1, JobID: "2", ParamCombinationID: "B1_T1", Status: StatusRunning})
	tbl.Append(Record{BatchID: 2, JobID: "3", ParamCombinationID: "B2_T1", Status: StatusPending})
	tbl.Append(Record{BatchID: 3, Status: StatusNeverSubmitted})

	assert.Equal(t, 2, tbl.ActiveCount())
	assert.Equal(t, []int{1, 2, 3}, tbl.BatchIDs())
	assert.Len(t, tbl.Find(SubJobKey{BatchID: 1, ParamCombinationID: "B1_T1"}), 2)
	assert.Equal(t, "2", tbl.Latest(SubJobKey{BatchID: 1, ParamCombinationID: "B1_T1"}).JobID)
	assert.Nil(t, tbl.Latest(SubJobKey{BatchID: 9}))
	assert.Len(t, tbl.ForBatch(1), 2)
	assert.Equal(t, 1, tbl.CountByStatus()[StatusFailed])

	n := tbl.Update(func(r *Record) bool { return r.Status == StatusPending }, func(r *Record) { r.Status = StatusRunning })
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, tbl.CountByStatus()[StatusRunning])
}
