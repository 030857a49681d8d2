package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/graspatracker/internal/errors"
	"github.com/3leaps/graspatracker/pkg/history"
	"github.com/3leaps/graspatracker/pkg/jobstate"
)

type tableSource struct {
	t   *jobstate.Table
	err error
}

func (s tableSource) Load() (*jobstate.Table, error) { return s.t, s.err }

func sampleTable() *jobstate.Table {
	submitted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t := jobstate.NewTable(true)
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_cold", JobID: "10", Status: jobstate.StatusFailed, SubmissionTime: &submitted})
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_hot", JobID: "11", Status: jobstate.StatusCompleted})
	t.Append(jobstate.Record{BatchID: 1, ParamCombinationID: "B1_cold", JobID: "12", Status: jobstate.StatusRunning, WorkflowStage: "running"})
	t.Append(jobstate.Record{BatchID: 2, Status: jobstate.StatusNeverSubmitted})
	return t
}

func serve(h *Tracker, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestTracker_Status(t *testing.T) {
	rec := serve(NewTracker(tableSource{t: sampleTable()}, nil), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var sum StatusSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sum))
	assert.Equal(t, 3, sum.SubJobs)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 1, sum.Active)
	assert.Equal(t, map[string]int{"RUNNING": 1, "COMPLETED": 1, "NEVER_SUBMITTED": 1}, sum.Counts)
}

func TestTracker_SubJobs(t *testing.T) {
	h := NewTracker(tableSource{t: sampleTable()}, nil)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantNames []string
	}{
		{"all", "/subjobs", http.StatusOK, []string{"B1_cold", "B1_hot", "batch_2"}},
		{"filtered", "/subjobs?status=running", http.StatusOK, []string{"B1_cold"}},
		{"no match", "/subjobs?status=CANCELLED", http.StatusOK, []string{}},
		{"bad filter", "/subjobs?status=BOGUS", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.target)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantNames == nil {
				return
			}
			var out []SubJob
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
			names := []string{}
			for _, s := range out {
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestTracker_Batch(t *testing.T) {
	h := NewTracker(tableSource{t: sampleTable()}, nil)

	rec := serve(h, "/subjobs/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []SubJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "10", rows[0].JobID)
	require.NotNil(t, rows[0].SubmissionTime)

	rec = serve(h, "/subjobs/9")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, "/subjobs/x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, "/subjobs/2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	assert.Empty(t, rows[0].ParamCombinationID)
}

func TestTracker_LoadError(t *testing.T) {
	h := NewTracker(tableSource{err: errors.New("disk gone")}, nil)

	rec := serve(h, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Error(t, h.CheckHealth(context.Background()))
}

func TestTracker_HistoryDisabled(t *testing.T) {
	h := NewTracker(tableSource{t: sampleTable()}, nil)
	assert.Equal(t, http.StatusNotFound, serve(h, "/history/runs").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, "/history/transitions").Code)
}

func TestTracker_History(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("libsql", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, history.Migrate(ctx, db))

	l := history.NewLedger(db, nil)
	_, err = l.StartRun(ctx, "sweep", false)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, jobstate.Transition{
		Key:    jobstate.SubJobKey{BatchID: 3},
		JobID:  "1000",
		From:   jobstate.StatusNeverSubmitted,
		To:     jobstate.StatusPending,
		Stage:  "pending",
		At:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source: "submit",
	}))

	h := NewTracker(tableSource{t: sampleTable()}, db)

	rec := serve(h, "/history/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "sweep", runs[0].JobName)
	assert.Equal(t, "running", runs[0].Status)

	rec = serve(h, "/history/transitions?batch=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []Transition
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "PENDING", rows[0].To)
	assert.Equal(t, "submit", rows[0].Source)

	assert.Equal(t, http.StatusBadRequest, serve(h, "/history/transitions?limit=-1").Code)
}
