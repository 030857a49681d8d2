package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/graspatracker/internal/errors"
	"github.com/3leaps/graspatracker/pkg/history"
	"github.com/3leaps/graspatracker/pkg/jobstate"
)

// TableSource loads the current job status table.
type TableSource interface {
	Load() (*jobstate.Table, error)
}

// SubJob is the API view of a status row.
type SubJob struct {
	Name               string     `json:"name"`
	BatchID            int        `json:"batch_id"`
	ParamCombinationID string     `json:"param_combination_id,omitempty"`
	JobID              string     `json:"job_id,omitempty"`
	Status             string     `json:"status"`
	WorkflowStage      string     `json:"workflow_stage,omitempty"`
	SubmissionTime     *time.Time `json:"submission_time,omitempty"`
	CompletionTime     *time.Time `json:"completion_time,omitempty"`
}

// StatusSummary is the body of GET /api/v1/status.
type StatusSummary struct {
	SubJobs     int            `json:"subjobs"`
	Batches     int            `json:"batches"`
	Active      int            `json:"active"`
	InvalidRows int            `json:"invalid_rows"`
	Counts      map[string]int `json:"counts"`
}

// Run is the API view of a history run.
type Run struct {
	RunID     string     `json:"run_id"`
	JobName   string     `json:"job_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	DryRun    bool       `json:"dry_run"`
	Status    string     `json:"status"`
}

// Transition is the API view of a history transition.
type Transition struct {
	RunID              string    `json:"run_id"`
	BatchID            int       `json:"batch_id"`
	ParamCombinationID string    `json:"param_combination_id,omitempty"`
	JobID              string    `json:"job_id,omitempty"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Stage              string    `json:"stage,omitempty"`
	Source             string    `json:"source"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Tracker serves read-only views of a campaign's status table and history.
type Tracker struct {
	source  TableSource
	history *sql.DB
}

// NewTracker returns the tracker API handlers. history may be nil.
func NewTracker(source TableSource, historyDB *sql.DB) *Tracker {
	return &Tracker{source: source, history: historyDB}
}

// Routes mounts the API under the caller's prefix.
func (h *Tracker) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/subjobs", h.SubJobs)
	r.Get("/subjobs/{batchID}", h.Batch)
	r.Get("/history/runs", h.Runs)
	r.Get("/history/transitions", h.Transitions)
}

// CheckHealth reports whether the status table can be read.
func (h *Tracker) CheckHealth(ctx context.Context) error {
	_, err := h.source.Load()
	return err
}

func (h *Tracker) Status(w http.ResponseWriter, r *http.Request) {
	t, ok := h.load(w, r)
	if !ok {
		return
	}
	latest := t.LatestRecords()
	sum := StatusSummary{
		SubJobs:     len(latest),
		Batches:     len(t.BatchIDs()),
		InvalidRows: t.Invalid(),
		Counts:      make(map[string]int),
	}
	for _, rec := range latest {
		if rec.Status.IsActive() {
			sum.Active++
		}
		if rec.Status.IsSet() {
			sum.Counts[string(rec.Status)]++
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, sum)
}

// SubJobs lists the latest row of every sub-job. ?status= filters.
func (h *Tracker) SubJobs(w http.ResponseWriter, r *http.Request) {
	var want jobstate.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := jobstate.ParseStatus(q)
		if err != nil {
			respondWithError(w, r, apperrors.NewValidationError("invalid status filter", err))
			return
		}
		want = st
	}
	t, ok := h.load(w, r)
	if !ok {
		return
	}
	out := []SubJob{}
	for _, rec := range t.LatestRecords() {
		if want != "" && rec.Status != want {
			continue
		}
		out = append(out, subJobView(rec))
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

// Batch lists every row of one batch, oldest first.
func (h *Tracker) Batch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "batchID"))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("invalid batch id", err))
		return
	}
	t, ok := h.load(w, r)
	if !ok {
		return
	}
	rows := t.ForBatch(id)
	if len(rows) == 0 {
		respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("batch %d not found", id)))
		return
	}
	out := make([]SubJob, 0, len(rows))
	for _, rec := range rows {
		out = append(out, subJobView(rec))
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (h *Tracker) Runs(w http.ResponseWriter, r *http.Request) {
	if !h.historyEnabled(w, r) {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("invalid limit", err))
		return
	}
	runs, err := history.ListRuns(r.Context(), h.history, limit)
	if err != nil {
		respondWithError(w, r, apperrors.NewInternalError("list runs", err))
		return
	}
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, Run{
			RunID:     run.RunID,
			JobName:   run.JobName,
			StartedAt: run.StartedAt,
			EndedAt:   run.EndedAt,
			DryRun:    run.DryRun,
			Status:    string(run.Status),
		})
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (h *Tracker) Transitions(w http.ResponseWriter, r *http.Request) {
	if !h.historyEnabled(w, r) {
		return
	}
	q := r.URL.Query()
	filter := history.TransitionFilter{RunID: q.Get("run_id"), Status: q.Get("status")}
	var err error
	if filter.BatchID, err = intParam(r, "batch"); err != nil {
		respondWithError(w, r, apperrors.NewValidationError("invalid batch", err))
		return
	}
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		respondWithError(w, r, apperrors.NewValidationError("invalid limit", err))
		return
	}
	rows, err := history.ListTransitions(r.Context(), h.history, filter)
	if err != nil {
		respondWithError(w, r, apperrors.NewInternalError("list transitions", err))
		return
	}
	out := make([]Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, Transition{
			RunID:              row.RunID,
			BatchID:            row.BatchID,
			ParamCombinationID: row.ParamCombinationID,
			JobID:              row.JobID,
			From:               row.From,
			To:                 row.To,
			Stage:              row.Stage,
			Source:             row.Source,
			ObservedAt:         row.ObservedAt,
		})
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (h *Tracker) load(w http.ResponseWriter, r *http.Request) (*jobstate.Table, bool) {
	t, err := h.source.Load()
	if err != nil {
		respondWithError(w, r, apperrors.NewInternalError("load status table", err))
		return nil, false
	}
	return t, true
}

func (h *Tracker) historyEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.history == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("history is not enabled"))
		return false
	}
	return true
}

func subJobView(rec *jobstate.Record) SubJob {
	v := SubJob{
		Name:           rec.Key().String(),
		BatchID:        rec.BatchID,
		JobID:          rec.JobID,
		Status:         string(rec.Status),
		WorkflowStage:  rec.WorkflowStage,
		SubmissionTime: rec.SubmissionTime,
		CompletionTime: rec.CompletionTime,
	}
	if rec.ParamCombinationID != jobstate.NoParamCombination {
		v.ParamCombinationID = rec.ParamCombinationID
	}
	return v
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
