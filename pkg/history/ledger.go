package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/pkg/jobstate"
)

// RunStatus is the lifecycle state of a tracker run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// ErrNoRun is returned when a transition is recorded before StartRun.
var ErrNoRun = errors.New("no active run")

// Fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one invocation of the tracker against a job.
type Run struct {
	RunID     string
	JobName   string
	StartedAt time.Time
	EndedAt   *time.Time
	DryRun    bool
	Status    RunStatus
}

// TransitionRow is a persisted status change.
type TransitionRow struct {
	RunID              string
	BatchID            int
	ParamCombinationID string
	JobID              string
	From               string
	To                 string
	Stage              string
	Source             string
	ObservedAt         time.Time
}

// TransitionFilter narrows ListTransitions. Zero values match everything.
type TransitionFilter struct {
	RunID   string
	BatchID int
	Status  string
	Limit   int
}

// Ledger records runs and transitions. It implements jobstate.Observer so
// it can be attached to the reconciler and the orchestrator.
type Ledger struct {
	db      *sql.DB
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	runID string
	err   error
}

// NewLedger wraps an open, migrated database.
func NewLedger(db *sql.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger, timeout: 5 * time.Second}
}

// RunID returns the active run id, or "" before StartRun.
func (l *Ledger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// Err returns the first write error seen by ObserveTransition.
func (l *Ledger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// StartRun opens a new run and makes it the target of later transitions.
func (l *Ledger) StartRun(ctx context.Context, jobName string, dryRun bool) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &Run{
		RunID:     uuid.NewString(),
		JobName:   jobName,
		StartedAt: time.Now().UTC(),
		DryRun:    dryRun,
		Status:    RunStatusRunning,
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_name, started_at, dry_run, status)
		 VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.JobName, run.StartedAt.Format(timeLayout), boolInt(dryRun), string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	l.mu.Lock()
	l.runID = run.RunID
	l.mu.Unlock()
	return run, nil
}

// EndRun stamps the active run with its final status.
func (l *Ledger) EndRun(ctx context.Context, status RunStatus) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runID := l.RunID()
	if runID == "" {
		return ErrNoRun
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, status = ? WHERE run_id = ?`,
		time.Now().UTC().Format(timeLayout), string(status), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// Record persists one transition against the active run.
func (l *Ledger) Record(ctx context.Context, t jobstate.Transition) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runID := l.RunID()
	if runID == "" {
		return ErrNoRun
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transitions
		 (run_id, batch_id, param_combination_id, job_id, from_status, to_status, stage, source, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, t.Key.BatchID, t.Key.ParamCombinationID, t.JobID,
		string(t.From), string(t.To), t.Stage, t.Source, at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// ObserveTransition implements jobstate.Observer. Write failures are logged
// and kept for Err; they never interrupt the caller.
func (l *Ledger) ObserveTransition(t jobstate.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.Record(ctx, t); err != nil {
		l.logger.Warn("history write failed",
			zap.String("subjob", t.Key.String()),
			zap.Error(err))
		l.mu.Lock()
		if l.err == nil {
			l.err = err
		}
		l.mu.Unlock()
	}
}

// ListRuns returns runs, newest first.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT run_id, job_name, started_at, ended_at, dry_run, status
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started string
			ended   sql.NullString
			dryRun  int
			status  string
		)
		if err := rows.Scan(&r.RunID, &r.JobName, &started, &ended, &dryRun, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		if ended.Valid && ended.String != "" {
			t := parseTime(ended.String)
			r.EndedAt = &t
		}
		r.DryRun = dryRun != 0
		r.Status = RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListTransitions returns recorded transitions in observation order.
func ListTransitions(ctx context.Context, db *sql.DB, filter TransitionFilter) ([]TransitionRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		where []string
		args  []any
	)
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.BatchID > 0 {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		where = append(where, "to_status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT run_id, batch_id, param_combination_id, job_id, from_status, to_status, stage, source, observed_at
		FROM transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionRow
	for rows.Next() {
		var (
			tr       TransitionRow
			observed string
		)
		if err := rows.Scan(&tr.RunID, &tr.BatchID, &tr.ParamCombinationID, &tr.JobID,
			&tr.From, &tr.To, &tr.Stage, &tr.Source, &observed); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.ObservedAt = parseTime(observed)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
