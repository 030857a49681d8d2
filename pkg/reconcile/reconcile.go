// Package reconcile recomputes sub-job status from the scheduler queue and the
// exit markers jobs leave on disk.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"go.uber.org/zap"
)

// ErrQueueUnavailable is returned when the queue listing failed and the pass
// was skipped.
var ErrQueueUnavailable = errors.New("scheduler queue unavailable")

// Config holds the reconciler's view of the workflow.
type Config struct {
	ResultsDir string
	Steps      []manifest.WorkflowStep

	// ProgressStep names the step whose logs carry cycle counters.
	ProgressStep string
	ProgressGlob string

	// Now stamps completion times. Default: time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// ConfigFromManifest builds a Config from a loaded manifest.
func ConfigFromManifest(m *manifest.Manifest, logger *zap.Logger) Config {
	return Config{
		ResultsDir:   m.Output.ResultsDir,
		Steps:        m.Steps(),
		ProgressStep: m.Workflow.ProgressStep,
		ProgressGlob: m.Workflow.ProgressGlob,
		Logger:       logger,
	}
}

// Result summarizes one pass.
type Result struct {
	// Checked counts rows that were examined.
	Checked int

	// Changed counts rows with at least one modified field.
	Changed int

	// Transitions lists status changes in table order.
	Transitions []jobstate.Transition

	// FailedChanged reports whether the failed batch set was modified.
	FailedChanged bool

	// Active is the number of PENDING or RUNNING rows after the pass.
	Active int

	// Skipped is set when the queue listing failed and nothing was touched.
	Skipped bool
}

// Reconciler recomputes statuses.
type Reconciler struct {
	gw        scheduler.Gateway
	cfg       Config
	observers jobstate.Observers
	logger    *zap.Logger
}

// New creates a reconciler.
func New(gw scheduler.Gateway, cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProgressGlob == "" {
		cfg.ProgressGlob = manifest.DefaultProgressGlob
	}
	return &Reconciler{gw: gw, cfg: cfg, logger: cfg.Logger}
}

// AddObserver registers an observer for status changes.
func (r *Reconciler) AddObserver(o jobstate.Observer) {
	r.observers = append(r.observers, o)
}

// Steps returns the workflow the reconciler inspects.
func (r *Reconciler) Steps() []manifest.WorkflowStep {
	return r.cfg.Steps
}

// OutputDir returns the results directory of a record.
func (r *Reconciler) OutputDir(rec *jobstate.Record) string {
	return OutputDir(r.cfg.ResultsDir, rec)
}

// Reconcile updates t in place. It is idempotent: a second pass over an
// unchanged queue and filesystem changes nothing.
//
// failed may be nil. When the queue listing fails, Reconcile returns an error
// wrapping ErrQueueUnavailable with Result.Skipped set and t untouched.
func (r *Reconciler) Reconcile(ctx context.Context, t *jobstate.Table, failed *jobstate.FailedBatchSet) (Result, error) {
	var res Result
	recs := t.Records()

	var queue map[string]struct{}
	if needsQueue(recs) {
		q, err := r.gw.QueueIDs(ctx)
		if err != nil {
			res.Skipped = true
			return res, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		queue = q
	}

	now := r.cfg.Now()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case rec.Status.IsActive():
			res.Checked++
			r.reconcileActive(ctx, rec, queue, failed, now, &res)
		case rec.Status == jobstate.StatusFailed || rec.Status == jobstate.StatusCancelled:
			res.Checked++
			r.reconcileFinished(rec, t, failed, now, &res)
		}
	}

	for _, rec := range recs {
		if rec.Status.IsSet() || rec.JobID != "" || rec.SubmissionTime != nil {
			continue
		}
		r.apply(rec, jobstate.StatusNeverSubmitted, jobstate.StatusNeverSubmitted.Stage(), now, "default", &res)
	}

	res.Active = t.ActiveCount()
	return res, nil
}

func needsQueue(recs []*jobstate.Record) bool {
	for _, rec := range recs {
		if rec.Status.IsActive() && rec.HasJob() {
			return true
		}
	}
	return false
}

func (r *Reconciler) reconcileActive(ctx context.Context, rec *jobstate.Record, queue map[string]struct{}, failed *jobstate.FailedBatchSet, now time.Time, res *Result) {
	dir := r.OutputDir(rec)

	// A live row without a job id cannot be in the queue; its markers decide.
	if _, queued := queue[rec.JobID]; queued && rec.HasJob() {
		raw := r.gw.Status(ctx, rec.JobID)
		st, ok := raw.JobStatus()
		if !ok {
			r.logger.Debug("Scheduler state unknown, keeping stored status",
				zap.String("sub_job", rec.Key().String()),
				zap.String("job_id", rec.JobID))
			return
		}
		r.apply(rec, st, r.Stage(st, dir), now, "scheduler", res)
		return
	}

	st := ClassifyExited(dir, r.cfg.Steps)
	r.apply(rec, st, r.Stage(st, dir), now, "filesystem", res)
	if st == jobstate.StatusFailed && failed != nil && failed.Add(rec.BatchID) {
		res.FailedChanged = true
	}
}

// reconcileFinished only ever upgrades a FAILED or CANCELLED row, when a
// success marker shows up after the job left the queue.
func (r *Reconciler) reconcileFinished(rec *jobstate.Record, t *jobstate.Table, failed *jobstate.FailedBatchSet, now time.Time, res *Result) {
	dir := r.OutputDir(rec)
	st := ClassifyExited(dir, r.cfg.Steps)
	if st != jobstate.StatusCompleted && st != jobstate.StatusPartiallyComplete {
		return
	}
	r.apply(rec, st, r.Stage(st, dir), now, "filesystem", res)

	if failed == nil || !failed.Contains(rec.BatchID) {
		return
	}
	for _, other := range t.ForBatch(rec.BatchID) {
		if other.Status == jobstate.StatusFailed || other.Status == jobstate.StatusCancelled {
			return
		}
	}
	if failed.Remove(rec.BatchID) {
		res.FailedChanged = true
	}
}

// apply moves rec to the new status and stage, stamping the completion time
// on terminal transitions. Illegal transitions are logged and dropped.
func (r *Reconciler) apply(rec *jobstate.Record, to jobstate.Status, stage string, now time.Time, source string, res *Result) {
	from := rec.Status
	if from == to {
		if rec.WorkflowStage != stage {
			rec.WorkflowStage = stage
			res.Changed++
		}
		return
	}
	if err := rec.SetStatus(to); err != nil {
		r.logger.Warn("Ignoring status change", zap.Error(err))
		return
	}
	rec.WorkflowStage = stage
	if to.IsTerminal() {
		rec.CompletionTime = jobstate.Timestamp(now)
	}
	res.Changed++

	tr := jobstate.Transition{Key: rec.Key(), JobID: rec.JobID, From: from, To: to, Stage: stage, At: now.Truncate(time.Second), Source: source}
	res.Transitions = append(res.Transitions, tr)

	level := r.logger.Info
	if to == jobstate.StatusFailed {
		level = r.logger.Warn
	}
	level("Status changed",
		zap.String("sub_job", tr.Key.String()),
		zap.String("job_id", rec.JobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("stage", stage),
		zap.String("source", source))

	r.observers.ObserveTransition(tr)
}

// Sync loads the store, reconciles it and writes back only what changed.
//
// A busy store lock is not an error: the save is skipped and the next pass
// recomputes the same result.
func (r *Reconciler) Sync(ctx context.Context, store *jobstate.Store, failed *jobstate.FailedBatchSet) (*jobstate.Table, Result, error) {
	t, err := store.Load()
	if err != nil {
		return nil, Result{}, err
	}
	res, err := r.Reconcile(ctx, t, failed)
	if err != nil {
		return t, res, err
	}
	if err := r.persist(ctx, store, t, failed, res); err != nil {
		return t, res, err
	}
	return t, res, nil
}

func (r *Reconciler) persist(ctx context.Context, store *jobstate.Store, t *jobstate.Table, failed *jobstate.FailedBatchSet, res Result) error {
	if res.Changed > 0 {
		if err := store.Save(ctx, t); err != nil {
			if !errors.Is(err, jobstate.ErrLockBusy) {
				return fmt.Errorf("save job status: %w", err)
			}
			r.logger.Warn("Job status store busy, skipping save", zap.Error(err))
		}
	}
	if res.FailedChanged && failed != nil {
		if err := failed.Save(); err != nil {
			return fmt.Errorf("save failed batches: %w", err)
		}
	}
	return nil
}
