// Package orchestrator decides which sub-jobs to submit next.
//
// Budgeting is coarse: the concurrency cap decides whether a new batch may be
// started, and a started batch submits every one of its parameter
// combinations, which can overshoot the cap by the width of the matrix.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/3leaps/graspatracker/pkg/batch"
	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/script"
	"go.uber.org/zap"
)

// Outcome classifies one Next call.
type Outcome int

const (
	// Exhausted means no batch is eligible.
	Exhausted Outcome = iota

	// AtCapacity means the active count reached the cap.
	AtCapacity

	// Submitted means at least one sub-job was queued.
	Submitted

	// Progressed means a batch was handled without queuing anything (empty
	// file list, nothing left to retry). The caller should try again.
	Progressed

	// SubmitFailed means the scheduler rejected a submission. The sub-job
	// stays NEVER_SUBMITTED and is retried on a later tick.
	SubmitFailed
)

func (o Outcome) String() string {
	switch o {
	case Exhausted:
		return "exhausted"
	case AtCapacity:
		return "at_capacity"
	case Submitted:
		return "submitted"
	case Progressed:
		return "progressed"
	case SubmitFailed:
		return "submit_failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes one Next call.
type Result struct {
	Outcome Outcome
	BatchID int

	// Submitted counts sub-jobs queued by this call.
	Submitted int
}

// BatchSource resolves batch membership.
type BatchSource interface {
	Count() (int, error)
	Files(id int) ([]string, error)
}

// ScriptGenerator writes sub-job scripts.
type ScriptGenerator interface {
	Generate(sub script.SubJob, files []string) (*script.Generated, error)
}

// Config tunes submission.
type Config struct {
	MaxConcurrent  int
	ResubmitFailed bool
	Range          *manifest.RangeConfig
	DryRun         bool
	ResultsDir     string

	// RebuildBatches recreates missing batch records. Optional.
	RebuildBatches func() error

	Now    func() time.Time
	Logger *zap.Logger
}

// Orchestrator selects and submits sub-jobs.
type Orchestrator struct {
	gw      scheduler.Gateway
	store   *jobstate.Store
	batches BatchSource
	gen     ScriptGenerator
	matrix  *parammatrix.Matrix
	failed  *jobstate.FailedBatchSet
	cfg     Config
	logger  *zap.Logger

	observers jobstate.Observers

	// skip holds batches handled this tick that must not be picked again
	// (empty file lists, rejected submissions).
	skip map[int]struct{}
}

// New creates an orchestrator. matrix may be nil; failed may be nil when
// resubmission is disabled.
func New(gw scheduler.Gateway, store *jobstate.Store, batches BatchSource, gen ScriptGenerator, matrix *parammatrix.Matrix, failed *jobstate.FailedBatchSet, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = manifest.DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		gw:      gw,
		store:   store,
		batches: batches,
		gen:     gen,
		matrix:  matrix,
		failed:  failed,
		cfg:     cfg,
		logger:  cfg.Logger,
		skip:    make(map[int]struct{}),
	}
}

// AddObserver registers an observer for status changes made on submission.
func (o *Orchestrator) AddObserver(obs jobstate.Observer) {
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) notify(r *jobstate.Record, from jobstate.Status, source string) {
	o.observers.ObserveTransition(jobstate.Transition{
		Key:    r.Key(),
		JobID:  r.JobID,
		From:   from,
		To:     r.Status,
		Stage:  r.WorkflowStage,
		At:     o.cfg.Now().Truncate(time.Second),
		Source: source,
	})
}

// BeginTick forgets the batches skipped during the previous tick.
func (o *Orchestrator) BeginTick() {
	o.skip = make(map[int]struct{})
}

// MaxConcurrent returns the concurrency cap.
func (o *Orchestrator) MaxConcurrent() int {
	return o.cfg.MaxConcurrent
}

// SubmitNext reports whether a call to Next queued anything.
func (o *Orchestrator) SubmitNext(ctx context.Context, t *jobstate.Table) bool {
	res, err := o.Next(ctx, t)
	if err != nil {
		o.logger.Error("Submission failed", zap.Error(err))
		return false
	}
	return res.Outcome == Submitted
}

// Next handles at most one batch. t must be the table after a fresh
// reconciliation pass; it is updated in place and persisted after every
// submission.
//
// Errors are configuration problems (unresolvable scripts, unreadable batch
// records) and are not retried.
func (o *Orchestrator) Next(ctx context.Context, t *jobstate.Table) (Result, error) {
	if active := t.ActiveCount(); active >= o.cfg.MaxConcurrent {
		o.logger.Debug("At concurrency cap", zap.Int("active", active), zap.Int("max_concurrent", o.cfg.MaxConcurrent))
		return Result{Outcome: AtCapacity}, nil
	}

	id, keys, fromFailed, err := o.selectBatch(t)
	if err != nil {
		return Result{}, err
	}
	if id == 0 {
		return Result{Outcome: Exhausted}, nil
	}
	res := Result{BatchID: id}

	if len(keys) == 0 {
		// Selected from the failed set but every sub-job is done or active.
		o.dropFailed(id)
		o.skip[id] = struct{}{}
		res.Outcome = Progressed
		return res, nil
	}

	files, err := o.files(id)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		o.logger.Warn("Batch has no input files, marking failed", zap.Int("batch_id", id))
		o.markEmpty(t, id, keys)
		o.skip[id] = struct{}{}
		o.save(ctx, t)
		res.Outcome = Progressed
		return res, nil
	}

	var rejected bool
	for _, sk := range keys {
		gen, err := o.gen.Generate(sk.sub, files)
		if err != nil {
			return res, fmt.Errorf("generate script for %s: %w", sk.sub.Name, err)
		}
		jobID, err := o.gw.Submit(ctx, gen.Path, o.cfg.DryRun)
		if err != nil {
			o.logger.Error("Submission rejected",
				zap.Int("batch_id", id),
				zap.String("sub_job", sk.sub.Name),
				zap.Error(err))
			o.ensureRow(t, sk.key)
			rejected = true
			continue
		}
		o.record(t, sk.key, jobID)
		res.Submitted++
	}

	if !rejected {
		o.dropFailed(id)
	}
	if rejected {
		o.skip[id] = struct{}{}
	}
	o.save(ctx, t)

	switch {
	case res.Submitted > 0:
		res.Outcome = Submitted
	case rejected:
		res.Outcome = SubmitFailed
	default:
		res.Outcome = Progressed
	}
	if fromFailed {
		o.logger.Info("Resubmitted failed batch", zap.Int("batch_id", id), zap.Int("sub_jobs", res.Submitted))
	}
	return res, nil
}

type subJobKey struct {
	key jobstate.SubJobKey
	sub script.SubJob
}

// subJobs lists every sub-job of a batch.
func (o *Orchestrator) subJobs(id int) []subJobKey {
	if o.matrix == nil || !o.matrix.IsEnabled() {
		name := fmt.Sprintf("batch_%d", id)
		return []subJobKey{{
			key: jobstate.SubJobKey{BatchID: id},
			sub: script.SubJob{BatchID: id, Name: name, OutputDir: filepath.Join(o.cfg.ResultsDir, name)},
		}}
	}
	combos := o.matrix.Combinations()
	out := make([]subJobKey, 0, len(combos))
	for _, c := range combos {
		name := o.matrix.SubJobName(id, c.ID)
		out = append(out, subJobKey{
			key: jobstate.SubJobKey{BatchID: id, ParamCombinationID: name},
			sub: script.SubJob{BatchID: id, Name: name, OutputDir: o.matrix.SubJobOutputDir(id, c.ID), Params: c.Parameters},
		})
	}
	return out
}

// selectBatch picks the next batch and returns the sub-jobs to submit for it.
// A zero id means nothing is eligible.
func (o *Orchestrator) selectBatch(t *jobstate.Table) (int, []subJobKey, bool, error) {
	if o.cfg.ResubmitFailed && o.failed != nil {
		for _, id := range o.failed.IDs() {
			if !o.cfg.Range.Contains(id) || o.skipped(id) || batchActive(t, id) {
				continue
			}
			o.resetBatch(t, id, true)
			return id, o.pending(t, id, true), true, nil
		}
	}

	n, err := o.batches.Count()
	if err != nil {
		return 0, nil, false, fmt.Errorf("count batches: %w", err)
	}
	for id := 1; id <= n; id++ {
		if !o.cfg.Range.Contains(id) || o.skipped(id) || batchActive(t, id) {
			continue
		}
		o.resetBatch(t, id, o.cfg.ResubmitFailed)
		if keys := o.pending(t, id, false); len(keys) > 0 {
			return id, keys, false, nil
		}
	}
	return 0, nil, false, nil
}

func (o *Orchestrator) skipped(id int) bool {
	_, ok := o.skip[id]
	return ok
}

func batchActive(t *jobstate.Table, id int) bool {
	for _, r := range t.ForBatch(id) {
		if r.Status.IsActive() {
			return true
		}
	}
	return false
}

// resetBatch returns rows of the batch to NEVER_SUBMITTED so they can be
// submitted again: DRY-RUN rows when submitting for real, and FAILED or
// CANCELLED rows when failed is set.
func (o *Orchestrator) resetBatch(t *jobstate.Table, id int, failed bool) {
	for _, r := range t.ForBatch(id) {
		reset := (r.Status == jobstate.StatusDryRun && !o.cfg.DryRun) ||
			(failed && (r.Status == jobstate.StatusFailed || r.Status == jobstate.StatusCancelled))
		if !reset || !isLatest(t, r) {
			continue
		}
		prev, from := r.JobID, r.Status
		if err := r.Reset(); err != nil {
			o.logger.Warn("Cannot reset row", zap.Error(err))
			continue
		}
		o.notify(r, from, "reset")
		o.logger.Info("Reset sub-job for resubmission",
			zap.String("sub_job", r.Key().String()),
			zap.String("previous_job_id", prev))
	}
}

func isLatest(t *jobstate.Table, r *jobstate.Record) bool {
	return t.Latest(r.Key()) == r
}

// pending returns the sub-jobs of the batch that still need a submission.
// retryPartial also returns PARTIALLY_COMPLETE sub-jobs; their completed
// steps are skipped by the script itself.
func (o *Orchestrator) pending(t *jobstate.Table, id int, retryPartial bool) []subJobKey {
	var out []subJobKey
	for _, sk := range o.subJobs(id) {
		latest := t.Latest(sk.key)
		switch {
		case latest == nil, !latest.Status.Attempted():
			out = append(out, sk)
		case retryPartial && latest.Status == jobstate.StatusPartiallyComplete:
			out = append(out, sk)
		}
	}
	return out
}

func (o *Orchestrator) files(id int) ([]string, error) {
	files, err := o.batches.Files(id)
	if errors.Is(err, batch.ErrBatchNotFound) && o.cfg.RebuildBatches != nil {
		o.logger.Warn("Batch record missing, recreating batches", zap.Int("batch_id", id))
		if rerr := o.cfg.RebuildBatches(); rerr != nil {
			return nil, fmt.Errorf("recreate batches: %w", rerr)
		}
		files, err = o.batches.Files(id)
	}
	if errors.Is(err, batch.ErrBatchNotFound) {
		return nil, nil
	}
	return files, err
}

func (o *Orchestrator) markEmpty(t *jobstate.Table, id int, keys []subJobKey) {
	now := jobstate.Timestamp(o.cfg.Now())
	for _, sk := range keys {
		r := o.ensureRow(t, sk.key)
		from := r.Status
		if err := r.SetStatus(jobstate.StatusFailed); err != nil {
			o.logger.Warn("Cannot mark empty batch failed", zap.Int("batch_id", id), zap.Error(err))
			continue
		}
		r.CompletionTime = now
		r.WorkflowStage = "no_input_files"
		o.notify(r, from, "submit")
	}
	o.addFailed(id)
}

// ensureRow returns the row that will receive the next submission of key,
// appending a NEVER_SUBMITTED row when the latest one records an attempt.
func (o *Orchestrator) ensureRow(t *jobstate.Table, key jobstate.SubJobKey) *jobstate.Record {
	if r := t.Latest(key); r != nil && !r.Status.Attempted() {
		if !r.Status.IsSet() {
			r.Status = jobstate.StatusNeverSubmitted
			r.WorkflowStage = jobstate.StatusNeverSubmitted.Stage()
		}
		return r
	}
	return t.Append(jobstate.Record{
		BatchID:            key.BatchID,
		ParamCombinationID: key.ParamCombinationID,
		Status:             jobstate.StatusNeverSubmitted,
		WorkflowStage:      jobstate.StatusNeverSubmitted.Stage(),
	})
}

func (o *Orchestrator) record(t *jobstate.Table, key jobstate.SubJobKey, jobID string) {
	status := jobstate.StatusPending
	if o.cfg.DryRun {
		status = jobstate.StatusDryRun
	}
	r := o.ensureRow(t, key)
	from := r.Status
	if err := r.SetStatus(status); err != nil {
		o.logger.Warn("Unexpected status on submission", zap.Error(err))
		r.Status = status
	}
	r.JobID = jobID
	r.SubmissionTime = jobstate.Timestamp(o.cfg.Now())
	r.CompletionTime = nil
	r.WorkflowStage = status.Stage()
	o.notify(r, from, "submit")
	o.logger.Info("Sub-job submitted",
		zap.String("sub_job", key.String()),
		zap.String("job_id", jobID),
		zap.Bool("dry_run", o.cfg.DryRun))
}

func (o *Orchestrator) addFailed(id int) {
	if o.failed == nil || !o.failed.Add(id) {
		return
	}
	if err := o.failed.Save(); err != nil {
		o.logger.Warn("Failed to save failed batches", zap.Error(err))
	}
}

func (o *Orchestrator) dropFailed(id int) {
	if o.failed == nil || !o.failed.Remove(id) {
		return
	}
	if err := o.failed.Save(); err != nil {
		o.logger.Warn("Failed to save failed batches", zap.Error(err))
	}
}

// save persists t. A busy lock is logged; the next tick writes again.
func (o *Orchestrator) save(ctx context.Context, t *jobstate.Table) {
	if err := o.store.Save(ctx, t); err != nil {
		o.logger.Warn("Could not save job status", zap.Error(err))
	}
}

// Eligible lists the batch ids the scan would still consider, ascending.
func (o *Orchestrator) Eligible(t *jobstate.Table) ([]int, error) {
	n, err := o.batches.Count()
	if err != nil {
		return nil, err
	}
	var ids []int
	for id := 1; id <= n; id++ {
		if !o.cfg.Range.Contains(id) || batchActive(t, id) {
			continue
		}
		if len(o.pending(t, id, false)) > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
