// Package driver runs the poll/submit/sleep loop that keeps a batch campaign
// moving until every sub-job has finished.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/pkg/batch"
	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/orchestrator"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"github.com/3leaps/graspatracker/pkg/reconcile"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/script"
)

// DefaultPollInterval is the sleep between ticks.
const DefaultPollInterval = 5 * time.Minute

// MatrixFileName is written next to the status table when the parameter
// matrix is enabled.
const MatrixFileName = "parameter_matrix.json"

// Config tunes a run. Values override the manifest where they are set.
type Config struct {
	PollInterval time.Duration
	DryRun       bool

	// ResubmitFailed forces failed-batch resubmission on. The manifest's
	// batch.resubmit_failed also enables it.
	ResubmitFailed bool

	// Once stops after a single tick.
	Once bool

	Script script.Options

	// Store tunes the status table lock. WithParams and Logger are set by New.
	Store jobstate.Options

	// Sleep waits between ticks. Default: a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnTick is called after every tick that returned without error.
	OnTick func(res TickResult, elapsed time.Duration)

	Now    func() time.Time
	Logger *zap.Logger
}

// TickResult summarises one tick.
type TickResult struct {
	Reconcile reconcile.Result

	// Submitted counts sub-jobs queued this tick.
	Submitted int

	// Active is the PENDING+RUNNING count after submission.
	Active int

	// Done is set when nothing was active and nothing was submitted.
	Done bool

	// Table is the status table after the tick. Nil when the queue could not
	// be listed.
	Table *jobstate.Table
}

// Summary is returned by Run.
type Summary struct {
	RunID     string
	Ticks     int
	Submitted int
	Counts    map[jobstate.Status]int

	// Interrupted is set when the loop stopped on cancellation.
	Interrupted bool
}

// Driver owns the components of one campaign.
type Driver struct {
	m       *manifest.Manifest
	gw      scheduler.Gateway
	store   *jobstate.Store
	failed  *jobstate.FailedBatchSet
	batches *batch.Store
	matrix  *parammatrix.Matrix
	gen     *script.Generator
	rec     *reconcile.Reconciler
	orch    *orchestrator.Orchestrator
	cfg     Config
	runID   string
	logger  *zap.Logger
}

// New wires the components described by m. m must have defaults applied.
func New(m *manifest.Manifest, gw scheduler.Gateway, cfg Config) (*Driver, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	runID := uuid.NewString()
	logger := cfg.Logger.With(zap.String("run_id", runID))

	matrix, err := parammatrix.New(m.MatrixConfig())
	if err != nil {
		return nil, fmt.Errorf("parameter matrix: %w", err)
	}

	failed, err := jobstate.LoadFailedBatchSet(m.Output.FailedBatchesFile)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		m:       m,
		gw:      gw,
		failed:  failed,
		matrix:  matrix,
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		store:   newStore(m.Output.StatusFile, cfg.Store, matrix.IsEnabled(), logger),
		batches: batch.NewStore(m.Output.BatchesDir, m.Output.ResultsDir, logger),
	}

	scriptOpts := cfg.Script
	if scriptOpts.Logger == nil {
		scriptOpts.Logger = logger
	}
	d.gen = script.NewGenerator(m, scriptOpts)

	rcfg := reconcile.ConfigFromManifest(m, logger)
	rcfg.Now = cfg.Now
	d.rec = reconcile.New(gw, rcfg)

	d.orch = orchestrator.New(gw, d.store, d.batches, d.gen, matrix, failed, orchestrator.Config{
		MaxConcurrent:  m.Batch.MaxConcurrent,
		ResubmitFailed: cfg.ResubmitFailed || m.Batch.ResubmitFailed,
		Range:          m.Batch.Range,
		DryRun:         cfg.DryRun,
		ResultsDir:     m.Output.ResultsDir,
		RebuildBatches: func() error {
			_, err := d.Partition()
			return err
		},
		Now:    cfg.Now,
		Logger: logger,
	})
	return d, nil
}

func newStore(path string, opts jobstate.Options, withParams bool, logger *zap.Logger) *jobstate.Store {
	opts.WithParams = withParams
	opts.Logger = logger
	return jobstate.NewStore(path, opts)
}

// RunID identifies this driver instance in logs and the history ledger.
func (d *Driver) RunID() string { return d.runID }

func (d *Driver) Store() *jobstate.Store { return d.store }

func (d *Driver) Failed() *jobstate.FailedBatchSet { return d.failed }

func (d *Driver) Batches() *batch.Store { return d.batches }

func (d *Driver) Matrix() *parammatrix.Matrix { return d.matrix }

func (d *Driver) Reconciler() *reconcile.Reconciler { return d.rec }

func (d *Driver) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// AddObserver registers o with both the reconciler and the orchestrator.
func (d *Driver) AddObserver(o jobstate.Observer) {
	d.rec.AddObserver(o)
	d.orch.AddObserver(o)
}

// Run prepares the environment and loops until all work is exhausted or ctx
// is cancelled. Cancellation is a clean exit: submitted jobs keep running
// and the store holds the last known state.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: d.runID}
	if err := d.Prepare(ctx); err != nil {
		return sum, err
	}

	d.logger.Info("Starting job tracker",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Bool("dry_run", d.cfg.DryRun),
		zap.Int("max_concurrent", d.orch.MaxConcurrent()))

	for {
		start := time.Now()
		tick, err := d.Tick(ctx)
		if ctx.Err() != nil {
			d.logger.Info("Interrupted, leaving submitted jobs running")
			sum.Interrupted = true
			return d.finish(sum), nil
		}
		if err != nil {
			return d.finish(sum), err
		}
		if d.cfg.OnTick != nil {
			d.cfg.OnTick(tick, time.Since(start))
		}
		sum.Ticks++
		sum.Submitted += tick.Submitted

		if tick.Done {
			d.logger.Info("All work exhausted")
			return d.finish(sum), nil
		}
		if d.cfg.Once {
			return d.finish(sum), nil
		}
		if err := d.cfg.Sleep(ctx, d.cfg.PollInterval); err != nil {
			d.logger.Info("Interrupted, leaving submitted jobs running")
			sum.Interrupted = true
			return d.finish(sum), nil
		}
	}
}

func (d *Driver) finish(sum Summary) Summary {
	t, err := d.store.Load()
	if err != nil {
		d.logger.Warn("Could not read final job status", zap.Error(err))
		return sum
	}
	sum.Counts = t.CountByStatus()
	fields := []zap.Field{zap.Int("ticks", sum.Ticks), zap.Int("submitted", sum.Submitted)}
	for _, st := range jobstate.AllStatuses {
		if n := sum.Counts[st]; n > 0 {
			fields = append(fields, zap.Int(st.Stage(), n))
		}
	}
	d.logger.Info("Job tracker finished", fields...)
	return sum
}

// Tick runs one reconcile pass followed by submissions up to the cap.
//
// When the queue cannot be listed the tick submits nothing and is never
// reported as done.
func (d *Driver) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	if err := d.failed.Reload(); err != nil {
		return res, err
	}
	t, rres, err := d.rec.Sync(ctx, d.store, d.failed)
	res.Reconcile = rres
	if errors.Is(err, reconcile.ErrQueueUnavailable) {
		d.logger.Warn("Scheduler queue unavailable, skipping this tick", zap.Error(err))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if rres.Changed > 0 {
		d.logger.Info("Reconciled job status",
			zap.Int("checked", rres.Checked),
			zap.Int("changed", rres.Changed),
			zap.Int("active", rres.Active))
	}

	d.orch.BeginTick()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next, err := d.orch.Next(ctx, t)
		if err != nil {
			return res, err
		}
		if next.Outcome == orchestrator.AtCapacity || next.Outcome == orchestrator.Exhausted {
			break
		}
		res.Submitted += next.Submitted
	}

	res.Table = t
	res.Active = t.ActiveCount()
	res.Done = rres.Active == 0 && res.Submitted == 0
	return res, nil
}

// SubmitOnce reconciles and then handles at most one batch.
func (d *Driver) SubmitOnce(ctx context.Context) (orchestrator.Result, error) {
	if err := d.failed.Reload(); err != nil {
		return orchestrator.Result{}, err
	}
	t, _, err := d.rec.Sync(ctx, d.store, d.failed)
	if err != nil {
		return orchestrator.Result{}, err
	}
	d.orch.BeginTick()
	return d.orch.Next(ctx, t)
}

// Reconcile runs a single reconcile pass and persists the result.
func (d *Driver) Reconcile(ctx context.Context) (*jobstate.Table, reconcile.Result, error) {
	if err := d.failed.Reload(); err != nil {
		return nil, reconcile.Result{}, err
	}
	return d.rec.Sync(ctx, d.store, d.failed)
}

// CancelDuplicates cancels redundant submissions and records the
// cancellations.
func (d *Driver) CancelDuplicates(ctx context.Context) (reconcile.DedupResult, error) {
	var (
		res       reconcile.DedupResult
		cancelErr error
	)
	err := d.store.Update(ctx, func(t *jobstate.Table) (bool, error) {
		res, cancelErr = d.rec.Deduplicate(ctx, t)
		return res.Changed > 0, nil
	})
	if err != nil {
		return res, err
	}
	return res, cancelErr
}

func sleep(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
