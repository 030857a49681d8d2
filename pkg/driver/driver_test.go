package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/scheduler/schedulertest"
)

func testManifest(t *testing.T, nFiles int) *manifest.Manifest {
	t.Helper()
	work := t.TempDir()
	raw := filepath.Join(work, "out", "raw")
	require.NoError(t, os.MkdirAll(raw, 0755))
	for i := 0; i < nFiles; i++ {
		name := filepath.Join(raw, string(rune('a'+i))+".cif")
		require.NoError(t, os.WriteFile(name, []byte("data_"), 0644))
	}

	step := filepath.Join(work, "sim.sh")
	require.NoError(t, os.WriteFile(step, []byte("#!/bin/bash\ntrue\n"), 0755))

	m := &manifest.Manifest{
		Output: manifest.OutputConfig{OutputDir: "out"},
		Batch:  manifest.BatchConfig{Size: 2, MaxConcurrent: 2},
		Slurm: manifest.StringMap{
			{Key: "account", Value: "chem"},
			{Key: "partition", Value: "normal"},
			{Key: "time", Value: "60"},
			{Key: "nodes", Value: "1"},
		},
		Workflow: manifest.WorkflowConfig{Steps: []manifest.StepConfig{{Name: "simulation", Script: step}}},
	}
	require.NoError(t, m.ApplyDefaults(work))
	return m
}

// completeQueued plays the cluster: every queued job writes a successful
// root marker and leaves the queue.
func completeQueued(m *manifest.Manifest, gw *schedulertest.Gateway) func(context.Context, time.Duration) error {
	return func(ctx context.Context, _ time.Duration) error {
		jobs, _ := gw.QueueJobs(ctx)
		for _, j := range jobs {
			dir := filepath.Join(m.Output.ResultsDir, j.Name)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "exit_status.log"), []byte("0\n"), 0644); err != nil {
				return err
			}
			gw.Finish(j.ID, scheduler.StatusCompleted)
		}
		return nil
	}
}

func TestRun_ToCompletion(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{})
	require.NoError(t, err)
	d.cfg.Sleep = completeQueued(m, gw)
	var ticks []TickResult
	d.cfg.OnTick = func(res TickResult, _ time.Duration) { ticks = append(ticks, res) }

	var transitions []jobstate.Transition
	d.AddObserver(jobstate.ObserverFunc(func(tr jobstate.Transition) {
		transitions = append(transitions, tr)
	}))

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Ticks)
	assert.Equal(t, 3, sum.Submitted)
	assert.Equal(t, 3, sum.Counts[jobstate.StatusCompleted])
	assert.NotEmpty(t, sum.RunID)
	assert.False(t, sum.Interrupted)
	assert.Len(t, gw.Submitted, 3)

	require.Len(t, ticks, 3)
	assert.True(t, ticks[2].Done)
	require.NotNil(t, ticks[2].Table)
	assert.Equal(t, 0, ticks[2].Table.ActiveCount())

	var completed int
	for _, tr := range transitions {
		if tr.To == jobstate.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)

	assert.FileExists(t, m.Output.StatusFile)
	assert.FileExists(t, filepath.Join(m.Output.BatchesDir, "batch_3.csv"))
	assert.FileExists(t, filepath.Join(m.Output.ScriptsDir, "job_batch_1.sh"))
}

func TestRun_Once(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{Once: true})
	require.NoError(t, err)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Ticks)
	assert.Equal(t, 2, sum.Submitted)
	assert.Equal(t, 2, gw.Queued())
	assert.Equal(t, 2, sum.Counts[jobstate.StatusPending])
}

func TestRun_InterruptedLeavesJobsRunning(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(m, gw, Config{
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Ticks)
	assert.True(t, sum.Interrupted)
	assert.Empty(t, gw.Cancelled)
	assert.Equal(t, 2, gw.Queued())
}

func TestRun_DryRun(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{
		DryRun: true,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Ticks)
	assert.Equal(t, 3, sum.Submitted)
	assert.Equal(t, 3, sum.Counts[jobstate.StatusDryRun])
	assert.Equal(t, 0, gw.Queued())
}

func TestTick_QueueUnavailable(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{})
	require.NoError(t, err)
	require.NoError(t, d.Prepare(context.Background()))

	first, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Submitted)

	gw.QueueErr = errors.New("slurm controller down")
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reconcile.Skipped)
	assert.False(t, res.Done)
	assert.Equal(t, 0, res.Submitted)
}

func TestTick_PicksUpExternalFailures(t *testing.T) {
	m := testManifest(t, 2)
	m.Batch.ResubmitFailed = true
	gw := schedulertest.New()

	d, err := New(m, gw, Config{})
	require.NoError(t, err)
	require.NoError(t, d.Prepare(context.Background()))

	_, err = d.Tick(context.Background())
	require.NoError(t, err)

	// The job fails without a root marker and the script records the batch.
	gw.Finish("1000", scheduler.StatusFailed)
	require.NoError(t, os.WriteFile(m.Output.FailedBatchesFile, []byte("1\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(m.Output.ResultsDir, "batch_1", "simulation"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(m.Output.ResultsDir, "batch_1", "simulation", "exit_status.log"), []byte("1"), 0644))

	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted, "failed batch resubmitted in the same tick")
	assert.False(t, d.Failed().Contains(1))

	tbl, err := d.Store().Load()
	require.NoError(t, err)
	latest := tbl.Latest(jobstate.SubJobKey{BatchID: 1})
	require.NotNil(t, latest)
	assert.Equal(t, jobstate.StatusPending, latest.Status)
	assert.Equal(t, "1001", latest.JobID)
}

func TestPrepare_NoInputFiles(t *testing.T) {
	m := testManifest(t, 0)
	d, err := New(m, schedulertest.New(), Config{})
	require.NoError(t, err)

	err = d.Prepare(context.Background())
	assert.ErrorIs(t, err, ErrNoInputFiles)
}

func TestPrepare_Matrix(t *testing.T) {
	m := testManifest(t, 3)
	m.ParameterMatrix.Parameters = manifest.Axes{{Name: "temperature", Values: []any{298, 308}}}
	gw := schedulertest.New()

	d, err := New(m, gw, Config{Once: true})
	require.NoError(t, err)
	assert.True(t, d.Store().WithParams())

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, d.MatrixPath())

	// Coarse budgeting: one batch fans out to both combinations, the cap is
	// checked again before the next batch.
	assert.Equal(t, 2, sum.Submitted)
	assert.Equal(t, 2, gw.Queued())
}

func TestCancelDuplicates(t *testing.T) {
	m := testManifest(t, 2)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{Once: true})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	// A second copy of batch_1 submitted by another invocation.
	gw.Enqueue("2000", "batch_1", scheduler.StatusPending)

	res, err := d.CancelDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1000"}, res.Cancelled)
	assert.Equal(t, []string{"1000"}, gw.Cancelled)

	tbl, err := d.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusCancelled, tbl.Latest(jobstate.SubJobKey{BatchID: 1}).Status)
}

func TestSubmitOnce(t *testing.T) {
	m := testManifest(t, 5)
	gw := schedulertest.New()

	d, err := New(m, gw, Config{})
	require.NoError(t, err)
	require.NoError(t, d.Prepare(context.Background()))

	res, err := d.SubmitOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.BatchID)
	assert.Equal(t, 1, res.Submitted)
	assert.Len(t, gw.Submitted, 1)
}
