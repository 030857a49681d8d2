package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	out string
	err error
}

type fakeRunner struct {
	responses map[string]response
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, call)
	if r, ok := f.responses[name]; ok {
		return []byte(r.out), r.err
	}
	return nil, errors.New("unexpected call: " + call)
}

func newTestSlurm(r *fakeRunner) *Slurm {
	return NewSlurm(Config{Runner: r, User: "alice", QueryRate: -1})
}

func tempScript(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "job_batch_1.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/bash\n"), 0755))
	return p
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		out  string
		want string
		ok   bool
	}{
		{"Submitted batch job 123456\n", "123456", true},
		{"Submitted batch job 42 on cluster hpc2\n", "42", true},
		{"sbatch: info: account ok\nSubmitted batch job 7\n", "7", true},
		{"98765;cluster1\n", "98765", true},
		{"98765\n", "98765", true},
		{"sbatch: error: invalid partition\n", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			got, ok := ParseJobID(tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeState(t *testing.T) {
	tests := map[string]RawStatus{
		"PENDING":         StatusPending,
		"running":         StatusRunning,
		"COMPLETING":      StatusRunning,
		"COMPLETED":       StatusCompleted,
		"CANCELLED by 12": StatusCancelled,
		"CANCELLED+":      StatusCancelled,
		"OUT_OF_MEMORY":   StatusFailed,
		"NODE_FAIL":       StatusFailed,
		"TIMEOUT":         StatusTimeout,
		"":                StatusUnknown,
		"WEIRD":           StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeState(in), in)
	}
}

func TestRawStatus_JobStatus(t *testing.T) {
	st, ok := StatusTimeout.JobStatus()
	assert.True(t, ok)
	assert.Equal(t, jobstate.StatusFailed, st)

	st, ok = StatusRunning.JobStatus()
	assert.True(t, ok)
	assert.Equal(t, jobstate.StatusRunning, st)

	_, ok = StatusUnknown.JobStatus()
	assert.False(t, ok)
}

func TestSlurm_Submit(t *testing.T) {
	script := tempScript(t)

	t.Run("parses job id", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{"sbatch": {out: "Submitted batch job 555\n"}}}
		id, err := newTestSlurm(r).Submit(context.Background(), script, false)
		require.NoError(t, err)
		assert.Equal(t, "555", id)
		assert.Equal(t, []string{"sbatch " + script}, r.calls)
	})

	t.Run("dry run does not call sbatch", func(t *testing.T) {
		r := &fakeRunner{}
		id, err := newTestSlurm(r).Submit(context.Background(), script, true)
		require.NoError(t, err)
		assert.Equal(t, jobstate.JobIDDryRun, id)
		assert.Empty(t, r.calls)
	})

	t.Run("unparseable output", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{"sbatch": {out: "queued somewhere\n"}}}
		_, err := newTestSlurm(r).Submit(context.Background(), script, false)
		assert.ErrorIs(t, err, ErrJobIDParseFailed)
	})

	t.Run("command failure", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{"sbatch": {err: &CommandError{Command: "sbatch", ExitCode: 1, Stderr: "invalid account"}}}}
		_, err := newTestSlurm(r).Submit(context.Background(), script, false)
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.ExitCode)
		assert.Contains(t, err.Error(), "invalid account")
	})

	t.Run("missing script", func(t *testing.T) {
		r := &fakeRunner{}
		_, err := newTestSlurm(r).Submit(context.Background(), filepath.Join(t.TempDir(), "nope.sh"), false)
		assert.ErrorIs(t, err, ErrScriptMissing)
		assert.Empty(t, r.calls)
	})
}

func TestSlurm_Status(t *testing.T) {
	t.Run("live queue wins", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{"squeue": {out: "RUNNING\n"}}}
		assert.Equal(t, StatusRunning, newTestSlurm(r).Status(context.Background(), "10"))
		assert.Len(t, r.calls, 1)
	})

	t.Run("falls back to accounting", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{
			"squeue": {out: ""},
			"sacct":  {out: "10.batch|FAILED\n10|COMPLETED\n10.extern|COMPLETED\n"},
		}}
		assert.Equal(t, StatusCompleted, newTestSlurm(r).Status(context.Background(), "10"))
		assert.Equal(t, "sacct -j 10 --format=JobID,State --noheader --parsable2", r.calls[1])
	})

	t.Run("queue error falls back", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{
			"squeue": {err: &CommandError{Command: "squeue", ExitCode: 1, Stderr: "Invalid job id specified"}},
			"sacct":  {out: "10|TIMEOUT\n"},
		}}
		assert.Equal(t, StatusTimeout, newTestSlurm(r).Status(context.Background(), "10"))
	})

	t.Run("unknown when nobody knows", func(t *testing.T) {
		r := &fakeRunner{responses: map[string]response{
			"squeue": {out: ""},
			"sacct":  {out: ""},
		}}
		assert.Equal(t, StatusUnknown, newTestSlurm(r).Status(context.Background(), "10"))
	})

	t.Run("unknown when the CLI is missing", func(t *testing.T) {
		notFound := fmt.Errorf("%w: squeue", ErrSchedulerNotFound)
		r := &fakeRunner{responses: map[string]response{
			"squeue": {err: notFound},
			"sacct":  {err: notFound},
		}}
		assert.Equal(t, StatusUnknown, newTestSlurm(r).Status(context.Background(), "10"))
	})
}

func TestSlurm_Queue(t *testing.T) {
	r := &fakeRunner{responses: map[string]response{"squeue": {out: "101\n102\n\n103_4\n"}}}
	ids, err := newTestSlurm(r).QueueIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Contains(t, ids, "101")
	assert.Contains(t, ids, "103_4")
	assert.Equal(t, "squeue -h -o %i -u alice", r.calls[0])

	r = &fakeRunner{responses: map[string]response{"squeue": {out: "101|batch_1|RUNNING\n102|B2_T300|PENDING\nbad\n"}}}
	jobs, err := newTestSlurm(r).QueueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []QueuedJob{
		{ID: "101", Name: "batch_1", State: StatusRunning},
		{ID: "102", Name: "B2_T300", State: StatusPending},
	}, jobs)

	r = &fakeRunner{responses: map[string]response{"squeue": {err: &CommandError{Command: "squeue", ExitCode: 1}}}}
	_, err = newTestSlurm(r).QueueIDs(context.Background())
	assert.Error(t, err)
}

func TestSlurm_Cancel(t *testing.T) {
	r := &fakeRunner{responses: map[string]response{"scancel": {}}}
	require.NoError(t, newTestSlurm(r).Cancel(context.Background(), "77"))
	assert.Equal(t, []string{"scancel 77"}, r.calls)
}

func TestSlurm_Available(t *testing.T) {
	s := NewSlurm(Config{LookPath: func(name string) (string, error) {
		if name == "sacct" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}})
	err := s.Available()
	require.ErrorIs(t, err, ErrSchedulerNotFound)
	assert.Contains(t, err.Error(), "sacct")

	s = NewSlurm(Config{LookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil }})
	assert.NoError(t, s.Available())
}
