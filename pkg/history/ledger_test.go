package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/graspatracker/pkg/jobstate"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(context.Background(), db))

	var version int
	require.NoError(t, db.QueryRow(`SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestLedger_RecordsTransitions(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	l := NewLedger(db, nil)

	run, err := l.StartRun(ctx, "sweep", false)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, run.RunID, l.RunID())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.ObserveTransition(jobstate.Transition{
		Key:    jobstate.SubJobKey{BatchID: 1},
		JobID:  "1000",
		From:   jobstate.StatusNeverSubmitted,
		To:     jobstate.StatusPending,
		Stage:  "pending",
		At:     at,
		Source: "submit",
	})
	l.ObserveTransition(jobstate.Transition{
		Key:    jobstate.SubJobKey{BatchID: 2, ParamCombinationID: "B2_hot"},
		JobID:  "1001",
		From:   jobstate.StatusRunning,
		To:     jobstate.StatusFailed,
		Stage:  "failed",
		At:     at.Add(time.Minute),
		Source: "filesystem",
	})
	require.NoError(t, l.Err())
	require.NoError(t, l.EndRun(ctx, RunStatusCompleted))

	rows, err := ListTransitions(ctx, db, TransitionFilter{RunID: run.RunID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "PENDING", rows[0].To)
	assert.Equal(t, at, rows[0].ObservedAt)
	assert.Equal(t, "B2_hot", rows[1].ParamCombinationID)

	failed, err := ListTransitions(ctx, db, TransitionFilter{Status: "FAILED"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].BatchID)

	byBatch, err := ListTransitions(ctx, db, TransitionFilter{BatchID: 1})
	require.NoError(t, err)
	assert.Len(t, byBatch, 1)

	runs, err := ListRuns(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].EndedAt)
	assert.False(t, runs[0].DryRun)
}

func TestLedger_NoRun(t *testing.T) {
	db := openMemory(t)
	l := NewLedger(db, nil)

	err := l.Record(context.Background(), jobstate.Transition{To: jobstate.StatusPending})
	assert.ErrorIs(t, err, ErrNoRun)
	assert.ErrorIs(t, l.EndRun(context.Background(), RunStatusFailed), ErrNoRun)

	l.ObserveTransition(jobstate.Transition{To: jobstate.StatusPending})
	assert.ErrorIs(t, l.Err(), ErrNoRun)
}

func TestListRuns_Limit(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	l := NewLedger(db, nil)
	for i := 0; i < 3; i++ {
		_, err := l.StartRun(ctx, "sweep", i%2 == 0)
		require.NoError(t, err)
	}

	runs, err := ListRuns(ctx, db, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "memory", cfg: Config{Path: ":memory:"}, want: ":memory:"},
		{name: "path", cfg: Config{Path: filepath.Join(dir, "h", "ledger.db")}, want: "file:" + filepath.Join(dir, "h", "ledger.db")},
		{name: "url with token", cfg: Config{URL: "libsql://ledger.example.io", AuthToken: "tok"}, want: "libsql://ledger.example.io?authToken=tok"},
		{name: "empty", cfg: Config{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_LocalFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "history.db")
	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, Migrate(ctx, db))

	l := NewLedger(db, nil)
	_, err = l.StartRun(ctx, "sweep", true)
	require.NoError(t, err)
	runs, err := ListRuns(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}
