package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/pkg/batch"
)

// ErrNoInputFiles is returned when the database holds no matching files.
var ErrNoInputFiles = errors.New("no input files found")

// Prepare creates the output tree, partitions the input database when no
// batch records exist, writes the parameter matrix and initializes the
// status table. It is safe to call on every start.
func (d *Driver) Prepare(ctx context.Context) error {
	o := d.m.Output
	for _, dir := range []string{o.OutputDir, o.BatchesDir, o.ScriptsDir, o.LogsDir, o.ResultsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if !d.batches.Exists() {
		if _, err := d.Partition(); err != nil {
			return err
		}
	}

	if d.matrix.IsEnabled() {
		path := d.MatrixPath()
		if err := d.matrix.WriteJSON(path); err != nil {
			return err
		}
		d.logger.Info("Parameter matrix enabled",
			zap.Int("combinations", d.matrix.Len()),
			zap.String("path", path))
	}

	return d.store.Initialize(ctx)
}

// MatrixPath returns where the expanded parameter matrix is recorded.
func (d *Driver) MatrixPath() string {
	return filepath.Join(d.m.Output.OutputDir, MatrixFileName)
}

// Partition discovers the input files and (re)writes every batch record.
func (d *Driver) Partition() ([]batch.Batch, error) {
	db := d.m.Database
	files, err := batch.Discover(db.Path, batch.MatchConfig{
		Includes:      []string{db.Pattern},
		Excludes:      db.Excludes,
		IncludeHidden: db.IncludeHidden,
	})
	if err != nil {
		return nil, fmt.Errorf("discover input files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s matching %s", ErrNoInputFiles, db.Path, db.Pattern)
	}

	strategy, err := batch.ParseStrategy(d.m.Batch.Strategy)
	if err != nil {
		return nil, err
	}
	thresholds, err := d.m.SizeThresholds()
	if err != nil {
		return nil, err
	}
	batches, err := batch.Partition(files, d.m.Batch.Size, strategy, batch.Options{
		SizeThresholds: thresholds,
		Seed:           d.m.Batch.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := d.batches.Persist(batches); err != nil {
		return nil, err
	}
	d.logger.Info("Created batches",
		zap.Int("files", len(files)),
		zap.Int("batches", len(batches)),
		zap.String("strategy", string(strategy)))
	return batches, nil
}
