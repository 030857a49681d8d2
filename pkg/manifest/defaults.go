package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ErrNoOutputDir is returned when no output location can be derived.
var ErrNoOutputDir = errors.New("output.output_dir is required (or output.base_dir, or project.name)")

// ApplyDefaults fills in default values for optional fields.
//
// The output tree is derived from output_dir, which itself falls back to
// base_dir, then to {workDir}/data/{project.name}.
func (m *Manifest) ApplyDefaults(workDir string) error {
	o := &m.Output
	if o.BaseDir == "" {
		if name := m.Project["name"]; name != "" {
			o.BaseDir = filepath.Join(workDir, DefaultProjectDataRoot, name)
		}
	}
	if o.OutputDir == "" {
		o.OutputDir = o.BaseDir
	}
	if o.OutputDir == "" {
		return ErrNoOutputDir
	}
	o.OutputDir = absFrom(workDir, o.OutputDir)

	def := func(field *string, name string) {
		if *field == "" {
			*field = filepath.Join(o.OutputDir, name)
		} else {
			*field = absFrom(workDir, *field)
		}
	}
	def(&o.BatchesDir, DefaultBatchesSubdir)
	def(&o.ScriptsDir, DefaultScriptsSubdir)
	def(&o.LogsDir, DefaultLogsSubdir)
	def(&o.ResultsDir, DefaultResultsSubdir)
	def(&o.StatusFile, DefaultStatusFile)
	def(&o.FailedBatchesFile, DefaultFailedBatches)
	def(&m.Database.Path, DefaultDatabaseSubdir)

	if m.Database.Pattern == "" {
		m.Database.Pattern = DefaultPattern
	}

	if m.Batch.Size == 0 {
		m.Batch.Size = DefaultBatchSize
	}
	if m.Batch.MaxConcurrent == 0 {
		m.Batch.MaxConcurrent = DefaultMaxConcurrent
	}
	if m.Batch.Strategy == "" {
		m.Batch.Strategy = DefaultStrategy
	}

	if m.ParameterMatrix.Combinations == "" {
		m.ParameterMatrix.Combinations = DefaultCombinations
	}

	if m.Workflow.ProgressStep == "" {
		for _, s := range m.Steps() {
			if s.Name == DefaultProgressStep {
				m.Workflow.ProgressStep = DefaultProgressStep
				break
			}
		}
	}
	if m.Workflow.ProgressGlob == "" {
		m.Workflow.ProgressGlob = DefaultProgressGlob
	}

	if m.History.Path == "" {
		m.History.Path = filepath.Join(o.OutputDir, DefaultHistoryFile)
	}
	if m.Archive.Concurrency == 0 {
		m.Archive.Concurrency = DefaultArchiveConc
	}
	return nil
}

func absFrom(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// SizeThresholds parses batch.size_thresholds into ascending byte counts.
// Nil means the partitioner default.
func (m *Manifest) SizeThresholds() ([]int64, error) {
	if len(m.Batch.SizeThresholds) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(m.Batch.SizeThresholds))
	for _, s := range m.Batch.SizeThresholds {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("batch.size_thresholds: %q: %w", s, err)
		}
		out = append(out, int64(n))
	}
	for i := 1; i < len(out); i++ {
		if out[i] <= out[i-1] {
			return nil, fmt.Errorf("batch.size_thresholds must be ascending: %v", m.Batch.SizeThresholds)
		}
	}
	return out, nil
}

// FileListPath returns where a sub-job's input file list is written.
func (m *Manifest) FileListPath(subJobOutputDir string) string {
	return filepath.Join(subJobOutputDir, DefaultFileListName)
}

// DefaultManifest returns a starter manifest with placeholder values.
func DefaultManifest() *Manifest {
	required, optional := true, false
	return &Manifest{
		Project: map[string]string{"name": "graspa_screening"},
		Output: OutputConfig{
			OutputDir: "${PROJECT_ROOT}/data/${project.name}",
		},
		Database: DatabaseConfig{
			Path:    "${PROJECT_ROOT}/data/cifs",
			Pattern: DefaultPattern,
		},
		Batch: BatchConfig{
			Size:          DefaultBatchSize,
			Strategy:      DefaultStrategy,
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Slurm: StringMap{
			{Key: "account", Value: "your_account"},
			{Key: "partition", Value: "normal"},
			{Key: "time", Value: "24:00:00"},
			{Key: "nodes", Value: "1"},
			{Key: "ntasks-per-node", Value: "16"},
			{Key: "mem", Value: "32GB"},
		},
		EnvironmentSetup: "module load conda\nsource activate graspa\n",
		Workflow: WorkflowConfig{
			Steps: []StepConfig{
				{Name: "partial_charge", Script: "${PROJECT_ROOT}/scripts/partial_charge.sh", Required: &required},
				{Name: "simulation", Script: "${PROJECT_ROOT}/scripts/simulation.sh", Required: &required},
				{Name: "analysis", Script: "${PROJECT_ROOT}/scripts/analysis.py", Required: &optional},
			},
		},
		RunFileTemplates: map[string]TemplateConfig{
			"simulation_input": {FilePath: "${PROJECT_ROOT}/templates/simulation.input"},
		},
	}
}

// WriteDefault writes DefaultManifest as YAML to path. Existing files are not
// overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file: %s", path)
	}
	data, err := yaml.Marshal(DefaultManifest())
	if err != nil {
		return fmt.Errorf("marshal default manifest: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
