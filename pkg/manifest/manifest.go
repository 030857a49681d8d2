// Package manifest loads and validates graspa-tracker workflow manifests.
//
// A workflow manifest is a YAML or JSON file describing where input structure
// files live, how they are batched, which scheduler resources each job asks
// for, which workflow steps each job runs, and the optional parameter matrix
// every batch is fanned out over.
//
// Manifests are validated against an embedded JSON Schema, then checked for
// semantic consistency (step graph, batch settings) before use. A loaded
// Manifest is treated as read-only.
//
// Example manifest (YAML):
//
//	project:
//	  name: co2-screening
//	output:
//	  output_dir: ${PROJECT_ROOT}/data/${project.name}
//	database:
//	  path: ${PROJECT_ROOT}/data/cifs
//	batch:
//	  size: 100
//	  strategy: alphabetical
//	  max_concurrent: 5
//	slurm_config:
//	  account: chem123
//	  partition: gpu
//	  time: 86400
//	  nodes: 1
//	scripts:
//	  partial_charge: ${PROJECT_ROOT}/scripts/charges.sh
//	  simulation: ${PROJECT_ROOT}/scripts/simulate.sh
//	  analysis: graspa_tools.analyze
//	run_file_templates:
//	  simulation_input:
//	    file_path: ${PROJECT_ROOT}/templates/simulation.input
//	parameter_matrix:
//	  parameters:
//	    temperature: [298, 308]
//	    pressure: [1e5]
package manifest

import (
	"github.com/3leaps/graspatracker/pkg/parammatrix"
)

// Manifest represents a validated workflow manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Project holds free-form values exposed as ${project.<key>} variables.
	Project map[string]string `json:"project,omitempty" yaml:"project,omitempty"`

	// Variables are user-defined ${NAME} variables. They may reference each
	// other and project values.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	Database DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`
	Output   OutputConfig   `json:"output,omitempty" yaml:"output,omitempty"`
	Batch    BatchConfig    `json:"batch,omitempty" yaml:"batch,omitempty"`

	// Slurm holds resource directives emitted verbatim as #SBATCH --key=value,
	// in document order.
	Slurm StringMap `json:"slurm_config" yaml:"slurm_config"`

	// Environment is exported in every job script, in document order.
	Environment StringMap `json:"environment,omitempty" yaml:"environment,omitempty"`

	// EnvironmentSetup is copied into every job script as-is (module loads,
	// conda activation).
	EnvironmentSetup string `json:"environment_setup,omitempty" yaml:"environment_setup,omitempty"`

	// Scripts is the short form of the workflow: an ordered map of step name to
	// script reference, run as a linear chain.
	Scripts StringMap `json:"scripts,omitempty" yaml:"scripts,omitempty"`

	// Workflow is the explicit form of the workflow. It takes precedence over
	// Scripts when it lists steps.
	Workflow WorkflowConfig `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// RunFileTemplates maps "<step>_input" to a template copied into that
	// step's output directory before it runs.
	RunFileTemplates map[string]TemplateConfig `json:"run_file_templates,omitempty" yaml:"run_file_templates,omitempty"`

	ParameterMatrix ParameterMatrixConfig `json:"parameter_matrix,omitempty" yaml:"parameter_matrix,omitempty"`
	History         HistoryConfig         `json:"history,omitempty" yaml:"history,omitempty"`
	Archive         ArchiveConfig         `json:"archive,omitempty" yaml:"archive,omitempty"`

	// ConfigPath is the absolute path the manifest was loaded from, if any.
	ConfigPath string `json:"-" yaml:"-"`

	// ProjectRoot is the value of ${PROJECT_ROOT} used during loading.
	ProjectRoot string `json:"-" yaml:"-"`
}

// DatabaseConfig locates the input structure files.
type DatabaseConfig struct {
	// Path is the root directory searched for input files.
	// Default: {output_dir}/raw.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Pattern is a doublestar glob relative to Path. Default: "**/*.cif".
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Excludes are doublestar globs removed from the match set.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`
}

// OutputConfig locates everything the tracker writes.
//
// Only OutputDir (or BaseDir, or project.name) is needed; the rest default to
// fixed subdirectories of OutputDir.
type OutputConfig struct {
	BaseDir           string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	OutputDir         string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	BatchesDir        string `json:"batches_dir,omitempty" yaml:"batches_dir,omitempty"`
	ScriptsDir        string `json:"scripts_dir,omitempty" yaml:"scripts_dir,omitempty"`
	LogsDir           string `json:"logs_dir,omitempty" yaml:"logs_dir,omitempty"`
	ResultsDir        string `json:"results_dir,omitempty" yaml:"results_dir,omitempty"`
	StatusFile        string `json:"status_file,omitempty" yaml:"status_file,omitempty"`
	FailedBatchesFile string `json:"failed_batches_file,omitempty" yaml:"failed_batches_file,omitempty"`
}

// BatchConfig controls partitioning and submission.
type BatchConfig struct {
	// Size is the number of files per batch. Default: 100.
	Size int `json:"size,omitempty" yaml:"size,omitempty"`

	// Strategy is the partition ordering policy. Default: alphabetical.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// MaxConcurrent caps PENDING+RUNNING sub-jobs. Default: 5.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	// ResubmitFailed retries FAILED and CANCELLED batches first.
	ResubmitFailed bool `json:"resubmit_failed,omitempty" yaml:"resubmit_failed,omitempty"`

	// Seed makes the random strategy reproducible. Zero uses the clock.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// SizeThresholds are the size_based bucket boundaries, either byte counts
	// or human-readable sizes ("100KiB", "1MB").
	SizeThresholds []string `json:"size_thresholds,omitempty" yaml:"size_thresholds,omitempty"`

	// Range restricts submission to a batch id window (inclusive).
	Range *RangeConfig `json:"range,omitempty" yaml:"range,omitempty"`
}

// RangeConfig is an inclusive batch id window. Zero bounds are open.
type RangeConfig struct {
	Start int `json:"start,omitempty" yaml:"start,omitempty"`
	End   int `json:"end,omitempty" yaml:"end,omitempty"`
}

// Contains reports whether id falls inside the window. A nil range contains
// every id.
func (r *RangeConfig) Contains(id int) bool {
	if r == nil {
		return true
	}
	if r.Start > 0 && id < r.Start {
		return false
	}
	if r.End > 0 && id > r.End {
		return false
	}
	return true
}

// WorkflowConfig is the explicit workflow definition.
type WorkflowConfig struct {
	Steps []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty"`

	// ProgressStep names the step whose output is scanned for a cycle counter
	// while a job runs. Default: "simulation" when such a step exists.
	ProgressStep string `json:"progress_step,omitempty" yaml:"progress_step,omitempty"`

	// ProgressGlob selects the progress files inside the progress step's
	// directory. Default: DefaultProgressGlob.
	ProgressGlob string `json:"progress_glob,omitempty" yaml:"progress_glob,omitempty"`
}

// StepConfig is one configured workflow step.
type StepConfig struct {
	Name         string    `json:"name" yaml:"name"`
	Script       string    `json:"script" yaml:"script"`
	OutputSubdir string    `json:"output_subdir,omitempty" yaml:"output_subdir,omitempty"`
	Required     *bool     `json:"required,omitempty" yaml:"required,omitempty"`
	DependsOn    *[]string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// TemplateConfig references a run-file template.
type TemplateConfig struct {
	FilePath string `json:"file_path" yaml:"file_path"`
}

// ParameterMatrixConfig declares the parameter axes.
type ParameterMatrixConfig struct {
	// Parameters are the axes in document order.
	Parameters Axes `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Combinations is "all" (cartesian product) or "custom". Default: all.
	Combinations string `json:"combinations,omitempty" yaml:"combinations,omitempty"`

	CustomCombinations []CustomCombination `json:"custom_combinations,omitempty" yaml:"custom_combinations,omitempty"`

	// TemplateKeys maps a parameter name to the key it sets in run-file
	// templates. Unmapped parameters use their own name.
	TemplateKeys map[string]string `json:"template_keys,omitempty" yaml:"template_keys,omitempty"`
}

// CustomCombination is one explicitly listed combination.
type CustomCombination struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Parameters Params `json:"parameters" yaml:"parameters"`
}

// MatrixConfig converts the section into a parammatrix.Config.
func (m *Manifest) MatrixConfig() parammatrix.Config {
	pm := m.ParameterMatrix
	axes := make([]parammatrix.Axis, 0, len(pm.Parameters))
	for _, a := range pm.Parameters {
		axes = append(axes, parammatrix.Axis{Name: a.Name, Values: append([]any(nil), a.Values...)})
	}
	var custom []parammatrix.CustomCombination
	for _, c := range pm.CustomCombinations {
		custom = append(custom, parammatrix.CustomCombination{Name: c.Name, Parameters: parammatrix.Params(c.Parameters)})
	}
	return parammatrix.Config{
		Axes:       axes,
		Mode:       parammatrix.Mode(pm.Combinations),
		Custom:     custom,
		ResultsDir: m.Output.ResultsDir,
	}
}

// TemplateKey returns the template key set for a parameter.
func (m *Manifest) TemplateKey(param string) string {
	if k, ok := m.ParameterMatrix.TemplateKeys[param]; ok && k != "" {
		return k
	}
	return param
}

// HistoryConfig enables the SQLite transition ledger.
type HistoryConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Path defaults to {output_dir}/job_history.db.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ArchiveConfig configures uploads of finished sub-job outputs.
type ArchiveConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Concurrency bounds parallel uploads. Default: 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// IncludePartial also archives PARTIALLY_COMPLETE sub-jobs.
	IncludePartial bool `json:"include_partial,omitempty" yaml:"include_partial,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultBatchSize       = 100
	DefaultMaxConcurrent   = 5
	DefaultStrategy        = "alphabetical"
	DefaultPattern         = "**/*.cif"
	DefaultCombinations    = "all"
	DefaultProgressStep    = "simulation"
	DefaultProgressGlob    = "**/*.{data,log,out}"
	DefaultArchiveConc     = 4
	DefaultStatusFile      = "job_status.csv"
	DefaultFailedBatches   = "failed_batches.txt"
	DefaultHistoryFile     = "job_history.db"
	DefaultFileListName    = "cif_file_list.txt"
	DefaultBatchesSubdir   = "batches"
	DefaultScriptsSubdir   = "job_scripts"
	DefaultLogsSubdir      = "job_logs"
	DefaultResultsSubdir   = "results"
	DefaultDatabaseSubdir  = "raw"
	DefaultProjectDataRoot = "data"
)

// RequiredSlurmKeys must be present in slurm_config.
var RequiredSlurmKeys = []string{"account", "partition", "time", "nodes"}
