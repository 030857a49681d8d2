package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/graspatracker/internal/assets/schemas"
	"github.com/3leaps/graspatracker/pkg/batch"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"github.com/fulmenhq/gofulmen/schema"
	"go.uber.org/multierr"
)

// SchemaID is the schema identifier for workflow manifests.
const SchemaID = "graspatracker/v1.0.0/workflow-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")

	// ErrStepCycle indicates the depends_on graph has a cycle.
	ErrStepCycle = errors.New("workflow step dependency cycle")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/batch/size").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.WorkflowManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded workflow-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.WorkflowManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate runs the semantic checks the schema cannot express. All problems
// are reported together.
func (m *Manifest) Validate() error {
	var errs error
	add := func(path, format string, args ...any) {
		errs = multierr.Append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Batch.Size <= 0 {
		add("/batch/size", "must be positive, got %d", m.Batch.Size)
	}
	if m.Batch.MaxConcurrent <= 0 {
		add("/batch/max_concurrent", "must be positive, got %d", m.Batch.MaxConcurrent)
	}
	if _, err := batch.ParseStrategy(m.Batch.Strategy); err != nil {
		add("/batch/strategy", "%v", err)
	}
	if r := m.Batch.Range; r != nil && r.Start > 0 && r.End > 0 && r.Start > r.End {
		add("/batch/range", "start %d is after end %d", r.Start, r.End)
	}
	if _, err := m.SizeThresholds(); err != nil {
		add("/batch/size_thresholds", "%v", err)
	}

	for _, k := range RequiredSlurmKeys {
		if v, ok := m.Slurm.Get(k); !ok || strings.TrimSpace(v) == "" {
			add("/slurm_config/"+k, "required SLURM setting is missing")
		}
	}

	steps := m.Steps()
	if len(steps) == 0 {
		add("/workflow", "no workflow steps configured (set workflow.steps or scripts)")
	}
	names := make(map[string]bool, len(steps))
	subdirs := make(map[string]string, len(steps))
	for i, s := range steps {
		p := fmt.Sprintf("/workflow/steps/%d", i)
		if s.Name == "" {
			add(p+"/name", "step name is empty")
			continue
		}
		if names[s.Name] {
			add(p+"/name", "duplicate step name %q", s.Name)
		}
		names[s.Name] = true
		if other, ok := subdirs[s.OutputSubdir]; ok {
			add(p+"/output_subdir", "step %q shares output_subdir %q with step %q", s.Name, s.OutputSubdir, other)
		}
		subdirs[s.OutputSubdir] = s.Name
		if strings.TrimSpace(s.Script) == "" {
			add(p+"/script", "step %q has no script", s.Name)
		}
	}
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				add(fmt.Sprintf("/workflow/steps/%d/depends_on", i), "step %q depends on unknown step %q", s.Name, dep)
			}
		}
	}
	if cycle := stepCycle(steps); len(cycle) > 0 {
		add("/workflow", "%v: %s", ErrStepCycle, strings.Join(cycle, ", "))
	}
	if ps := m.Workflow.ProgressStep; ps != "" && !names[ps] {
		add("/workflow/progress_step", "unknown step %q", ps)
	}

	for key := range m.RunFileTemplates {
		step, ok := strings.CutSuffix(key, "_input")
		if !ok || !names[step] {
			add("/run_file_templates/"+key, "template key must be <step>_input for a configured step")
		}
	}

	pm := m.ParameterMatrix
	switch parammatrix.Mode(pm.Combinations) {
	case parammatrix.ModeAll:
	case parammatrix.ModeCustom:
		if len(pm.CustomCombinations) == 0 {
			add("/parameter_matrix/custom_combinations", "required when combinations is custom")
		}
	default:
		add("/parameter_matrix/combinations", "must be all or custom, got %q", pm.Combinations)
	}
	mc := m.MatrixConfig()
	if _, err := parammatrix.Expand(mc.Axes, mc.Mode, mc.Custom); err != nil {
		add("/parameter_matrix", "%v", err)
	}

	if m.Archive.Enabled && m.Archive.Bucket == "" {
		add("/archive/bucket", "required when archive is enabled")
	}

	if errs == nil {
		return nil
	}
	var out ValidationErrors
	for _, e := range multierr.Errors(errs) {
		var ve ValidationError
		if errors.As(e, &ve) {
			out = append(out, ve)
		}
	}
	return out
}

// stepCycle returns the names of steps on a depends_on cycle, sorted.
func stepCycle(steps []WorkflowStep) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := indegree[dep]; !ok {
				continue
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}
	var queue []string
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited == len(indegree) {
		return nil
	}
	var cycle []string
	for n, d := range indegree {
		if d > 0 {
			cycle = append(cycle, n)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// JSON returns the loaded manifest as indented JSON.
func (m *Manifest) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
