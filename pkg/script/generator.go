package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"go.uber.org/zap"
)

// ErrScriptNotFound is returned when a step's script reference resolves to
// neither a file nor a python module.
var ErrScriptNotFound = errors.New("workflow script not found")

// ConfigError is a generation-time configuration problem. It is never retried.
type ConfigError struct {
	Step      string
	Reference string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("step %s: %q: %v", e.Step, e.Reference, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	moduleRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)+$`)
	templateKeyRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	directiveRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)
)

// SubJob is one schedulable unit handed to the generator.
type SubJob struct {
	BatchID int

	// Name is the scheduler job name and the script/log file stem:
	// "batch_{id}" or "B{id}_{combination}".
	Name string

	// OutputDir is the sub-job root; step directories live below it.
	OutputDir string

	// Params are exported as SIM_VAR_ variables and applied to templates.
	Params parammatrix.Params
}

// Generated describes a written script.
type Generated struct {
	Path      string
	Name      string
	OutputDir string
	FileList  string
	Script    *Script
}

// Options tunes generation.
type Options struct {
	// Python is the interpreter for .py steps and modules. Default: python.
	Python string

	// Bash is the interpreter for shell steps. Default: bash.
	Bash string

	Logger *zap.Logger
}

// Generator turns a manifest's workflow into per-sub-job scripts.
type Generator struct {
	m      *manifest.Manifest
	steps  []manifest.WorkflowStep
	opts   Options
	logger *zap.Logger
}

// NewGenerator returns a generator for the manifest's workflow.
func NewGenerator(m *manifest.Manifest, opts Options) *Generator {
	if opts.Python == "" {
		opts.Python = "python"
	}
	if opts.Bash == "" {
		opts.Bash = "bash"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Generator{m: m, steps: m.Steps(), opts: opts, logger: opts.Logger}
}

// Steps returns the workflow the generator renders.
func (g *Generator) Steps() []manifest.WorkflowStep {
	return g.steps
}

// ScriptPath returns where the script of a sub-job is written.
func (g *Generator) ScriptPath(name string) string {
	return filepath.Join(g.m.Output.ScriptsDir, "job_"+name+".sh")
}

// Generate writes the input file list and the job script for sub, creating
// the sub-job output directory and the log directory.
func (g *Generator) Generate(sub SubJob, files []string) (*Generated, error) {
	s, err := g.Build(sub)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(sub.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(g.m.Output.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	if err := os.MkdirAll(g.m.Output.ScriptsDir, 0755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}

	fileList := g.m.FileListPath(sub.OutputDir)
	if err := os.WriteFile(fileList, []byte(joinLines(files)), 0644); err != nil {
		return nil, fmt.Errorf("write file list: %w", err)
	}

	path := g.ScriptPath(sub.Name)
	if err := os.WriteFile(path, []byte(Render(s)), 0755); err != nil {
		return nil, fmt.Errorf("write job script: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0755); err != nil {
		return nil, fmt.Errorf("chmod job script: %w", err)
	}

	g.logger.Debug("Generated job script",
		zap.String("sub_job", sub.Name),
		zap.String("path", path),
		zap.Int("files", len(files)))

	return &Generated{Path: path, Name: sub.Name, OutputDir: sub.OutputDir, FileList: fileList, Script: s}, nil
}

// Build assembles the script for sub without touching the filesystem beyond
// resolving script references.
func (g *Generator) Build(sub SubJob) (*Script, error) {
	if len(g.steps) == 0 {
		return nil, &ConfigError{Step: "", Reference: "", Err: errors.New("no workflow steps configured")}
	}

	s := &Script{Directives: g.directives(sub.Name)}

	s.Add(
		Comment{Text: fmt.Sprintf("Sub-job %s (batch %d)", sub.Name, sub.BatchID)},
		Blank{},
	)
	if setup := strings.TrimSpace(g.m.EnvironmentSetup); setup != "" {
		s.Add(Raw{Text: setup}, Blank{})
	}
	for _, e := range g.m.Environment {
		s.Add(Export{Name: e.Key, Value: e.Value})
	}
	s.Add(
		Export{Name: "BATCH_ID", Value: strconv.Itoa(sub.BatchID)},
		Export{Name: "SUB_JOB_NAME", Value: sub.Name},
		Export{Name: "OUTPUT_DIR", Value: sub.OutputDir},
	)
	for _, p := range sub.Params {
		s.Add(Export{Name: parammatrix.EnvName(p.Key), Value: parammatrix.FormatValue(p.Value)})
	}
	s.Add(
		Blank{},
		MkdirAll{Path: sub.OutputDir},
		Echo{Level: "INFO", Text: fmt.Sprintf("Starting sub-job %s on ${HOSTNAME:-unknown} at $(date)", sub.Name)},
		Blank{},
	)

	input := g.m.FileListPath(sub.OutputDir)
	for i, step := range g.steps {
		gs, err := g.guardedStep(sub, step, i, input)
		if err != nil {
			return nil, err
		}
		s.Add(gs)
		input = gs.Dir
	}

	s.Add(
		WriteExitStatus{Path: filepath.Join(sub.OutputDir, ExitStatusFile), Code: 0},
		Echo{Level: "INFO", Text: fmt.Sprintf("Sub-job %s completed at $(date)", sub.Name)},
		Exit{Code: 0},
	)
	return s, nil
}

func (g *Generator) guardedStep(sub SubJob, step manifest.WorkflowStep, i int, input string) (*GuardedStep, error) {
	dir := filepath.Join(sub.OutputDir, step.OutputSubdir)
	gs := &GuardedStep{
		Name:       step.Name,
		Index:      i + 1,
		Total:      len(g.steps),
		Dir:        dir,
		Marker:     filepath.Join(dir, ExitStatusFile),
		Required:   step.Required,
		BatchID:    sub.BatchID,
		FailedList: g.m.Output.FailedBatchesFile,
	}

	for _, dep := range step.DependsOn {
		ds, ok := g.step(dep)
		if !ok {
			return nil, &ConfigError{Step: step.Name, Reference: dep, Err: errors.New("unknown dependency")}
		}
		gs.DependsOn = append(gs.DependsOn, Dependency{
			Step:   dep,
			Marker: filepath.Join(sub.OutputDir, ds.OutputSubdir, ExitStatusFile),
		})
	}

	cmd, err := g.resolveCommand(step)
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, strconv.Itoa(sub.BatchID), input, dir)

	if ref, ok := g.m.Template(step.Name); ok {
		src, found := g.findFile(ref)
		if !found {
			return nil, &ConfigError{Step: step.Name, Reference: ref, Err: fmt.Errorf("template: %w", os.ErrNotExist)}
		}
		tc := &TemplateCopy{Source: src, Dest: filepath.Join(dir, filepath.Base(src))}
		for _, p := range sub.Params {
			key := g.m.TemplateKey(p.Key)
			if !templateKeyRe.MatchString(key) {
				return nil, &ConfigError{Step: step.Name, Reference: key, Err: errors.New("invalid template key")}
			}
			tc.Sets = append(tc.Sets, TemplateSet{Key: key, Value: "${" + parammatrix.EnvName(p.Key) + "}"})
		}
		gs.Template = tc
		cmd = append(cmd, tc.Dest)
	}
	gs.Command = cmd
	return gs, nil
}

func (g *Generator) step(name string) (manifest.WorkflowStep, bool) {
	for _, s := range g.steps {
		if s.Name == name {
			return s, true
		}
	}
	return manifest.WorkflowStep{}, false
}

// resolveCommand turns a script reference into the interpreter invocation.
//
// Existing .py files run with python; other existing files run with bash. A
// reference that is not a file but looks like a dotted module runs as
// python -m. Anything else is a configuration error.
func (g *Generator) resolveCommand(step manifest.WorkflowStep) ([]string, error) {
	ref := strings.TrimSpace(step.Script)
	if path, ok := g.findFile(ref); ok {
		if strings.EqualFold(filepath.Ext(path), ".py") {
			return []string{g.opts.Python, path}, nil
		}
		return []string{g.opts.Bash, path}, nil
	}
	if !strings.ContainsAny(ref, `/\`) && moduleRe.MatchString(ref) && !looksLikeFile(ref) {
		return []string{g.opts.Python, "-m", ref}, nil
	}
	return nil, &ConfigError{Step: step.Name, Reference: ref, Err: ErrScriptNotFound}
}

func (g *Generator) findFile(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	candidates := []string{ref}
	if !filepath.IsAbs(ref) && g.m.ConfigPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(g.m.ConfigPath), ref))
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err == nil && !info.IsDir() {
			abs, err := filepath.Abs(c)
			if err != nil {
				abs = c
			}
			return abs, true
		}
	}
	return "", false
}

// looksLikeFile reports whether a dotted reference ends in a script extension
// and so names a missing file rather than a module.
func looksLikeFile(ref string) bool {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".py", ".sh", ".bash":
		return true
	}
	return false
}

// directives returns the #SBATCH lines: job name and log paths unless the
// operator set them, then slurm_config in document order.
func (g *Generator) directives(name string) []Directive {
	var out []Directive
	add := func(k, v string) {
		if !g.m.Slurm.Has(k) {
			out = append(out, Directive{Key: k, Value: v})
		}
	}
	add("job-name", name)
	add("output", filepath.Join(g.m.Output.LogsDir, "job_"+name+"_%j.out"))
	add("error", filepath.Join(g.m.Output.LogsDir, "job_"+name+"_%j.err"))

	for _, e := range g.m.Slurm {
		key := strings.ReplaceAll(strings.TrimSpace(e.Key), "_", "-")
		if !directiveRe.MatchString(key) {
			g.logger.Warn("Skipping invalid SLURM directive", zap.String("key", e.Key))
			continue
		}
		val := e.Value
		if key == "time" {
			val = FormatWallTime(val)
		}
		out = append(out, Directive{Key: key, Value: val})
	}
	return out
}

// FormatWallTime converts a plain number of seconds to HH:MM:SS. Other values
// are returned unchanged. Hours are not wrapped at 24.
func FormatWallTime(v string) string {
	v = strings.TrimSpace(v)
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || strings.Contains(v, ":") {
			return v
		}
		secs = int64(f)
	}
	if secs < 0 {
		return v
	}
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
