// Package script builds and renders the SLURM batch scripts that run one
// sub-job's workflow.
//
// A Script is an ordered list of typed statements. Generation decides WHAT a
// job does (directives, exports, guarded steps); Render alone decides how that
// is spelled in bash.
package script

// ExitStatusFile is the marker written by every step and by the job itself.
const ExitStatusFile = "exit_status.log"

// Statement is one element of a script body.
type Statement interface {
	statement()
}

// Script is a complete batch script.
type Script struct {
	// Shell is the interpreter line. Default: /bin/bash.
	Shell string

	// Directives are emitted as #SBATCH lines before anything else.
	Directives []Directive

	Body []Statement
}

// Add appends statements to the body.
func (s *Script) Add(stmts ...Statement) {
	s.Body = append(s.Body, stmts...)
}

// Directive is a scheduler resource request: #SBATCH --Key=Value.
type Directive struct {
	Key   string
	Value string
}

// Comment is a "# ..." line.
type Comment struct {
	Text string
}

// Blank is an empty line.
type Blank struct{}

// Export sets an environment variable. Values are double-quoted, so $VAR
// references in them still expand.
type Export struct {
	Name  string
	Value string
}

// Raw is a line copied verbatim, used for operator-provided setup.
type Raw struct {
	Text string
}

// Echo prints a log line with a severity marker.
type Echo struct {
	Level string
	Text  string
}

// MkdirAll creates a directory and its parents.
type MkdirAll struct {
	Path string
}

// Dependency is an advisory check that another step has succeeded.
type Dependency struct {
	Step   string
	Marker string
}

// TemplateCopy copies a run-file template into a step directory and sets
// KEY VALUE lines in the copy, replacing an existing line for the key or
// appending one.
type TemplateCopy struct {
	Source string
	Dest   string
	Sets   []TemplateSet
}

// TemplateSet is one KEY VALUE line. Value is expanded by the shell.
type TemplateSet struct {
	Key   string
	Value string
}

// GuardedStep runs a workflow step unless its marker already reads 0.
//
// The command's exit code is captured immediately and written to Marker. A
// failing required step appends BatchID to FailedList and ends the script with
// exit 1; a failing optional step is logged and the script continues.
type GuardedStep struct {
	Name       string
	Index      int
	Total      int
	Dir        string
	Marker     string
	DependsOn  []Dependency
	Template   *TemplateCopy
	Command    []string
	Required   bool
	BatchID    int
	FailedList string
}

// WriteExitStatus writes Code to Path.
type WriteExitStatus struct {
	Path string
	Code int
}

// Exit ends the script.
type Exit struct {
	Code int
}

func (Comment) statement()         {}
func (Blank) statement()           {}
func (Export) statement()          {}
func (Raw) statement()             {}
func (Echo) statement()            {}
func (MkdirAll) statement()        {}
func (*GuardedStep) statement()    {}
func (WriteExitStatus) statement() {}
func (Exit) statement()            {}
