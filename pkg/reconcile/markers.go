package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/script"
)

// StepState is what the filesystem says about one workflow step.
type StepState int

const (
	// StepNotReached means the step directory does not exist.
	StepNotReached StepState = iota

	// StepUnfinished means the directory exists but holds no exit marker.
	StepUnfinished

	// StepFailed means the marker holds a non-zero code.
	StepFailed

	// StepCompleted means the marker reads "0".
	StepCompleted
)

func (s StepState) String() string {
	switch s {
	case StepNotReached:
		return "not_reached"
	case StepUnfinished:
		return "unfinished"
	case StepFailed:
		return "failed"
	case StepCompleted:
		return "completed"
	}
	return fmt.Sprintf("StepState(%d)", int(s))
}

// StepReport describes one step of one sub-job.
type StepReport struct {
	Name  string
	Dir   string
	State StepState

	// Code is the marker content, empty when there is no marker.
	Code string
}

// ReadMarker returns the trimmed content of an exit_status.log and whether it
// exists.
func ReadMarker(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

// RootMarker reads the sub-job level exit marker.
func RootMarker(outputDir string) (string, bool) {
	return ReadMarker(filepath.Join(outputDir, script.ExitStatusFile))
}

// InspectSteps reports the state of every workflow step below outputDir.
func InspectSteps(outputDir string, steps []manifest.WorkflowStep) []StepReport {
	out := make([]StepReport, 0, len(steps))
	for _, s := range steps {
		r := StepReport{Name: s.Name, Dir: filepath.Join(outputDir, s.OutputSubdir)}
		info, err := os.Stat(r.Dir)
		switch {
		case err != nil || !info.IsDir():
			r.State = StepNotReached
		default:
			code, ok := ReadMarker(filepath.Join(r.Dir, script.ExitStatusFile))
			r.Code = code
			switch {
			case !ok:
				r.State = StepUnfinished
			case code == "0":
				r.State = StepCompleted
			default:
				r.State = StepFailed
			}
		}
		out = append(out, r)
	}
	return out
}

// ClassifySteps applies the partial-completion rule to a finished sub-job:
// every step completed is COMPLETED, some but not all is PARTIALLY_COMPLETE,
// none is FAILED. An unfinished step counts as failed.
func ClassifySteps(reports []StepReport) jobstate.Status {
	done := 0
	for _, r := range reports {
		if r.State == StepCompleted {
			done++
		}
	}
	switch {
	case len(reports) > 0 && done == len(reports):
		return jobstate.StatusCompleted
	case done > 0:
		return jobstate.StatusPartiallyComplete
	}
	return jobstate.StatusFailed
}

// ClassifyExited derives the status of a sub-job that has left the queue.
// COMPLETED requires a root marker reading "0". Otherwise the step markers
// decide between PARTIALLY_COMPLETE and FAILED.
func ClassifyExited(outputDir string, steps []manifest.WorkflowStep) jobstate.Status {
	if code, ok := RootMarker(outputDir); ok && code == "0" {
		return jobstate.StatusCompleted
	}
	st := ClassifySteps(InspectSteps(outputDir, steps))
	if st == jobstate.StatusCompleted {
		// Every step passed but the script never reached its final marker.
		return jobstate.StatusFailed
	}
	return st
}

// OutputDir returns where a record's sub-job writes its results.
func OutputDir(resultsDir string, rec *jobstate.Record) string {
	key := rec.Key()
	if key.ParamCombinationID == "" {
		return filepath.Join(resultsDir, fmt.Sprintf("batch_%d", key.BatchID))
	}
	return filepath.Join(resultsDir, key.ParamCombinationID)
}
