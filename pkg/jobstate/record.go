package jobstate

import (
	"fmt"
	"time"
)

// JobIDDryRun is stored in the job_id column for simulated submissions.
const JobIDDryRun = "dry-run"

// NoParamCombination is written to the param_combination_id column for rows
// that are not tied to a parameter combination.
const NoParamCombination = "NA"

// SubJobKey identifies one schedulable unit.
type SubJobKey struct {
	BatchID            int
	ParamCombinationID string
}

func (k SubJobKey) String() string {
	if k.ParamCombinationID == "" || k.ParamCombinationID == NoParamCombination {
		return fmt.Sprintf("batch_%d", k.BatchID)
	}
	return k.ParamCombinationID
}

// Record is one row of the job status table.
type Record struct {
	BatchID            int
	JobID              string
	ParamCombinationID string
	Status             Status
	SubmissionTime     *time.Time
	CompletionTime     *time.Time
	WorkflowStage      string

	// raw holds the original fields of a row that could not be parsed. Such rows
	// are written back untouched and ignored by every other operation.
	raw []string
}

// Key returns the sub-job identity of the record.
func (r *Record) Key() SubJobKey {
	pc := r.ParamCombinationID
	if pc == NoParamCombination {
		pc = ""
	}
	return SubJobKey{BatchID: r.BatchID, ParamCombinationID: pc}
}

// Valid reports whether the row parsed cleanly.
func (r *Record) Valid() bool {
	return r.raw == nil
}

// HasJob reports whether the row carries a scheduler job id.
func (r *Record) HasJob() bool {
	return r.JobID != "" && r.JobID != JobIDDryRun
}

// SetStatus applies a status change if the transition table allows it.
func (r *Record) SetStatus(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s for %s", displayStatus(r.Status), to, r.Key())
	}
	r.Status = to
	return nil
}

// Reset returns a FAILED, CANCELLED or DRY-RUN row to NEVER_SUBMITTED, clearing
// the job id and timestamps so a new submission starts from a clean slate.
func (r *Record) Reset() error {
	if err := r.SetStatus(StatusNeverSubmitted); err != nil {
		return err
	}
	r.JobID = ""
	r.SubmissionTime = nil
	r.CompletionTime = nil
	r.WorkflowStage = StatusNeverSubmitted.Stage()
	return nil
}

// Timestamp truncates t to whole seconds.
func Timestamp(t time.Time) *time.Time {
	ts := t.Truncate(time.Second)
	return &ts
}

func displayStatus(s Status) string {
	if s == statusUnset {
		return "<unset>"
	}
	return string(s)
}
