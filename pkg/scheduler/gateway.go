// Package scheduler talks to the SLURM command-line tools.
//
// Every call shells out to sbatch, squeue, sacct or scancel. The CLI is
// treated as flaky: status lookups degrade to StatusUnknown instead of
// failing, and callers retry on the next poll tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/graspatracker/pkg/jobstate"
)

var (
	// ErrSchedulerNotFound is returned when a scheduler command is not on PATH.
	ErrSchedulerNotFound = errors.New("scheduler command not found")

	// ErrJobIDParseFailed is returned when sbatch succeeded but its output
	// carried no recognizable job id.
	ErrJobIDParseFailed = errors.New("could not parse job id from submit output")

	// ErrScriptMissing is returned when the script to submit does not exist.
	ErrScriptMissing = errors.New("job script missing")
)

// RawStatus is a scheduler-reported job state, reduced to a small vocabulary.
type RawStatus string

const (
	StatusPending   RawStatus = "PENDING"
	StatusRunning   RawStatus = "RUNNING"
	StatusCompleted RawStatus = "COMPLETED"
	StatusCancelled RawStatus = "CANCELLED"
	StatusFailed    RawStatus = "FAILED"
	StatusTimeout   RawStatus = "TIMEOUT"

	// StatusUnknown means neither the live queue nor accounting knew the job.
	StatusUnknown RawStatus = "UNKNOWN"
)

// Known reports whether the scheduler returned a usable state.
func (s RawStatus) Known() bool {
	return s != StatusUnknown && s != ""
}

// JobStatus maps the scheduler state onto the stored lifecycle. TIMEOUT is a
// failure. The second result is false for StatusUnknown.
func (s RawStatus) JobStatus() (jobstate.Status, bool) {
	switch s {
	case StatusPending:
		return jobstate.StatusPending, true
	case StatusRunning:
		return jobstate.StatusRunning, true
	case StatusCompleted:
		return jobstate.StatusCompleted, true
	case StatusCancelled:
		return jobstate.StatusCancelled, true
	case StatusFailed, StatusTimeout:
		return jobstate.StatusFailed, true
	}
	return "", false
}

// NormalizeState reduces a squeue or sacct state token to a RawStatus.
//
// sacct decorates some states ("CANCELLED by 1234") and squeue reports
// transitional states such as COMPLETING; both are folded here.
func NormalizeState(state string) RawStatus {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(state)))
	if len(fields) == 0 {
		return StatusUnknown
	}
	switch strings.TrimRight(fields[0], "+") {
	case "PENDING", "PD", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "CONFIGURING", "CF", "RESV_DEL_HOLD":
		return StatusPending
	case "RUNNING", "R", "COMPLETING", "CG", "SUSPENDED", "S", "STOPPED", "ST",
		"RESIZING", "SIGNALING", "STAGE_OUT", "UPDATE_DB":
		return StatusRunning
	case "COMPLETED", "CD":
		return StatusCompleted
	case "CANCELLED", "CA", "REVOKED", "PREEMPTED", "PR":
		return StatusCancelled
	case "FAILED", "F", "NODE_FAIL", "NF", "BOOT_FAIL", "BF", "OUT_OF_MEMORY", "OOM",
		"DEADLINE", "DL", "SPECIAL_EXIT", "SE":
		return StatusFailed
	case "TIMEOUT", "TO":
		return StatusTimeout
	}
	return StatusUnknown
}

// QueuedJob is one entry of the user's live queue.
type QueuedJob struct {
	ID    string
	Name  string
	State RawStatus
}

// Gateway is the scheduler contract used by the reconciler and orchestrator.
type Gateway interface {
	// Submit queues the script and returns the job id. In dry-run mode nothing
	// is submitted and jobstate.JobIDDryRun is returned.
	Submit(ctx context.Context, scriptPath string, dryRun bool) (string, error)

	// Status returns the job's state, or StatusUnknown. It never fails.
	Status(ctx context.Context, jobID string) RawStatus

	// QueueIDs lists every job id currently queued or running for the user.
	QueueIDs(ctx context.Context) (map[string]struct{}, error)

	// QueueJobs lists the user's queued jobs with their names.
	QueueJobs(ctx context.Context) ([]QueuedJob, error)

	// Cancel asks the scheduler to cancel a job.
	Cancel(ctx context.Context, jobID string) error

	// Available checks that the scheduler commands can be found.
	Available() error
}

// CommandError is a scheduler command that ran and exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
